package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	scopes, err := marshalJSON(u.Scopes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (api_key, username, plan, enabled, expires_at, total_tokens,
		 daily_tokens_used, last_usage_timestamp, last_updated_timestamp,
		 last_rotation_timestamp, scopes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.APIKey, u.Username, u.Plan, boolToInt(u.Enabled), timeToStr(u.ExpiresAt),
		u.TotalTokens, u.DailyTokensUsed, u.LastUsageTimestamp, u.LastUpdatedTimestamp,
		u.LastRotationTimestamp, scopes,
	)
	return err
}

// GetUser retrieves a user by API key.
func (s *Store) GetUser(ctx context.Context, apiKey string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT api_key, username, plan, enabled, expires_at, total_tokens,
		 daily_tokens_used, last_usage_timestamp, last_updated_timestamp,
		 last_rotation_timestamp, scopes
		 FROM users WHERE api_key = ?`, apiKey,
	)
	return scanUser(row)
}

// ListUsers returns every user, ordered by API key.
func (s *Store) ListUsers(ctx context.Context) ([]*gateway.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT api_key, username, plan, enabled, expires_at, total_tokens,
		 daily_tokens_used, last_usage_timestamp, last_updated_timestamp,
		 last_rotation_timestamp, scopes
		 FROM users ORDER BY api_key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser overwrites a user record in place (plan/enabled/quota changes).
func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	scopes, err := marshalJSON(u.Scopes)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET username=?, plan=?, enabled=?, expires_at=?, total_tokens=?,
		 daily_tokens_used=?, last_usage_timestamp=?, last_updated_timestamp=?,
		 last_rotation_timestamp=?, scopes=? WHERE api_key=?`,
		u.Username, u.Plan, boolToInt(u.Enabled), timeToStr(u.ExpiresAt), u.TotalTokens,
		u.DailyTokensUsed, u.LastUsageTimestamp, u.LastUpdatedTimestamp,
		u.LastRotationTimestamp, scopes, u.APIKey,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// RenameUser atomically moves a user record to a new API key, used by the
// admin `resetkey` action. There is no grace period: the old key stops
// resolving the instant this returns.
func (s *Store) RenameUser(ctx context.Context, oldKey, newKey string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET api_key=?, last_rotation_timestamp=? WHERE api_key=?`,
		newKey, time.Now().Unix(), oldKey,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, apiKey string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM users WHERE api_key=?`, apiKey)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(row scanner) (*gateway.User, error) {
	var u gateway.User
	var expiresAt sql.NullString
	var enabled int
	var scopesJSON sql.NullString

	err := row.Scan(
		&u.APIKey, &u.Username, &u.Plan, &enabled, &expiresAt, &u.TotalTokens,
		&u.DailyTokensUsed, &u.LastUsageTimestamp, &u.LastUpdatedTimestamp,
		&u.LastRotationTimestamp, &scopesJSON,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Enabled = enabled != 0
	u.ExpiresAt = parseTime(expiresAt)
	scopes, err := unmarshalStringSlice(scopesJSON)
	if err != nil {
		return nil, err
	}
	u.Scopes = scopes
	return &u, nil
}

// helpers shared by every table in this package.

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
