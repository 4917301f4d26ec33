package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// InsertUsage batch-inserts usage records with a single multi-row INSERT,
// avoiding N round-trips for the usage recorder worker's batch flush.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.APIKey, r.Model, r.ProviderID, r.Tokens,
			boolToInt(r.Cached), r.LatencyMs, r.StatusCode,
			r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, api_key, model, provider_id, tokens, cached, latency_ms, status_code, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records within filter's time bounds, newest
// first, capped at filter.Limit (default 1000 if unset).
func (s *Store) QueryUsage(ctx context.Context, filter gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	query := `SELECT id, api_key, model, provider_id, tokens, cached, latency_ms, status_code, request_id, created_at
		FROM usage_records WHERE 1=1`
	var args []any
	if filter.Since != "" {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if filter.Until != "" {
		query += " AND created_at < ?"
		args = append(args, filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var cached int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.APIKey, &r.Model, &r.ProviderID, &r.Tokens,
			&cached, &r.LatencyMs, &r.StatusCode, &r.RequestID, &createdAt); err != nil {
			return nil, err
		}
		r.Cached = cached != 0
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumTokens returns the total tokens recorded for apiKey since sinceUnix
// (unix seconds). /v1/usage does not call it; that handler reports the
// counters on the quota user record.
func (s *Store) SumTokens(ctx context.Context, apiKey string, sinceUnix int64) (int64, error) {
	since := time.Unix(sinceUnix, 0).UTC().Format(time.RFC3339)
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM usage_records WHERE api_key = ? AND created_at >= ?`,
		apiKey, since,
	).Scan(&total)
	return total, err
}

// UpsertRollup writes rollup counters for each (api_key, model, period,
// bucket) key -- a second upsert for the same key overwrites the existing
// counters rather than adding to them, since the rollup worker re-aggregates
// a trailing window that can overlap a prior run.
func (s *Store) UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error {
	for _, r := range rollups {
		_, err := s.write.ExecContext(ctx,
			`INSERT INTO usage_rollups (api_key, model, period, bucket, request_count, tokens, cached_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(api_key, model, period, bucket) DO UPDATE SET
			 request_count = excluded.request_count,
			 tokens = excluded.tokens,
			 cached_count = excluded.cached_count`,
			r.APIKey, r.Model, r.Period, r.Bucket, r.RequestCount, r.Tokens, r.CachedCount,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
