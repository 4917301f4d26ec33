package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/driftgate/gateway/internal"
)

// UpsertProvider writes one provider into the audit table, replacing any row
// with the same name. config.Bootstrap calls it once per configured provider
// at startup; the live routing decision only ever consults the in-memory
// catalog snapshot.
func (s *Store) UpsertProvider(ctx context.Context, p *gateway.Provider) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	limits, err := json.Marshal(p.Limits)
	if err != nil {
		return err
	}
	health, err := json.Marshal(p.Health)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(p.Capabilities)
	if err != nil {
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (name, base_url, upstream_model_id, priority,
		 token_multiplier, metadata, limits, health, capabilities, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 base_url=excluded.base_url, upstream_model_id=excluded.upstream_model_id,
		 priority=excluded.priority, token_multiplier=excluded.token_multiplier,
		 metadata=excluded.metadata, limits=excluded.limits, health=excluded.health,
		 capabilities=excluded.capabilities, updated_at=excluded.updated_at`,
		p.Name, p.BaseURL, p.UpstreamModelID, p.Priority, p.TokenMultiplier,
		string(metadata), string(limits), string(health), caps,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ListProviders returns every audited provider, priority ascending.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, base_url, upstream_model_id, priority, token_multiplier,
		 metadata, limits, health, capabilities FROM providers ORDER BY priority ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProvider removes a provider's audit row.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE name=?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(row scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var metadata, limits, health, capsJSON sql.NullString

	err := row.Scan(&p.Name, &p.BaseURL, &p.UpstreamModelID, &p.Priority, &p.TokenMultiplier,
		&metadata, &limits, &health, &capsJSON)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, err
		}
	}
	if limits.Valid {
		if err := json.Unmarshal([]byte(limits.String), &p.Limits); err != nil {
			return nil, err
		}
	}
	if health.Valid {
		if err := json.Unmarshal([]byte(health.String), &p.Health); err != nil {
			return nil, err
		}
	}
	caps, err := unmarshalStringSlice(capsJSON)
	if err != nil {
		return nil, err
	}
	p.Capabilities = caps
	return &p, nil
}
