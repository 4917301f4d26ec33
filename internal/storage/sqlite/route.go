package sqlite

import (
	"context"
	"database/sql"

	"github.com/driftgate/gateway/internal/storage"
)

// UpsertRoute writes one route into the audit table, keyed by (endpoint,
// model). config.Bootstrap calls it at startup alongside UpsertProvider.
func (s *Store) UpsertRoute(ctx context.Context, endpoint, model string, providerNames []string, owner string, tokenMultiplier float64) error {
	names, err := marshalJSON(providerNames)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO routes (endpoint_path, logical_id, provider_names, owner, token_multiplier)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint_path, logical_id) DO UPDATE SET
		 provider_names=excluded.provider_names, owner=excluded.owner,
		 token_multiplier=excluded.token_multiplier`,
		endpoint, model, names, owner, tokenMultiplier,
	)
	return err
}

// ListRoutes returns every audited route.
func (s *Store) ListRoutes(ctx context.Context) ([]storage.RouteRow, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT endpoint_path, logical_id, provider_names, owner, token_multiplier FROM routes
		 ORDER BY endpoint_path, logical_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RouteRow
	for rows.Next() {
		var r storage.RouteRow
		var names sql.NullString
		var owner sql.NullString
		if err := rows.Scan(&r.Endpoint, &r.Model, &names, &owner, &r.TokenMultiplier); err != nil {
			return nil, err
		}
		r.Owner = owner.String
		providerNames, err := unmarshalStringSlice(names)
		if err != nil {
			return nil, err
		}
		r.ProviderNames = providerNames
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRoute removes one (endpoint, model) audit row.
func (s *Store) DeleteRoute(ctx context.Context, endpoint, model string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM routes WHERE endpoint_path=? AND logical_id=?`, endpoint, model,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "route")
}
