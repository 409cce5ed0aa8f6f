package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_current_pack",
			SQL: `SELECT dispute_id, pack_type, COUNT(*) FROM defense_packs
                  WHERE pack_status IN ('draft','finalized')
                  GROUP BY dispute_id, pack_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_pack_versions_gapless",
			SQL: `WITH versions AS (
                      SELECT dispute_id, pack_type, pack_version,
                             LAG(pack_version) OVER (PARTITION BY dispute_id, pack_type ORDER BY pack_version) AS prev
                      FROM defense_packs)
                  SELECT * FROM versions WHERE prev IS NOT NULL AND pack_version <> prev + 1`,
		},
		{
			Name: "O3_sealed_objects_have_hash",
			SQL: `SELECT id FROM evidence_objects
                  WHERE (chain_status = 'sealed' AND content_sha256 IS NULL)
                     OR (chain_status = 'open' AND content_sha256 IS NOT NULL)`,
		},
		{
			Name: "O4_copied_hash_matches_sealed",
			SQL: `SELECT i.id FROM dispute_inputs i
                  JOIN evidence_objects o ON o.id = i.input_id
                  WHERE i.input_type = 'evidence_object'
                    AND o.chain_status = 'sealed'
                    AND i.copied_sha256 <> o.content_sha256`,
		},
		{
			Name: "O5_grant_ttl_ceiling",
			SQL: `SELECT id FROM emergency_scope_grants
                  WHERE expires_at > granted_at + interval '72 hours'`,
		},
		{
			Name: "O6_run_terminal_state",
			SQL: `SELECT id FROM emergency_runs
                  WHERE status <> 'active' AND resolved_at IS NULL`,
		},
		{
			Name: "O7_hold_release_recorded",
			SQL: `SELECT id FROM legal_holds
                  WHERE hold_status = 'released' AND released_at IS NULL`,
		},
		{
			Name: "O8_append_only_trigger_present",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'emergency_run_events_append_only')`,
		},
		{
			Name: "O9_first_event_is_run_started",
			SQL: `WITH firsts AS (
                      SELECT DISTINCT ON (run_id) run_id, event_type
                      FROM emergency_run_events
                      ORDER BY run_id, event_at, id)
                  SELECT * FROM firsts WHERE event_type <> 'run_started'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
