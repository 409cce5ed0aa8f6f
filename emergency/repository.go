package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodia/hold"
)

var (
	ErrNotFound        = errors.New("emergency: run not found")
	ErrRunClosed       = errors.New("emergency: run is not active")
	ErrImmutableRecord = errors.New("emergency: run events are append-only")
	ErrExpiryTooFar    = errors.New("emergency: grant expiry exceeds the 72 hour ceiling")
	ErrGrantNotFound   = errors.New("emergency: scope grant not found")
)

// Repository persists emergency runs, their append-only event logs, and
// scope grants. Events expose no update or delete path; the database trigger
// backs that up against direct SQL.
type Repository interface {
	Start(ctx context.Context, params StartParams) (StartResult, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	AppendEvent(ctx context.Context, runID, eventType string, payload json.RawMessage, at time.Time) (Event, error)
	CloseRun(ctx context.Context, runID string, to Status, summary string, payload json.RawMessage, at time.Time) (Run, error)
	BindTemplate(ctx context.Context, runID, templateID string, payload json.RawMessage, at time.Time) (Run, error)
	BindProperty(ctx context.Context, runID, propertyProfileID string, payload json.RawMessage, at time.Time) (Run, error)
	ListEvents(ctx context.Context, runID string) ([]Event, error)

	InsertGrant(ctx context.Context, id string, params CreateGrantParams, grantedBy string, at time.Time) (ScopeGrant, error)
	ActiveGrantExists(ctx context.Context, tenantID, granteeID, grantType string, at time.Time) (bool, error)
	RevokeGrant(ctx context.Context, grantID, revokedBy, reason string, at time.Time) error
	SweepExpired(ctx context.Context, tenantID string, at time.Time) (int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const runColumns = `id, tenant_id, run_type, status::text, template_id, property_profile_id, summary, started_by, started_at, resolved_at`

// Start creates the run, its auto legal hold, the sealed coordination bundle,
// and the run_started event in a single transaction. A failure anywhere rolls
// back all four.
func (r *PGRepository) Start(ctx context.Context, params StartParams) (StartResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("emergency: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertRunSQL = `
		INSERT INTO emergency_runs (id, tenant_id, run_type, status, template_id, property_profile_id, summary, started_by, started_at)
		VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, $8)`

	in := params.Input
	if _, err := tx.Exec(ctx, insertRunSQL,
		params.RunID, in.TenantID, in.RunType, in.TemplateID, in.PropertyProfileID, in.Summary, params.StartedBy, params.At,
	); err != nil {
		return StartResult{}, fmt.Errorf("emergency: insert run: %w", err)
	}

	h, err := hold.CreateInTx(ctx, tx, in.TenantID, params.StartedBy, []hold.TargetParams{
		{TargetType: hold.TargetEmergencyRun, TargetID: params.RunID, Note: "auto hold for emergency run"},
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("emergency: create run hold: %w", err)
	}

	const insertBundleSQL = `
		INSERT INTO evidence_bundles (id, tenant_id, bundle_type, title, bundle_status, manifest_sha256, created_by, sealed_by, sealed_at)
		VALUES ($1, $2, 'emergency_coordination', $3, 'sealed', $4, $5, $5, $6)`

	title := "coordination snapshot for " + in.RunType + " run"
	if _, err := tx.Exec(ctx, insertBundleSQL,
		params.BundleID, in.TenantID, title, params.ManifestSHA256, params.StartedBy, params.At,
	); err != nil {
		return StartResult{}, fmt.Errorf("emergency: insert coordination bundle: %w", err)
	}

	const insertEventSQL = `
		INSERT INTO emergency_run_events (run_id, event_type, event_at, payload)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, insertEventSQL, params.RunID, EventRunStarted, params.At, params.EventPayload); err != nil {
		return StartResult{}, fmt.Errorf("emergency: insert run_started event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StartResult{}, fmt.Errorf("emergency: commit start: %w", err)
	}
	return StartResult{RunID: params.RunID, HoldID: h.ID, BundleID: params.BundleID}, nil
}

func (r *PGRepository) GetRun(ctx context.Context, runID string) (Run, error) {
	selectSQL := `SELECT ` + runColumns + ` FROM emergency_runs WHERE id = $1`

	run, err := scanRun(r.pool.QueryRow(ctx, selectSQL, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("emergency: get run: %w", err)
	}
	return run, nil
}

// AppendEvent inserts a log row for an active run. The insert is guarded by
// the run's status so a closed run cannot keep accumulating events.
func (r *PGRepository) AppendEvent(ctx context.Context, runID, eventType string, payload json.RawMessage, at time.Time) (Event, error) {
	const insertSQL = `
		INSERT INTO emergency_run_events (run_id, event_type, event_at, payload)
		SELECT er.id, $2, $3, $4
		FROM emergency_runs er
		WHERE er.id = $1 AND er.status = 'active'
		RETURNING id, run_id, event_type, event_at, payload`

	e, err := scanEvent(r.pool.QueryRow(ctx, insertSQL, runID, eventType, at, payload))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetRun(ctx, runID); getErr != nil {
			return Event{}, getErr
		}
		return Event{}, ErrRunClosed
	}
	if err != nil {
		return Event{}, fmt.Errorf("emergency: append %s event: %w", eventType, mapPgError(err))
	}
	return e, nil
}

// CloseRun transitions an active run to resolved or cancelled and appends the
// matching event in the same transaction.
func (r *PGRepository) CloseRun(ctx context.Context, runID string, to Status, summary string, payload json.RawMessage, at time.Time) (Run, error) {
	eventType := EventRunResolved
	if to == RunCancelled {
		eventType = EventRunCancelled
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("emergency: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE emergency_runs
		SET status = $2, summary = $3, resolved_at = $4
		WHERE id = $1 AND status = 'active'
		RETURNING ` + runColumns

	run, err := scanRun(tx.QueryRow(ctx, updateSQL, runID, string(to), summary, at))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetRun(ctx, runID); getErr != nil {
			return Run{}, getErr
		}
		return Run{}, ErrRunClosed
	}
	if err != nil {
		return Run{}, fmt.Errorf("emergency: close run: %w", err)
	}

	const insertEventSQL = `
		INSERT INTO emergency_run_events (run_id, event_type, event_at, payload)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, insertEventSQL, runID, eventType, at, payload); err != nil {
		return Run{}, fmt.Errorf("emergency: insert %s event: %w", eventType, mapPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, fmt.Errorf("emergency: commit close: %w", err)
	}
	return run, nil
}

func (r *PGRepository) BindTemplate(ctx context.Context, runID, templateID string, payload json.RawMessage, at time.Time) (Run, error) {
	return r.bindReference(ctx, runID, "template_id", templateID, EventTemplateBound, payload, at)
}

func (r *PGRepository) BindProperty(ctx context.Context, runID, propertyProfileID string, payload json.RawMessage, at time.Time) (Run, error) {
	return r.bindReference(ctx, runID, "property_profile_id", propertyProfileID, EventPropertyBound, payload, at)
}

func (r *PGRepository) bindReference(ctx context.Context, runID, column, value, eventType string, payload json.RawMessage, at time.Time) (Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("emergency: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE emergency_runs
		SET ` + column + ` = $2
		WHERE id = $1 AND status = 'active'
		RETURNING ` + runColumns

	run, err := scanRun(tx.QueryRow(ctx, updateSQL, runID, value))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetRun(ctx, runID); getErr != nil {
			return Run{}, getErr
		}
		return Run{}, ErrRunClosed
	}
	if err != nil {
		return Run{}, fmt.Errorf("emergency: bind %s: %w", column, err)
	}

	const insertEventSQL = `
		INSERT INTO emergency_run_events (run_id, event_type, event_at, payload)
		VALUES ($1, $2, $3, $4)`

	if _, err := tx.Exec(ctx, insertEventSQL, runID, eventType, at, payload); err != nil {
		return Run{}, fmt.Errorf("emergency: insert %s event: %w", eventType, mapPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Run{}, fmt.Errorf("emergency: commit bind: %w", err)
	}
	return run, nil
}

func (r *PGRepository) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, event_type, event_at, payload
		FROM emergency_run_events
		WHERE run_id = $1
		ORDER BY event_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("emergency: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("emergency: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const grantColumns = `id, run_id, grantee_id, grant_type, scope_json, granted_by, granted_at, expires_at, revoked_at`

// InsertGrant records a scope grant. The table CHECK constraint on the 72
// hour ceiling backstops the service-level validation.
func (r *PGRepository) InsertGrant(ctx context.Context, id string, params CreateGrantParams, grantedBy string, at time.Time) (ScopeGrant, error) {
	if params.ScopeJSON == nil {
		params.ScopeJSON = json.RawMessage(`{}`)
	}

	insertSQL := `
		INSERT INTO emergency_scope_grants (id, run_id, grantee_id, grant_type, scope_json, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + grantColumns

	g, err := scanGrant(r.pool.QueryRow(ctx, insertSQL,
		id, params.RunID, params.GranteeID, params.GrantType, params.ScopeJSON, grantedBy, at, params.ExpiresAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return ScopeGrant{}, ErrExpiryTooFar
		}
		return ScopeGrant{}, fmt.Errorf("emergency: insert grant: %w", err)
	}
	return g, nil
}

// ActiveGrantExists evaluates expiry at read time. A grant past its expiry is
// inert even before the sweep marks it revoked.
func (r *PGRepository) ActiveGrantExists(ctx context.Context, tenantID, granteeID, grantType string, at time.Time) (bool, error) {
	const existsSQL = `
		SELECT EXISTS (
			SELECT 1
			FROM emergency_scope_grants g
			JOIN emergency_runs er ON er.id = g.run_id
			WHERE er.tenant_id = $1
			  AND g.grantee_id = $2
			  AND g.grant_type = $3
			  AND g.revoked_at IS NULL
			  AND g.expires_at > $4
		)`

	var exists bool
	if err := r.pool.QueryRow(ctx, existsSQL, tenantID, granteeID, grantType, at).Scan(&exists); err != nil {
		return false, fmt.Errorf("emergency: active grant check: %w", err)
	}
	return exists, nil
}

// RevokeGrant is idempotent: revoking an already-revoked grant succeeds
// without touching the row.
func (r *PGRepository) RevokeGrant(ctx context.Context, grantID, revokedBy, reason string, at time.Time) error {
	const updateSQL = `
		UPDATE emergency_scope_grants
		SET revoked_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND revoked_at IS NULL`

	tag, err := r.pool.Exec(ctx, updateSQL, grantID, at, revokedBy, reason)
	if err != nil {
		return fmt.Errorf("emergency: revoke grant: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM emergency_scope_grants WHERE id = $1)`, grantID).Scan(&exists); err != nil {
		return fmt.Errorf("emergency: revoke grant check: %w", err)
	}
	if !exists {
		return ErrGrantNotFound
	}
	return nil
}

// SweepExpired marks grants whose expiry has passed without a revocation and
// returns how many rows it touched. Safe to run concurrently with reads.
func (r *PGRepository) SweepExpired(ctx context.Context, tenantID string, at time.Time) (int, error) {
	const updateSQL = `
		UPDATE emergency_scope_grants g
		SET revoked_at = $2, revoke_reason = 'expired'
		FROM emergency_runs er
		WHERE er.id = g.run_id
		  AND er.tenant_id = $1
		  AND g.revoked_at IS NULL
		  AND g.expires_at <= $2`

	tag, err := r.pool.Exec(ctx, updateSQL, tenantID, at)
	if err != nil {
		return 0, fmt.Errorf("emergency: sweep expired grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// mapPgError translates the append-only trigger's refusal into the package
// sentinel. The trigger raises with errcode P0001.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "P0001" {
		return ErrImmutableRecord
	}
	return err
}

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.RunType,
		&run.Status,
		&run.TemplateID,
		&run.PropertyProfileID,
		&run.Summary,
		&run.StartedBy,
		&run.StartedAt,
		&run.ResolvedAt,
	)
	return run, err
}

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	err := row.Scan(
		&e.ID,
		&e.RunID,
		&e.EventType,
		&e.EventAt,
		&e.Payload,
	)
	return e, err
}

func scanGrant(row pgx.Row) (ScopeGrant, error) {
	var g ScopeGrant
	err := row.Scan(
		&g.ID,
		&g.RunID,
		&g.GranteeID,
		&g.GrantType,
		&g.ScopeJSON,
		&g.GrantedBy,
		&g.GrantedAt,
		&g.ExpiresAt,
		&g.RevokedAt,
	)
	return g, err
}
