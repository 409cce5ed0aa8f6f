package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the hold does not exist.
	ErrNotFound = errors.New("hold: not found")
	// ErrReleased signals a write against a hold that is already released.
	ErrReleased = errors.New("hold: already released")
	// ErrHeldTarget signals a destructive or custody-altering operation
	// against a target under an active legal hold. Other packages surface
	// this sentinel verbatim.
	ErrHeldTarget = errors.New("hold: target is under an active legal hold")
)

// Repository handles data access for legal holds.
type Repository interface {
	Create(ctx context.Context, tenantID, createdBy string, targets []TargetParams) (Hold, error)
	Get(ctx context.Context, tenantID, holdID string) (Hold, error)
	AddTarget(ctx context.Context, holdID string, target TargetParams) (Target, error)
	Release(ctx context.Context, tenantID, holdID, reason string, at time.Time) (Hold, error)
	ListTargets(ctx context.Context, holdID string) ([]Target, error)
	TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed hold repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts an active hold and its initial targets in one transaction.
func (r *PGRepository) Create(ctx context.Context, tenantID, createdBy string, targets []TargetParams) (Hold, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Hold{}, fmt.Errorf("hold: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	h, err := CreateInTx(ctx, tx, tenantID, createdBy, targets)
	if err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, fmt.Errorf("hold: commit: %w", err)
	}
	return h, nil
}

// CreateInTx inserts an active hold and targets inside the caller's
// transaction. The emergency orchestrator uses this so the auto-created hold
// commits atomically with the run.
func CreateInTx(ctx context.Context, tx pgx.Tx, tenantID, createdBy string, targets []TargetParams) (Hold, error) {
	const insertSQL = `
		INSERT INTO legal_holds (tenant_id, hold_status, created_by)
		VALUES ($1, 'active', $2)
		RETURNING id, tenant_id, hold_status::text, created_by, created_at, released_at, release_reason
	`

	h, err := scanHold(tx.QueryRow(ctx, insertSQL, tenantID, createdBy))
	if err != nil {
		return Hold{}, fmt.Errorf("hold: insert: %w", err)
	}

	for _, t := range targets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO legal_hold_targets (hold_id, target_type, target_id, note)
			VALUES ($1, $2, $3, $4)
		`, h.ID, t.TargetType, t.TargetID, t.Note); err != nil {
			return Hold{}, fmt.Errorf("hold: insert target: %w", err)
		}
	}

	return h, nil
}

// Get retrieves a hold by ID within the tenant.
func (r *PGRepository) Get(ctx context.Context, tenantID, holdID string) (Hold, error) {
	const selectSQL = `
		SELECT id, tenant_id, hold_status::text, created_by, created_at, released_at, release_reason
		FROM legal_holds
		WHERE id = $1 AND tenant_id = $2
	`

	h, err := scanHold(r.pool.QueryRow(ctx, selectSQL, holdID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("hold: get: %w", err)
	}
	return h, nil
}

// AddTarget places another record under an active hold. Fails on released holds.
func (r *PGRepository) AddTarget(ctx context.Context, holdID string, target TargetParams) (Target, error) {
	const insertSQL = `
		INSERT INTO legal_hold_targets (hold_id, target_type, target_id, note)
		SELECT h.id, $2, $3, $4
		FROM legal_holds h
		WHERE h.id = $1 AND h.hold_status = 'active'
		RETURNING hold_id, target_type, target_id, note, added_at
	`

	var t Target
	err := r.pool.QueryRow(ctx, insertSQL, holdID, target.TargetType, target.TargetID, target.Note).
		Scan(&t.HoldID, &t.TargetType, &t.TargetID, &t.Note, &t.AddedAt)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Target{}, fmt.Errorf("hold: add target: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT hold_status::text FROM legal_holds WHERE id = $1`, holdID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Target{}, ErrNotFound
		}
		return Target{}, fmt.Errorf("hold: add target fetch: %w", err)
	}
	if status == StatusReleased {
		return Target{}, ErrReleased
	}
	return Target{}, ErrNotFound
}

// Release transitions a hold active -> released, one way.
func (r *PGRepository) Release(ctx context.Context, tenantID, holdID, reason string, at time.Time) (Hold, error) {
	const updateSQL = `
		UPDATE legal_holds
		SET hold_status = 'released',
		    released_at = $3,
		    release_reason = $4
		WHERE id = $1 AND tenant_id = $2 AND hold_status = 'active'
		RETURNING id, tenant_id, hold_status::text, created_by, created_at, released_at, release_reason
	`

	h, err := scanHold(r.pool.QueryRow(ctx, updateSQL, holdID, tenantID, at, reason))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Hold{}, fmt.Errorf("hold: release: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT hold_status::text FROM legal_holds WHERE id = $1 AND tenant_id = $2`, holdID, tenantID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrNotFound
		}
		return Hold{}, fmt.Errorf("hold: release fetch: %w", err)
	}
	return Hold{}, ErrReleased
}

// ListTargets returns the targets of a hold ordered by insertion.
func (r *PGRepository) ListTargets(ctx context.Context, holdID string) ([]Target, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT hold_id, target_type, target_id, note, added_at
		FROM legal_hold_targets
		WHERE hold_id = $1
		ORDER BY added_at, target_id
	`, holdID)
	if err != nil {
		return nil, fmt.Errorf("hold: list targets: %w", err)
	}
	defer rows.Close()

	out := make([]Target, 0, 8)
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.HoldID, &t.TargetType, &t.TargetID, &t.Note, &t.AddedAt); err != nil {
			return nil, fmt.Errorf("hold: scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hold: iterate targets: %w", err)
	}
	return out, nil
}

// TargetHeld reports whether the record is listed under any active hold in the
// tenant. This is the enforcement read consulted by the lifecycle and dispute
// layers before destructive operations.
func (r *PGRepository) TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error) {
	const existsSQL = `
		SELECT EXISTS (
			SELECT 1
			FROM legal_hold_targets t
			JOIN legal_holds h ON h.id = t.hold_id
			WHERE h.tenant_id = $1
			  AND h.hold_status = 'active'
			  AND t.target_type = $2
			  AND t.target_id = $3
		)
	`

	var held bool
	if err := r.pool.QueryRow(ctx, existsSQL, tenantID, targetType, targetID).Scan(&held); err != nil {
		return false, fmt.Errorf("hold: target held: %w", err)
	}
	return held, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	err := row.Scan(
		&h.ID,
		&h.TenantID,
		&h.HoldStatus,
		&h.CreatedBy,
		&h.CreatedAt,
		&h.ReleasedAt,
		&h.ReleaseReason,
	)
	if err != nil {
		return Hold{}, err
	}
	return h, nil
}
