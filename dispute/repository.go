package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the dispute or referenced artifact does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrBadStatus signals an invalid dispute status transition.
	ErrBadStatus = errors.New("dispute: invalid status transition")
	// ErrMustBeSealed signals an attempt to attach an unsealed artifact. The
	// gate is hard: no role bypasses it.
	ErrMustBeSealed = errors.New("dispute: input must be sealed")
)

// Repository handles data access for disputes and their inputs.
type Repository interface {
	Create(ctx context.Context, id string, params CreateParams) (Record, error)
	Get(ctx context.Context, tenantID, disputeID string) (Record, error)
	Transition(ctx context.Context, tenantID, disputeID string, from, to Status) (Record, error)
	InsertInput(ctx context.Context, input Input) (Input, error)
	ListInputs(ctx context.Context, disputeID string) ([]Input, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed dispute repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `id, tenant_id, dispute_type, status::text, initiator_party_id, title, description, created_at, updated_at`

// Create inserts a new draft dispute.
func (r *PGRepository) Create(ctx context.Context, id string, params CreateParams) (Record, error) {
	insertSQL := `
		INSERT INTO disputes (id, tenant_id, dispute_type, status, initiator_party_id, title, description)
		VALUES ($1, $2, $3, 'draft', $4, $5, $6)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(r.pool.QueryRow(ctx, insertSQL, id, params.TenantID, params.DisputeType, params.InitiatorPartyID, params.Title, params.Description))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// Get retrieves a dispute by ID within the tenant.
func (r *PGRepository) Get(ctx context.Context, tenantID, disputeID string) (Record, error) {
	selectSQL := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 AND tenant_id = $2`

	rec, err := scanDispute(r.pool.QueryRow(ctx, selectSQL, disputeID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// Transition moves a dispute between statuses with a conditional write; a
// stale `from` loses with ErrBadStatus.
func (r *PGRepository) Transition(ctx context.Context, tenantID, disputeID string, from, to Status) (Record, error) {
	updateSQL := `
		UPDATE disputes
		SET status = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = $3
		RETURNING ` + disputeColumns

	rec, err := scanDispute(r.pool.QueryRow(ctx, updateSQL, disputeID, tenantID, from, to))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: transition: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1 AND tenant_id = $2)`, disputeID, tenantID).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("dispute: transition check: %w", err)
	}
	if !exists {
		return Record{}, ErrNotFound
	}
	return Record{}, ErrBadStatus
}

// InsertInput persists a custody snapshot row.
func (r *PGRepository) InsertInput(ctx context.Context, input Input) (Input, error) {
	const insertSQL = `
		INSERT INTO dispute_inputs (id, dispute_id, input_type, input_id, copied_sha256, attached_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, dispute_id, input_type::text, input_id, copied_sha256, attached_by, attached_at
	`

	var out Input
	err := r.pool.QueryRow(ctx, insertSQL, input.ID, input.DisputeID, input.InputType, input.InputID, input.CopiedSHA256, input.AttachedBy).
		Scan(&out.ID, &out.DisputeID, &out.InputType, &out.InputID, &out.CopiedSHA256, &out.AttachedBy, &out.AttachedAt)
	if err != nil {
		return Input{}, fmt.Errorf("dispute: insert input: %w", err)
	}
	return out, nil
}

// ListInputs returns a dispute's inputs ordered by attach time.
func (r *PGRepository) ListInputs(ctx context.Context, disputeID string) ([]Input, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, dispute_id, input_type::text, input_id, copied_sha256, attached_by, attached_at
		FROM dispute_inputs
		WHERE dispute_id = $1
		ORDER BY attached_at, id
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list inputs: %w", err)
	}
	defer rows.Close()

	out := make([]Input, 0, 8)
	for rows.Next() {
		var in Input
		if err := rows.Scan(&in.ID, &in.DisputeID, &in.InputType, &in.InputID, &in.CopiedSHA256, &in.AttachedBy, &in.AttachedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan input: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate inputs: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.DisputeType,
		&rec.Status,
		&rec.InitiatorPartyID,
		&rec.Title,
		&rec.Description,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
