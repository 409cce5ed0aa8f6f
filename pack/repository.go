package pack

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the dispute or pack does not exist.
	ErrNotFound = errors.New("pack: not found")
	// ErrVersionConflict signals that a concurrent assembler persisted a
	// current pack first. Callers re-fetch and retry with current state.
	ErrVersionConflict = errors.New("pack: version conflict")
	// ErrNotDraft signals a finalize attempt against a non-draft pack.
	ErrNotDraft = errors.New("pack: not in draft status")
)

// Repository handles data access for defense packs and assembly reads.
type Repository interface {
	LoadDispute(ctx context.Context, tenantID, disputeID string) (DisputeSnapshot, error)
	LoadInputs(ctx context.Context, disputeID string) ([]InputArtifact, error)
	InsertVersion(ctx context.Context, id, disputeID string, packType Type, packJSON []byte, packSHA256, assembledBy string) (Record, error)
	Get(ctx context.Context, packID string) (Record, error)
	Finalize(ctx context.Context, packID string) (Record, error)
	ListVersions(ctx context.Context, disputeID string, packType Type) ([]Record, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed pack repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LoadDispute reads the dispute metadata frozen into the cover section.
func (r *PGRepository) LoadDispute(ctx context.Context, tenantID, disputeID string) (DisputeSnapshot, error) {
	const selectSQL = `
		SELECT id, tenant_id, dispute_type, status::text, initiator_party_id, title, description, created_at
		FROM disputes
		WHERE id = $1 AND tenant_id = $2
	`

	var s DisputeSnapshot
	err := r.pool.QueryRow(ctx, selectSQL, disputeID, tenantID).
		Scan(&s.DisputeID, &s.TenantID, &s.DisputeType, &s.Status, &s.InitiatorPartyID, &s.Title, &s.Description, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DisputeSnapshot{}, ErrNotFound
		}
		return DisputeSnapshot{}, fmt.Errorf("pack: load dispute: %w", err)
	}
	return s, nil
}

// LoadInputs joins dispute inputs with the sealed artifacts they snapshot.
// The copied hash comes from the input row, never from the live artifact.
func (r *PGRepository) LoadInputs(ctx context.Context, disputeID string) ([]InputArtifact, error) {
	const selectSQL = `
		SELECT i.id,
		       i.input_type::text,
		       i.input_id,
		       i.copied_sha256,
		       i.attached_at,
		       COALESCE(o.title, b.title, ''),
		       COALESCE(o.source_type, b.bundle_type, ''),
		       o.occurred_at,
		       COALESCE(o.created_at, b.created_at, i.attached_at)
		FROM dispute_inputs i
		LEFT JOIN evidence_objects o ON i.input_type = 'evidence_object' AND o.id = i.input_id
		LEFT JOIN evidence_bundles b ON i.input_type = 'evidence_bundle' AND b.id = i.input_id
		WHERE i.dispute_id = $1
		ORDER BY i.attached_at, i.id
	`

	rows, err := r.pool.Query(ctx, selectSQL, disputeID)
	if err != nil {
		return nil, fmt.Errorf("pack: load inputs: %w", err)
	}
	defer rows.Close()

	out := make([]InputArtifact, 0, 8)
	for rows.Next() {
		var in InputArtifact
		if err := rows.Scan(&in.InputID, &in.InputType, &in.SourceID, &in.CopiedSHA256, &in.AttachedAt, &in.Title, &in.SourceType, &in.OccurredAt, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("pack: scan input: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pack: iterate inputs: %w", err)
	}
	return out, nil
}

const packColumns = `id, dispute_id, pack_type::text, pack_version, pack_status::text, pack_json, pack_sha256, assembled_by, created_at`

// InsertVersion persists a new current pack for the dispute+type lineage.
// The prior current row (if any) is locked and flipped to superseded in the
// same transaction, so no window exposes two current packs. A partial unique
// index backstops the invariant; racing writers lose with ErrVersionConflict.
func (r *PGRepository) InsertVersion(ctx context.Context, id, disputeID string, packType Type, packJSON []byte, packSHA256, assembledBy string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("pack: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		priorID      *string
		priorVersion int
	)
	err = tx.QueryRow(ctx, `
		SELECT id, pack_version
		FROM defense_packs
		WHERE dispute_id = $1 AND pack_type = $2 AND pack_status IN ('draft','finalized')
		FOR UPDATE
	`, disputeID, packType).Scan(&priorID, &priorVersion)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("pack: lock current: %w", err)
	}

	if priorID != nil {
		if _, err := tx.Exec(ctx, `UPDATE defense_packs SET pack_status = 'superseded' WHERE id = $1`, *priorID); err != nil {
			return Record{}, fmt.Errorf("pack: supersede prior: %w", err)
		}
	}

	insertSQL := `
		INSERT INTO defense_packs (id, dispute_id, pack_type, pack_version, pack_status, pack_json, pack_sha256, assembled_by)
		VALUES ($1, $2, $3, $4, 'draft', $5, $6, $7)
		RETURNING ` + packColumns

	rec, err := scanPack(tx.QueryRow(ctx, insertSQL, id, disputeID, packType, priorVersion+1, packJSON, packSHA256, assembledBy))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrVersionConflict
		}
		return Record{}, fmt.Errorf("pack: insert version: %w", err)
	}

	// Packs assembled: reflect on the dispute once the first pack lands.
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET status = 'packs_assembled', updated_at = now()
		WHERE id = $1 AND status = 'draft'
	`, disputeID); err != nil {
		return Record{}, fmt.Errorf("pack: mark dispute: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("pack: commit version: %w", err)
	}
	return rec, nil
}

// Get retrieves a pack by ID.
func (r *PGRepository) Get(ctx context.Context, packID string) (Record, error) {
	selectSQL := `SELECT ` + packColumns + ` FROM defense_packs WHERE id = $1`

	rec, err := scanPack(r.pool.QueryRow(ctx, selectSQL, packID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("pack: get: %w", err)
	}
	return rec, nil
}

// Finalize transitions a draft pack to finalized.
func (r *PGRepository) Finalize(ctx context.Context, packID string) (Record, error) {
	updateSQL := `
		UPDATE defense_packs
		SET pack_status = 'finalized'
		WHERE id = $1 AND pack_status = 'draft'
		RETURNING ` + packColumns

	rec, err := scanPack(r.pool.QueryRow(ctx, updateSQL, packID))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("pack: finalize: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM defense_packs WHERE id = $1)`, packID).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("pack: finalize check: %w", err)
	}
	if !exists {
		return Record{}, ErrNotFound
	}
	return Record{}, ErrNotDraft
}

// ListVersions returns a lineage's packs ordered by version.
func (r *PGRepository) ListVersions(ctx context.Context, disputeID string, packType Type) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+packColumns+`
		FROM defense_packs
		WHERE dispute_id = $1 AND pack_type = $2
		ORDER BY pack_version
	`, disputeID, packType)
	if err != nil {
		return nil, fmt.Errorf("pack: list versions: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.DisputeID, &rec.PackType, &rec.PackVersion, &rec.PackStatus, &rec.PackJSON, &rec.PackSHA256, &rec.AssembledBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("pack: scan version: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pack: iterate versions: %w", err)
	}
	return out, nil
}

func scanPack(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.DisputeID,
		&rec.PackType,
		&rec.PackVersion,
		&rec.PackStatus,
		&rec.PackJSON,
		&rec.PackSHA256,
		&rec.AssembledBy,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
