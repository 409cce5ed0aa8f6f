package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the object or bundle does not exist.
	ErrNotFound = errors.New("evidence: not found")
	// ErrAlreadySealed signals a second seal attempt. Re-sealing is rejected,
	// not treated as idempotent, to avoid silent hash drift.
	ErrAlreadySealed = errors.New("evidence: already sealed")
	// ErrBundleSealed signals a membership write against a sealed bundle.
	ErrBundleSealed = errors.New("evidence: bundle is sealed")
)

// Repository handles data access for evidence objects and bundles.
type Repository interface {
	CreateObject(ctx context.Context, id string, params CreateObjectParams, createdBy string) (Object, error)
	GetObject(ctx context.Context, tenantID, objectID string) (Object, error)
	SealObject(ctx context.Context, tenantID, objectID, sha256, sealedBy string, at time.Time) (Object, error)
	DeleteOpenObject(ctx context.Context, tenantID, objectID string) error

	CreateBundle(ctx context.Context, id string, params CreateBundleParams, createdBy string) (Bundle, error)
	GetBundle(ctx context.Context, tenantID, bundleID string) (Bundle, error)
	ListMembers(ctx context.Context, bundleID string) ([]BundleMember, error)
	AddMember(ctx context.Context, tenantID, bundleID, objectID, addedBy string) (BundleMember, error)
	SealBundle(ctx context.Context, tenantID, bundleID, manifestSHA256, sealedBy string, at time.Time) (Bundle, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed evidence repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const objectColumns = `id, tenant_id, source_type, title, chain_status::text, content_sha256, payload, occurred_at, created_by, created_at, sealed_by, sealed_at`

// CreateObject inserts a new open evidence object.
func (r *PGRepository) CreateObject(ctx context.Context, id string, params CreateObjectParams, createdBy string) (Object, error) {
	insertSQL := `
		INSERT INTO evidence_objects (id, tenant_id, source_type, title, chain_status, payload, occurred_at, created_by)
		VALUES ($1, $2, $3, $4, 'open', $5, $6, $7)
		RETURNING ` + objectColumns

	o, err := scanObject(r.pool.QueryRow(ctx, insertSQL, id, params.TenantID, params.SourceType, params.Title, params.Payload, params.OccurredAt, createdBy))
	if err != nil {
		return Object{}, fmt.Errorf("evidence: create object: %w", err)
	}
	return o, nil
}

// GetObject retrieves an object by ID within the tenant.
func (r *PGRepository) GetObject(ctx context.Context, tenantID, objectID string) (Object, error) {
	selectSQL := `SELECT ` + objectColumns + ` FROM evidence_objects WHERE id = $1 AND tenant_id = $2`

	o, err := scanObject(r.pool.QueryRow(ctx, selectSQL, objectID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("evidence: get object: %w", err)
	}
	return o, nil
}

// SealObject fixes the content hash with a conditional write so concurrent
// sealers cannot both win. The loser observes ErrAlreadySealed.
func (r *PGRepository) SealObject(ctx context.Context, tenantID, objectID, sha256, sealedBy string, at time.Time) (Object, error) {
	updateSQL := `
		UPDATE evidence_objects
		SET chain_status = 'sealed',
		    content_sha256 = $3,
		    sealed_by = $4,
		    sealed_at = $5
		WHERE id = $1 AND tenant_id = $2 AND chain_status = 'open'
		RETURNING ` + objectColumns

	o, err := scanObject(r.pool.QueryRow(ctx, updateSQL, objectID, tenantID, sha256, sealedBy, at))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Object{}, fmt.Errorf("evidence: seal object: %w", err)
	}

	var status ChainStatus
	if err := r.pool.QueryRow(ctx, `SELECT chain_status::text FROM evidence_objects WHERE id = $1 AND tenant_id = $2`, objectID, tenantID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("evidence: seal object fetch: %w", err)
	}
	return Object{}, ErrAlreadySealed
}

// DeleteOpenObject removes an object that has not sealed yet. Sealed objects
// are custody-fixed and cannot be deleted at all.
func (r *PGRepository) DeleteOpenObject(ctx context.Context, tenantID, objectID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM evidence_objects
		WHERE id = $1 AND tenant_id = $2 AND chain_status = 'open'
	`, objectID, tenantID)
	if err != nil {
		return fmt.Errorf("evidence: delete object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM evidence_objects WHERE id = $1 AND tenant_id = $2)`, objectID, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("evidence: delete object check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadySealed
	}
	return nil
}

const bundleColumns = `id, tenant_id, bundle_type, title, bundle_status::text, manifest_sha256, created_by, created_at, sealed_by, sealed_at`

// CreateBundle inserts a new open evidence bundle.
func (r *PGRepository) CreateBundle(ctx context.Context, id string, params CreateBundleParams, createdBy string) (Bundle, error) {
	insertSQL := `
		INSERT INTO evidence_bundles (id, tenant_id, bundle_type, title, bundle_status, created_by)
		VALUES ($1, $2, $3, $4, 'open', $5)
		RETURNING ` + bundleColumns

	b, err := scanBundle(r.pool.QueryRow(ctx, insertSQL, id, params.TenantID, params.BundleType, params.Title, createdBy))
	if err != nil {
		return Bundle{}, fmt.Errorf("evidence: create bundle: %w", err)
	}
	return b, nil
}

// GetBundle retrieves a bundle by ID within the tenant.
func (r *PGRepository) GetBundle(ctx context.Context, tenantID, bundleID string) (Bundle, error) {
	selectSQL := `SELECT ` + bundleColumns + ` FROM evidence_bundles WHERE id = $1 AND tenant_id = $2`

	b, err := scanBundle(r.pool.QueryRow(ctx, selectSQL, bundleID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bundle{}, ErrNotFound
		}
		return Bundle{}, fmt.Errorf("evidence: get bundle: %w", err)
	}
	return b, nil
}

// ListMembers returns a bundle's members in manifest order.
func (r *PGRepository) ListMembers(ctx context.Context, bundleID string) ([]BundleMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.bundle_id, m.position, m.object_id, o.content_sha256, m.added_by, m.added_at
		FROM evidence_bundle_members m
		JOIN evidence_objects o ON o.id = m.object_id
		WHERE m.bundle_id = $1
		ORDER BY m.position
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("evidence: list members: %w", err)
	}
	defer rows.Close()

	out := make([]BundleMember, 0, 8)
	for rows.Next() {
		var m BundleMember
		if err := rows.Scan(&m.BundleID, &m.Position, &m.ObjectID, &m.ObjectSHA256, &m.AddedBy, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("evidence: scan member: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: iterate members: %w", err)
	}
	return out, nil
}

// AddMember appends an object to a bundle. The bundle row is locked so the
// position counter and the sealed-state check observe a consistent snapshot.
// The lookup is tenant-scoped; another tenant's bundle reads as not found.
func (r *PGRepository) AddMember(ctx context.Context, tenantID, bundleID, objectID, addedBy string) (BundleMember, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return BundleMember{}, fmt.Errorf("evidence: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status BundleStatus
	if err := tx.QueryRow(ctx, `SELECT bundle_status::text FROM evidence_bundles WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, bundleID, tenantID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BundleMember{}, ErrNotFound
		}
		return BundleMember{}, fmt.Errorf("evidence: lock bundle: %w", err)
	}
	if status == BundleSealed {
		return BundleMember{}, ErrBundleSealed
	}

	var m BundleMember
	const insertSQL = `
		INSERT INTO evidence_bundle_members (bundle_id, position, object_id, added_by)
		SELECT $1, COALESCE(MAX(position), 0) + 1, $2, $3
		FROM evidence_bundle_members
		WHERE bundle_id = $1
		RETURNING bundle_id, position, object_id, added_by, added_at
	`
	if err := tx.QueryRow(ctx, insertSQL, bundleID, objectID, addedBy).
		Scan(&m.BundleID, &m.Position, &m.ObjectID, &m.AddedBy, &m.AddedAt); err != nil {
		return BundleMember{}, fmt.Errorf("evidence: insert member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return BundleMember{}, fmt.Errorf("evidence: commit member: %w", err)
	}
	return m, nil
}

// SealBundle fixes the manifest hash under the same conditional-write rule as
// object sealing.
func (r *PGRepository) SealBundle(ctx context.Context, tenantID, bundleID, manifestSHA256, sealedBy string, at time.Time) (Bundle, error) {
	updateSQL := `
		UPDATE evidence_bundles
		SET bundle_status = 'sealed',
		    manifest_sha256 = $3,
		    sealed_by = $4,
		    sealed_at = $5
		WHERE id = $1 AND tenant_id = $2 AND bundle_status = 'open'
		RETURNING ` + bundleColumns

	b, err := scanBundle(r.pool.QueryRow(ctx, updateSQL, bundleID, tenantID, manifestSHA256, sealedBy, at))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Bundle{}, fmt.Errorf("evidence: seal bundle: %w", err)
	}

	var status BundleStatus
	if err := r.pool.QueryRow(ctx, `SELECT bundle_status::text FROM evidence_bundles WHERE id = $1 AND tenant_id = $2`, bundleID, tenantID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bundle{}, ErrNotFound
		}
		return Bundle{}, fmt.Errorf("evidence: seal bundle fetch: %w", err)
	}
	return Bundle{}, ErrAlreadySealed
}

func scanObject(row pgx.Row) (Object, error) {
	var o Object
	err := row.Scan(
		&o.ID,
		&o.TenantID,
		&o.SourceType,
		&o.Title,
		&o.ChainStatus,
		&o.ContentSHA256,
		&o.Payload,
		&o.OccurredAt,
		&o.CreatedBy,
		&o.CreatedAt,
		&o.SealedBy,
		&o.SealedAt,
	)
	if err != nil {
		return Object{}, err
	}
	return o, nil
}

func scanBundle(row pgx.Row) (Bundle, error) {
	var b Bundle
	err := row.Scan(
		&b.ID,
		&b.TenantID,
		&b.BundleType,
		&b.Title,
		&b.BundleStatus,
		&b.ManifestSHA256,
		&b.CreatedBy,
		&b.CreatedAt,
		&b.SealedBy,
		&b.SealedAt,
	)
	if err != nil {
		return Bundle{}, err
	}
	return b, nil
}
