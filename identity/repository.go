package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("identity: principal not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("identity: email already exists")
	// ErrGrantNotFound signals that no grant row exists for the identifier.
	ErrGrantNotFound = errors.New("identity: grant not found")
)

// Repository handles data access for principals and capability grants.
type Repository interface {
	CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	GetPrincipalByID(ctx context.Context, principalID string) (Principal, error)
	GrantExists(ctx context.Context, principalID string, role Role, scopeID string, at time.Time) (bool, error)
	InsertGrant(ctx context.Context, params IssueGrantParams) (Grant, error)
	RevokeGrant(ctx context.Context, grantID string, at time.Time) error
}

// CreatePrincipalParams contains write parameters for creating principals.
type CreatePrincipalParams struct {
	TenantID     string
	Email        string
	FullName     string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed identity repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreatePrincipal inserts a new principal with a hashed password.
func (r *PGRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (tenant_id, email, full_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, email, full_name, password_hash, created_at, updated_at
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, params.TenantID, params.Email, params.FullName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicateEmail
		}
		return Principal{}, fmt.Errorf("identity: create principal: %w", err)
	}

	return p, nil
}

// GetPrincipalByEmail retrieves a principal by email address.
func (r *PGRepository) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	const selectSQL = `
		SELECT id, tenant_id, email, full_name, password_hash, created_at, updated_at
		FROM principals
		WHERE email = $1
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("identity: get principal by email: %w", err)
	}

	return p, nil
}

// GetPrincipalByID retrieves a principal by ID.
func (r *PGRepository) GetPrincipalByID(ctx context.Context, principalID string) (Principal, error) {
	const selectSQL = `
		SELECT id, tenant_id, email, full_name, password_hash, created_at, updated_at
		FROM principals
		WHERE id = $1
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, principalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("identity: get principal by id: %w", err)
	}

	return p, nil
}

// GrantExists reports whether a matching, non-revoked, non-expired grant row
// exists at the given instant. Pure read; no side effects.
func (r *PGRepository) GrantExists(ctx context.Context, principalID string, role Role, scopeID string, at time.Time) (bool, error) {
	const existsSQL = `
		SELECT EXISTS (
			SELECT 1
			FROM capability_grants
			WHERE principal_id = $1
			  AND role_id = $2
			  AND scope_id = $3
			  AND revoked_at IS NULL
			  AND (expires_at IS NULL OR expires_at > $4)
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, existsSQL, principalID, role, scopeID, at).Scan(&exists); err != nil {
		return false, fmt.Errorf("identity: grant lookup: %w", err)
	}
	return exists, nil
}

// InsertGrant records an explicit capability grant.
func (r *PGRepository) InsertGrant(ctx context.Context, params IssueGrantParams) (Grant, error) {
	const insertSQL = `
		INSERT INTO capability_grants (principal_id, role_id, scope_id, granted_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, principal_id, role_id, scope_id, granted_by, granted_at, expires_at, revoked_at
	`

	var g Grant
	err := r.pool.QueryRow(ctx, insertSQL, params.PrincipalID, params.RoleID, params.ScopeID, params.GrantedBy, params.ExpiresAt).
		Scan(&g.ID, &g.PrincipalID, &g.RoleID, &g.ScopeID, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		return Grant{}, fmt.Errorf("identity: insert grant: %w", err)
	}
	return g, nil
}

// RevokeGrant marks a grant revoked. Revoking an already-revoked grant is a
// no-op success.
func (r *PGRepository) RevokeGrant(ctx context.Context, grantID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE capability_grants
		SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, grantID, at)
	if err != nil {
		return fmt.Errorf("identity: revoke grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM capability_grants WHERE id = $1)`, grantID).Scan(&exists); err != nil {
			return fmt.Errorf("identity: revoke grant check: %w", err)
		}
		if !exists {
			return ErrGrantNotFound
		}
	}
	return nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}
