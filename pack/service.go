package pack

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodia/canonical"
	"custodia/identity"
)

// GrantChecker evaluates capability grants for state-changing operations.
type GrantChecker interface {
	RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error
}

// Service assembles, versions and finalizes defense packs.
type Service struct {
	repo        Repository
	grants      GrantChecker
	idGenerator func() string
	now         func() time.Time
}

// NewService creates a pack service.
func NewService(repo Repository, grants GrantChecker) *Service {
	return &Service{
		repo:        repo,
		grants:      grants,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithIDGenerator overrides ID generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Assemble deterministically builds the pack document from the dispute's
// custody snapshots. Calling it twice with unchanged inputs returns an
// identical PackSHA256.
func (s *Service) Assemble(ctx context.Context, tenantID, disputeID string, packType Type, actorID string) (Result, error) {
	if !validType(packType) {
		return Result{}, fmt.Errorf("pack: unknown pack type %q", packType)
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleDisputeManager, identity.TenantScope(tenantID)); err != nil {
		return Result{}, err
	}

	snapshot, err := s.repo.LoadDispute(ctx, tenantID, disputeID)
	if err != nil {
		return Result{}, err
	}
	inputs, err := s.repo.LoadInputs(ctx, disputeID)
	if err != nil {
		return Result{}, err
	}

	doc, sha, err := buildDocument(snapshot, inputs, packType)
	if err != nil {
		return Result{}, err
	}

	// Populate the hash after computing it, then render the final bytes.
	doc["verification"].(map[string]any)["pack_sha256"] = sha
	packJSON, err := canonical.Canonicalize(doc)
	if err != nil {
		return Result{}, fmt.Errorf("pack: render document: %w", err)
	}

	return Result{PackJSON: packJSON, PackSHA256: sha}, nil
}

// AssembleAndPersist assembles and stores the next pack version for the
// dispute+type lineage, superseding the prior current version.
func (s *Service) AssembleAndPersist(ctx context.Context, tenantID, disputeID string, packType Type, actorID string) (Record, error) {
	result, err := s.Assemble(ctx, tenantID, disputeID, packType, actorID)
	if err != nil {
		return Record{}, err
	}
	return s.repo.InsertVersion(ctx, s.idGenerator(), disputeID, packType, result.PackJSON, result.PackSHA256, actorID)
}

// Get retrieves a persisted pack.
func (s *Service) Get(ctx context.Context, packID string) (Record, error) {
	return s.repo.Get(ctx, packID)
}

// Finalize transitions a draft pack to finalized.
func (s *Service) Finalize(ctx context.Context, tenantID, packID, actorID string) (Record, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleDisputeManager, identity.TenantScope(tenantID)); err != nil {
		return Record{}, err
	}
	return s.repo.Finalize(ctx, packID)
}

// ListVersions returns the full lineage for a dispute+type.
func (s *Service) ListVersions(ctx context.Context, disputeID string, packType Type) ([]Record, error) {
	return s.repo.ListVersions(ctx, disputeID, packType)
}

// Verify recomputes a pack's hash from its stored document and reports
// whether it matches the recorded value.
func (s *Service) Verify(ctx context.Context, packID string) (bool, error) {
	rec, err := s.repo.Get(ctx, packID)
	if err != nil {
		return false, err
	}
	recomputed, err := RecomputeHash(rec.PackJSON)
	if err != nil {
		return false, err
	}
	return recomputed == rec.PackSHA256, nil
}
