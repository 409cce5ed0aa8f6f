package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodia/canonical"
	"custodia/hold"
	"custodia/identity"
)

// GrantChecker evaluates capability grants for state-changing operations.
type GrantChecker interface {
	RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error
}

// HoldGuard is the cross-cutting legal hold check.
type HoldGuard interface {
	TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error)
}

// Service manages the open -> sealed lifecycle for evidence objects and
// bundles. Sealing is one-way; hashes are fixed at seal time and never
// recomputed.
type Service struct {
	repo        Repository
	grants      GrantChecker
	holds       HoldGuard
	idGenerator func() string
	now         func() time.Time
}

// NewService creates an evidence lifecycle service.
func NewService(repo Repository, grants GrantChecker, holds HoldGuard) *Service {
	return &Service{
		repo:        repo,
		grants:      grants,
		holds:       holds,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithIDGenerator overrides ID generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateObject records a new open evidence object.
func (s *Service) CreateObject(ctx context.Context, params CreateObjectParams, actorID string) (Object, error) {
	if params.TenantID == "" || params.SourceType == "" || params.Title == "" {
		return Object{}, fmt.Errorf("evidence: tenant, source type and title required")
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(params.TenantID)); err != nil {
		return Object{}, err
	}
	return s.repo.CreateObject(ctx, s.idGenerator(), params, actorID)
}

// GetObject retrieves an object.
func (s *Service) GetObject(ctx context.Context, tenantID, objectID string) (Object, error) {
	return s.repo.GetObject(ctx, tenantID, objectID)
}

// SealObject transitions an object open -> sealed, fixing its content hash.
// Requires the sealing capability for the tenant. A second seal fails with
// ErrAlreadySealed.
func (s *Service) SealObject(ctx context.Context, tenantID, objectID, actorID string) (Object, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(tenantID)); err != nil {
		return Object{}, err
	}

	o, err := s.repo.GetObject(ctx, tenantID, objectID)
	if err != nil {
		return Object{}, err
	}
	if o.ChainStatus == ChainSealed {
		return Object{}, ErrAlreadySealed
	}

	sha, err := ObjectContentHash(o)
	if err != nil {
		return Object{}, err
	}

	return s.repo.SealObject(ctx, tenantID, objectID, sha, actorID, s.now())
}

// DeleteObject removes an open object unless it sits under an active legal
// hold. Sealed objects cannot be deleted.
func (s *Service) DeleteObject(ctx context.Context, tenantID, objectID, actorID string) error {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(tenantID)); err != nil {
		return err
	}

	held, err := s.holds.TargetHeld(ctx, tenantID, hold.TargetEvidenceObject, objectID)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: evidence object %s", hold.ErrHeldTarget, objectID)
	}

	return s.repo.DeleteOpenObject(ctx, tenantID, objectID)
}

// CreateBundle records a new open evidence bundle.
func (s *Service) CreateBundle(ctx context.Context, params CreateBundleParams, actorID string) (Bundle, error) {
	if params.TenantID == "" || params.BundleType == "" {
		return Bundle{}, fmt.Errorf("evidence: tenant and bundle type required")
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(params.TenantID)); err != nil {
		return Bundle{}, err
	}
	return s.repo.CreateBundle(ctx, s.idGenerator(), params, actorID)
}

// GetBundle retrieves a bundle.
func (s *Service) GetBundle(ctx context.Context, tenantID, bundleID string) (Bundle, error) {
	return s.repo.GetBundle(ctx, tenantID, bundleID)
}

// ListMembers returns a bundle's members in manifest order.
func (s *Service) ListMembers(ctx context.Context, bundleID string) ([]BundleMember, error) {
	return s.repo.ListMembers(ctx, bundleID)
}

// AddMember appends an object to an open bundle; fails with ErrBundleSealed
// once the bundle sealed. Both the object and the bundle must belong to the
// tenant.
func (s *Service) AddMember(ctx context.Context, tenantID, bundleID, objectID, actorID string) (BundleMember, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(tenantID)); err != nil {
		return BundleMember{}, err
	}
	if _, err := s.repo.GetObject(ctx, tenantID, objectID); err != nil {
		return BundleMember{}, err
	}
	return s.repo.AddMember(ctx, tenantID, bundleID, objectID, actorID)
}

// SealBundle transitions a bundle open -> sealed, fixing the manifest hash
// over the canonicalized ordered member list.
func (s *Service) SealBundle(ctx context.Context, tenantID, bundleID, actorID string) (Bundle, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEvidenceSealer, identity.TenantScope(tenantID)); err != nil {
		return Bundle{}, err
	}

	b, err := s.repo.GetBundle(ctx, tenantID, bundleID)
	if err != nil {
		return Bundle{}, err
	}
	if b.BundleStatus == BundleSealed {
		return Bundle{}, ErrAlreadySealed
	}

	members, err := s.repo.ListMembers(ctx, bundleID)
	if err != nil {
		return Bundle{}, err
	}

	sha, err := BundleManifestHash(b, members)
	if err != nil {
		return Bundle{}, err
	}

	return s.repo.SealBundle(ctx, tenantID, bundleID, sha, actorID, s.now())
}

// ObjectContentHash computes the canonical hash an object seal fixes.
func ObjectContentHash(o Object) (string, error) {
	p := custodyPayload{
		ID:         o.ID,
		TenantID:   o.TenantID,
		SourceType: o.SourceType,
		Title:      o.Title,
		Payload:    string(o.Payload),
		CreatedBy:  o.CreatedBy,
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.OccurredAt != nil {
		v := o.OccurredAt.UTC().Format(time.RFC3339Nano)
		p.OccurredAt = &v
	}

	sha, err := canonical.HashValue(p)
	if err != nil {
		return "", fmt.Errorf("evidence: hash object %s: %w", o.ID, err)
	}
	return sha, nil
}

// BundleManifestHash computes the canonical hash a bundle seal fixes over the
// ordered member list.
func BundleManifestHash(b Bundle, members []BundleMember) (string, error) {
	manifest := bundleManifest{
		BundleID:   b.ID,
		TenantID:   b.TenantID,
		BundleType: b.BundleType,
		Members:    make([]manifestMember, 0, len(members)),
	}
	for _, m := range members {
		manifest.Members = append(manifest.Members, manifestMember{
			Position:     m.Position,
			ObjectID:     m.ObjectID,
			ObjectSHA256: m.ObjectSHA256,
		})
	}

	sha, err := canonical.HashValue(manifest)
	if err != nil {
		return "", fmt.Errorf("evidence: hash bundle %s: %w", b.ID, err)
	}
	return sha, nil
}
