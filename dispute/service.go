package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodia/evidence"
	"custodia/identity"
)

// GrantChecker evaluates capability grants for state-changing operations.
type GrantChecker interface {
	RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error
}

// EvidenceSource loads the artifacts the input gate inspects.
type EvidenceSource interface {
	GetObject(ctx context.Context, tenantID, objectID string) (evidence.Object, error)
	GetBundle(ctx context.Context, tenantID, bundleID string) (evidence.Bundle, error)
}

// Service manages disputes and enforces the sealed-input gate.
type Service struct {
	repo        Repository
	grants      GrantChecker
	artifacts   EvidenceSource
	idGenerator func() string
	now         func() time.Time
}

// NewService creates a dispute service.
func NewService(repo Repository, grants GrantChecker, artifacts EvidenceSource) *Service {
	return &Service{
		repo:        repo,
		grants:      grants,
		artifacts:   artifacts,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithIDGenerator overrides ID generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Create opens a draft dispute.
func (s *Service) Create(ctx context.Context, params CreateParams, actorID string) (Record, error) {
	if params.TenantID == "" || params.DisputeType == "" || params.Title == "" {
		return Record{}, fmt.Errorf("dispute: tenant, type and title required")
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleDisputeManager, identity.TenantScope(params.TenantID)); err != nil {
		return Record{}, err
	}
	return s.repo.Create(ctx, s.idGenerator(), params)
}

// Get retrieves a dispute.
func (s *Service) Get(ctx context.Context, tenantID, disputeID string) (Record, error) {
	return s.repo.Get(ctx, tenantID, disputeID)
}

// Transition moves a dispute along its lifecycle. Disputes are never deleted.
func (s *Service) Transition(ctx context.Context, tenantID, disputeID string, to Status, actorID string) (Record, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleDisputeManager, identity.TenantScope(tenantID)); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.Get(ctx, tenantID, disputeID)
	if err != nil {
		return Record{}, err
	}
	if !transitionAllowed(rec.Status, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrBadStatus, rec.Status, to)
	}
	return s.repo.Transition(ctx, tenantID, disputeID, rec.Status, to)
}

// Attach copies a sealed artifact's hash into a dispute input. Unsealed
// artifacts are refused with ErrMustBeSealed, regardless of the caller's
// role; the copied hash is the custody snapshot later packs verify against.
func (s *Service) Attach(ctx context.Context, tenantID, disputeID string, inputType InputType, inputID, actorID string) (Input, error) {
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleDisputeManager, identity.TenantScope(tenantID)); err != nil {
		return Input{}, err
	}

	if _, err := s.repo.Get(ctx, tenantID, disputeID); err != nil {
		return Input{}, err
	}

	var copied string
	switch inputType {
	case InputEvidenceObject:
		o, err := s.artifacts.GetObject(ctx, tenantID, inputID)
		if err != nil {
			return Input{}, err
		}
		if o.ChainStatus != evidence.ChainSealed || o.ContentSHA256 == nil {
			return Input{}, fmt.Errorf("%w: evidence object %s is %s", ErrMustBeSealed, inputID, o.ChainStatus)
		}
		copied = *o.ContentSHA256
	case InputEvidenceBundle:
		b, err := s.artifacts.GetBundle(ctx, tenantID, inputID)
		if err != nil {
			return Input{}, err
		}
		if b.BundleStatus != evidence.BundleSealed || b.ManifestSHA256 == nil {
			return Input{}, fmt.Errorf("%w: evidence bundle %s is %s", ErrMustBeSealed, inputID, b.BundleStatus)
		}
		copied = *b.ManifestSHA256
	default:
		return Input{}, fmt.Errorf("dispute: unknown input type %q", inputType)
	}

	return s.repo.InsertInput(ctx, Input{
		ID:           s.idGenerator(),
		DisputeID:    disputeID,
		InputType:    inputType,
		InputID:      inputID,
		CopiedSHA256: copied,
		AttachedBy:   actorID,
	})
}

// ListInputs returns a dispute's inputs ordered by attach time.
func (s *Service) ListInputs(ctx context.Context, disputeID string) ([]Input, error) {
	return s.repo.ListInputs(ctx, disputeID)
}
