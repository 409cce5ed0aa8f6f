package hold

import (
	"context"
	"fmt"
	"time"

	"custodia/identity"
)

// GrantChecker evaluates capability grants for state-changing operations.
type GrantChecker interface {
	RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error
}

// Service manages legal holds and exposes the hold guard.
type Service struct {
	repo   Repository
	grants GrantChecker
	now    func() time.Time
}

// NewService creates a legal hold service.
func NewService(repo Repository, grants GrantChecker) *Service {
	return &Service{
		repo:   repo,
		grants: grants,
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens an active hold over the given targets.
func (s *Service) Create(ctx context.Context, tenantID string, targets []TargetParams, actorID string) (Hold, error) {
	if tenantID == "" {
		return Hold{}, fmt.Errorf("hold: tenant id required")
	}
	for _, t := range targets {
		if t.TargetType == "" || t.TargetID == "" {
			return Hold{}, fmt.Errorf("hold: target type and id required")
		}
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleLegalHoldManager, identity.TenantScope(tenantID)); err != nil {
		return Hold{}, err
	}
	return s.repo.Create(ctx, tenantID, actorID, targets)
}

// Get retrieves a hold.
func (s *Service) Get(ctx context.Context, tenantID, holdID string) (Hold, error) {
	return s.repo.Get(ctx, tenantID, holdID)
}

// AddTarget places another record under an active hold.
func (s *Service) AddTarget(ctx context.Context, tenantID, holdID string, target TargetParams, actorID string) (Target, error) {
	if target.TargetType == "" || target.TargetID == "" {
		return Target{}, fmt.Errorf("hold: target type and id required")
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleLegalHoldManager, identity.TenantScope(tenantID)); err != nil {
		return Target{}, err
	}
	return s.repo.AddTarget(ctx, holdID, target)
}

// Release transitions a hold active -> released and records why.
func (s *Service) Release(ctx context.Context, tenantID, holdID, reason, actorID string) (Hold, error) {
	if reason == "" {
		return Hold{}, fmt.Errorf("hold: release reason required")
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleLegalHoldManager, identity.TenantScope(tenantID)); err != nil {
		return Hold{}, err
	}
	return s.repo.Release(ctx, tenantID, holdID, reason, s.now())
}

// ListTargets returns a hold's targets.
func (s *Service) ListTargets(ctx context.Context, holdID string) ([]Target, error) {
	return s.repo.ListTargets(ctx, holdID)
}

// TargetHeld is the cross-cutting enforcement read. Callers translate a true
// result into ErrHeldTarget for the operation they are refusing.
func (s *Service) TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error) {
	return s.repo.TargetHeld(ctx, tenantID, targetType, targetID)
}
