package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"custodia/canonical"
	"custodia/identity"
)

// ErrValidation wraps structural input failures so callers can distinguish
// bad requests from authorization or state refusals.
var ErrValidation = errors.New("emergency: invalid input")

// GrantChecker evaluates capability grants for state-changing operations.
type GrantChecker interface {
	RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error
}

// Service orchestrates emergency runs and their time-boxed scope grants. A
// run start atomically pins a legal hold and a sealed coordination bundle so
// the incident's initial state is tamper-evident from the first moment.
type Service struct {
	repo        Repository
	grants      GrantChecker
	validate    *validator.Validate
	idGenerator func() string
	now         func() time.Time
}

func NewService(repo Repository, grants GrantChecker) *Service {
	return &Service{
		repo:        repo,
		grants:      grants,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start opens a run and returns the ids of the run, its auto-created legal
// hold, and the sealed coordination bundle. The bundle's manifest hash covers
// a canonical snapshot of the run's starting state.
func (s *Service) Start(ctx context.Context, input StartInput, actorID string) (StartResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.grants.RequireGrant(ctx, actorID, identity.RoleEmergencyCoordinator, identity.TenantScope(input.TenantID)); err != nil {
		return StartResult{}, err
	}

	runID := s.idGenerator()
	bundleID := s.idGenerator()
	at := s.now().UTC()

	snapshot := map[string]any{
		"run_id":              runID,
		"tenant_id":           input.TenantID,
		"run_type":            input.RunType,
		"template_id":         input.TemplateID,
		"property_profile_id": input.PropertyProfileID,
		"summary":             input.Summary,
		"started_by":          actorID,
		"started_at":          at.Format(time.RFC3339Nano),
	}
	manifestSHA, err := canonical.HashValue(snapshot)
	if err != nil {
		return StartResult{}, fmt.Errorf("emergency: hash start snapshot: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"run_type": input.RunType,
		"summary":  input.Summary,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("emergency: encode start payload: %w", err)
	}

	return s.repo.Start(ctx, StartParams{
		RunID:          runID,
		BundleID:       bundleID,
		Input:          input,
		ManifestSHA256: manifestSHA,
		EventPayload:   payload,
		StartedBy:      actorID,
		At:             at,
	})
}

func (s *Service) GetRun(ctx context.Context, runID string) (Run, error) {
	return s.repo.GetRun(ctx, runID)
}

// AttachEvidence appends an evidence_attached event. The object does not have
// to be sealed; field evidence is captured live while the incident is open.
func (s *Service) AttachEvidence(ctx context.Context, runID, objectID, label, notes, actorID string) (Event, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Event{}, err
	}
	if err := s.requireCoordinator(ctx, actorID, run.TenantID); err != nil {
		return Event{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"evidence_object_id": objectID,
		"label":              label,
		"notes":              notes,
		"attached_by":        actorID,
	})
	if err != nil {
		return Event{}, fmt.Errorf("emergency: encode attach payload: %w", err)
	}
	return s.repo.AppendEvent(ctx, runID, EventEvidenceAttached, payload, s.now().UTC())
}

// Resolve closes an active run. The auto-created legal hold stays active;
// retention is a separate lifecycle released through the hold service.
func (s *Service) Resolve(ctx context.Context, runID, summary, actorID string) (Run, error) {
	return s.closeRun(ctx, runID, RunResolved, summary, actorID)
}

func (s *Service) Cancel(ctx context.Context, runID, reason, actorID string) (Run, error) {
	return s.closeRun(ctx, runID, RunCancelled, reason, actorID)
}

func (s *Service) closeRun(ctx context.Context, runID string, to Status, summary, actorID string) (Run, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if err := s.requireCoordinator(ctx, actorID, run.TenantID); err != nil {
		return Run{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"summary":   summary,
		"closed_by": actorID,
	})
	if err != nil {
		return Run{}, fmt.Errorf("emergency: encode close payload: %w", err)
	}
	return s.repo.CloseRun(ctx, runID, to, summary, payload, s.now().UTC())
}

func (s *Service) BindTemplate(ctx context.Context, runID, templateID, actorID string) (Run, error) {
	return s.bind(ctx, runID, templateID, actorID, s.repo.BindTemplate, "template_id")
}

func (s *Service) BindProperty(ctx context.Context, runID, propertyProfileID, actorID string) (Run, error) {
	return s.bind(ctx, runID, propertyProfileID, actorID, s.repo.BindProperty, "property_profile_id")
}

type bindFunc func(ctx context.Context, runID, value string, payload json.RawMessage, at time.Time) (Run, error)

func (s *Service) bind(ctx context.Context, runID, value, actorID string, fn bindFunc, key string) (Run, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if err := s.requireCoordinator(ctx, actorID, run.TenantID); err != nil {
		return Run{}, err
	}

	payload, err := json.Marshal(map[string]any{
		key:        value,
		"bound_by": actorID,
	})
	if err != nil {
		return Run{}, fmt.Errorf("emergency: encode bind payload: %w", err)
	}
	return fn(ctx, runID, value, payload, s.now().UTC())
}

func (s *Service) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	return s.repo.ListEvents(ctx, runID)
}

// CreateGrant issues a time-boxed scope grant tied to a run. The expiry may
// not exceed 72 hours from issuance.
func (s *Service) CreateGrant(ctx context.Context, params CreateGrantParams, actorID string) (ScopeGrant, error) {
	run, err := s.repo.GetRun(ctx, params.RunID)
	if err != nil {
		return ScopeGrant{}, err
	}
	if err := s.requireCoordinator(ctx, actorID, run.TenantID); err != nil {
		return ScopeGrant{}, err
	}

	at := s.now().UTC()
	if params.ExpiresAt.After(at.Add(GrantTTL)) {
		return ScopeGrant{}, ErrExpiryTooFar
	}
	return s.repo.InsertGrant(ctx, s.idGenerator(), params, actorID, at)
}

// HasActiveGrant evaluates expiry at call time. A stale unswept grant never
// authorizes.
func (s *Service) HasActiveGrant(ctx context.Context, tenantID, granteeID, grantType string) (bool, error) {
	return s.repo.ActiveGrantExists(ctx, tenantID, granteeID, grantType, s.now().UTC())
}

func (s *Service) RevokeGrant(ctx context.Context, grantID, reason, actorID string) error {
	return s.repo.RevokeGrant(ctx, grantID, actorID, reason, s.now().UTC())
}

// SweepExpired marks expired-unrevoked grants for one tenant and returns the
// count. Invoked by the background sweeper, not the request path.
func (s *Service) SweepExpired(ctx context.Context, tenantID string) (int, error) {
	return s.repo.SweepExpired(ctx, tenantID, s.now().UTC())
}

func (s *Service) requireCoordinator(ctx context.Context, actorID, tenantID string) error {
	return s.grants.RequireGrant(ctx, actorID, identity.RoleEmergencyCoordinator, identity.TenantScope(tenantID))
}
