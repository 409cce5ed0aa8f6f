package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/identity"
)

var hexSHA = regexp.MustCompile(`^[0-9a-f]{64}$`)

var testStart = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestStart_CreatesRunHoldAndSealedBundle(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)

	result, err := svc.Start(context.Background(), StartInput{
		TenantID: "tenant-1",
		RunType:  "wildfire",
		Summary:  "smoke detected",
	}, "coord-1")
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.NotEmpty(t, result.HoldID)
	require.NotEmpty(t, result.BundleID)

	run, err := svc.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunActive, run.Status)
	assert.Equal(t, "wildfire", run.RunType)
	assert.Equal(t, "coord-1", run.StartedBy)

	h := repo.holds[result.HoldID]
	assert.Equal(t, "active", h.status)
	assert.Equal(t, result.RunID, h.targetID)

	b := repo.bundles[result.BundleID]
	assert.Equal(t, "sealed", b.status)
	assert.Regexp(t, hexSHA, b.manifestSHA256)

	events, err := svc.ListEvents(context.Background(), result.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventRunStarted, events[0].EventType)
}

func TestStart_ValidatesInput(t *testing.T) {
	svc := newTestService(newFakeRepository())

	_, err := svc.Start(context.Background(), StartInput{
		TenantID: "tenant-1",
		RunType:  "wildfire",
	}, "coord-1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStart_RequiresGrant(t *testing.T) {
	svc := NewService(newFakeRepository(), denyAll{})

	_, err := svc.Start(context.Background(), StartInput{
		TenantID: "tenant-1",
		RunType:  "wildfire",
		Summary:  "smoke detected",
	}, "intruder")
	assert.ErrorIs(t, err, identity.ErrNotAuthorized)
}

func TestAttachEvidence(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)

	event, err := svc.AttachEvidence(ctx, result.RunID, "obj-1", "north gate camera", "captured on site", "coord-1")
	require.NoError(t, err)
	assert.Equal(t, EventEvidenceAttached, event.EventType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "obj-1", payload["evidence_object_id"])
	assert.Equal(t, "north gate camera", payload["label"])

	_, err = svc.Resolve(ctx, result.RunID, "contained", "coord-1")
	require.NoError(t, err)

	_, err = svc.AttachEvidence(ctx, result.RunID, "obj-2", "late arrival", "", "coord-1")
	assert.ErrorIs(t, err, ErrRunClosed)
}

func TestResolveAndCancel_AreTerminal(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)

	run, err := svc.Resolve(ctx, result.RunID, "contained by 14:00", "coord-1")
	require.NoError(t, err)
	assert.Equal(t, RunResolved, run.Status)
	require.NotNil(t, run.ResolvedAt)

	_, err = svc.Resolve(ctx, result.RunID, "again", "coord-1")
	assert.ErrorIs(t, err, ErrRunClosed)
	_, err = svc.Cancel(ctx, result.RunID, "nevermind", "coord-1")
	assert.ErrorIs(t, err, ErrRunClosed)

	events, err := svc.ListEvents(ctx, result.RunID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventRunStarted, EventRunResolved}, types)
}

func TestResolve_LeavesHoldActive(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)
	_, err := svc.Resolve(ctx, result.RunID, "contained", "coord-1")
	require.NoError(t, err)

	assert.Equal(t, "active", repo.holds[result.HoldID].status)
}

func TestBindTemplateAndProperty(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)

	run, err := svc.BindTemplate(ctx, result.RunID, "tmpl-7", "coord-1")
	require.NoError(t, err)
	require.NotNil(t, run.TemplateID)
	assert.Equal(t, "tmpl-7", *run.TemplateID)

	run, err = svc.BindProperty(ctx, result.RunID, "prop-3", "coord-1")
	require.NoError(t, err)
	require.NotNil(t, run.PropertyProfileID)
	assert.Equal(t, "prop-3", *run.PropertyProfileID)

	events, err := svc.ListEvents(ctx, result.RunID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventRunStarted, EventTemplateBound, EventPropertyBound}, types)

	_, err = svc.Cancel(ctx, result.RunID, "drill over", "coord-1")
	require.NoError(t, err)
	_, err = svc.BindTemplate(ctx, result.RunID, "tmpl-8", "coord-1")
	assert.ErrorIs(t, err, ErrRunClosed)
}

func TestCreateGrant_ExpiryCeiling(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)

	// Exactly at the 72 hour ceiling is allowed.
	grant, err := svc.CreateGrant(ctx, CreateGrantParams{
		RunID:     result.RunID,
		GranteeID: "responder-1",
		GrantType: "unit_access",
		ScopeJSON: json.RawMessage(`{"units":["12B"]}`),
		ExpiresAt: testStart.Add(72 * time.Hour),
	}, "coord-1")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.ID)

	// One minute past the ceiling is refused.
	_, err = svc.CreateGrant(ctx, CreateGrantParams{
		RunID:     result.RunID,
		GranteeID: "responder-1",
		GrantType: "unit_access",
		ExpiresAt: testStart.Add(72*time.Hour + time.Minute),
	}, "coord-1")
	assert.ErrorIs(t, err, ErrExpiryTooFar)
}

func TestHasActiveGrant_ReadTimeExpiry(t *testing.T) {
	repo := newFakeRepository()
	clock := testStart
	svc := newTestService(repo).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	result := mustStart(t, svc)

	_, err := svc.CreateGrant(ctx, CreateGrantParams{
		RunID:     result.RunID,
		GranteeID: "responder-1",
		GrantType: "unit_access",
		ExpiresAt: testStart.Add(2 * time.Hour),
	}, "coord-1")
	require.NoError(t, err)

	active, err := svc.HasActiveGrant(ctx, "tenant-1", "responder-1", "unit_access")
	require.NoError(t, err)
	assert.True(t, active)

	// Past expiry the grant is inert even though no sweep has marked it.
	clock = testStart.Add(3 * time.Hour)
	active, err = svc.HasActiveGrant(ctx, "tenant-1", "responder-1", "unit_access")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRevokeGrant_Idempotent(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo)
	ctx := context.Background()

	result := mustStart(t, svc)
	grant, err := svc.CreateGrant(ctx, CreateGrantParams{
		RunID:     result.RunID,
		GranteeID: "responder-1",
		GrantType: "unit_access",
		ExpiresAt: testStart.Add(time.Hour),
	}, "coord-1")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeGrant(ctx, grant.ID, "shift ended", "coord-1"))
	require.NoError(t, svc.RevokeGrant(ctx, grant.ID, "shift ended", "coord-1"))

	active, err := svc.HasActiveGrant(ctx, "tenant-1", "responder-1", "unit_access")
	require.NoError(t, err)
	assert.False(t, active)

	assert.ErrorIs(t, svc.RevokeGrant(ctx, "no-such-grant", "reason", "coord-1"), ErrGrantNotFound)
}

func TestSweepExpired(t *testing.T) {
	repo := newFakeRepository()
	clock := testStart
	svc := newTestService(repo).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	result := mustStart(t, svc)
	for i, expiry := range []time.Duration{time.Hour, 2 * time.Hour, 48 * time.Hour} {
		_, err := svc.CreateGrant(ctx, CreateGrantParams{
			RunID:     result.RunID,
			GranteeID: fmt.Sprintf("responder-%d", i),
			GrantType: "unit_access",
			ExpiresAt: testStart.Add(expiry),
		}, "coord-1")
		require.NoError(t, err)
	}

	clock = testStart.Add(3 * time.Hour)
	count, err := svc.SweepExpired(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The sweep is idempotent.
	count, err = svc.SweepExpired(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	active, err := svc.HasActiveGrant(ctx, "tenant-1", "responder-2", "unit_access")
	require.NoError(t, err)
	assert.True(t, active)
}

func mustStart(t *testing.T, svc *Service) StartResult {
	t.Helper()
	result, err := svc.Start(context.Background(), StartInput{
		TenantID: "tenant-1",
		RunType:  "wildfire",
		Summary:  "smoke detected",
	}, "coord-1")
	require.NoError(t, err)
	return result
}

func newTestService(repo Repository) *Service {
	n := 0
	svc := NewService(repo, allowAll{})
	svc.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
	svc.WithClock(func() time.Time { return testStart })
	return svc
}

type allowAll struct{}

func (allowAll) RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error {
	return nil
}

type denyAll struct{}

func (denyAll) RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error {
	return identity.ErrNotAuthorized
}

type fakeHold struct {
	status   string
	targetID string
}

type fakeBundle struct {
	status         string
	manifestSHA256 string
}

type fakeRepository struct {
	runs    map[string]Run
	events  []Event
	grants  map[string]ScopeGrant
	holds   map[string]fakeHold
	bundles map[string]fakeBundle
	seq     int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		runs:    make(map[string]Run),
		grants:  make(map[string]ScopeGrant),
		holds:   make(map[string]fakeHold),
		bundles: make(map[string]fakeBundle),
	}
}

func (f *fakeRepository) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRepository) Start(ctx context.Context, params StartParams) (StartResult, error) {
	run := Run{
		ID:                params.RunID,
		TenantID:          params.Input.TenantID,
		RunType:           params.Input.RunType,
		Status:            RunActive,
		TemplateID:        params.Input.TemplateID,
		PropertyProfileID: params.Input.PropertyProfileID,
		Summary:           params.Input.Summary,
		StartedBy:         params.StartedBy,
		StartedAt:         params.At,
	}
	f.runs[run.ID] = run

	holdID := f.nextID("hold")
	f.holds[holdID] = fakeHold{status: "active", targetID: params.RunID}
	f.bundles[params.BundleID] = fakeBundle{status: "sealed", manifestSHA256: params.ManifestSHA256}

	f.events = append(f.events, Event{
		ID: f.nextID("evt"), RunID: params.RunID,
		EventType: EventRunStarted, EventAt: params.At, Payload: params.EventPayload,
	})
	return StartResult{RunID: params.RunID, HoldID: holdID, BundleID: params.BundleID}, nil
}

func (f *fakeRepository) GetRun(ctx context.Context, runID string) (Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (f *fakeRepository) AppendEvent(ctx context.Context, runID, eventType string, payload json.RawMessage, at time.Time) (Event, error) {
	run, ok := f.runs[runID]
	if !ok {
		return Event{}, ErrNotFound
	}
	if run.Status != RunActive {
		return Event{}, ErrRunClosed
	}
	e := Event{ID: f.nextID("evt"), RunID: runID, EventType: eventType, EventAt: at, Payload: payload}
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeRepository) CloseRun(ctx context.Context, runID string, to Status, summary string, payload json.RawMessage, at time.Time) (Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != RunActive {
		return Run{}, ErrRunClosed
	}
	run.Status = to
	run.Summary = summary
	run.ResolvedAt = &at
	f.runs[runID] = run

	eventType := EventRunResolved
	if to == RunCancelled {
		eventType = EventRunCancelled
	}
	f.events = append(f.events, Event{
		ID: f.nextID("evt"), RunID: runID, EventType: eventType, EventAt: at, Payload: payload,
	})
	return run, nil
}

func (f *fakeRepository) BindTemplate(ctx context.Context, runID, templateID string, payload json.RawMessage, at time.Time) (Run, error) {
	return f.bind(runID, EventTemplateBound, payload, at, func(run *Run) {
		run.TemplateID = &templateID
	})
}

func (f *fakeRepository) BindProperty(ctx context.Context, runID, propertyProfileID string, payload json.RawMessage, at time.Time) (Run, error) {
	return f.bind(runID, EventPropertyBound, payload, at, func(run *Run) {
		run.PropertyProfileID = &propertyProfileID
	})
}

func (f *fakeRepository) bind(runID, eventType string, payload json.RawMessage, at time.Time, apply func(*Run)) (Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != RunActive {
		return Run{}, ErrRunClosed
	}
	apply(&run)
	f.runs[runID] = run
	f.events = append(f.events, Event{
		ID: f.nextID("evt"), RunID: runID, EventType: eventType, EventAt: at, Payload: payload,
	})
	return run, nil
}

func (f *fakeRepository) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	var out []Event
	for _, e := range f.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventAt.Before(out[j].EventAt) })
	return out, nil
}

func (f *fakeRepository) InsertGrant(ctx context.Context, id string, params CreateGrantParams, grantedBy string, at time.Time) (ScopeGrant, error) {
	g := ScopeGrant{
		ID: id, RunID: params.RunID, GranteeID: params.GranteeID,
		GrantType: params.GrantType, ScopeJSON: params.ScopeJSON,
		GrantedBy: grantedBy, GrantedAt: at, ExpiresAt: params.ExpiresAt,
	}
	f.grants[id] = g
	return g, nil
}

func (f *fakeRepository) ActiveGrantExists(ctx context.Context, tenantID, granteeID, grantType string, at time.Time) (bool, error) {
	for _, g := range f.grants {
		run, ok := f.runs[g.RunID]
		if !ok || run.TenantID != tenantID {
			continue
		}
		if g.GranteeID == granteeID && g.GrantType == grantType && g.RevokedAt == nil && g.ExpiresAt.After(at) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepository) RevokeGrant(ctx context.Context, grantID, revokedBy, reason string, at time.Time) error {
	g, ok := f.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	if g.RevokedAt != nil {
		return nil
	}
	g.RevokedAt = &at
	f.grants[grantID] = g
	return nil
}

func (f *fakeRepository) SweepExpired(ctx context.Context, tenantID string, at time.Time) (int, error) {
	count := 0
	for id, g := range f.grants {
		run, ok := f.runs[g.RunID]
		if !ok || run.TenantID != tenantID {
			continue
		}
		if g.RevokedAt == nil && !g.ExpiresAt.After(at) {
			g.RevokedAt = &at
			f.grants[id] = g
			count++
		}
	}
	return count, nil
}
