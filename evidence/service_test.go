package evidence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"custodia/hold"
	"custodia/identity"
)

var hexSHA = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newTestService(repo Repository, holds HoldGuard) *Service {
	n := 0
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(repo, allowAll{}, holds).
		WithClock(func() time.Time { return base })
	svc.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})
	return svc
}

func TestSealObject_FixesHashOnce(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, neverHeld{})
	ctx := context.Background()

	o, err := svc.CreateObject(ctx, CreateObjectParams{
		TenantID:   "tenant-1",
		SourceType: "message_thread",
		Title:      "guest messages",
		Payload:    []byte(`{"thread":"t-9"}`),
	}, "p-1")
	if err != nil {
		t.Fatalf("create object: %v", err)
	}
	if o.ChainStatus != ChainOpen || o.ContentSHA256 != nil {
		t.Fatalf("new object must be open with no hash: %+v", o)
	}

	sealed, err := svc.SealObject(ctx, "tenant-1", o.ID, "p-2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed.ChainStatus != ChainSealed {
		t.Fatalf("expected sealed, got %s", sealed.ChainStatus)
	}
	if sealed.ContentSHA256 == nil || !hexSHA.MatchString(*sealed.ContentSHA256) {
		t.Fatalf("expected 64-char hex hash, got %v", sealed.ContentSHA256)
	}
	if sealed.SealedBy == nil || *sealed.SealedBy != "p-2" {
		t.Fatalf("expected sealer p-2, got %v", sealed.SealedBy)
	}

	// Second seal is rejected, not an idempotent no-op.
	if _, err := svc.SealObject(ctx, "tenant-1", o.ID, "p-2"); !errors.Is(err, ErrAlreadySealed) {
		t.Fatalf("expected ErrAlreadySealed, got %v", err)
	}

	// The stored hash did not move.
	after, err := svc.GetObject(ctx, "tenant-1", o.ID)
	if err != nil {
		t.Fatalf("get after reseal attempt: %v", err)
	}
	if *after.ContentSHA256 != *sealed.ContentSHA256 {
		t.Fatal("content hash changed after failed reseal")
	}
}

func TestSealObject_RequiresGrant(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, denyAll{}, neverHeld{})

	_, err := svc.SealObject(context.Background(), "tenant-1", "obj-1", "p-1")
	if !errors.Is(err, identity.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestWriteOperations_RequireGrant(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, denyAll{}, neverHeld{})
	ctx := context.Background()

	if _, err := svc.CreateObject(ctx, CreateObjectParams{TenantID: "tenant-1", SourceType: "photo", Title: "x"}, "p-1"); !errors.Is(err, identity.ErrNotAuthorized) {
		t.Fatalf("create object: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.CreateBundle(ctx, CreateBundleParams{TenantID: "tenant-1", BundleType: "dispute_defense"}, "p-1"); !errors.Is(err, identity.ErrNotAuthorized) {
		t.Fatalf("create bundle: expected ErrNotAuthorized, got %v", err)
	}
	if _, err := svc.AddMember(ctx, "tenant-1", "b-1", "obj-1", "p-1"); !errors.Is(err, identity.ErrNotAuthorized) {
		t.Fatalf("add member: expected ErrNotAuthorized, got %v", err)
	}
}

func TestAddMember_ForeignTenantBundle(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, neverHeld{})
	ctx := context.Background()

	b, err := svc.CreateBundle(ctx, CreateBundleParams{TenantID: "tenant-2", BundleType: "dispute_defense", Title: "theirs"}, "p-2")
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	o, err := svc.CreateObject(ctx, CreateObjectParams{TenantID: "tenant-1", SourceType: "document", Title: "doc"}, "p-1")
	if err != nil {
		t.Fatalf("create object: %v", err)
	}

	// A grant in tenant-1 never reaches tenant-2's bundle.
	if _, err := svc.AddMember(ctx, "tenant-1", b.ID, o.ID, "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	members, err := svc.ListMembers(ctx, b.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no members, got %d", len(members))
	}
}

func TestSealObject_NotFound(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, neverHeld{})

	_, err := svc.SealObject(context.Background(), "tenant-1", "missing", "p-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestObjectContentHash_Deterministic(t *testing.T) {
	at := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	o := Object{
		ID: "obj-1", TenantID: "tenant-1", SourceType: "photo", Title: "damage",
		Payload: []byte(`{"key":"v"}`), CreatedBy: "p-1", CreatedAt: at,
	}

	h1, err := ObjectContentHash(o)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := ObjectContentHash(o)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}

	o.Title = "damage (edited)"
	h3, err := ObjectContentHash(o)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("different content produced identical hash")
	}
}

func TestBundleLifecycle(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, neverHeld{})
	ctx := context.Background()

	b, err := svc.CreateBundle(ctx, CreateBundleParams{TenantID: "tenant-1", BundleType: "dispute_defense", Title: "case 42"}, "p-1")
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}

	var objects []Object
	for i := 0; i < 3; i++ {
		o, err := svc.CreateObject(ctx, CreateObjectParams{
			TenantID: "tenant-1", SourceType: "document", Title: fmt.Sprintf("doc %d", i),
		}, "p-1")
		if err != nil {
			t.Fatalf("create object %d: %v", i, err)
		}
		if _, err := svc.AddMember(ctx, "tenant-1", b.ID, o.ID, "p-1"); err != nil {
			t.Fatalf("add member %d: %v", i, err)
		}
		objects = append(objects, o)
	}

	members, err := svc.ListMembers(ctx, b.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, m := range members {
		if m.Position != i+1 {
			t.Fatalf("member %d: expected position %d, got %d", i, i+1, m.Position)
		}
		if m.ObjectID != objects[i].ID {
			t.Fatalf("member %d: expected %s, got %s", i, objects[i].ID, m.ObjectID)
		}
	}

	sealed, err := svc.SealBundle(ctx, "tenant-1", b.ID, "p-1")
	if err != nil {
		t.Fatalf("seal bundle: %v", err)
	}
	if sealed.ManifestSHA256 == nil || !hexSHA.MatchString(*sealed.ManifestSHA256) {
		t.Fatalf("expected 64-char hex manifest hash, got %v", sealed.ManifestSHA256)
	}

	// Membership freezes at seal time.
	if _, err := svc.AddMember(ctx, "tenant-1", b.ID, objects[0].ID, "p-1"); !errors.Is(err, ErrBundleSealed) {
		t.Fatalf("expected ErrBundleSealed, got %v", err)
	}
	if _, err := svc.SealBundle(ctx, "tenant-1", b.ID, "p-1"); !errors.Is(err, ErrAlreadySealed) {
		t.Fatalf("expected ErrAlreadySealed, got %v", err)
	}
}

func TestBundleManifestHash_OrderSensitive(t *testing.T) {
	b := Bundle{ID: "b-1", TenantID: "tenant-1", BundleType: "coordination"}
	sha := "aa"
	m1 := BundleMember{Position: 1, ObjectID: "o-1", ObjectSHA256: &sha}
	m2 := BundleMember{Position: 2, ObjectID: "o-2"}

	h1, err := BundleManifestHash(b, []BundleMember{m1, m2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := BundleManifestHash(b, []BundleMember{m2, m1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("member order must affect the manifest hash")
	}
}

func TestDeleteObject_HeldTarget(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, alwaysHeld{})
	ctx := context.Background()

	o, err := svc.CreateObject(ctx, CreateObjectParams{TenantID: "tenant-1", SourceType: "photo", Title: "x"}, "p-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.DeleteObject(ctx, "tenant-1", o.ID, "p-1"); !errors.Is(err, hold.ErrHeldTarget) {
		t.Fatalf("expected ErrHeldTarget, got %v", err)
	}
}

func TestDeleteObject_SealedIsImmutable(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, neverHeld{})
	ctx := context.Background()

	o, err := svc.CreateObject(ctx, CreateObjectParams{TenantID: "tenant-1", SourceType: "photo", Title: "x"}, "p-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.SealObject(ctx, "tenant-1", o.ID, "p-1"); err != nil {
		t.Fatalf("seal: %v", err)
	}

	if err := svc.DeleteObject(ctx, "tenant-1", o.ID, "p-1"); !errors.Is(err, ErrAlreadySealed) {
		t.Fatalf("expected ErrAlreadySealed, got %v", err)
	}
}

type allowAll struct{}

func (allowAll) RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error {
	return nil
}

type denyAll struct{}

func (denyAll) RequireGrant(ctx context.Context, principalID string, role identity.Role, scopeID string) error {
	return identity.ErrNotAuthorized
}

type neverHeld struct{}

func (neverHeld) TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error) {
	return false, nil
}

type alwaysHeld struct{}

func (alwaysHeld) TargetHeld(ctx context.Context, tenantID, targetType, targetID string) (bool, error) {
	return true, nil
}
