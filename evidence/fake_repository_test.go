package evidence

import (
	"context"
	"time"
)

// fakeRepository is an in-memory Repository mirroring the conditional-write
// semantics of the PostgreSQL implementation.
type fakeRepository struct {
	objects map[string]Object
	bundles map[string]Bundle
	members map[string][]BundleMember
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		objects: make(map[string]Object),
		bundles: make(map[string]Bundle),
		members: make(map[string][]BundleMember),
	}
}

func (f *fakeRepository) CreateObject(ctx context.Context, id string, params CreateObjectParams, createdBy string) (Object, error) {
	o := Object{
		ID:          id,
		TenantID:    params.TenantID,
		SourceType:  params.SourceType,
		Title:       params.Title,
		ChainStatus: ChainOpen,
		Payload:     params.Payload,
		OccurredAt:  params.OccurredAt,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	f.objects[id] = o
	return o, nil
}

func (f *fakeRepository) GetObject(ctx context.Context, tenantID, objectID string) (Object, error) {
	o, ok := f.objects[objectID]
	if !ok || o.TenantID != tenantID {
		return Object{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeRepository) SealObject(ctx context.Context, tenantID, objectID, sha256, sealedBy string, at time.Time) (Object, error) {
	o, ok := f.objects[objectID]
	if !ok || o.TenantID != tenantID {
		return Object{}, ErrNotFound
	}
	if o.ChainStatus == ChainSealed {
		return Object{}, ErrAlreadySealed
	}
	o.ChainStatus = ChainSealed
	o.ContentSHA256 = &sha256
	o.SealedBy = &sealedBy
	o.SealedAt = &at
	f.objects[objectID] = o
	return o, nil
}

func (f *fakeRepository) DeleteOpenObject(ctx context.Context, tenantID, objectID string) error {
	o, ok := f.objects[objectID]
	if !ok || o.TenantID != tenantID {
		return ErrNotFound
	}
	if o.ChainStatus == ChainSealed {
		return ErrAlreadySealed
	}
	delete(f.objects, objectID)
	return nil
}

func (f *fakeRepository) CreateBundle(ctx context.Context, id string, params CreateBundleParams, createdBy string) (Bundle, error) {
	b := Bundle{
		ID:           id,
		TenantID:     params.TenantID,
		BundleType:   params.BundleType,
		Title:        params.Title,
		BundleStatus: BundleOpen,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	f.bundles[id] = b
	return b, nil
}

func (f *fakeRepository) GetBundle(ctx context.Context, tenantID, bundleID string) (Bundle, error) {
	b, ok := f.bundles[bundleID]
	if !ok || b.TenantID != tenantID {
		return Bundle{}, ErrNotFound
	}
	return b, nil
}

func (f *fakeRepository) ListMembers(ctx context.Context, bundleID string) ([]BundleMember, error) {
	members := make([]BundleMember, len(f.members[bundleID]))
	copy(members, f.members[bundleID])
	for i := range members {
		if o, ok := f.objects[members[i].ObjectID]; ok {
			members[i].ObjectSHA256 = o.ContentSHA256
		}
	}
	return members, nil
}

func (f *fakeRepository) AddMember(ctx context.Context, tenantID, bundleID, objectID, addedBy string) (BundleMember, error) {
	b, ok := f.bundles[bundleID]
	if !ok || b.TenantID != tenantID {
		return BundleMember{}, ErrNotFound
	}
	if b.BundleStatus == BundleSealed {
		return BundleMember{}, ErrBundleSealed
	}
	m := BundleMember{
		BundleID: bundleID,
		Position: len(f.members[bundleID]) + 1,
		ObjectID: objectID,
		AddedBy:  addedBy,
		AddedAt:  time.Now().UTC(),
	}
	f.members[bundleID] = append(f.members[bundleID], m)
	return m, nil
}

func (f *fakeRepository) SealBundle(ctx context.Context, tenantID, bundleID, manifestSHA256, sealedBy string, at time.Time) (Bundle, error) {
	b, ok := f.bundles[bundleID]
	if !ok || b.TenantID != tenantID {
		return Bundle{}, ErrNotFound
	}
	if b.BundleStatus == BundleSealed {
		return Bundle{}, ErrAlreadySealed
	}
	b.BundleStatus = BundleSealed
	b.ManifestSHA256 = &manifestSHA256
	b.SealedBy = &sealedBy
	b.SealedAt = &at
	f.bundles[bundleID] = b
	return b, nil
}
