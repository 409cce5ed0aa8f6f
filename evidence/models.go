package evidence

import "time"

// ChainStatus represents the custody state of an evidence object.
type ChainStatus string

// BundleStatus represents the custody state of an evidence bundle.
type BundleStatus string

const (
	ChainOpen   ChainStatus = "open"
	ChainSealed ChainStatus = "sealed"

	BundleOpen   BundleStatus = "open"
	BundleSealed BundleStatus = "sealed"
)

// Object mirrors the evidence_objects table. ContentSHA256 is absent while
// open and fixed forever once sealed.
type Object struct {
	ID            string
	TenantID      string
	SourceType    string
	Title         string
	ChainStatus   ChainStatus
	ContentSHA256 *string
	Payload       []byte
	OccurredAt    *time.Time
	CreatedBy     string
	CreatedAt     time.Time
	SealedBy      *string
	SealedAt      *time.Time
}

// Bundle mirrors the evidence_bundles table. ManifestSHA256 is the canonical
// hash of the ordered member list, fixed at seal time.
type Bundle struct {
	ID             string
	TenantID       string
	BundleType     string
	Title          string
	BundleStatus   BundleStatus
	ManifestSHA256 *string
	CreatedBy      string
	CreatedAt      time.Time
	SealedBy       *string
	SealedAt       *time.Time
}

// BundleMember is one ordered entry in a bundle. Membership is immutable
// after the bundle seals.
type BundleMember struct {
	BundleID     string
	Position     int
	ObjectID     string
	ObjectSHA256 *string
	AddedBy      string
	AddedAt      time.Time
}

// CreateObjectParams contains write parameters for new evidence objects.
type CreateObjectParams struct {
	TenantID   string
	SourceType string
	Title      string
	Payload    []byte
	OccurredAt *time.Time
}

// CreateBundleParams contains write parameters for new evidence bundles.
type CreateBundleParams struct {
	TenantID   string
	BundleType string
	Title      string
}

// custodyPayload is the content an object's seal hash covers. Field names are
// part of the hash contract and must not change once records exist.
type custodyPayload struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	SourceType string  `json:"source_type"`
	Title      string  `json:"title"`
	Payload    string  `json:"payload"`
	OccurredAt *string `json:"occurred_at"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at"`
}

// manifestMember is one entry of the bundle manifest the seal hash covers.
type manifestMember struct {
	Position     int     `json:"position"`
	ObjectID     string  `json:"object_id"`
	ObjectSHA256 *string `json:"object_sha256"`
}

// bundleManifest is the canonical shape hashed into ManifestSHA256.
type bundleManifest struct {
	BundleID   string           `json:"bundle_id"`
	TenantID   string           `json:"tenant_id"`
	BundleType string           `json:"bundle_type"`
	Members    []manifestMember `json:"members"`
}
