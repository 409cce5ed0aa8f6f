package pack

import "time"

// Type is the tagged pack variant. Each variant selects section labels; the
// structural contract (cover, summary, chronology, index, verification) is
// shared by all of them.
type Type string

const (
	TypeChargebackV1      Type = "chargeback_v1"
	TypeReviewExtortionV1 Type = "review_extortion_v1"
	TypeBBBV1             Type = "bbb_v1"
	TypeContractV1        Type = "contract_v1"
	TypeGenericV1         Type = "generic_v1"
)

// Status represents the lifecycle of a persisted pack version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusFinalized  Status = "finalized"
	StatusSuperseded Status = "superseded"
)

// AlgorithmVersion names the hash algorithm recorded in the verification
// section. Bump it whenever the canonical pack shape changes.
const AlgorithmVersion = "custodia-pack/1"

// Record mirrors the defense_packs table. PackSHA256 is a pure function of
// PackJSON under canonical serialization.
type Record struct {
	ID          string
	DisputeID   string
	PackType    Type
	PackVersion int
	PackStatus  Status
	PackJSON    []byte
	PackSHA256  string
	AssembledBy string
	CreatedAt   time.Time
}

// Result is the outcome of one deterministic assembly.
type Result struct {
	PackJSON   []byte
	PackSHA256 string
}

// ExportResult is the contract returned to callers after a pack archive is
// written to the object store.
type ExportResult struct {
	Locator            string
	PackSHA256         string
	VerificationSHA256 string
}

// DisputeSnapshot is the dispute metadata frozen into the cover section.
type DisputeSnapshot struct {
	DisputeID        string
	TenantID         string
	DisputeType      string
	Status           string
	InitiatorPartyID string
	Title            string
	Description      string
	CreatedAt        time.Time
}

// InputArtifact joins one dispute input with the sealed artifact it
// snapshotted, as loaded for assembly.
type InputArtifact struct {
	InputID      string
	InputType    string
	SourceID     string
	CopiedSHA256 string
	AttachedAt   time.Time
	Title        string
	SourceType   string
	OccurredAt   *time.Time
	CreatedAt    time.Time
}

func validType(t Type) bool {
	switch t {
	case TypeChargebackV1, TypeReviewExtortionV1, TypeBBBV1, TypeContractV1, TypeGenericV1:
		return true
	default:
		return false
	}
}
