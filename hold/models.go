package hold

import "time"

// Status represents the lifecycle of a legal hold.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
)

// Target types recognized by the hold guard.
const (
	TargetEvidenceObject = "evidence_object"
	TargetEvidenceBundle = "evidence_bundle"
	TargetEmergencyRun   = "emergency_run"
	TargetDispute        = "dispute"
)

// Hold mirrors the legal_holds table.
type Hold struct {
	ID            string
	TenantID      string
	HoldStatus    Status
	CreatedBy     string
	CreatedAt     time.Time
	ReleasedAt    *time.Time
	ReleaseReason *string
}

// Target is a single record placed under a hold.
type Target struct {
	HoldID     string
	TargetType string
	TargetID   string
	Note       string
	AddedAt    time.Time
}

// TargetParams names a record to place under a hold at creation time.
type TargetParams struct {
	TargetType string
	TargetID   string
	Note       string
}
