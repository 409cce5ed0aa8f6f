package dispute

import "time"

// Status represents the lifecycle of a dispute record. Disputes are never
// deleted, only status-transitioned.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPacksAssembled Status = "packs_assembled"
	StatusClosed         Status = "closed"
)

// InputType tags what kind of sealed artifact a dispute input references.
type InputType string

const (
	InputEvidenceObject InputType = "evidence_object"
	InputEvidenceBundle InputType = "evidence_bundle"
)

// Record mirrors the disputes table.
type Record struct {
	ID               string
	TenantID         string
	DisputeType      string
	Status           Status
	InitiatorPartyID string
	Title            string
	Description      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Input is the custody snapshot joining a dispute to a sealed artifact.
// CopiedSHA256 equals the source's sealed hash at attach time and is never
// recomputed from the live source afterward.
type Input struct {
	ID           string
	DisputeID    string
	InputType    InputType
	InputID      string
	CopiedSHA256 string
	AttachedBy   string
	AttachedAt   time.Time
}

// CreateParams contains write parameters for opening disputes.
type CreateParams struct {
	TenantID         string
	DisputeType      string
	InitiatorPartyID string
	Title            string
	Description      string
}

var validTransitions = map[Status][]Status{
	StatusDraft:          {StatusPacksAssembled, StatusClosed},
	StatusPacksAssembled: {StatusClosed},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
