package emergency

import (
	"encoding/json"
	"time"
)

// Status is the run lifecycle state. Both resolved and cancelled are
// terminal.
type Status string

const (
	RunActive    Status = "active"
	RunResolved  Status = "resolved"
	RunCancelled Status = "cancelled"
)

// Event types recorded in the append-only run log.
const (
	EventRunStarted       = "run_started"
	EventEvidenceAttached = "evidence_attached"
	EventRunResolved      = "run_resolved"
	EventRunCancelled     = "run_cancelled"
	EventTemplateBound    = "template_bound"
	EventPropertyBound    = "property_bound"
)

// GrantTTL is the hard ceiling on scope grant lifetime.
const GrantTTL = 72 * time.Hour

// Run is an emergency incident coordination record.
type Run struct {
	ID                string
	TenantID          string
	RunType           string
	Status            Status
	TemplateID        *string
	PropertyProfileID *string
	Summary           string
	StartedBy         string
	StartedAt         time.Time
	ResolvedAt        *time.Time
}

// Event is one row of a run's append-only log. Rows are insert-only; the
// database rejects updates and deletes.
type Event struct {
	ID        string
	RunID     string
	EventType string
	EventAt   time.Time
	Payload   json.RawMessage
}

// ScopeGrant is a time-boxed emergency authorization, distinct from standing
// role grants. A grant past ExpiresAt is inert whether or not it has been
// marked revoked.
type ScopeGrant struct {
	ID        string
	RunID     string
	GranteeID string
	GrantType string
	ScopeJSON json.RawMessage
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// StartInput describes a new emergency run.
type StartInput struct {
	TenantID          string  `validate:"required"`
	RunType           string  `validate:"required"`
	Summary           string  `validate:"required"`
	TemplateID        *string `validate:"omitempty,min=1"`
	PropertyProfileID *string `validate:"omitempty,min=1"`
}

// StartResult names the three records a run start creates atomically.
type StartResult struct {
	RunID    string
	HoldID   string
	BundleID string
}

// CreateGrantParams describes a new scope grant request.
type CreateGrantParams struct {
	RunID     string
	GranteeID string
	GrantType string
	ScopeJSON json.RawMessage
	ExpiresAt time.Time
}

// StartParams carries everything the repository needs to start a run in one
// transaction. The service owns id generation and the manifest hash.
type StartParams struct {
	RunID          string
	BundleID       string
	Input          StartInput
	ManifestSHA256 string
	EventPayload   json.RawMessage
	StartedBy      string
	At             time.Time
}
