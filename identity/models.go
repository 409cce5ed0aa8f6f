package identity

import "time"

// Role names a capability. Authority is only ever derived from grant rows
// carrying one of these roles, never from a flag on the principal record.
type Role string

const (
	RoleEvidenceSealer       Role = "evidence_sealer"
	RoleDisputeManager       Role = "dispute_manager"
	RoleLegalHoldManager     Role = "legal_hold_manager"
	RoleEmergencyCoordinator Role = "emergency_coordinator"
	RoleGrantAdmin           Role = "grant_admin"
)

// Principal is the domain representation of an acting identity. It mirrors
// the principals table and carries no JSON annotations so it can be reused by
// different presentation layers.
type Principal struct {
	ID           string
	TenantID     string
	Email        string
	FullName     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Grant is a single capability row keyed by (principal, role, scope). A
// principal's authority is the union of matching, non-revoked, non-expired
// grants.
type Grant struct {
	ID          string
	PrincipalID string
	RoleID      Role
	ScopeID     string
	GrantedBy   *string
	GrantedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// TenantScope renders the scope identifier covering everything a tenant owns.
func TenantScope(tenantID string) string {
	return "tenant:" + tenantID
}

// RegisterRequest contains principal registration data supplied by callers.
type RegisterRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains principal login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// IssueGrantParams describes an explicit grant-issuance write. Issuance is
// deliberately outside the request hot path.
type IssueGrantParams struct {
	PrincipalID string
	RoleID      Role
	ScopeID     string
	GrantedBy   string
	ExpiresAt   *time.Time
}
