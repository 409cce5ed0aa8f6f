package tenant

import "time"

// Profile captures the subset of tenant data the custody core needs: scope
// identity for grants plus display metadata.
type Profile struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}
