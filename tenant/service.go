package tenant

import "context"

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	ListIDs(ctx context.Context) ([]string, error)
}

// Service exposes business-level tenant operations.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the tenant profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit tenant profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// ListTenantIDs returns every active tenant id. Satisfies the grant
// sweeper's lister contract.
func (s *Service) ListTenantIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListIDs(ctx)
}
