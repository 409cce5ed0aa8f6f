package emergency

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TenantLister enumerates the tenants whose grants the sweeper visits.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// GrantSweeper is the slice of Service the sweeper drives.
type GrantSweeper interface {
	SweepExpired(ctx context.Context, tenantID string) (int, error)
}

// Sweeper periodically marks expired scope grants across all tenants.
// Expiry is already enforced at read time, so the sweep is bookkeeping: it
// keeps the grants table honest for audit queries.
type Sweeper struct {
	tenants  TenantLister
	grants   GrantSweeper
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(tenants TenantLister, grants GrantSweeper, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{tenants: tenants, grants: grants, interval: interval, logger: logger}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("grant sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce sweeps every tenant concurrently and logs per-tenant counts.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	tenantIDs, err := s.tenants.ListTenantIDs(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, tenantID := range tenantIDs {
		tenantID := tenantID
		g.Go(func() error {
			count, err := s.grants.SweepExpired(ctx, tenantID)
			if err != nil {
				return err
			}
			if count > 0 {
				s.logger.Info("expired scope grants swept", "tenant_id", tenantID, "count", count)
			}
			return nil
		})
	}
	return g.Wait()
}
