package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sync/errgroup"
)

type staticTenants []string

func (s staticTenants) ListTenantIDs(ctx context.Context) ([]string, error) {
	return s, nil
}

type recordingSweeper struct {
	mu     sync.Mutex
	counts map[string]int
	swept  map[string]int
	fail   string
}

func (r *recordingSweeper) SweepExpired(ctx context.Context, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenantID == r.fail {
		return 0, errors.New("sweep failed")
	}
	r.swept[tenantID]++
	return r.counts[tenantID], nil
}

func TestSweepOnce_VisitsEveryTenant(t *testing.T) {
	rec := &recordingSweeper{
		counts: map[string]int{"t1": 2, "t2": 0, "t3": 1},
		swept:  make(map[string]int),
	}
	sweeper := NewSweeper(staticTenants{"t1", "t2", "t3"}, rec, 0, nil)

	require.NoError(t, sweeper.SweepOnce(context.Background()))
	assert.Equal(t, map[string]int{"t1": 1, "t2": 1, "t3": 1}, rec.swept)
}

func TestSweepOnce_PropagatesTenantFailure(t *testing.T) {
	rec := &recordingSweeper{
		counts: map[string]int{},
		swept:  make(map[string]int),
		fail:   "t2",
	}
	sweeper := NewSweeper(staticTenants{"t1", "t2", "t3"}, rec, 0, nil)

	assert.Error(t, sweeper.SweepOnce(context.Background()))
}

func TestSweepOnce_ConcurrentCallersAreSafe(t *testing.T) {
	rec := &recordingSweeper{
		counts: map[string]int{"t1": 1},
		swept:  make(map[string]int),
	}
	sweeper := NewSweeper(staticTenants{"t1"}, rec, 0, nil)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			return sweeper.SweepOnce(context.Background())
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 4, rec.swept["t1"])
}
