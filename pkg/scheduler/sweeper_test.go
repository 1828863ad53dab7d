package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence/memory"
)

type countingAdvancer struct {
	mu       sync.Mutex
	sessions []string
}

func (a *countingAdvancer) Advance(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessions = append(a.sessions, sessionID)

	return nil
}

func (a *countingAdvancer) advanced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, len(a.sessions))
	copy(out, a.sessions)

	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_DeliversDueJobOnce(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	sched := NewScheduler(discardLogger(), p)
	advancer := &countingAdvancer{}
	sweeper := NewSweeper(discardLogger(), p, advancer, time.Second)

	require.NoError(t, sched.Schedule(ctx, "s1", time.Now().UTC().Add(-time.Second)))

	sweeper.Sweep(ctx)
	sweeper.Sweep(ctx)

	assert.Equal(t, []string{"s1"}, advancer.advanced())

	jobs, err := p.DelayJobsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.DelayJobStatusDone, jobs[0].Status)
}

func TestSweep_FutureJobNotDelivered(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	sched := NewScheduler(discardLogger(), p)
	advancer := &countingAdvancer{}
	sweeper := NewSweeper(discardLogger(), p, advancer, time.Second)

	require.NoError(t, sched.Schedule(ctx, "s1", time.Now().UTC().Add(time.Hour)))

	sweeper.Sweep(ctx)

	assert.Empty(t, advancer.advanced())
}

func TestSweep_CancelledJobNotDelivered(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	sched := NewScheduler(discardLogger(), p)
	advancer := &countingAdvancer{}
	sweeper := NewSweeper(discardLogger(), p, advancer, time.Second)

	require.NoError(t, sched.Schedule(ctx, "s1", time.Now().UTC().Add(-time.Second)))
	require.NoError(t, sched.CancelAll(ctx, "s1"))

	sweeper.Sweep(ctx)

	assert.Empty(t, advancer.advanced())
}

func TestSweep_ConcurrentSweepersClaimOnce(t *testing.T) {
	ctx := context.Background()
	p := memory.NewPersistence()
	sched := NewScheduler(discardLogger(), p)
	advancer := &countingAdvancer{}

	require.NoError(t, sched.Schedule(ctx, "s1", time.Now().UTC().Add(-time.Second)))

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			NewSweeper(discardLogger(), p, advancer, time.Second).Sweep(ctx)
		}()
	}

	wg.Wait()

	assert.Len(t, advancer.advanced(), 1)
}
