package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/conveyor/internal/models"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := New(Config{
		OfflineThreshold: 30 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
	}, nil, nil)
	r.now = func() time.Time { return now }
	return r, &now
}

func heartbeat(r *Registry, id string, maxBuilds int, labels ...string) {
	r.RecordHeartbeat(models.Heartbeat{
		AgentID:   id,
		Name:      id,
		Labels:    labels,
		MaxBuilds: maxBuilds,
	})
}

func TestStatusDerivedFromHeartbeatRecency(t *testing.T) {
	r, now := newTestRegistry(t)
	heartbeat(r, "a1", 2, "linux")

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, got.Status)

	*now = now.Add(31 * time.Second)
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, got.Status)

	// a fresh heartbeat brings it back
	heartbeat(r, "a1", 2, "linux")
	got, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, got.Status)
}

func TestDrainingExcludesFromDispatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "a1", 2)

	require.NoError(t, r.SetDraining("a1", true))
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentDraining, got.Status)

	_, ok := r.Reserve(nil)
	assert.False(t, ok, "draining agent must not receive new dispatch")

	require.NoError(t, r.SetDraining("a1", false))
	_, ok = r.Reserve(nil)
	assert.True(t, ok)
}

func TestReserveSelectionPolicy(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "busy", 5, "linux")
	heartbeat(r, "idle", 5, "linux")

	for i := 0; i < 4; i++ {
		_, ok := r.Reserve([]string{"linux"})
		require.True(t, ok)
	}

	counts := map[string]int{}
	for _, a := range r.List() {
		counts[a.ID] = a.CurrentBuilds
	}
	// least-loaded selection keeps the fleet balanced
	assert.Equal(t, 2, counts["busy"])
	assert.Equal(t, 2, counts["idle"])
}

func TestReserveLabelFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "linux-agent", 2, "linux")
	heartbeat(r, "mac-agent", 2, "darwin", "arm64")

	a, ok := r.Reserve([]string{"darwin", "arm64"})
	require.True(t, ok)
	assert.Equal(t, "mac-agent", a.ID)

	_, ok = r.Reserve([]string{"windows"})
	assert.False(t, ok)
}

func TestCapacityNeverExceeded(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "a1", 2)
	heartbeat(r, "a2", 2)

	// Concurrent dispatch of more builds than total fleet capacity
	var mu sync.Mutex
	granted := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a, ok := r.Reserve(nil); ok {
				mu.Lock()
				granted[a.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for id, n := range granted {
		assert.LessOrEqual(t, n, 2, "agent %s over capacity", id)
		total += n
	}
	assert.Equal(t, 4, total, "overflow must stay queued")

	// Releasing frees exactly one slot
	r.Release("a1")
	a, ok := r.Reserve(nil)
	require.True(t, ok)
	assert.Equal(t, "a1", a.ID)
}

func TestBreakerLifecycle(t *testing.T) {
	r, now := newTestRegistry(t)
	heartbeat(r, "flaky", 5)

	// three consecutive failures: closed -> open
	for i := 0; i < 3; i++ {
		r.ReportOutcome("flaky", false)
	}
	got, err := r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, got.Breaker)

	_, ok := r.Reserve(nil)
	assert.False(t, ok, "open breaker must block dispatch")

	// after openTimeout the next read observes half-open
	*now = now.Add(61 * time.Second)
	heartbeat(r, "flaky", 5) // keep it online
	got, err = r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerHalfOpen, got.Breaker)

	// half-open admits exactly one probe
	_, ok = r.Reserve(nil)
	require.True(t, ok)
	_, ok = r.Reserve(nil)
	assert.False(t, ok, "second probe during half-open must be refused")

	// probe success closes the breaker
	r.ReportOutcome("flaky", true)
	got, err = r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerClosed, got.Breaker)
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	r, now := newTestRegistry(t)
	heartbeat(r, "flaky", 5)

	for i := 0; i < 3; i++ {
		r.ReportOutcome("flaky", false)
	}
	*now = now.Add(61 * time.Second)
	heartbeat(r, "flaky", 5)

	_, ok := r.Reserve(nil)
	require.True(t, ok)

	// failed probe reopens with a fresh openedAt: still open just before
	// a full OpenTimeout from the failure
	r.ReportOutcome("flaky", false)
	*now = now.Add(59 * time.Second)
	heartbeat(r, "flaky", 5)
	got, err := r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, got.Breaker)

	*now = now.Add(2 * time.Second)
	got, err = r.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerHalfOpen, got.Breaker)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "a1", 5)

	r.ReportOutcome("a1", false)
	r.ReportOutcome("a1", false)
	r.ReportOutcome("a1", true)
	r.ReportOutcome("a1", false)
	r.ReportOutcome("a1", false)

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerClosed, got.Breaker, "non-consecutive failures must not open the breaker")
}

func TestHeartbeatDoesNotTouchBreaker(t *testing.T) {
	r, _ := newTestRegistry(t)
	heartbeat(r, "a1", 5)
	for i := 0; i < 3; i++ {
		r.ReportOutcome("a1", false)
	}

	for i := 0; i < 10; i++ {
		heartbeat(r, "a1", 5)
	}
	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, got.Breaker)
}

func TestRelease_FreesHalfOpenProbeSlot(t *testing.T) {
	r, now := newTestRegistry(t)
	heartbeat(r, "a1", 2)

	for i := 0; i < 3; i++ {
		r.ReportOutcome("a1", false)
	}
	*now = now.Add(2 * time.Minute)
	heartbeat(r, "a1", 2)

	_, ok := r.Reserve(nil)
	require.True(t, ok, "half-open admits one probe")
	_, ok = r.Reserve(nil)
	require.False(t, ok, "second probe refused while the first is out")

	// the agent answered busy and the reservation was undone; the probe
	// slot must come back with it
	r.Release("a1")
	_, ok = r.Reserve(nil)
	assert.True(t, ok, "freed probe slot admits another attempt")
}

func TestConcurrentOutcomeReporting(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		heartbeat(r, agentID(i), 8)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func(id string, success bool) {
				defer wg.Done()
				r.ReportOutcome(id, success)
			}(agentID(i), i%2 == 0)
		}
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		got, err := r.Get(agentID(i))
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Equal(t, models.BreakerClosed, got.Breaker)
		} else {
			assert.Equal(t, models.BreakerOpen, got.Breaker)
		}
	}
}

func agentID(i int) string { return fmt.Sprintf("agent-%d", i) }
