package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/telemetry"
	"github.com/lei/conveyor/pkg/logger"
)

// ErrAgentNotFound indicates the agent isn't registered
var ErrAgentNotFound = errors.New("agent not found")

// Config tunes health derivation and the circuit breaker
type Config struct {
	// OfflineThreshold is the heartbeat recency beyond which an agent
	// reads as offline
	OfflineThreshold time.Duration
	// FailureThreshold consecutive dispatch failures open the breaker
	FailureThreshold int
	// OpenTimeout is how long an open breaker waits before the next
	// dispatch observes half-open
	OpenTimeout time.Duration
}

// Defaults fills zero values
func (c Config) withDefaults() Config {
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = 90 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 60 * time.Second
	}
	return c
}

// Registry tracks agent identity, capacity, heartbeat recency and the
// per-agent circuit breaker. It is constructed once at process start and
// handed to the dispatcher and API handlers; there are no package-level
// registries. The outer lock guards only the map; each agent record has
// its own lock and cross-agent operations hold at most one at a time.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord

	cfg     Config
	logger  *logger.Logger
	metrics *telemetry.Metrics
	notify  chan struct{}
	now     func() time.Time
}

type agentRecord struct {
	mu            sync.Mutex
	agent         models.Agent
	draining      bool
	lastHeartbeat time.Time
	breaker       breaker
}

// New creates a Registry. metrics may be nil.
func New(cfg Config, log *logger.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		agents:  make(map[string]*agentRecord),
		cfg:     cfg.withDefaults(),
		logger:  log.Component("registry"),
		metrics: metrics,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Notify returns a channel that receives a coalesced signal whenever the
// fleet view changes in a way that could unblock queued builds
func (r *Registry) Notify() <-chan struct{} {
	return r.notify
}

func (r *Registry) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Register adds or replaces a statically configured agent
func (r *Registry) Register(agent models.Agent) {
	r.mu.Lock()
	rec, ok := r.agents[agent.ID]
	if !ok {
		rec = &agentRecord{}
		r.agents[agent.ID] = rec
	}
	r.mu.Unlock()

	rec.mu.Lock()
	rec.agent = agent
	if rec.breaker.state == "" {
		rec.breaker.state = models.BreakerClosed
	}
	rec.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name, "max_builds", agent.MaxBuilds)
	r.signal()
}

// RecordHeartbeat ingests a heartbeat: updates recency and any reported
// fields. Heartbeats never change circuit breaker state; that is driven
// by dispatch outcomes only.
func (r *Registry) RecordHeartbeat(hb models.Heartbeat) {
	r.mu.Lock()
	rec, ok := r.agents[hb.AgentID]
	if !ok {
		rec = &agentRecord{}
		rec.agent.ID = hb.AgentID
		rec.breaker.state = models.BreakerClosed
		r.agents[hb.AgentID] = rec
	}
	r.mu.Unlock()

	rec.mu.Lock()
	rec.lastHeartbeat = r.now()
	if hb.Name != "" {
		rec.agent.Name = hb.Name
	}
	if hb.URL != "" {
		rec.agent.URL = hb.URL
	}
	if len(hb.Labels) > 0 {
		rec.agent.Labels = hb.Labels
	}
	if hb.MaxBuilds > 0 {
		rec.agent.MaxBuilds = hb.MaxBuilds
	}
	rec.agent.CurrentBuilds = hb.CurrentBuilds
	rec.mu.Unlock()

	r.logger.Debug("heartbeat recorded", "agent_id", hb.AgentID, "current_builds", hb.CurrentBuilds)
	r.signal()
}

// SetDraining flips the operator-set draining flag. Draining excludes the
// agent from new dispatch while in-flight builds finish.
func (r *Registry) SetDraining(agentID string, draining bool) error {
	rec, err := r.record(agentID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.draining = draining
	rec.mu.Unlock()

	r.logger.Info("agent draining changed", "agent_id", agentID, "draining", draining)
	if !draining {
		r.signal()
	}
	return nil
}

func (r *Registry) record(agentID string) (*agentRecord, error) {
	r.mu.RLock()
	rec, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rec, nil
}

// statusLocked derives agent status lazily at read time. Callers hold rec.mu.
func (r *Registry) statusLocked(rec *agentRecord, now time.Time) models.AgentStatus {
	if rec.draining {
		return models.AgentDraining
	}
	if rec.lastHeartbeat.IsZero() || now.Sub(rec.lastHeartbeat) > r.cfg.OfflineThreshold {
		return models.AgentOffline
	}
	return models.AgentOnline
}

func (r *Registry) snapshotLocked(rec *agentRecord, now time.Time) models.Agent {
	out := rec.agent
	out.Status = r.statusLocked(rec, now)
	out.Breaker = r.breakerViewLocked(rec, now)
	out.LastHeartbeatAt = rec.lastHeartbeat
	return out
}

// Get returns a snapshot of one agent with derived status
func (r *Registry) Get(agentID string) (*models.Agent, error) {
	rec, err := r.record(agentID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := r.snapshotLocked(rec, now)
	return &out, nil
}

// List returns snapshots of the whole fleet
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	recs := make([]*agentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]models.Agent, 0, len(recs))
	online := 0
	for _, rec := range recs {
		rec.mu.Lock()
		snap := r.snapshotLocked(rec, now)
		rec.mu.Unlock()
		if snap.Status == models.AgentOnline {
			online++
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if r.metrics != nil {
		r.metrics.AgentsOnline.Set(float64(online))
	}
	return out
}

// Reserve picks the dispatch target for a build: agents whose labels cover
// requiredLabels, online, with free capacity and a breaker in closed or
// half-open (half-open admits exactly one outstanding probe). Among the
// eligible the least loaded wins; ties break to the most recent heartbeat.
// On success the target's currentBuilds is incremented optimistically.
func (r *Registry) Reserve(requiredLabels []string) (*models.Agent, bool) {
	r.mu.RLock()
	recs := make([]*agentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	now := r.now()

	type candidate struct {
		rec       *agentRecord
		loaded    int
		heartbeat time.Time
	}
	var candidates []candidate
	for _, rec := range recs {
		rec.mu.Lock()
		if r.eligibleLocked(rec, requiredLabels, now) {
			candidates = append(candidates, candidate{rec, rec.agent.CurrentBuilds, rec.lastHeartbeat})
		}
		rec.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].loaded != candidates[j].loaded {
			return candidates[i].loaded < candidates[j].loaded
		}
		return candidates[i].heartbeat.After(candidates[j].heartbeat)
	})

	// Re-verify under the record lock; the fleet may have moved between
	// the scan and the reservation.
	for _, c := range candidates {
		c.rec.mu.Lock()
		if !r.eligibleLocked(c.rec, requiredLabels, now) {
			c.rec.mu.Unlock()
			continue
		}
		c.rec.agent.CurrentBuilds++
		if c.rec.breaker.state == models.BreakerHalfOpen {
			c.rec.breaker.probeInFlight = true
		}
		out := r.snapshotLocked(c.rec, now)
		c.rec.mu.Unlock()
		return &out, true
	}
	return nil, false
}

func (r *Registry) eligibleLocked(rec *agentRecord, requiredLabels []string, now time.Time) bool {
	if r.statusLocked(rec, now) != models.AgentOnline {
		return false
	}
	if rec.agent.MaxBuilds > 0 && rec.agent.CurrentBuilds >= rec.agent.MaxBuilds {
		return false
	}
	if !labelsCover(rec.agent.Labels, requiredLabels) {
		return false
	}
	switch r.breakerViewLocked(rec, now) {
	case models.BreakerClosed:
		return true
	case models.BreakerHalfOpen:
		return !rec.breaker.probeInFlight
	}
	return false
}

// Release frees one unit of capacity, whether the build settled or the
// reservation was undone before the agent took it
func (r *Registry) Release(agentID string) {
	rec, err := r.record(agentID)
	if err != nil {
		return
	}
	rec.mu.Lock()
	if rec.agent.CurrentBuilds > 0 {
		rec.agent.CurrentBuilds--
	}
	// an undone or settled reservation also frees the half-open probe slot
	rec.breaker.probeInFlight = false
	rec.mu.Unlock()
	r.signal()
}

func labelsCover(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, l := range want {
		if !set[l] {
			return false
		}
	}
	return true
}
