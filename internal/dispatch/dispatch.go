package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/registry"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/internal/telemetry"
	"github.com/lei/conveyor/internal/worker"
	"github.com/lei/conveyor/pkg/logger"
)

// Sender hands a dispatched build to an execution target. The remote
// implementation posts to the agent's API; an in-process worker can be
// wired in directly for single-node deployments.
type Sender interface {
	Send(ctx context.Context, agent models.Agent, req relay.DispatchRequest) error
}

// NewAgentSender wraps the HTTP agent client as a Sender
func NewAgentSender(client *relay.AgentClient) Sender {
	return &agentSender{client: client}
}

type agentSender struct {
	client *relay.AgentClient
}

func (s *agentSender) Send(ctx context.Context, agent models.Agent, req relay.DispatchRequest) error {
	return s.client.Dispatch(ctx, agent.URL, req)
}

// NewLocalSender routes agents without a URL to the in-process worker and
// everything else through next. A full worker reads as busy so the build
// requeues instead of feeding the breaker.
func NewLocalSender(w *worker.Worker, next Sender) Sender {
	return &localSender{worker: w, next: next}
}

type localSender struct {
	worker *worker.Worker
	next   Sender
}

func (s *localSender) Send(ctx context.Context, agent models.Agent, req relay.DispatchRequest) error {
	if agent.URL != "" {
		if s.next == nil {
			return errors.New("no sender for remote agent " + agent.ID)
		}
		return s.next.Send(ctx, agent, req)
	}
	if err := s.worker.Submit(req); err != nil {
		if errors.Is(err, worker.ErrCapacity) {
			return relay.ErrAgentBusy
		}
		return err
	}
	return nil
}

// Config tunes the dispatch loop
type Config struct {
	// PollInterval bounds how long a queued build waits between attempts
	// when no fleet change wakes the loop
	PollInterval time.Duration
	// MaxQueueTime fails a build that no agent could take in time
	MaxQueueTime time.Duration
	// SendTimeout bounds one dispatch call to an agent
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxQueueTime == 0 {
		c.MaxQueueTime = 10 * time.Minute
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

type item struct {
	req        relay.DispatchRequest
	enqueuedAt time.Time
}

// Dispatcher matches queued builds to agents: filter by labels, capacity
// and breaker state, pick the least loaded, reserve optimistically, send.
// A busy agent causes a requeue; a transport failure feeds the breaker and
// the build waits for another agent.
type Dispatcher struct {
	cfg      Config
	store    *state.Store
	registry *registry.Registry
	sender   Sender
	logger   *logger.Logger
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	queue []item
	wake  chan struct{}
	now   func() time.Time
}

// New creates a Dispatcher. metrics may be nil.
func New(cfg Config, store *state.Store, reg *registry.Registry, sender Sender, log *logger.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: reg,
		sender:   sender,
		logger:   log.Component("dispatch"),
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue adds a queued build to the dispatch queue
func (d *Dispatcher) Enqueue(req relay.DispatchRequest) {
	d.mu.Lock()
	d.queue = append(d.queue, item{req: req, enqueuedAt: d.now()})
	depth := len(d.queue)
	d.mu.Unlock()

	d.logger.Info("build enqueued",
		"build_id", req.Build.ID,
		"pipeline_id", req.Build.PipelineID,
		"queue_depth", depth)
	d.setQueueDepth(depth)
	d.signal()
}

// QueueDepth returns the number of builds waiting for an agent
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) setQueueDepth(depth int) {
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
}

func (d *Dispatcher) countAttempt(outcome string) {
	if d.metrics != nil {
		d.metrics.DispatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// Run drives the dispatch loop until ctx is cancelled. The loop wakes on
// new builds, on fleet changes (heartbeats, released capacity, recovered
// breakers) and on the poll interval.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-d.registry.Notify():
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

// Drain attempts to place every queued build once. Exported for callers
// that drive the loop themselves (tests, single-shot tools).
func (d *Dispatcher) Drain(ctx context.Context) {
	d.drain(ctx)
}

func (d *Dispatcher) drain(ctx context.Context) {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	var remaining []item
	now := d.now()
	for _, it := range pending {
		if ctx.Err() != nil {
			remaining = append(remaining, it)
			continue
		}
		// a build cancelled or failed while waiting leaves the queue
		if b, err := d.store.GetBuild(it.req.Build.ID); err == nil && b.Status.Terminal() {
			continue
		}
		if now.Sub(it.enqueuedAt) > d.cfg.MaxQueueTime {
			d.expire(it)
			continue
		}
		if !d.attempt(ctx, it) {
			remaining = append(remaining, it)
		}
	}

	d.mu.Lock()
	// builds enqueued during the drain keep their position after the
	// survivors to preserve FIFO within a drain cycle
	d.queue = append(remaining, d.queue...)
	depth := len(d.queue)
	d.mu.Unlock()
	d.setQueueDepth(depth)
}

// attempt reserves an agent and sends the build. It reports whether the
// build left the queue.
func (d *Dispatcher) attempt(ctx context.Context, it item) bool {
	build := it.req.Build
	agent, ok := d.registry.Reserve(build.RequiredLabels)
	if !ok {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.sender.Send(sendCtx, *agent, it.req)
	cancel()

	switch {
	case err == nil:
		// an accepted dispatch only moves the build out of the queue; the
		// breaker is credited when the terminal result arrives
		if serr := d.store.SetBuildAgent(build.ID, agent.ID); serr != nil {
			d.logger.Error("record dispatch target failed",
				"build_id", build.ID,
				"agent_id", agent.ID,
				"error", serr)
		}
		d.countAttempt("dispatched")
		d.logger.Info("build dispatched",
			"build_id", build.ID,
			"agent_id", agent.ID)
		return true

	case errors.Is(err, relay.ErrAgentBusy):
		// every slot taken; undo the reservation without feeding the
		// breaker, the agent is healthy just full
		d.registry.Release(agent.ID)
		d.countAttempt("requeued")
		d.logger.Info("agent busy, build requeued",
			"build_id", build.ID,
			"agent_id", agent.ID)
		return false

	default:
		d.registry.Release(agent.ID)
		d.registry.ReportOutcome(agent.ID, false)
		d.countAttempt("failed")
		d.logger.Warn("dispatch failed",
			"build_id", build.ID,
			"agent_id", agent.ID,
			"error", err)
		return false
	}
}

// expire fails a build that outstayed MaxQueueTime
func (d *Dispatcher) expire(it item) {
	buildID := it.req.Build.ID
	d.countAttempt("expired")
	if _, err := d.store.TransitionBuild(buildID, models.BuildFailure, "no eligible agent within "+d.cfg.MaxQueueTime.String()); err != nil {
		d.logger.Error("expire queued build failed",
			"build_id", buildID,
			"error", err)
		return
	}
	d.logger.Warn("queued build expired",
		"build_id", buildID,
		"queued_for", d.now().Sub(it.enqueuedAt).String())
}
