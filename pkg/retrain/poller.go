package retrain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/gateway/httpclient"
)

// State of a watch.
//
//	Idle -> Polling -> Completed | Failed | Cancelled
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// IsFinal reports whether the watch has ended.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Snapshot is what a watch knows about its job after a poll.
type Snapshot struct {
	JobID        string
	State        State
	Status       Status
	Progress     int
	Message      string
	ModelVersion string
	Metrics      Metrics
	// Attempt counts status queries issued so far, failed ones included.
	Attempt int
	// Err is set when the watch failed without the backend reporting failure.
	Err error
	At  time.Time
}

// Handlers are invoked from the watch goroutine, one at a time and in poll
// order. Neither may call Stop on its own watch from OnUpdate; doing so
// deadlocks. Stopping from OnTerminal is allowed and is a no-op.
type Handlers struct {
	// OnUpdate runs after every successful non-terminal poll, repeated values included.
	OnUpdate func(Snapshot)
	// OnTerminal runs exactly once when the watch completes or fails.
	OnTerminal func(Snapshot)
}

// StatusSource answers one status query. *Client implements it.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (StatusReport, error)
}

// PollConfig bounds a watch. Zero Timeout or MaxFailures disables that bound.
type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	MaxBackoff  time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    800 * time.Millisecond,
		Timeout:     30 * time.Minute,
		MaxFailures: 10,
		MaxBackoff:  10 * time.Second,
	}
}

func (c PollConfig) normalized() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 800 * time.Millisecond
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = c.Interval
	}
	if c.MaxFailures < 0 {
		c.MaxFailures = 0
	}
	return c
}

// Poller owns at most one active watch. Starting a new watch stops the
// previous one first.
type Poller struct {
	source    StatusSource
	cfg       PollConfig
	recorder  Recorder
	publisher EventPublisher
	log       logrus.FieldLogger

	mu      sync.Mutex
	current *Watch
}

type PollerOption func(*Poller)

func WithRecorder(r Recorder) PollerOption {
	return func(p *Poller) { p.recorder = r }
}

func WithPublisher(pub EventPublisher) PollerOption {
	return func(p *Poller) { p.publisher = pub }
}

func WithPollerLogger(l logrus.FieldLogger) PollerOption {
	return func(p *Poller) { p.log = l }
}

func NewPoller(source StatusSource, cfg PollConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		cfg:      cfg.normalized(),
		recorder: NopRecorder{},
		log:      logger.Log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch starts polling jobID. The first query is issued one interval after
// the call. Cancelling ctx cancels the watch.
func (p *Poller) Watch(ctx context.Context, jobID string, h Handlers) (*Watch, error) {
	return p.start(ctx, jobID, func(*Watch) Handlers { return h }, nil)
}

// active returns the running watch, or nil.
func (p *Poller) active() *Watch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Stop cancels the active watch, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	w := p.current
	p.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (p *Poller) start(ctx context.Context, jobID string, handlers func(*Watch) Handlers, onExit func()) (*Watch, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ValidationError{reason: ErrMissingJobID}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if p.cfg.Timeout > 0 {
		runCtx, cancel = withTimeout(runCtx, cancel, p.cfg.Timeout)
	}

	w := &Watch{
		jobID:    jobID,
		poller:   p,
		parent:   ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		onExit:   onExit,
		log:      p.log.WithField("job_id", jobID),
	}
	w.state.Store(int32(StatePolling))
	w.last = Snapshot{JobID: jobID, State: StatePolling, Status: StatusUnknown}
	w.handlers = handlers(w)

	p.current = w
	p.recorder.WatchStarted()
	w.log.Info("watching retrain job")

	go w.run(runCtx)
	return w, nil
}

func (p *Poller) release(w *Watch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == w {
		p.current = nil
	}
}

func withTimeout(ctx context.Context, cancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// Watch is the lifetime of one poll loop for one job.
type Watch struct {
	jobID    string
	poller   *Poller
	parent   context.Context
	handlers Handlers
	cancel   context.CancelFunc
	log      logrus.FieldLogger
	onExit   func()

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// terminal is only touched by the run goroutine.
	terminal *Snapshot

	// mu serialises handler invocations against Stop.
	mu    sync.Mutex
	state atomic.Int32
	last  Snapshot
}

func (w *Watch) JobID() string {
	return w.jobID
}

func (w *Watch) State() State {
	return State(w.state.Load())
}

// Snapshot returns the latest observation.
func (w *Watch) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Done is closed once the poll loop has exited and any lifecycle event has
// been handed to the publisher.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the poll loop exits or ctx ends and returns the final snapshot.
func (w *Watch) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-w.done:
		return w.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Stop cancels the watch. It is idempotent, safe at any time, and once it
// returns no handler will be invoked, even for a response already in flight.
//
// Stop does not wait for an OnTerminal call that has already started; it may
// still be running when Stop returns. Use Done or Wait to wait for it.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopping)
		w.cancel()
	})
	if w.State().IsFinal() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State().IsFinal() {
		return
	}
	w.setFinal(StateCancelled)
	w.log.Info("retrain job watch cancelled")
}

func (w *Watch) run(ctx context.Context) {
	defer func() {
		w.cancel()
		w.poller.release(w)
		if w.onExit != nil {
			w.onExit()
		}
		if w.terminal != nil {
			w.publish(*w.terminal)
		}
		close(w.done)
	}()

	cfg := w.poller.cfg
	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	attempt, failures := 0, 0
	for {
		select {
		case <-ctx.Done():
			w.finishContext(ctx)
			return
		case <-timer.C:
		}

		attempt++
		start := time.Now()
		report, err := w.poller.source.Status(ctx, w.jobID)
		latency := time.Since(start)

		if ctx.Err() != nil {
			// Stopped or timed out while the request was in flight; the response is dropped.
			w.finishContext(ctx)
			return
		}

		if err != nil {
			failures++
			w.poller.recorder.Poll(pollResult(err), latency)
			w.log.WithFields(logrus.Fields{
				"attempt":  attempt,
				"failures": failures,
			}).WithError(err).Warn("job status poll failed")

			if cfg.MaxFailures > 0 && failures >= cfg.MaxFailures {
				w.failPolling(attempt, fmt.Errorf("%w: %v", ErrTooManyFailures, err))
				return
			}
			timer.Reset(httpclient.Backoff(cfg.Interval, cfg.MaxBackoff, failures))
			continue
		}

		failures = 0
		w.poller.recorder.Poll("ok", latency)
		if !report.Status.Known() {
			w.log.WithField("status", report.Status.String()).Warn("unrecognised job status, still polling")
		}

		snap := snapshotOf(w.jobID, report, attempt)
		if report.Status.IsTerminal() {
			w.finish(snap)
			return
		}
		if !w.deliver(snap) {
			return
		}
		timer.Reset(cfg.Interval)
	}
}

func snapshotOf(jobID string, r StatusReport, attempt int) Snapshot {
	state := StatePolling
	switch r.Status {
	case StatusDone:
		state = StateCompleted
	case StatusFailed:
		state = StateFailed
	}
	return Snapshot{
		JobID:        jobID,
		State:        state,
		Status:       r.Status,
		Progress:     r.Progress,
		Message:      r.Message,
		ModelVersion: r.ModelVersion,
		Metrics:      r.ResultMetrics,
		Attempt:      attempt,
		At:           time.Now(),
	}
}

func pollResult(err error) string {
	switch {
	case IsProtocolError(err):
		return "protocol_error"
	case IsUpstreamError(err):
		return "upstream_error"
	case IsTransportError(err):
		return "transport_error"
	}
	return "error"
}

// deliver hands a non-terminal snapshot to OnUpdate unless the watch was
// stopped in the meantime.
func (w *Watch) deliver(s Snapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State().IsFinal() {
		return false
	}
	w.last = s
	if w.handlers.OnUpdate != nil {
		w.handlers.OnUpdate(s)
	}
	return true
}

func (w *Watch) finish(s Snapshot) {
	w.mu.Lock()
	if w.State().IsFinal() {
		w.mu.Unlock()
		return
	}
	w.last = s
	w.setFinal(s.State)
	w.log.WithFields(logrus.Fields{
		"status":        s.Status,
		"progress":      s.Progress,
		"model_version": s.ModelVersion,
		"attempt":       s.Attempt,
	}).Info("retrain job reached terminal status")
	if w.handlers.OnTerminal != nil {
		w.handlers.OnTerminal(s)
	}
	w.mu.Unlock()

	// Published from run's exit path, after a stream consumer has seen C close.
	w.terminal = &s
}

func (w *Watch) failPolling(attempt int, err error) {
	w.mu.Lock()
	s := w.last
	w.mu.Unlock()

	s.State = StateFailed
	s.Status = StatusFailed
	s.Metrics = nil
	s.Attempt = attempt
	s.Err = err
	s.At = time.Now()
	w.log.WithError(err).Error("giving up on retrain job status")
	w.finish(s)
}

// finishContext settles a watch whose context ended: the poller's own
// deadline fails it, anything else cancels it.
func (w *Watch) finishContext(ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && w.parent.Err() == nil && !w.stopped() {
		w.mu.Lock()
		attempt := w.last.Attempt
		w.mu.Unlock()
		w.failPolling(attempt, ErrWatchTimeout)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State().IsFinal() {
		return
	}
	w.setFinal(StateCancelled)
	w.log.Info("retrain job watch cancelled")
}

func (w *Watch) stopped() bool {
	select {
	case <-w.stopping:
		return true
	default:
		return false
	}
}

// setFinal must be called with mu held.
func (w *Watch) setFinal(s State) {
	w.last.State = s
	w.state.Store(int32(s))
	w.poller.recorder.WatchFinished(s)
}

func (w *Watch) publish(s Snapshot) {
	if w.poller.publisher == nil {
		return
	}
	eventType, data, ok := LifecycleEvent(s)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.poller.publisher.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		w.log.WithError(err).Warn("failed to publish retrain lifecycle event")
	}
}
