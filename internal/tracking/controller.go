// Package tracking drives position records from acquisition through the
// durable queue to the collector.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/geoloc"
	"github.com/shaunagostinho/trackagent/internal/position"
	"github.com/shaunagostinho/trackagent/internal/provider"
	"github.com/shaunagostinho/trackagent/internal/queue"
	"github.com/shaunagostinho/trackagent/internal/status"
)

const (
	// DefaultRetryDelay is the wait after a failed send, peek or insert.
	DefaultRetryDelay = 30 * time.Second
	defaultOpTimeout  = time.Minute
)

// ErrStopped is returned by Start once Stop has been called.
var ErrStopped = errors.New("tracking: controller stopped")

// Resolver turns a serving cell into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, c position.Cell) (position.Coordinates, error)
}

// Sender delivers one record to the collector.
type Sender interface {
	Send(ctx context.Context, r *position.Record) error
}

// Monitor reports network reachability and its changes.
type Monitor interface {
	IsOnline() bool
	Start(onChange func(online bool)) error
	Stop()
}

// WakeLock keeps the device awake while an operation is outstanding.
type WakeLock interface {
	Acquire(tag string) (release func())
}

// Publisher receives user-visible status messages.
type Publisher interface {
	Publish(topic, text string, r *position.Record)
}

// Options wires a Controller. Source, Queue, Resolver, Sender, Monitor and
// Identity are required.
type Options struct {
	Source   provider.Source
	Queue    queue.Store
	Resolver Resolver
	Sender   Sender
	Monitor  Monitor
	Identity position.Identity

	Clock  clock.Clock
	Lock   WakeLock
	Status Publisher

	RetryDelay time.Duration
	// Coalesce, if set, drops fixes for which it returns true before they
	// are queued.
	Coalesce func(*position.Record) bool
}

// DropForced is a Coalesce policy that skips forced fixes.
func DropForced(r *position.Record) bool { return r.Forced }

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     State     `json:"state"`
	Online    bool      `json:"online"`
	Sent      uint64    `json:"sent"`
	Discarded uint64    `json:"discarded"`
	Failures  uint64    `json:"failures"`
	Held      int       `json:"held"`
	LastSent  time.Time `json:"lastSent"`
}

// Controller is an actor: every state change runs on one goroutine,
// consuming closures from events. Queue, geolocation and send calls run on
// their own goroutines and post their completion back.
type Controller struct {
	source   provider.Source
	queue    queue.Store
	resolver Resolver
	sender   Sender
	monitor  Monitor
	identity position.Identity
	clock    clock.Clock
	lock     WakeLock
	status   Publisher
	coalesce func(*position.Record) bool
	retry    time.Duration

	events    chan func()
	exited    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	// loop goroutine only
	queueBusy  bool
	queueOps   []func()
	held       []*position.Record
	holdTimer  clock.Timer
	retryTimer clock.Timer
	inflight   int
	stopping   bool
	done       bool

	mu      sync.Mutex
	snap    Snapshot
	stopped bool

	log log.Logger
}

// New returns an unstarted controller.
func New(o Options) *Controller {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Lock == nil {
		o.Lock = noLock{}
	}
	if o.Status == nil {
		o.Status = noStatus{}
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	c := &Controller{
		source:   o.Source,
		queue:    o.Queue,
		resolver: o.Resolver,
		sender:   o.Sender,
		monitor:  o.Monitor,
		identity: o.Identity,
		clock:    o.Clock,
		lock:     o.Lock,
		status:   o.Status,
		coalesce: o.Coalesce,
		retry:    o.RetryDelay,
		events:   make(chan func(), 64),
		exited:   make(chan struct{}),
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "tracking").Value()
	return c
}

// Start attaches the monitor and the source and begins draining if online.
// It is one-shot: later calls return the first result, or ErrStopped after
// Stop.
func (c *Controller) Start() error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	c.startOnce.Do(func() {
		go c.run()

		if c.startErr = c.monitor.Start(func(online bool) {
			c.post(func() { c.connectivity(online) })
		}); c.startErr != nil {
			c.halt()
			return
		}
		if c.startErr = c.source.Start(func(r *position.Record) {
			c.post(func() { c.fix(r) })
		}); c.startErr != nil {
			c.monitor.Stop()
			c.halt()
			return
		}
		c.post(func() {
			c.setOnline(c.monitor.IsOnline())
			c.drain()
		})
		c.log.Info().Str("device", c.identity.DeviceID()).Msg("started")
	})
	return c.startErr
}

// Stop detaches the source and monitor, cancels timers and waits for
// operations already in flight. Nothing new is started.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		c.source.Stop()
		c.monitor.Stop()
		c.startOnce.Do(func() { go c.run() })
		c.halt()
		c.log.Info().Msg("stopped")
	})
}

// halt ends the loop once in-flight operations complete and waits for it.
func (c *Controller) halt() {
	c.post(func() {
		c.stopping = true
		stopTimer(&c.retryTimer)
		stopTimer(&c.holdTimer)
		if n := len(c.queueOps) + len(c.held); n > 0 {
			c.log.Warn().Int("pending", n).Msg("dropping queued operations")
		}
		c.queueOps = nil
		c.held = nil
		c.maybeExit()
	})
	<-c.exited
}

// State returns the current pipeline state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.State
}

// Snapshot returns the current state and counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *Controller) run() {
	for !c.done {
		(<-c.events)()
	}
}

// post queues fn for the loop. It reports false once the loop has exited.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.exited:
		return false
	}
}

func (c *Controller) maybeExit() {
	if c.stopping && c.inflight == 0 && !c.done {
		c.done = true
		close(c.exited)
	}
}

// dispatch runs work on its own goroutine under a wake lock. The closure
// work returns is executed on the loop.
func (c *Controller) dispatch(tag string, work func(ctx context.Context) func()) {
	if c.stopping {
		return
	}
	c.inflight++
	release := c.lock.Acquire(tag)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
		defer cancel()
		done := work(ctx)
		posted := c.post(func() {
			release()
			c.inflight--
			done()
			c.maybeExit()
		})
		if !posted {
			release()
		}
	}()
}

// queueOp serializes queue calls: exactly one is outstanding, the rest
// wait in arrival order.
func (c *Controller) queueOp(tag string, op func(ctx context.Context) func()) {
	c.queueOps = append(c.queueOps, func() {
		c.dispatch(tag, func(ctx context.Context) func() {
			done := op(ctx)
			return func() {
				done()
				c.queueBusy = false
				c.nextQueueOp()
			}
		})
	})
	c.nextQueueOp()
}

func (c *Controller) nextQueueOp() {
	if c.queueBusy || c.stopping || len(c.queueOps) == 0 {
		return
	}
	next := c.queueOps[0]
	c.queueOps = c.queueOps[1:]
	c.queueBusy = true
	next()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.snap.State
	c.snap.State = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state")
	}
}

func (c *Controller) setOnline(online bool) {
	c.mu.Lock()
	c.snap.Online = online
	c.mu.Unlock()
}

func (c *Controller) count(f func(s *Snapshot)) {
	c.mu.Lock()
	f(&c.snap)
	c.mu.Unlock()
}

// acquisition

func (c *Controller) fix(r *position.Record) {
	c.status.Publish(status.TopicFix, "location update", r)
	if c.coalesce != nil && c.coalesce(r) {
		c.log.Debug().Time("time", r.Time).Msg("coalesced forced fix")
		return
	}
	c.insert(r)
}

func (c *Controller) insert(r *position.Record) {
	c.queueOp("insert", func(ctx context.Context) func() {
		_, err := c.queue.Insert(ctx, r)
		return func() { c.inserted(r, err) }
	})
}

func (c *Controller) inserted(r *position.Record, err error) {
	if err != nil {
		c.log.Error().Err(err).Msg("insert failed, holding record")
		c.status.Publish(status.TopicStoreError, "storage error: "+err.Error(), r)
		c.hold(r)
		return
	}
	c.log.Debug().Uint64("id", r.ID).Bool("cell", r.Cell).Msg("queued")
	if c.State() == Idle && c.monitor.IsOnline() {
		c.read()
	}
}

func (c *Controller) hold(r *position.Record) {
	c.held = append(c.held, r)
	c.count(func(s *Snapshot) { s.Held = len(c.held) })
	if c.holdTimer == nil && !c.stopping {
		c.holdTimer = c.clock.AfterFunc(c.retry, func() { c.post(c.reinsert) })
	}
}

func (c *Controller) reinsert() {
	c.holdTimer = nil
	if c.stopping {
		return
	}
	held := c.held
	c.held = nil
	c.count(func(s *Snapshot) { s.Held = 0 })
	for _, r := range held {
		c.insert(r)
	}
}

// drain

func (c *Controller) read() {
	if c.stopping {
		return
	}
	if !c.monitor.IsOnline() {
		c.setState(WaitingNetwork)
		return
	}
	c.setState(Reading)
	c.queueOp("peek", func(ctx context.Context) func() {
		r, err := c.queue.PeekOldest(ctx)
		return func() { c.peeked(r, err) }
	})
}

func (c *Controller) peeked(r *position.Record, err error) {
	switch {
	case err != nil:
		c.log.Error().Err(err).Msg("peek failed")
		c.status.Publish(status.TopicStoreError, "storage error: "+err.Error(), nil)
		c.waitRetry()
	case r == nil:
		c.setState(Idle)
	case r.DeviceID != c.identity.DeviceID():
		c.log.Info().Uint64("id", r.ID).Str("device", r.DeviceID).Msg("discarding record of previous device")
		c.discard(r, "discarded: recorded under device "+r.DeviceID)
	case r.Cell:
		c.resolve(r)
	default:
		c.send(r)
	}
}

func (c *Controller) resolve(r *position.Record) {
	c.setState(ResolvingCell)
	cell, _ := r.CellTower()
	c.dispatch("geolocation", func(ctx context.Context) func() {
		coords, err := c.resolver.Resolve(ctx, cell)
		return func() { c.resolved(r, coords, err) }
	})
}

func (c *Controller) resolved(r *position.Record, coords position.Coordinates, err error) {
	switch {
	case err == nil:
		r.Resolve(coords)
		c.send(r)
	case errors.Is(err, geoloc.ErrMalformed):
		c.log.Error().Err(err).Uint64("id", r.ID).Msg("cell cannot be resolved, discarding")
		c.status.Publish(status.TopicGeocodeError, "geolocation error: "+err.Error(), r)
		c.discard(r, "discarded: cell location unresolvable")
	default:
		c.log.Warn().Err(err).Uint64("id", r.ID).Msg("geolocation unavailable")
		c.status.Publish(status.TopicGeocodeError, "geolocation error: "+err.Error(), r)
		c.waitRetry()
	}
}

func (c *Controller) send(r *position.Record) {
	c.setState(Sending)
	c.dispatch("send", func(ctx context.Context) func() {
		err := c.sender.Send(ctx, r)
		return func() { c.sent(r, err) }
	})
}

func (c *Controller) sent(r *position.Record, err error) {
	if err != nil {
		c.log.Warn().Err(err).Uint64("id", r.ID).Msg("send failed")
		c.count(func(s *Snapshot) { s.Failures++ })
		c.status.Publish(status.TopicSendFailed, "send failed: "+err.Error(), r)
		c.waitRetry()
		return
	}
	now := c.clock.Now()
	c.count(func(s *Snapshot) {
		s.Sent++
		s.LastSent = now
	})
	c.status.Publish(status.TopicSent, "location sent", r)
	c.delete(r)
}

func (c *Controller) discard(r *position.Record, why string) {
	c.count(func(s *Snapshot) { s.Discarded++ })
	c.status.Publish(status.TopicDiscarded, why, r)
	c.delete(r)
}

func (c *Controller) delete(r *position.Record) {
	c.setState(Deleting)
	c.queueOp("delete", func(ctx context.Context) func() {
		err := c.queue.Delete(ctx, r.ID)
		return func() { c.deleted(r, err) }
	})
}

func (c *Controller) deleted(r *position.Record, err error) {
	if err != nil {
		c.log.Error().Err(err).Uint64("id", r.ID).Msg("delete failed")
		c.status.Publish(status.TopicStoreError, "storage error: "+err.Error(), r)
		c.waitRetry()
		return
	}
	c.read()
}

func (c *Controller) waitRetry() {
	if c.stopping {
		return
	}
	stopTimer(&c.retryTimer)
	c.retryTimer = c.clock.AfterFunc(c.retry, func() { c.post(c.retryExpired) })
	c.setState(WaitingRetry)
}

func (c *Controller) retryExpired() {
	c.retryTimer = nil
	if c.State() != WaitingRetry {
		return
	}
	c.read()
}

func (c *Controller) connectivity(online bool) {
	c.setOnline(online)
	text := "network offline"
	if online {
		text = "network online"
	}
	c.status.Publish(status.TopicConnectivity, text, nil)
	if online {
		c.drain()
	}
}

// drain starts reading unless a drain is already under way. Only Idle and
// WaitingNetwork have no peek, resolve, send, delete or retry outstanding.
func (c *Controller) drain() {
	if s := c.State(); s == Idle || s == WaitingNetwork {
		c.read()
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

type noLock struct{}

func (noLock) Acquire(string) func() { return func() {} }

type noStatus struct{}

func (noStatus) Publish(string, string, *position.Record) {}
