package provider

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/position"
)

// DefaultFixTimeout is added to the reporting interval to form the primary
// fix deadline.
const DefaultFixTimeout = 30 * time.Second

// Primary is a source that also reports its own availability.
type Primary interface {
	Listen(Listener) error
	Stop()
}

type mode int

const (
	modePrimary mode = iota
	modeFallback
)

func (m mode) String() string {
	if m == modeFallback {
		return "fallback"
	}
	return "primary"
}

// Hybrid prefers the primary source and activates the fallback when the
// primary misses its fix deadline or reports itself unavailable. Any primary
// fix, or the primary becoming available again, switches back.
type Hybrid struct {
	primary  Primary
	fallback Source
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	running  bool
	mode     mode
	onFix    func(*position.Record)
	deadline clock.Timer
	armed    int
	pace     pacer

	// OnSwitch, if set, is called outside the lock after every mode change.
	OnSwitch func(fallback bool)

	log log.Logger
}

func NewHybrid(primary Primary, fallback Source, c clock.Clock, interval, fixTimeout time.Duration) *Hybrid {
	if fixTimeout <= 0 {
		fixTimeout = DefaultFixTimeout
	}
	h := &Hybrid{
		primary:  primary,
		fallback: fallback,
		clock:    c,
		interval: interval,
		timeout:  fixTimeout,
		pace:     pacer{interval: interval},
	}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "provider").Str("source", "hybrid").Value()
	return h
}

func (h *Hybrid) Start(onFix func(*position.Record)) error {
	h.mu.Lock()
	h.running = true
	h.mode = modePrimary
	h.onFix = onFix
	h.armDeadline()
	h.mu.Unlock()

	return h.primary.Listen(Listener{Fix: h.primaryFix, Availability: h.availability})
}

func (h *Hybrid) Stop() {
	h.mu.Lock()
	h.running = false
	h.disarmDeadline()
	if h.mode == modeFallback {
		h.fallback.Stop()
		h.mode = modePrimary
	}
	h.mu.Unlock()

	h.primary.Stop()
}

// Fallback reports whether the fallback source is active.
func (h *Hybrid) Fallback() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode == modeFallback
}

func (h *Hybrid) primaryFix(r *position.Record) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	switched := h.switchMode(modePrimary)
	h.armDeadline()
	onFix := h.emit(r)
	h.mu.Unlock()

	h.notify(switched, false)
	onFix(r)
}

func (h *Hybrid) fallbackFix(r *position.Record) {
	h.mu.Lock()
	if !h.running || h.mode != modeFallback {
		h.mu.Unlock()
		return
	}
	onFix := h.emit(r)
	h.mu.Unlock()

	onFix(r)
}

func (h *Hybrid) availability(available bool) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	var switched bool
	if available {
		switched = h.switchMode(modePrimary)
		h.armDeadline()
	} else {
		h.disarmDeadline()
		switched = h.switchMode(modeFallback)
	}
	h.mu.Unlock()

	h.notify(switched, !available)
}

func (h *Hybrid) expired(armed int) {
	h.mu.Lock()
	if !h.running || armed != h.armed {
		h.mu.Unlock()
		return
	}
	h.deadline = nil
	switched := h.switchMode(modeFallback)
	h.mu.Unlock()

	h.notify(switched, true)
}

// switchMode is the only place the mode changes. Caller holds mu.
func (h *Hybrid) switchMode(m mode) bool {
	if h.mode == m {
		return false
	}
	h.mode = m
	h.log.Info().Str("mode", m.String()).Msg("switching source")
	if m == modeFallback {
		if err := h.fallback.Start(h.fallbackFix); err != nil {
			h.log.Error().Err(err).Msg("fallback start failed")
		}
	} else {
		h.fallback.Stop()
	}
	return true
}

// emit stamps the forced flag and returns the callback. Caller holds mu.
func (h *Hybrid) emit(r *position.Record) func(*position.Record) {
	h.pace.mark(r, h.clock.Now())
	return h.onFix
}

func (h *Hybrid) notify(switched, fallback bool) {
	if switched && h.OnSwitch != nil {
		h.OnSwitch(fallback)
	}
}

// armDeadline (re)starts the primary fix deadline. Caller holds mu.
func (h *Hybrid) armDeadline() {
	h.disarmDeadline()
	h.armed++
	armed := h.armed
	h.deadline = h.clock.AfterFunc(h.interval+h.timeout, func() { h.expired(armed) })
}

func (h *Hybrid) disarmDeadline() {
	if h.deadline != nil {
		h.deadline.Stop()
		h.deadline = nil
	}
	h.armed++
}
