// Package provider turns raw GPS and cell readings into position records.
package provider

import (
	"sync"
	"time"

	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/position"
)

// Source produces position records until stopped.
type Source interface {
	Start(onFix func(*position.Record)) error
	Stop()
}

// Listener receives fixes and availability changes from a primary source.
type Listener struct {
	Fix          func(*position.Record)
	Availability func(available bool)
}

// poller runs fn every interval on the clock. Restarting bumps the
// generation so callbacks armed by an earlier run are ignored.
type poller struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	gen     int
	running bool
	timer   clock.Timer
}

func (p *poller) start(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	p.running = true
	g := p.gen
	p.timer = p.clock.AfterFunc(0, func() { p.tick(g, fn) })
}

func (p *poller) tick(g int, fn func()) {
	p.mu.Lock()
	live := p.running && p.gen == g
	p.mu.Unlock()
	if !live {
		return
	}

	fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.gen == g {
		p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(g, fn) })
	}
}

func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// pacer flags records emitted sooner than the reporting interval.
type pacer struct {
	interval time.Duration
	last     time.Time
}

func (p *pacer) mark(r *position.Record, now time.Time) {
	r.Forced = !p.last.IsZero() && now.Sub(p.last) < p.interval
	p.last = now
}
