package provider

import (
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/cell"
	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/position"
)

// Cacher looks up previously resolved cells without touching the network.
type Cacher interface {
	Cached(position.Cell) (position.Coordinates, bool)
}

// Cell polls the serving cell once per interval. A cell already present in
// the geolocation cache is emitted with real coordinates, anything else as
// a cell-derived record to be resolved at delivery time.
type Cell struct {
	reader   cell.Reader
	cache    Cacher
	identity position.Identity
	clock    clock.Clock
	poll     poller

	mu        sync.Mutex
	onFix     func(*position.Record)
	connected bool
	pace      pacer

	log log.Logger
}

func NewCell(r cell.Reader, cache Cacher, id position.Identity, c clock.Clock, interval time.Duration) *Cell {
	p := &Cell{
		reader:   r,
		cache:    cache,
		identity: id,
		clock:    c,
		poll:     poller{clock: c, interval: interval},
		pace:     pacer{interval: interval},
	}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "provider").Str("source", "cell").Value()
	return p
}

func (p *Cell) Start(onFix func(*position.Record)) error {
	p.mu.Lock()
	p.onFix = onFix
	p.mu.Unlock()
	p.poll.start(p.sample)
	p.log.Info().Str("reader", p.reader.Name()).Msg("started")
	return nil
}

func (p *Cell) Stop() {
	p.poll.stop()
	p.log.Info().Msg("stopped")
}

// Close releases the reader. The source may not be restarted afterwards.
func (p *Cell) Close() error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	return p.reader.Close()
}

func (p *Cell) sample() {
	c, err := p.read()
	if err != nil {
		p.log.Warn().Err(err).Msg("cell read failed")
		return
	}

	now := p.clock.Now()
	var rec *position.Record
	if coords, ok := p.cache.Cached(c); ok {
		rec = &position.Record{
			DeviceID:  p.identity.DeviceID(),
			Time:      now,
			Latitude:  coords.Latitude,
			Longitude: coords.Longitude,
		}
	} else {
		rec = position.NewCellRecord(p.identity.DeviceID(), now, c)
	}

	p.mu.Lock()
	p.pace.mark(rec, now)
	onFix := p.onFix
	p.mu.Unlock()

	p.log.Debug().Str("cell", c.String()).Bool("cached", !rec.Cell).Msg("cell fix")
	if onFix != nil {
		onFix(rec)
	}
}

func (p *Cell) read() (position.Cell, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		if err := p.reader.Connect(); err != nil {
			return position.Cell{}, err
		}
		p.connected = true
	}
	c, err := p.reader.Read()
	if err != nil && !errors.Is(err, cell.ErrNotRegistered) {
		p.reader.Close()
		p.connected = false
	}
	return c, err
}
