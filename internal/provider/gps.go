package provider

import (
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/gps"
	"github.com/shaunagostinho/trackagent/internal/position"
)

// GPS polls a gps.Reader once per interval and emits every valid fix.
// Read errors mark the source unavailable until the next good read.
type GPS struct {
	reader   gps.Reader
	identity position.Identity
	clock    clock.Clock
	poll     poller

	mu        sync.Mutex
	listener  Listener
	connected bool
	available bool
	pace      pacer
	latest    *gps.Data

	log log.Logger
}

func NewGPS(r gps.Reader, id position.Identity, c clock.Clock, interval time.Duration) *GPS {
	g := &GPS{
		reader:    r,
		identity:  id,
		clock:     c,
		poll:      poller{clock: c, interval: interval},
		available: true,
		pace:      pacer{interval: interval},
	}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "provider").Str("source", "gps").Value()
	return g
}

// Listen starts polling and reports to l.
func (g *GPS) Listen(l Listener) error {
	g.mu.Lock()
	g.listener = l
	g.available = true
	g.mu.Unlock()
	g.poll.start(g.sample)
	g.log.Info().Str("reader", g.reader.Name()).Dur("interval", g.poll.interval).Msg("started")
	return nil
}

func (g *GPS) Start(onFix func(*position.Record)) error {
	return g.Listen(Listener{Fix: onFix})
}

func (g *GPS) Stop() {
	g.poll.stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		g.reader.Close()
		g.connected = false
	}
}

// Latest returns the last reading, valid or not.
func (g *GPS) Latest() *gps.Data {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest
}

func (g *GPS) sample() {
	data, err := g.read()

	g.mu.Lock()
	l := g.listener
	var availability *bool
	if up := err == nil; up != g.available {
		g.available = up
		availability = &up
	}
	var rec *position.Record
	if err == nil {
		g.latest = data
		if data.Valid {
			rec = g.record(data)
			g.pace.mark(rec, g.clock.Now())
		}
	}
	g.mu.Unlock()

	if err != nil {
		g.log.Warn().Err(err).Msg("read failed")
	}
	if availability != nil && l.Availability != nil {
		l.Availability(*availability)
	}
	if rec != nil && l.Fix != nil {
		l.Fix(rec)
	}
}

func (g *GPS) read() (*gps.Data, error) {
	g.mu.Lock()
	connected := g.connected
	g.mu.Unlock()

	if !connected {
		if err := g.reader.Connect(); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.connected = true
		g.mu.Unlock()
	}

	data, err := g.reader.Read()
	if err != nil {
		g.mu.Lock()
		g.connected = false
		g.mu.Unlock()
		g.reader.Close()
		return nil, err
	}
	return data, nil
}

func (g *GPS) record(d *gps.Data) *position.Record {
	t := d.Time
	if t.IsZero() {
		t = g.clock.Now()
	}
	r := &position.Record{
		DeviceID:  g.identity.DeviceID(),
		Time:      t,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Altitude:  position.Float(d.Altitude),
		Speed:     position.Float(d.Speed),
		Course:    position.Float(d.Heading),
	}
	if acc := d.Accuracy(); acc > 0 {
		r.Accuracy = position.Float(acc)
	}
	return r
}
