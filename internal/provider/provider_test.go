package provider

import (
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/trackagent/internal/cell"
	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/gps"
	"github.com/shaunagostinho/trackagent/internal/position"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGPS struct {
	valid    bool
	err      error
	connects int
	closes   int
}

func (f *fakeGPS) Name() string   { return "fake" }
func (f *fakeGPS) Connect() error { f.connects++; return nil }
func (f *fakeGPS) Close() error   { f.closes++; return nil }
func (f *fakeGPS) Read() (*gps.Data, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &gps.Data{Valid: f.valid, Latitude: 43.65, Longitude: -79.38, Speed: 12, HDOP: 1}, nil
}

type fakeCell struct {
	c   position.Cell
	err error
}

func (f *fakeCell) Name() string                 { return "fake" }
func (f *fakeCell) Connect() error               { return nil }
func (f *fakeCell) Close() error                 { return nil }
func (f *fakeCell) Read() (position.Cell, error) { return f.c, f.err }

type fakeCache map[position.Cell]position.Coordinates

func (f fakeCache) Cached(c position.Cell) (position.Coordinates, bool) {
	coords, ok := f[c]
	return coords, ok
}

type collector struct{ recs []*position.Record }

func (c *collector) fix(r *position.Record) { c.recs = append(c.recs, r) }

var tower = position.Cell{MCC: 310, MNC: 410, LAC: 2, CellID: 555}

func TestGPSEmitsValidFixes(t *testing.T) {
	c := clock.NewFake(epoch)
	reader := &fakeGPS{valid: true}
	g := NewGPS(reader, position.StaticIdentity("D1"), c, 10*time.Second)
	var got collector
	if err := g.Start(got.fix); err != nil {
		t.Fatal(err)
	}

	c.Advance(0)
	c.Advance(20 * time.Second)
	if len(got.recs) != 3 {
		t.Fatalf("got %d records, want 3", len(got.recs))
	}
	r := got.recs[0]
	if r.DeviceID != "D1" || r.Cell || r.Forced {
		t.Errorf("record = %+v", r)
	}
	if r.Speed == nil || *r.Speed != 12 || r.Accuracy == nil || *r.Accuracy != 5 {
		t.Errorf("optional fields = %v %v", r.Speed, r.Accuracy)
	}
	if !r.Time.Equal(epoch) {
		t.Errorf("time = %v, want clock time when the receiver has no date", r.Time)
	}
	if reader.connects != 1 {
		t.Errorf("connects = %d", reader.connects)
	}

	reader.valid = false
	c.Advance(10 * time.Second)
	if len(got.recs) != 3 {
		t.Errorf("invalid fix was emitted")
	}
	if g.Latest() == nil || g.Latest().Valid {
		t.Errorf("Latest() = %+v", g.Latest())
	}

	g.Stop()
	if c.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d", c.Pending())
	}
}

func TestGPSReportsAvailability(t *testing.T) {
	c := clock.NewFake(epoch)
	reader := &fakeGPS{valid: true, err: errors.New("unplugged")}
	g := NewGPS(reader, position.StaticIdentity("D1"), c, 10*time.Second)

	var avail []bool
	var got collector
	g.Listen(Listener{Fix: got.fix, Availability: func(up bool) { avail = append(avail, up) }})

	c.Advance(0)
	c.Advance(10 * time.Second)
	reader.err = nil
	c.Advance(10 * time.Second)

	if len(avail) != 2 || avail[0] || !avail[1] {
		t.Errorf("availability = %v, want [false true]", avail)
	}
	if len(got.recs) != 1 {
		t.Errorf("records = %d, want 1", len(got.recs))
	}
	// each failed read drops the connection
	if reader.connects != 3 || reader.closes != 2 {
		t.Errorf("connects=%d closes=%d", reader.connects, reader.closes)
	}
}

func TestCellSource(t *testing.T) {
	c := clock.NewFake(epoch)
	reader := &fakeCell{c: tower}
	cache := fakeCache{}
	p := NewCell(reader, cache, position.StaticIdentity("D1"), c, 10*time.Second)
	var got collector
	p.Start(got.fix)

	c.Advance(0)
	if len(got.recs) != 1 {
		t.Fatalf("records = %d", len(got.recs))
	}
	r := got.recs[0]
	if cc, ok := r.CellTower(); !ok || cc != tower {
		t.Errorf("cell record = %+v", r)
	}

	cache[tower] = position.Coordinates{Latitude: 37, Longitude: -122}
	c.Advance(10 * time.Second)
	r = got.recs[1]
	if r.Cell || r.Latitude != 37 || r.Longitude != -122 {
		t.Errorf("cached record = %+v", r)
	}

	reader.err = cell.ErrNotRegistered
	c.Advance(10 * time.Second)
	if len(got.recs) != 2 {
		t.Errorf("emitted while not registered")
	}
	reader.err = nil
	c.Advance(10 * time.Second)
	if len(got.recs) != 3 {
		t.Errorf("did not recover after read error")
	}

	p.Stop()
	c.Advance(time.Minute)
	if len(got.recs) != 3 {
		t.Errorf("emitted after Stop")
	}
}

func TestHybridDeadlineAndRecovery(t *testing.T) {
	c := clock.NewFake(epoch)
	gpsReader := &fakeGPS{}
	id := position.StaticIdentity("D1")
	h := NewHybrid(
		NewGPS(gpsReader, id, c, 10*time.Second),
		NewCell(&fakeCell{c: tower}, fakeCache{}, id, c, 10*time.Second),
		c, 10*time.Second, 5*time.Second,
	)
	var got collector
	if err := h.Start(got.fix); err != nil {
		t.Fatal(err)
	}

	c.Advance(10 * time.Second) // primary polled at 0s and 10s, no fix
	if h.Fallback() || len(got.recs) != 0 {
		t.Fatalf("fallback=%v records=%d before deadline", h.Fallback(), len(got.recs))
	}

	c.Advance(5 * time.Second) // deadline at interval+timeout
	if !h.Fallback() {
		t.Fatal("fallback not active after deadline")
	}
	if len(got.recs) != 1 || !got.recs[0].Cell || got.recs[0].Forced {
		t.Fatalf("fallback records = %+v", got.recs)
	}

	gpsReader.valid = true
	c.Advance(5 * time.Second) // primary fix at 20s
	if h.Fallback() {
		t.Fatal("fallback still active after primary fix")
	}
	if len(got.recs) != 2 || got.recs[1].Cell || !got.recs[1].Forced {
		t.Fatalf("records = %+v", got.recs)
	}

	c.Advance(20 * time.Second)
	if len(got.recs) != 4 {
		t.Fatalf("records = %d, want 4", len(got.recs))
	}
	for _, r := range got.recs[2:] {
		if r.Cell || r.Forced {
			t.Errorf("unexpected record %+v", r)
		}
	}

	h.Stop()
	if c.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d", c.Pending())
	}
}

func TestHybridPrimaryUnavailable(t *testing.T) {
	c := clock.NewFake(epoch)
	gpsReader := &fakeGPS{valid: true, err: errors.New("no device")}
	id := position.StaticIdentity("D1")
	h := NewHybrid(
		NewGPS(gpsReader, id, c, 10*time.Second),
		NewCell(&fakeCell{c: tower}, fakeCache{}, id, c, 10*time.Second),
		c, 10*time.Second, 0,
	)
	var switches []bool
	h.OnSwitch = func(fallback bool) { switches = append(switches, fallback) }
	var got collector
	h.Start(got.fix)

	c.Advance(0)
	if !h.Fallback() || len(got.recs) != 1 || !got.recs[0].Cell {
		t.Fatalf("fallback=%v records=%+v", h.Fallback(), got.recs)
	}

	gpsReader.err = nil
	c.Advance(10 * time.Second)
	if h.Fallback() {
		t.Error("primary recovery did not deactivate fallback")
	}
	last := got.recs[len(got.recs)-1]
	if last.Cell {
		t.Errorf("last record = %+v", last)
	}
	if len(switches) != 2 || !switches[0] || switches[1] {
		t.Errorf("switches = %v, want [true false]", switches)
	}
}

func TestPacer(t *testing.T) {
	p := pacer{interval: 10 * time.Second}
	r := &position.Record{}
	p.mark(r, epoch)
	if r.Forced {
		t.Error("first fix forced")
	}
	p.mark(r, epoch.Add(9*time.Second))
	if !r.Forced {
		t.Error("early fix not forced")
	}
	p.mark(r, epoch.Add(19*time.Second))
	if r.Forced {
		t.Error("on-time fix forced")
	}
}
