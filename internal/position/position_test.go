package position

import (
	"testing"
	"time"
)

func TestCellRecordPlaceholders(t *testing.T) {
	c := Cell{MCC: 310, MNC: 410, LAC: 2, CellID: 555}
	r := NewCellRecord("D1", time.Unix(1700000000, 0), c)

	if !r.Cell || r.Latitude != 555 || r.Longitude != 2 {
		t.Fatalf("placeholders not set: %+v", r)
	}
	got, ok := r.CellTower()
	if !ok || got != c {
		t.Fatalf("CellTower() = %v, %v; want %v", got, ok, c)
	}

	r.Resolve(Coordinates{Latitude: 37.0, Longitude: -122.0})
	if r.Cell {
		t.Error("cell flag still set after Resolve")
	}
	if r.Latitude != 37.0 || r.Longitude != -122.0 {
		t.Errorf("coordinates = %v,%v", r.Latitude, r.Longitude)
	}
	if _, ok := r.CellTower(); ok {
		t.Error("resolved record still reports a cell tower")
	}
}

func TestLargeCellIDSurvivesPlaceholder(t *testing.T) {
	// 28-bit UMTS/LTE cell ids must round-trip through the float field.
	c := Cell{MCC: 262, MNC: 1, LAC: 65534, CellID: 268435455}
	got, _ := NewCellRecord("D1", time.Now(), c).CellTower()
	if got != c {
		t.Errorf("got %v, want %v", got, c)
	}
}
