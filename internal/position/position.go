package position

import (
	"fmt"
	"time"
)

// Record is a single queued position report.
//
// For cell-derived records (Cell == true) Latitude holds the raw cell id and
// Longitude the location area code until the record is resolved.
type Record struct {
	ID        uint64    `json:"id"`        // Assigned by the queue, 0 before insert
	DeviceID  string    `json:"deviceId"`  // Configured identity at capture time
	Time      time.Time `json:"time"`      // Capture time
	Latitude  float64   `json:"latitude"`  // Decimal degrees, or cell id
	Longitude float64   `json:"longitude"` // Decimal degrees, or LAC
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`    // knots
	Course    *float64  `json:"course,omitempty"`   // degrees true
	Accuracy  *float64  `json:"accuracy,omitempty"` // meters
	Cell      bool      `json:"cell"`
	MCC       int       `json:"mcc,omitempty"`
	MNC       int       `json:"mnc,omitempty"`
	Forced    bool      `json:"forced"` // Arrived sooner than the reporting interval
}

// Cell identifies a serving cell tower.
type Cell struct {
	MCC    int   `json:"mcc"`
	MNC    int   `json:"mnc"`
	LAC    int64 `json:"lac"`
	CellID int64 `json:"cellId"`
}

func (c Cell) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", c.MCC, c.MNC, c.LAC, c.CellID)
}

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Identity reports the device identifier currently configured.
type Identity interface {
	DeviceID() string
}

// StaticIdentity is an Identity with a fixed device id.
type StaticIdentity string

func (s StaticIdentity) DeviceID() string { return string(s) }

// NewCellRecord returns a cell-derived record carrying c as placeholders.
func NewCellRecord(deviceID string, t time.Time, c Cell) *Record {
	return &Record{
		DeviceID:  deviceID,
		Time:      t,
		Latitude:  float64(c.CellID),
		Longitude: float64(c.LAC),
		Cell:      true,
		MCC:       c.MCC,
		MNC:       c.MNC,
	}
}

// CellTower returns the cell placeholders of a cell-derived record.
func (r *Record) CellTower() (Cell, bool) {
	if !r.Cell {
		return Cell{}, false
	}
	return Cell{
		MCC:    r.MCC,
		MNC:    r.MNC,
		LAC:    int64(r.Longitude),
		CellID: int64(r.Latitude),
	}, true
}

// Resolve replaces cell placeholders with real coordinates.
func (r *Record) Resolve(c Coordinates) {
	r.Latitude = c.Latitude
	r.Longitude = c.Longitude
	r.Cell = false
}

// Float returns a pointer to v, for the optional record fields.
func Float(v float64) *float64 { return &v }
