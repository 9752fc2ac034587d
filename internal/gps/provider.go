package gps

import (
	"errors"
	"time"
)

// ErrNotConnected is returned by Read before Connect succeeded.
var ErrNotConnected = errors.New("gps: not connected")

// Reader is the interface for GPS data sources.
type Reader interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool      `json:"valid"`      // Fix is valid
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	Speed      float64   `json:"speed"`      // Knots
	Heading    float64   `json:"heading"`    // Degrees true
	Altitude   float64   `json:"altitude"`   // Meters
	Satellites int       `json:"satellites"` // Sats in use
	FixQuality int       `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64   `json:"hdop"`       // Horizontal dilution
	Time       time.Time `json:"time"`       // UTC fix time, zero if the receiver has no date yet
}

// Accuracy estimates horizontal accuracy in meters from HDOP.
func (d *Data) Accuracy() float64 {
	const uere = 5.0 // typical user equivalent range error, meters
	if d.HDOP <= 0 {
		return 0
	}
	return d.HDOP * uere
}
