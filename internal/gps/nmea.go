package gps

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"go.bug.st/serial"
)

// NMEAReader reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAReader struct {
	portPath string
	baudRate int
	port     serial.Port
	scanner  *bufio.Scanner
	mu       sync.Mutex
	last     *Data
	log      log.Logger
}

// NMEAConfig holds configuration for the NMEA GPS reader.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS reader.
func NewNMEA(cfg NMEAConfig) *NMEAReader {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	n := &NMEAReader{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		last:     &Data{},
	}
	n.log = log.DefaultLogger
	n.log.Context = log.NewContext(nil).Str("module", "gps").Str("port", cfg.PortPath).Value()
	return n
}

func (n *NMEAReader) Name() string { return "NMEA GPS" }

func (n *NMEAReader) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	port.SetReadTimeout(200 * time.Millisecond)

	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()

	n.log.Info().Int("baud", n.baudRate).Msg("connected")
	return nil
}

func (n *NMEAReader) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port == nil {
		return nil
	}
	err := n.port.Close()
	n.port = nil
	n.scanner = nil
	return err
}

// Read reads NMEA sentences until we have a complete fix update, or timeout.
func (n *NMEAReader) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return nil, ErrNotConnected
	}

	// Read up to 20 lines to find RMC + GGA
	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			if err := n.scanner.Err(); err != nil {
				// The port is gone (unplugged receiver); force a reconnect.
				n.port.Close()
				n.port = nil
				n.scanner = nil
				return nil, fmt.Errorf("gps: read %s: %w", n.portPath, err)
			}
			break
		}
		line := strings.TrimSpace(n.scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		if !validateNMEAChecksum(line) {
			continue
		}

		if strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC") {
			parseRMC(n.last, line)
			gotRMC = true
		} else if strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA") {
			parseGGA(n.last, line)
			gotGGA = true
		}
	}

	snap := *n.last
	return &snap, nil
}

func parseRMC(d *Data, line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	d.Valid = parts[2] == "A"
	if t, err := parseNMEATime(parts[9], parts[1]); err == nil {
		d.Time = t
	}

	if d.Valid {
		d.Latitude = parseNMEACoord(parts[3], parts[4])
		d.Longitude = parseNMEACoord(parts[5], parts[6])

		if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
			d.Speed = spd
		}
		if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
			d.Heading = hdg
		}
	}
}

func parseGGA(d *Data, line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	if fix, err := strconv.Atoi(parts[6]); err == nil {
		d.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		d.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		d.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		d.Altitude = alt
	}
}

// parseNMEATime combines the RMC ddmmyy date and hhmmss.ss time fields.
func parseNMEATime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("gps: bad date/time %q %q", date, clock)
	}
	return time.ParseInLocation("020106150405", date+clock[:6], time.UTC)
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}

// DemoGPS generates simulated GPS data for testing. Every OutageEvery reads
// it loses the fix for OutageLength reads so the fallback path gets exercised.
type DemoGPS struct {
	mu           sync.Mutex
	t            float64
	reads        int
	OutageEvery  int
	OutageLength int
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{OutageEvery: 40, OutageLength: 10} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1
	d.reads++

	if d.OutageEvery > 0 && d.reads%d.OutageEvery < d.OutageLength {
		return &Data{Valid: false, Time: time.Now().UTC()}, nil
	}

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	return &Data{
		Valid:      true,
		Latitude:   centerLat + radius*math.Sin(d.t*0.1),
		Longitude:  centerLon + radius*math.Cos(d.t*0.1),
		Speed:      27 + 16*math.Sin(d.t*0.3) + rand.Float64()*3,
		Heading:    math.Mod(d.t*10, 360),
		Altitude:   76,
		Satellites: 12,
		FixQuality: 1,
		HDOP:       0.8,
		Time:       time.Now().UTC(),
	}, nil
}
