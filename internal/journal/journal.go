// Package journal keeps a CSV record of every delivered or discarded position.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/status"
)

// Journal writes status messages about finished records to CSV files with
// automatic rotation.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int

	file   *os.File
	writer *csv.Writer
	rows   int

	log log.Logger
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 50_000 // ~1 week at one fix per 10 s
)

var csvHeader = []string{
	"logged_at", "outcome", "id", "device_id", "fix_time",
	"lat", "lon", "speed_kn", "course_deg", "altitude_m", "accuracy_m",
	"forced", "detail",
}

// New creates a new Journal.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/trackagent"
	}
	j := &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: maxRowsPerFile,
	}
	j.log = log.DefaultLogger
	j.log.Context = log.NewContext(nil).Str("module", "journal").Value()
	return j
}

// SetEnabled allows toggling the journal at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether the journal is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Attach subscribes the journal to ch.
func (j *Journal) Attach(ch *status.Channel) {
	ch.Subscribe("journal", j.Record)
}

// Record writes a row for sent and discarded records; other messages are
// ignored.
func (j *Journal) Record(m status.Message) {
	var outcome string
	switch m.Topic {
	case status.TopicSent:
		outcome = "sent"
	case status.TopicDiscarded:
		outcome = "discarded"
	default:
		return
	}
	if m.Record == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return
	}

	// Open/rotate file if needed
	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(m.Time); err != nil {
			j.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := j.writer.Write(buildRow(outcome, m)); err != nil {
		j.log.Error().Err(err).Msg("write failed")
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("deliveries_%s.csv", now.UTC().Format("2006-01-02_150405.000"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info().Str("path", path).Msg("opened")
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func buildRow(outcome string, m status.Message) []string {
	r := m.Record
	row := make([]string, len(csvHeader))
	row[0] = m.Time.UTC().Format(time.RFC3339Nano)
	row[1] = outcome
	row[2] = strconv.FormatUint(r.ID, 10)
	row[3] = r.DeviceID
	row[4] = r.Time.UTC().Format(time.RFC3339)
	row[5] = fmt.Sprintf("%.6f", r.Latitude)
	row[6] = fmt.Sprintf("%.6f", r.Longitude)
	row[7] = optional(r.Speed, "%.1f")
	row[8] = optional(r.Course, "%.1f")
	row[9] = optional(r.Altitude, "%.1f")
	row[10] = optional(r.Accuracy, "%.0f")
	row[11] = boolStr(r.Forced)
	row[12] = m.Text
	return row
}

func optional(v *float64, format string) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf(format, *v)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
