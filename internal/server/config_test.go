package server

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultConfigNeedsDeviceID(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config validated without a device id")
	}
	generated, err := cfg.EnsureDeviceID()
	if err != nil || !generated {
		t.Fatalf("EnsureDeviceID = %v, %v", generated, err)
	}
	if len(cfg.DeviceID()) != 36 {
		t.Errorf("device id = %q", cfg.DeviceID())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	id := cfg.DeviceID()
	if generated, _ := cfg.EnsureDeviceID(); generated || cfg.DeviceID() != id {
		t.Error("EnsureDeviceID replaced an existing id")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
device_id: truck-7
tracking:
  provider: gps
  interval_s: 60
gps:
  type: nmea
  port_path: /dev/ttyAMA0
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# key\nOPENCELLID_KEY=\"pk.123\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENCELLID_KEY", "")
	t.Setenv("TRACK_INTERVAL", "120")
	t.Setenv("SERVER_URL", "http://collector.example:5055")

	s := LoadConfig(path).Snapshot()
	if s.DeviceID != "truck-7" || s.Tracking.Provider != "gps" || s.GPS.Type != "nmea" || s.GPS.PortPath != "/dev/ttyAMA0" {
		t.Errorf("file values not applied: %+v", s)
	}
	if s.Tracking.IntervalS != 120 {
		t.Errorf("interval = %d, want env override 120", s.Tracking.IntervalS)
	}
	if s.Server.URL != "http://collector.example:5055" {
		t.Errorf("server url = %q", s.Server.URL)
	}
	if s.Geolocation.APIKey != "pk.123" {
		t.Errorf("api key = %q, want value from .env", s.Geolocation.APIKey)
	}
	if s.Tracking.RetryDelayS != 30 || s.GPS.BaudRate != 9600 {
		t.Errorf("defaults lost: %+v", s.Tracking)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if got, want := cfg.Snapshot(), defaultSettings(); !reflect.DeepEqual(got, want) {
		t.Errorf("settings = %+v, want defaults", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"provider", func(s *Settings) { s.Tracking.Provider = "satellite" }},
		{"interval", func(s *Settings) { s.Tracking.IntervalS = 0 }},
		{"server url", func(s *Settings) { s.Server.URL = "not a url" }},
		{"gps modem", func(s *Settings) { s.GPS.Type = "modem" }},
		{"cell nmea", func(s *Settings) { s.Cell.Type = "nmea" }},
		{"postgres without dsn", func(s *Settings) { s.Queue.Driver = "postgres" }},
		{"log level", func(s *Settings) { s.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			s.DeviceID = "dev"
			tt.mutate(&s)
			if err := s.validate(); err == nil {
				t.Error("validated")
			} else if !strings.HasPrefix(err.Error(), "invalid config") {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestUpdateFromJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Settings.DeviceID = "old"

	if err := cfg.UpdateFromJSON([]byte(`{"deviceId":"new","tracking":{"intervalS":60}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	s := cfg.Snapshot()
	if cfg.DeviceID() != "new" || s.Tracking.IntervalS != 60 {
		t.Errorf("patch not applied: %+v", s)
	}
	if s.Tracking.Provider != "hybrid" || s.Tracking.FixTimeoutS != 30 {
		t.Errorf("unpatched fields changed: %+v", s.Tracking)
	}
	if cfg.Interval().Seconds() != 60 {
		t.Errorf("Interval = %v", cfg.Interval())
	}

	if err := cfg.UpdateFromJSON([]byte(`{"tracking":{"provider":"satellite","intervalS":5}}`)); err == nil {
		t.Fatal("invalid update accepted")
	}
	if s := cfg.Snapshot(); s.Tracking.Provider != "hybrid" || s.Tracking.IntervalS != 60 {
		t.Errorf("rejected update partially applied: %+v", s.Tracking)
	}

	if err := cfg.UpdateFromJSON([]byte(`{`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	cfg := LoadConfig(path)
	if _, err := cfg.EnsureDeviceID(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.UpdateFromJSON([]byte(`{"server":{"params":{"lat":"latitude"}}}`)); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again := LoadConfig(path)
	if got, want := again.Snapshot(), cfg.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded = %+v\nwant %+v", got, want)
	}
	if again.Snapshot().Server.Params.Lat != "latitude" {
		t.Error("params not persisted")
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	})
	want := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0},
		"b": "keep",
		"c": true,
	}
	if !reflect.DeepEqual(dst, want) {
		t.Errorf("merged = %v", dst)
	}
}
