package geoloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/position"
)

var (
	// ErrUnavailable is a transient lookup failure: transport error,
	// timeout or non-2xx status. The record should be retried later.
	ErrUnavailable = errors.New("geoloc: service unavailable")
	// ErrMalformed means the service answered but the body carried no
	// usable coordinates. Retrying will not help.
	ErrMalformed = errors.New("geoloc: malformed response")
)

const DefaultURL = "https://opencellid.org/cell/get"

// Config holds the lookup endpoint settings.
type Config struct {
	URL     string        `yaml:"url" json:"url"`
	APIKey  string        `yaml:"api_key" json:"apiKey"`
	Timeout time.Duration `yaml:"-" json:"-"`
}

// Resolver converts cell identifiers to coordinates through an
// OpenCellID-compatible service, remembering the last resolved cell.
type Resolver struct {
	url    string
	key    string
	client *http.Client

	mu     sync.Mutex
	cached bool
	cell   position.Cell
	coords position.Coordinates

	log log.Logger
}

func New(cfg Config) *Resolver {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	r := &Resolver{
		url:    cfg.URL,
		key:    cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "geoloc").Value()
	return r
}

// Cached returns the coordinates of c if it is the cell resolved last.
func (r *Resolver) Cached(c position.Cell) (position.Coordinates, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached && r.cell == c {
		return r.coords, true
	}
	return position.Coordinates{}, false
}

// Resolve returns the coordinates of c, from the cache when possible.
func (r *Resolver) Resolve(ctx context.Context, c position.Cell) (position.Coordinates, error) {
	if coords, ok := r.Cached(c); ok {
		return coords, nil
	}

	q := url.Values{}
	q.Set("mcc", strconv.Itoa(c.MCC))
	q.Set("mnc", strconv.Itoa(c.MNC))
	q.Set("cellid", strconv.FormatInt(c.CellID, 10))
	q.Set("lac", strconv.FormatInt(c.LAC, 10))
	q.Set("key", r.key)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"?"+q.Encode(), nil)
	if err != nil {
		return position.Coordinates{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return position.Coordinates{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return position.Coordinates{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Lat json.RawMessage `json:"lat"`
		Lon json.RawMessage `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return position.Coordinates{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	lat, err := parseDegrees(body.Lat)
	if err != nil {
		return position.Coordinates{}, fmt.Errorf("%w: lat: %v", ErrMalformed, err)
	}
	lon, err := parseDegrees(body.Lon)
	if err != nil {
		return position.Coordinates{}, fmt.Errorf("%w: lon: %v", ErrMalformed, err)
	}

	coords := position.Coordinates{Latitude: lat, Longitude: lon}
	r.mu.Lock()
	r.cached, r.cell, r.coords = true, c, coords
	r.mu.Unlock()

	r.log.Debug().Str("cell", c.String()).Float64("lat", lat).Float64("lon", lon).Msg("resolved")
	return coords, nil
}

// parseDegrees accepts a JSON number or a numeric string.
func parseDegrees(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
