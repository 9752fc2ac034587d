// Package sender delivers position records to an OsmAnd-protocol collector.
package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/position"
)

// Params names the query parameters of a report.
type Params struct {
	ID        string `yaml:"id" json:"id"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
	Lat       string `yaml:"lat" json:"lat"`
	Lon       string `yaml:"lon" json:"lon"`
	Speed     string `yaml:"speed" json:"speed"`
	Bearing   string `yaml:"bearing" json:"bearing"`
	Altitude  string `yaml:"altitude" json:"altitude"`
	Accuracy  string `yaml:"accuracy" json:"accuracy"`
}

// DefaultParams are the Traccar OsmAnd parameter names.
var DefaultParams = Params{
	ID:        "id",
	Timestamp: "timestamp",
	Lat:       "lat",
	Lon:       "lon",
	Speed:     "speed",
	Bearing:   "bearing",
	Altitude:  "altitude",
	Accuracy:  "accuracy",
}

func (p Params) withDefaults() Params {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.ID, DefaultParams.ID)
	fill(&p.Timestamp, DefaultParams.Timestamp)
	fill(&p.Lat, DefaultParams.Lat)
	fill(&p.Lon, DefaultParams.Lon)
	fill(&p.Speed, DefaultParams.Speed)
	fill(&p.Bearing, DefaultParams.Bearing)
	fill(&p.Altitude, DefaultParams.Altitude)
	fill(&p.Accuracy, DefaultParams.Accuracy)
	return p
}

// Sender issues one HTTP GET per record. It never retries.
type Sender struct {
	url    string
	params Params
	client *http.Client
	log    log.Logger
}

func New(serverURL string, timeout time.Duration, params Params) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &Sender{
		url:    serverURL,
		params: params.withDefaults(),
		client: &http.Client{Timeout: timeout},
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sender").Value()
	return s
}

// Format builds the request URL for r.
func (s *Sender) Format(r *position.Record) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("sender: bad server url: %w", err)
	}
	q := u.Query()
	q.Set(s.params.ID, r.DeviceID)
	q.Set(s.params.Timestamp, strconv.FormatInt(r.Time.Unix(), 10))
	q.Set(s.params.Lat, formatFloat(r.Latitude))
	q.Set(s.params.Lon, formatFloat(r.Longitude))
	if r.Speed != nil {
		q.Set(s.params.Speed, formatFloat(*r.Speed))
	}
	if r.Course != nil {
		q.Set(s.params.Bearing, formatFloat(*r.Course))
	}
	if r.Altitude != nil {
		q.Set(s.params.Altitude, formatFloat(*r.Altitude))
	}
	if r.Accuracy != nil {
		q.Set(s.params.Accuracy, formatFloat(*r.Accuracy))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send transmits r. Any 2xx response is success.
func (s *Sender) Send(ctx context.Context, r *position.Record) error {
	target, err := s.Format(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sender: server returned %s", resp.Status)
	}
	s.log.Debug().Uint64("id", r.ID).Int("status", resp.StatusCode).Msg("sent")
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
