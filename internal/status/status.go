// Package status carries user-visible agent events to the journal, the
// status page and the log.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/position"
)

const (
	TopicFix          = "position.fix"
	TopicSource       = "position.source"
	TopicStoreError   = "queue.error"
	TopicSent         = "delivery.sent"
	TopicSendFailed   = "delivery.failed"
	TopicDiscarded    = "delivery.discarded"
	TopicGeocodeError = "geolocation.error"
	TopicConnectivity = "network.connectivity"
)

var topics = []string{
	TopicFix, TopicSource, TopicStoreError, TopicSent, TopicSendFailed,
	TopicDiscarded, TopicGeocodeError, TopicConnectivity,
}

// RecentSize is how many messages Recent keeps.
const RecentSize = 20

// Message is one status event.
type Message struct {
	ID     string           `json:"id"`
	Topic  string           `json:"topic"`
	Time   time.Time        `json:"time"`
	Text   string           `json:"text"`
	Record *position.Record `json:"record,omitempty"`
}

// Channel publishes messages on an event bus and keeps the latest ones.
type Channel struct {
	bus *bus.Bus
	now func() time.Time

	mu     sync.Mutex
	recent []Message

	log log.Logger
}

// New creates a channel. now defaults to time.Now.
func New(now func() time.Time) (*Channel, error) {
	if now == nil {
		now = time.Now
	}
	// 2024-01-01 UTC in milliseconds
	m, err := monoton.New(sequencer.NewMillisecond(), 1, 1704067200000)
	if err != nil {
		return nil, fmt.Errorf("status: id generator: %w", err)
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, fmt.Errorf("status: bus: %w", err)
	}
	b.RegisterTopics(topics...)

	c := &Channel{bus: b, now: now}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "status").Value()
	c.Subscribe("status.recent", c.remember)
	return c, nil
}

// Publish emits a message. Subscribers run synchronously and must not block.
func (c *Channel) Publish(topic, text string, rec *position.Record) {
	var snap *position.Record
	if rec != nil {
		r := *rec
		snap = &r
	}
	msg := Message{Topic: topic, Time: c.now(), Text: text, Record: snap}
	if err := c.bus.Emit(context.Background(), topic, msg); err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Publishf is Publish with a formatted text and no record.
func (c *Channel) Publishf(topic, format string, args ...interface{}) {
	c.Publish(topic, fmt.Sprintf(format, args...), nil)
}

// Subscribe registers fn for every topic under key.
func (c *Channel) Subscribe(key string, fn func(Message)) {
	c.bus.RegisterHandler(key, bus.Handler{
		Handle: func(_ context.Context, e bus.Event) {
			msg, ok := e.Data.(Message)
			if !ok {
				return
			}
			msg.ID = e.ID
			fn(msg)
		},
		Matcher: ".*",
	})
}

func (c *Channel) Unsubscribe(key string) {
	c.bus.DeregisterHandler(key)
}

// Recent returns up to RecentSize messages, oldest first.
func (c *Channel) Recent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.recent))
	copy(out, c.recent)
	return out
}

func (c *Channel) remember(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, m)
	if len(c.recent) > RecentSize {
		c.recent = c.recent[len(c.recent)-RecentSize:]
	}
}
