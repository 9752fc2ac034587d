// Package queue is the durable FIFO of position records awaiting delivery.
package queue

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/trackagent/internal/position"
)

// Store is an ordered, crash-safe queue. Insert assigns strictly increasing
// ids; PeekOldest returns nil, nil when the queue is empty; Delete of an
// absent id is not an error.
type Store interface {
	Insert(ctx context.Context, r *position.Record) (uint64, error)
	PeekOldest(ctx context.Context) (*position.Record, error)
	Delete(ctx context.Context, id uint64) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=bolt postgres memory"`
	Path   string `yaml:"path" json:"path"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "bolt":
		return OpenBolt(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}
