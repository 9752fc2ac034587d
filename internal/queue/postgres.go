package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/position"
)

const createPositions = `CREATE TABLE IF NOT EXISTS positions (
	id        BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	fix_time  TIMESTAMPTZ NOT NULL,
	latitude  DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	altitude  DOUBLE PRECISION,
	speed     DOUBLE PRECISION,
	course    DOUBLE PRECISION,
	accuracy  DOUBLE PRECISION,
	cell      BOOLEAN NOT NULL DEFAULT FALSE,
	mcc       INTEGER NOT NULL DEFAULT 0,
	mnc       INTEGER NOT NULL DEFAULT 0,
	forced    BOOLEAN NOT NULL DEFAULT FALSE
)`

// Postgres is a Store in a PostgreSQL table, for devices with a local
// database server.
type Postgres struct {
	db  *pgxpool.Pool
	log log.Logger
}

// OpenPostgres connects to dsn and creates the positions table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createPositions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: create table: %w", err)
	}
	p := &Postgres{db: pool}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "queue").Str("driver", "postgres").Value()
	p.log.Info().Msg("opened")
	return p, nil
}

func (p *Postgres) Insert(ctx context.Context, r *position.Record) (uint64, error) {
	var id int64
	err := p.db.QueryRow(ctx,
		`INSERT INTO positions (device_id, fix_time, latitude, longitude, altitude, speed, course, accuracy, cell, mcc, mnc, forced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		r.DeviceID, r.Time, r.Latitude, r.Longitude, r.Altitude, r.Speed, r.Course, r.Accuracy,
		r.Cell, r.MCC, r.MNC, r.Forced,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("queue: insert: %w", err)
	}
	r.ID = uint64(id)
	return r.ID, nil
}

func (p *Postgres) PeekOldest(ctx context.Context) (*position.Record, error) {
	var (
		r  position.Record
		id int64
	)
	err := p.db.QueryRow(ctx,
		`SELECT id, device_id, fix_time, latitude, longitude, altitude, speed, course, accuracy, cell, mcc, mnc, forced
		FROM positions ORDER BY id LIMIT 1`,
	).Scan(&id, &r.DeviceID, &r.Time, &r.Latitude, &r.Longitude, &r.Altitude, &r.Speed, &r.Course, &r.Accuracy,
		&r.Cell, &r.MCC, &r.MNC, &r.Forced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	r.ID = uint64(id)
	return &r, nil
}

func (p *Postgres) Delete(ctx context.Context, id uint64) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM positions WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("queue: delete %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) Len(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT count(*) FROM positions`).Scan(&n)
	return n, err
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
