package cell

import (
	"errors"
	"sync"

	"github.com/shaunagostinho/trackagent/internal/position"
)

var (
	// ErrNotConnected is returned by Read before Connect succeeded.
	ErrNotConnected = errors.New("cell: not connected")
	// ErrNotRegistered means the radio is not attached to a serving cell.
	ErrNotRegistered = errors.New("cell: not registered")
)

// Reader samples the serving cell tower.
type Reader interface {
	Name() string
	Connect() error
	Close() error
	Read() (position.Cell, error)
}

// Demo cycles through a fixed set of cells, one step per Steps reads.
type Demo struct {
	mu    sync.Mutex
	reads int
	Cells []position.Cell
	Steps int
}

func NewDemo() *Demo {
	return &Demo{
		Cells: []position.Cell{
			{MCC: 302, MNC: 720, LAC: 11031, CellID: 3041281},
			{MCC: 302, MNC: 720, LAC: 11031, CellID: 3041282},
			{MCC: 302, MNC: 720, LAC: 11032, CellID: 3052033},
		},
		Steps: 5,
	}
}

func (d *Demo) Name() string   { return "Demo Cell (Simulated)" }
func (d *Demo) Connect() error { return nil }
func (d *Demo) Close() error   { return nil }

func (d *Demo) Read() (position.Cell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Cells) == 0 {
		return position.Cell{}, ErrNotRegistered
	}
	steps := d.Steps
	if steps <= 0 {
		steps = 1
	}
	c := d.Cells[(d.reads/steps)%len(d.Cells)]
	d.reads++
	return c, nil
}
