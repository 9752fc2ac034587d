// Package wakelock keeps the device awake while asynchronous work runs.
package wakelock

import (
	"os"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/clock"
)

// DefaultMaxHold bounds every hold so a lost release cannot pin the device
// awake.
const DefaultMaxHold = 2 * time.Minute

// Hook is told when the lock goes from free to held and back.
type Hook interface {
	Hold() error
	Unhold() error
}

// Lock is a reference counted wake lock.
type Lock struct {
	clock   clock.Clock
	maxHold time.Duration
	hook    Hook

	mu    sync.Mutex
	held  int
	total uint64

	log log.Logger
}

// New returns a lock; hook may be nil.
func New(c clock.Clock, maxHold time.Duration, hook Hook) *Lock {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	l := &Lock{clock: c, maxHold: maxHold, hook: hook}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "wakelock").Value()
	return l
}

// Acquire takes a hold. The returned release is safe to call more than
// once; the hold also lapses on its own after the maximum hold time.
func (l *Lock) Acquire(tag string) (release func()) {
	l.mu.Lock()
	l.held++
	l.total++
	first := l.held == 1
	l.mu.Unlock()

	if first && l.hook != nil {
		if err := l.hook.Hold(); err != nil {
			l.log.Warn().Err(err).Msg("hold failed")
		}
	}

	var once sync.Once
	var expiry clock.Timer
	release = func() {
		once.Do(func() {
			l.mu.Lock()
			t := expiry
			l.mu.Unlock()
			if t != nil {
				t.Stop()
			}
			l.put()
		})
	}
	l.mu.Lock()
	expiry = l.clock.AfterFunc(l.maxHold, func() {
		l.log.Warn().Str("tag", tag).Dur("after", l.maxHold).Msg("hold expired")
		release()
	})
	l.mu.Unlock()
	return release
}

func (l *Lock) put() {
	l.mu.Lock()
	l.held--
	last := l.held == 0
	l.mu.Unlock()

	if last && l.hook != nil {
		if err := l.hook.Unhold(); err != nil {
			l.log.Warn().Err(err).Msg("unhold failed")
		}
	}
}

// Held returns the number of outstanding holds.
func (l *Lock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Total returns the number of holds ever taken.
func (l *Lock) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Sysfs drives the kernel wakelock interface (CONFIG_PM_WAKELOCKS).
type Sysfs struct {
	Name string
	Dir  string // defaults to /sys/power
}

func (s Sysfs) Hold() error   { return s.write("wake_lock") }
func (s Sysfs) Unhold() error { return s.write("wake_unlock") }

func (s Sysfs) write(file string) error {
	dir := s.Dir
	if dir == "" {
		dir = "/sys/power"
	}
	f, err := os.OpenFile(dir+"/"+file, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s.Name)
	return err
}
