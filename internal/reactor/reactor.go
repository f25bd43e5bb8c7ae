// Package reactor is a cooperative, single-goroutine event loop. Timers
// and callbacks registered with a [Reactor] all run on the goroutine
// that called [Reactor.Run], one at a time, so the state they touch
// needs no locking. A callback that blocks stalls every other timer.
//
// Timer callbacks return the wall-clock time they want to run next.
// Two sentinel wake times control scheduling: [Now] fires on the next
// loop iteration and [Never] disables the timer without removing it.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/klipper-mqtt-status/internal/config"
)

// Sentinel wake times. Any wake time before the current time fires on
// the next iteration; Now is simply the earliest such time.
var (
	Now   = time.Time{}
	Never = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("reactor: already running")

// TimerCallback is invoked with the time the reactor dispatched it and
// returns the next wake time.
type TimerCallback func(eventtime time.Time) time.Time

// Timer is a handle to a registered timer.
type Timer struct {
	callback   TimerCallback
	waketime   time.Time
	registered bool
}

// Waketime returns when the timer will next fire.
func (t *Timer) Waketime() time.Time {
	return t.waketime
}

// Active reports whether the timer is registered and will fire again.
func (t *Timer) Active() bool {
	return t.registered && t.waketime.Before(Never)
}

// Reactor runs timers and async callbacks on a single goroutine.
//
// RegisterTimer, UpdateTimer and UnregisterTimer must be called from
// the reactor goroutine (that is, from inside a callback) or before Run
// starts. RegisterAsyncCallback and End may be called from any
// goroutine.
type Reactor struct {
	logger *slog.Logger

	timers []*Timer

	mu      sync.Mutex
	pending []func(eventtime time.Time)
	running bool
	ended   bool
	wake    chan struct{}
}

// New creates a reactor. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Monotonic returns the reactor's notion of the current time.
func (r *Reactor) Monotonic() time.Time {
	return time.Now()
}

// RegisterTimer adds a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(cb TimerCallback, waketime time.Time) *Timer {
	t := &Timer{callback: cb, waketime: waketime, registered: true}
	r.timers = append(r.timers, t)
	r.logger.Log(context.Background(), config.LevelTrace, "timer registered",
		"timers", len(r.timers), "immediate", waketime.Equal(Now))
	return t
}

// UpdateTimer changes when t next fires. Passing Never disables it.
func (r *Reactor) UpdateTimer(t *Timer, waketime time.Time) {
	if t == nil {
		return
	}
	t.waketime = waketime
}

// UnregisterTimer removes t from the reactor. It is a no-op for timers
// that are nil or already removed.
func (r *Reactor) UnregisterTimer(t *Timer) {
	if t == nil || !t.registered {
		return
	}
	t.registered = false
	t.waketime = Never
	for i, cur := range r.timers {
		if cur == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// ActiveTimers returns the number of registered timers that will fire
// again.
func (r *Reactor) ActiveTimers() int {
	n := 0
	for _, t := range r.timers {
		if t.Active() {
			n++
		}
	}
	return n
}

// RegisterAsyncCallback queues fn to run on the reactor goroutine at
// the next loop iteration. Safe for concurrent use.
func (r *Reactor) RegisterAsyncCallback(fn func(eventtime time.Time)) {
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
	r.notify()
}

// End asks Run to return after the current iteration. Safe for
// concurrent use.
func (r *Reactor) End() {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.notify()
}

func (r *Reactor) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches timers and callbacks until End is called or ctx is
// cancelled. It returns nil after End, ctx.Err() on cancellation, and
// an error if a callback panics; a panicking callback is a defect, so
// the loop does not continue past it.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Debug("reactor started", "timers", len(r.timers))

	for {
		if err := r.dispatch(); err != nil {
			return err
		}
		if r.isEnded() {
			r.logger.Debug("reactor ended")
			return nil
		}
		if err := r.wait(ctx, r.nextWaketime()); err != nil {
			return err
		}
	}
}

func (r *Reactor) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// dispatch runs queued async callbacks, then every due timer.
func (r *Reactor) dispatch() (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reactor callback panicked", "panic", p)
			err = fmt.Errorf("reactor: callback panicked: %v", p)
		}
	}()

	r.mu.Lock()
	callbacks := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(time.Now())
	}

	now := time.Now()
	// Callbacks may register or unregister timers; iterate a snapshot.
	for _, t := range append([]*Timer(nil), r.timers...) {
		if !t.registered || t.waketime.After(now) {
			continue
		}
		t.waketime = t.callback(now)
	}
	return nil
}

func (r *Reactor) nextWaketime() time.Time {
	next := Never
	for _, t := range r.timers {
		if t.waketime.Before(next) {
			next = t.waketime
		}
	}
	return next
}

// wait sleeps until next, a wake-up from another goroutine, or ctx
// cancellation. A next of Never waits without a deadline.
func (r *Reactor) wait(ctx context.Context, next time.Time) error {
	var timerC <-chan time.Time
	if next.Before(Never) {
		d := time.Until(next)
		if d <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
		return nil
	case <-timerC:
		return nil
	}
}
