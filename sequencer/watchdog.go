package sequencer

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"
)

// Watchdog logs the current state at a fixed interval while a step is running, so
// a hung tool is visible on the console.
type Watchdog struct {
	log      *slog.Logger
	interval time.Duration

	state *atomic.Int32
	since *atomic.Time
}

func NewWatchdog(log *slog.Logger, interval time.Duration) *Watchdog {
	return &Watchdog{
		log:      log,
		interval: interval,
		state:    atomic.NewInt32(int32(StateInit)),
		since:    atomic.NewTime(time.Now()),
	}
}

// Enter records that the pipeline moved to state.
func (w *Watchdog) Enter(state State) {
	w.state.Store(int32(state))
	w.since.Store(time.Now())
}

// State returns the state last entered.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Run logs until ctx is done. A zero interval disables it.
func (w *Watchdog) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.log.Info("still waiting", "state", w.State(), "elapsed", time.Since(w.since.Load()).Round(time.Second))
		}
	}
}
