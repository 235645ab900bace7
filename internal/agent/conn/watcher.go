// Package conn tracks server reachability and tells the sync engine when
// the uplink comes back.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/haztrack/surveysync/internal/logging"
)

// Pinger answers whether the server is reachable right now.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Mode is the watcher's view of the uplink.
type Mode string

const (
	ModeUnknown Mode = "unknown"
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Watcher polls the server and fires a callback on the offline-to-online
// edge. Only the edge fires; a server that stays up does not retrigger.
type Watcher struct {
	pinger      Pinger
	interval    time.Duration
	pingTimeout time.Duration
	onOnline    func()
	log         logging.Logger

	mu   sync.Mutex
	mode Mode
}

// NewWatcher builds a watcher that calls onOnline each time connectivity
// returns after an outage (or on the very first successful ping).
func NewWatcher(p Pinger, interval time.Duration, onOnline func(), log logging.Logger) *Watcher {
	return &Watcher{
		pinger:      p,
		interval:    interval,
		pingTimeout: 3 * time.Second,
		onOnline:    onOnline,
		log:         log,
		mode:        ModeUnknown,
	}
}

// Mode returns the current reachability view.
func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Run polls until ctx is cancelled. Blocking; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ticker.C:
			w.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.pingTimeout)
	err := w.pinger.Ping(pctx)
	cancel()

	if err != nil {
		w.setMode(ctx, ModeOffline)
		return
	}
	if w.setMode(ctx, ModeOnline) {
		w.onOnline()
	}
}

// setMode records the new mode and reports whether it changed.
func (w *Watcher) setMode(ctx context.Context, mode Mode) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mode == mode {
		return false
	}
	w.log.Info(ctx, "connectivity changed", "mode", string(mode))
	w.mode = mode
	return true
}
