// Package server runs the maintenance loop that evicts idle sessions and
// expires ephemeral presence state.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// typingTTL is how long a typing indicator stays meaningful before a sweep
// purges it from the store.
const typingTTL = 10 * time.Second

// Reaper periodically sweeps the registry and closes sessions that have been
// idle past the threshold. It is the only component that tears down a
// session the client did not voluntarily close or error out of.
type Reaper struct {
	hub       *Hub
	interval  time.Duration
	idleAfter time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a Reaper sweeping at the given interval and evicting
// sessions idle longer than idleAfter.
func NewReaper(hub *Hub, interval, idleAfter time.Duration) *Reaper {
	return &Reaper{
		hub:       hub,
		interval:  interval,
		idleAfter: idleAfter,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run executes sweeps on the configured interval until Stop is called or the
// hub shuts down. It should be called in its own goroutine.
func (r *Reaper) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.hub.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Stop terminates the loop and waits for any in-flight sweep to finish. It
// must only be called after Run has been started.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Sweep closes every session idle past the threshold and purges expired
// typing indicators. Eviction closes the transport with a going-away frame;
// the session's own exit path then marks presence offline and unregisters,
// so teardown stays single-pathed and idempotent.
func (r *Reaper) Sweep(now time.Time) {
	sessions := r.hub.registry.Snapshot()
	for _, s := range sessions {
		idle := now.Sub(s.LastActivity())
		if idle <= r.idleAfter {
			continue
		}

		log.Printf("Reaping session %s from %s after %s idle",
			s.id, s.addr, idle.Round(time.Second))
		if s.conn != nil {
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"),
				now.Add(time.Second),
			)
			_ = s.conn.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	purged, err := r.hub.store.PurgeExpiredTyping(ctx, now.Add(-typingTTL))
	if err != nil {
		log.Printf("Typing purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("Purged %d expired typing indicators", purged)
	}
}
