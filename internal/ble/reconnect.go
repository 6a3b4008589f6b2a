package ble

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ReconnectOptions configures the Reconnector.
type ReconnectOptions struct {
	MaxBackoff time.Duration // cap on the delay between attempts (default 30s)
}

// DefaultReconnectOptions returns sensible defaults.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{MaxBackoff: 30 * time.Second}
}

// connector is the part of Manager the Reconnector drives.
type connector interface {
	Connect(id string, autoConnect bool) error
	AdapterState() AdapterState
}

var _ connector = (*Manager)(nil)

// Reconnector keeps auto-connect devices connected on radios that cannot
// reconnect by themselves. It reissues Connect with exponential backoff
// after every disconnect and after the adapter comes back on.
type Reconnector struct {
	mgr  connector
	opts ReconnectOptions

	mu      sync.Mutex
	devices map[string]*reconnectState
	closed  bool
}

type reconnectState struct {
	attempt int
	gen     uint64
	timer   *time.Timer
}

// NewReconnector creates a Reconnector driving mgr.
func NewReconnector(mgr connector, opts ReconnectOptions) *Reconnector {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultReconnectOptions().MaxBackoff
	}
	return &Reconnector{
		mgr:     mgr,
		opts:    opts,
		devices: make(map[string]*reconnectState),
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Add supervises id and connects to it right away.
func (r *Reconnector) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.devices[id]; ok {
		return
	}
	st := &reconnectState{}
	r.devices[id] = st
	r.scheduleLocked(id, st)
}

// Devices returns the supervised identities, sorted.
func (r *Reconnector) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Observe feeds one manager event to the Reconnector.
func (r *Reconnector) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch e := ev.(type) {
	case ConnectionStateChanged:
		st, ok := r.devices[e.RemoteID]
		if !ok {
			return
		}
		if e.State == LinkConnected {
			st.attempt = 0
			stopTimer(st)
			return
		}
		slog.Warn("[BLE] disconnected, reconnecting...", "id", e.RemoteID, "reason", e.ReasonText)
		r.scheduleLocked(e.RemoteID, st)

	case AdapterStateChanged:
		for id, st := range r.devices {
			stopTimer(st)
			if e.State == AdapterOn {
				st.attempt = 0
				r.scheduleLocked(id, st)
			}
		}
	}
}

func stopTimer(st *reconnectState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// scheduleLocked arms the next attempt. The first attempt is immediate.
func (r *Reconnector) scheduleLocked(id string, st *reconnectState) {
	stopTimer(st)
	var delay time.Duration
	if st.attempt > 0 {
		delay = backoffDelay(st.attempt-1, r.opts.MaxBackoff)
		slog.Info("[BLE] reconnect backoff", "id", id, "attempt", st.attempt+1, "delay", delay)
	}
	st.attempt++
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(delay, func() { r.attempt(id, gen) })
}

func (r *Reconnector) attempt(id string, gen uint64) {
	r.mu.Lock()
	st, ok := r.devices[id]
	if r.closed || !ok || st.timer == nil || st.gen != gen {
		r.mu.Unlock()
		return
	}
	st.timer = nil
	r.mu.Unlock()

	if r.mgr.AdapterState() != AdapterOn {
		slog.Debug("[BLE] adapter off, waiting to reconnect", "id", id)
		return
	}

	err := r.mgr.Connect(id, true)
	if err == nil || errors.Is(err, ErrAlreadyInProgress) {
		return
	}
	slog.Warn("[BLE] reconnect failed", "id", id, "error", err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed && st.timer == nil {
		r.scheduleLocked(id, st)
	}
}

// Close cancels all pending attempts.
func (r *Reconnector) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, st := range r.devices {
		stopTimer(st)
	}
}
