package ble

import (
	"sync"
	"time"
)

// deriveBondState turns a platform (state, previous) pair into the state
// reported outward. Leaving Bonding for None is a failed attempt; leaving
// Bonded for None means the peer dropped its keys.
func deriveBondState(state, previous BondState) BondState {
	switch state {
	case BondBonding:
		return BondBonding
	case BondBonded:
		return BondBonded
	}
	switch previous {
	case BondBonding:
		return BondFailed
	case BondBonded:
		return BondLost
	}
	return BondNone
}

// bondSupervisor tracks per-peripheral pairing state. It doubles as the
// bonding-busy gate: waiters block on changed, which is closed and replaced
// on every transition, so no lock is held while waiting.
type bondSupervisor struct {
	lostDelay time.Duration
	onLost    func(id string)

	mu      sync.Mutex
	states  map[string]BondState
	bonding map[string]struct{}
	changed chan struct{}
	timers  map[string]*time.Timer

	// generations identifies the live timer per id; a stopped timer whose
	// callback already started finds its generation gone.
	generations map[string]uint64
	gen         uint64
}

func newBondSupervisor(lostDelay time.Duration, onLost func(id string)) *bondSupervisor {
	return &bondSupervisor{
		lostDelay: lostDelay,
		onLost:    onLost,
		states:    make(map[string]BondState),
		bonding:   make(map[string]struct{}),
		changed:   make(chan struct{}),
		timers:    make(map[string]*time.Timer),

		generations: make(map[string]uint64),
	}
}

// observe records a platform transition and returns the derived state.
// A derived BondLost schedules onLost after lostDelay.
func (b *bondSupervisor) observe(id string, state, previous BondState) BondState {
	derived := deriveBondState(state, previous)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.states[id] = state
	if state == BondBonding {
		b.bonding[id] = struct{}{}
	} else {
		delete(b.bonding, id)
	}
	close(b.changed)
	b.changed = make(chan struct{})

	if derived == BondLost && b.onLost != nil {
		if t := b.timers[id]; t != nil {
			t.Stop()
		}
		b.gen++
		gen := b.gen
		b.timers[id] = time.AfterFunc(b.lostDelay, func() { b.fireLost(id, gen) })
		b.generations[id] = gen
	}
	return derived
}

func (b *bondSupervisor) fireLost(id string, gen uint64) {
	b.mu.Lock()
	current := b.generations[id] == gen
	if current {
		delete(b.timers, id)
		delete(b.generations, id)
	}
	b.mu.Unlock()
	if current {
		b.onLost(id)
	}
}

// state returns the last platform state seen for id.
func (b *bondSupervisor) state(id string) (BondState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[id]
	return s, ok
}

func (b *bondSupervisor) anyBonding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bonding) > 0
}

// waitWhileBonding blocks while any peripheral is bonding, for at most max.
// It reports whether the adapter was idle when it returned.
func (b *bondSupervisor) waitWhileBonding(max time.Duration) bool {
	deadline := time.NewTimer(max)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.bonding) == 0 {
			b.mu.Unlock()
			return true
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

// forget drops the bonding mark and any pending bond-lost timer for id.
func (b *bondSupervisor) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.timers[id]; t != nil {
		t.Stop()
		delete(b.timers, id)
	}
	delete(b.generations, id)
	if _, ok := b.bonding[id]; ok {
		delete(b.bonding, id)
		close(b.changed)
		b.changed = make(chan struct{})
	}
}

// reset forgets every peripheral. Known platform states are kept.
func (b *bondSupervisor) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	clear(b.generations)
	clear(b.bonding)
	close(b.changed)
	b.changed = make(chan struct{})
}
