package ble

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDeriveBondState(t *testing.T) {
	tests := []struct {
		state, previous, want BondState
	}{
		{BondNone, BondNone, BondNone},
		{BondNone, BondUnknown, BondNone},
		{BondBonding, BondNone, BondBonding},
		{BondBonded, BondBonding, BondBonded},
		{BondNone, BondBonding, BondFailed},
		{BondNone, BondBonded, BondLost},
	}
	for _, tt := range tests {
		if got := deriveBondState(tt.state, tt.previous); got != tt.want {
			t.Errorf("deriveBondState(%v, %v) = %v, want %v", tt.state, tt.previous, got, tt.want)
		}
	}
}

func TestBondLostSchedulesCallback(t *testing.T) {
	fired := make(chan string, 1)
	b := newBondSupervisor(10*time.Millisecond, func(id string) { fired <- id })

	if got := b.observe(testID, BondNone, BondBonded); got != BondLost {
		t.Fatalf("observe() = %v, want lost", got)
	}
	select {
	case id := <-fired:
		if id != testID {
			t.Errorf("onLost(%s), want %s", id, testID)
		}
	case <-time.After(time.Second):
		t.Fatal("onLost not called")
	}
}

func TestBondForgetCancelsLostTimer(t *testing.T) {
	var calls atomic.Int32
	b := newBondSupervisor(30*time.Millisecond, func(string) { calls.Add(1) })

	b.observe(testID, BondNone, BondBonded)
	b.forget(testID)
	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("onLost calls = %d, want 0", n)
	}
}

func TestWaitWhileBonding(t *testing.T) {
	b := newBondSupervisor(time.Second, nil)
	if !b.waitWhileBonding(time.Millisecond) {
		t.Fatal("waitWhileBonding() = false with nothing bonding")
	}

	b.observe(testID, BondBonding, BondNone)
	if !b.anyBonding() {
		t.Fatal("anyBonding() = false while bonding")
	}

	done := make(chan bool, 1)
	go func() { done <- b.waitWhileBonding(time.Second) }()
	time.Sleep(20 * time.Millisecond)
	b.observe(testID, BondBonded, BondBonding)

	select {
	case idle := <-done:
		if !idle {
			t.Error("waitWhileBonding() = false, want true after bond completed")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	if s, ok := b.state(testID); !ok || s != BondBonded {
		t.Errorf("state() = %v, %v, want bonded", s, ok)
	}
}

func TestWaitWhileBondingTimesOut(t *testing.T) {
	b := newBondSupervisor(time.Second, nil)
	b.observe(testID, BondBonding, BondNone)
	if b.waitWhileBonding(10 * time.Millisecond) {
		t.Error("waitWhileBonding() = true while still bonding")
	}
	b.reset()
	if b.anyBonding() {
		t.Error("anyBonding() = true after reset")
	}
}
