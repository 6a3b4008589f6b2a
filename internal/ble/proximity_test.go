package ble

import (
	"testing"
	"time"
)

func sample(id string, rssi int) Advertisement {
	return Advertisement{RemoteID: id, RSSI: rssi, TxPowerLevel: 0}
}

func TestProximityAverageIgnoresSamplesWithoutTxPower(t *testing.T) {
	d := &proximityDevice{id: testID}
	d.samples = []proximitySample{{rxPower: -40, hasTx: true}, {rxPower: -90, hasTx: false}, {rxPower: -60, hasTx: true}}
	avg, ok := d.avgRxPower()
	if !ok || avg != -50 {
		t.Errorf("avgRxPower() = %d, %v, want -50, true", avg, ok)
	}

	empty := &proximityDevice{samples: []proximitySample{{rxPower: -40}}}
	if _, ok := empty.avgRxPower(); ok {
		t.Error("avgRxPower() ok without any TX power samples")
	}
}

func TestProximityWindowKeepsLastFive(t *testing.T) {
	r := NewProximityResolver(time.Hour, nil)
	for _, rssi := range []int{-100, -100, -50, -50, -50, -50, -50} {
		r.AddSample(sample(testID, rssi))
	}
	r.mu.Lock()
	avg, _ := r.devices[0].avgRxPower()
	n := len(r.devices[0].samples)
	r.mu.Unlock()
	if n != proximityWindow || avg != -50 {
		t.Errorf("window = %d samples avg %d, want %d samples avg -50", n, avg, proximityWindow)
	}
}

func TestProximityReportsAfterDebounce(t *testing.T) {
	changed := make(chan NearestDeviceChanged, 4)
	r := NewProximityResolver(20*time.Millisecond, func(ev NearestDeviceChanged) { changed <- ev })
	defer r.Reset()

	r.AddSample(sample(testID, -70))
	r.AddSample(sample(otherID, -40))

	select {
	case ev := <-changed:
		if ev.RemoteID != otherID {
			t.Errorf("nearest = %s, want %s", ev.RemoteID, otherID)
		}
	case <-time.After(time.Second):
		t.Fatal("no nearest-device report")
	}

	// The same device again does not fire.
	r.AddSample(sample(otherID, -41))
	select {
	case ev := <-changed:
		t.Errorf("unexpected report %+v", ev)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestProximityIncumbentWinsTies(t *testing.T) {
	r := NewProximityResolver(time.Hour, nil)
	defer r.Reset()

	r.AddSample(sample(testID, -50))
	r.AddSample(sample(otherID, -50))
	if id, _ := r.Nearest(); id != testID {
		t.Errorf("Nearest() = %s, want incumbent %s", id, testID)
	}
	r.AddSample(sample(otherID, -30))
	if id, _ := r.Nearest(); id != otherID {
		t.Errorf("Nearest() = %s, want %s", id, otherID)
	}
}
