package ble

import (
	"sync"
	"time"
)

const (
	// proximityWindow is how many recent samples are averaged per device.
	proximityWindow = 5
	// DefaultProximityDebounce is how long a new nearest device must hold
	// before it is reported.
	DefaultProximityDebounce = time.Second
)

type proximitySample struct {
	rxPower int
	hasTx   bool
}

type proximityDevice struct {
	id      string
	samples []proximitySample
}

// avgRxPower averages received power over the recent samples that carried a
// TX power level. ok is false when there are none.
func (d *proximityDevice) avgRxPower() (avg int, ok bool) {
	sum, n := 0, 0
	for _, s := range d.samples {
		if !s.hasTx {
			continue
		}
		sum += s.rxPower
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}

// ProximityResolver tracks which advertiser is nearest by average received
// power, and reports a change once the new nearest device has held for the
// debounce interval.
type ProximityResolver struct {
	debounce time.Duration
	onChange func(NearestDeviceChanged)

	mu        sync.Mutex
	devices   []*proximityDevice
	nearest   *proximityDevice
	lastFired string
	timer     *time.Timer
}

// NewProximityResolver creates a resolver that calls onChange from a timer
// goroutine.
func NewProximityResolver(debounce time.Duration, onChange func(NearestDeviceChanged)) *ProximityResolver {
	if debounce <= 0 {
		debounce = DefaultProximityDebounce
	}
	return &ProximityResolver{debounce: debounce, onChange: onChange}
}

// AddSample records one advertisement and re-evaluates the nearest device.
func (r *ProximityResolver) AddSample(adv Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.find(adv.RemoteID)
	d.samples = append(d.samples, proximitySample{
		rxPower: adv.RSSI,
		hasTx:   adv.TxPowerLevel != TxPowerUnknown,
	})
	if len(d.samples) > proximityWindow {
		d.samples = d.samples[len(d.samples)-proximityWindow:]
	}

	candidate := r.pickNearest()
	if candidate == nil || candidate == r.nearest {
		return
	}
	r.nearest = candidate
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.fire)
}

// Nearest returns the current nearest device, which may not have been
// reported yet.
func (r *ProximityResolver) Nearest() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nearest == nil {
		return "", false
	}
	return r.nearest.id, true
}

// Reset forgets every device and cancels a pending report.
func (r *ProximityResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.devices = nil
	r.nearest = nil
	r.lastFired = ""
}

func (r *ProximityResolver) find(id string) *proximityDevice {
	for _, d := range r.devices {
		if d.id == id {
			return d
		}
	}
	d := &proximityDevice{id: id}
	r.devices = append(r.devices, d)
	return d
}

// pickNearest keeps the incumbent unless another device has a strictly
// greater average.
func (r *ProximityResolver) pickNearest() *proximityDevice {
	best := r.nearest
	if best == nil {
		if len(r.devices) == 0 {
			return nil
		}
		best = r.devices[0]
	}
	bestAvg, bestOK := best.avgRxPower()
	for _, d := range r.devices {
		avg, ok := d.avgRxPower()
		if !ok {
			continue
		}
		if !bestOK || avg > bestAvg {
			best, bestAvg, bestOK = d, avg, true
		}
	}
	return best
}

func (r *ProximityResolver) fire() {
	r.mu.Lock()
	if r.nearest == nil || r.nearest.id == r.lastFired {
		r.mu.Unlock()
		return
	}
	r.lastFired = r.nearest.id
	avg, _ := r.nearest.avgRxPower()
	ev := NearestDeviceChanged{RemoteID: r.nearest.id, AvgRxPower: avg}
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange(ev)
	}
}
