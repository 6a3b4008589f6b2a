package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
)

// mockHandle records every call made on one connection.
type mockHandle struct {
	mu           sync.Mutex
	id           string
	disconnects  int
	closes       int
	discovers    int
	reads        []*gatt.Characteristic
	writes       [][]byte
	noRspWrites  int
	descReads    []*gatt.Descriptor
	descWrites   [][]byte
	notify       map[*gatt.Characteristic]bool
	mtuRequests  []int
	rssiReads    int
	writeErr     error
	disconnectFn func()
}

func newMockHandle(id string) *mockHandle {
	return &mockHandle{id: id, notify: make(map[*gatt.Characteristic]bool)}
}

func (h *mockHandle) Disconnect() error {
	h.mu.Lock()
	h.disconnects++
	fn := h.disconnectFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *mockHandle) DiscoverServices() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discovers++
	return nil
}

func (h *mockHandle) ReadCharacteristic(c *gatt.Characteristic) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, c)
	return nil
}

func (h *mockHandle) WriteCharacteristic(_ *gatt.Characteristic, value []byte, withoutResponse bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	h.writes = append(h.writes, append([]byte(nil), value...))
	if withoutResponse {
		h.noRspWrites++
	}
	return nil
}

func (h *mockHandle) ReadDescriptor(d *gatt.Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descReads = append(h.descReads, d)
	return nil
}

func (h *mockHandle) WriteDescriptor(_ *gatt.Descriptor, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descWrites = append(h.descWrites, append([]byte(nil), value...))
	return nil
}

func (h *mockHandle) SetNotify(c *gatt.Characteristic, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify[c] = enable
	return nil
}

func (h *mockHandle) RequestMtu(mtu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mtuRequests = append(h.mtuRequests, mtu)
	return nil
}

func (h *mockHandle) ReadRssi() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rssiReads++
	return nil
}

func (h *mockHandle) RequestConnectionPriority(ConnectionPriority) error { return nil }
func (h *mockHandle) SetPreferredPhy(int, int, int) error                { return nil }
func (h *mockHandle) ClearCache() error                                  { return nil }

func (h *mockHandle) counts() (disconnects, closes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects, h.closes
}

// mockRadio hands out mockHandles and lets tests drive the callbacks.
type mockRadio struct {
	mu         sync.Mutex
	cb         Callbacks
	caps       Capabilities
	state      AdapterState
	handles    map[string][]*mockHandle
	bonds      map[string]BondState
	bondCalls  []string
	scanning   bool
	scanOpts   ScanOptions
	connectErr error
}

var _ Radio = (*mockRadio)(nil)

func newMockRadio() *mockRadio {
	return &mockRadio{
		caps:    Capabilities{Bonding: true},
		state:   AdapterOn,
		handles: make(map[string][]*mockHandle),
		bonds:   make(map[string]BondState),
	}
}

func (r *mockRadio) Enable(cb Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
	return nil
}

func (r *mockRadio) Capabilities() Capabilities { return r.caps }

func (r *mockRadio) AdapterState() AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *mockRadio) StartScan(opts ScanOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = true
	r.scanOpts = opts
	return nil
}

func (r *mockRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

func (r *mockRadio) Connect(id string, _ bool) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, r.connectErr
	}
	h := newMockHandle(id)
	r.handles[id] = append(r.handles[id], h)
	return h, nil
}

func (r *mockRadio) BondState(id string) BondState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bonds[id]
}

func (r *mockRadio) CreateBond(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondCalls = append(r.bondCalls, "create:"+id)
	return nil
}

func (r *mockRadio) RemoveBond(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondCalls = append(r.bondCalls, "remove:"+id)
	return nil
}

func (r *mockRadio) BondedDevices() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.bonds {
		if s == BondBonded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *mockRadio) SystemDevices() ([]string, error) {
	return nil, errors.New("mock: not supported")
}

// handle returns the latest handle created for id.
func (r *mockRadio) handle(t *testing.T, id string) *mockHandle {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.handles[id]
	if len(hs) == 0 {
		t.Fatalf("no handle created for %s", id)
	}
	return hs[len(hs)-1]
}

func (r *mockRadio) callbacks() Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb
}

// SimulateConnected reports an established link for id.
func (r *mockRadio) SimulateConnected(id string) {
	r.callbacks().OnConnectionStateChanged(id, 0, LinkConnected)
}

// SimulateDisconnected reports a lost link for id with an HCI status.
func (r *mockRadio) SimulateDisconnected(id string, status int) {
	r.callbacks().OnConnectionStateChanged(id, status, LinkDisconnected)
}

// SimulateBond reports a platform bond transition.
func (r *mockRadio) SimulateBond(id string, state, previous BondState) {
	r.mu.Lock()
	r.bonds[id] = state
	r.mu.Unlock()
	r.callbacks().OnBondStateChanged(id, state, previous)
}

// SimulateAdvertisement delivers a raw scan result.
func (r *mockRadio) SimulateAdvertisement(adv Advertisement) {
	r.callbacks().OnAdvertisement(adv)
}

// SimulateAdapterState reports an adapter power transition.
func (r *mockRadio) SimulateAdapterState(state AdapterState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.callbacks().OnAdapterStateChanged(state)
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// expectEvent waits for the next event and asserts its type.
func expectEvent[T Event](t *testing.T, m *Manager) T {
	t.Helper()
	ev := nextEvent(t, m)
	got, ok := ev.(T)
	if !ok {
		var zero T
		t.Fatalf("event = %T (%v), want %T", ev, ev.Fields(), zero)
	}
	return got
}

// expectNoEvent asserts the event channel stays empty for a short while.
func expectNoEvent(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %T: %v", ev, ev.Fields())
	case <-time.After(50 * time.Millisecond):
	}
}
