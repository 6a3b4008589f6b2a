package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// Bonder is a pairing backend for radios whose library has no bonding API.
type Bonder interface {
	BondState(id string) BondState
	CreateBond(id string) error
	RemoveBond(id string) error
	BondedDevices() ([]string, error)
	SystemDevices() ([]string, error)
	// Watch delivers bond transitions and adapter power changes until Close.
	Watch(onBond func(id string, state, previous BondState), onPower func(AdapterState)) error
	Close() error
}

// errNotSupported is returned for radio calls tinygo/bluetooth cannot make.
var errNotSupported = errors.New("not supported by tinygo bluetooth")

// discoveredProps is reported for every characteristic: tinygo/bluetooth
// does not expose the property bits, so the peripheral decides.
const discoveredProps = gatt.PropRead | gatt.PropWrite | gatt.PropWriteWithoutResponse | gatt.PropNotify

// TinyGoRadio implements Radio on top of tinygo-org/bluetooth. All callbacks
// are delivered from one dispatcher goroutine.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	bonder  Bonder

	mu       sync.Mutex
	cb       Callbacks
	state    AdapterState
	handles  map[string]*tinyGoHandle
	scanning bool

	calls chan func()
	done  chan struct{}
	once  sync.Once
}

var _ Radio = (*TinyGoRadio)(nil)

// NewTinyGoRadio creates a radio on the default adapter. bonder may be nil,
// in which case bonding is reported as unsupported.
func NewTinyGoRadio(bonder Bonder) *TinyGoRadio {
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		bonder:  bonder,
		state:   AdapterOff,
		handles: make(map[string]*tinyGoHandle),
		calls:   make(chan func(), 64),
		done:    make(chan struct{}),
	}
}

func (r *TinyGoRadio) Enable(cb Callbacks) error {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()

	go r.dispatch()

	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	r.mu.Lock()
	r.state = AdapterOn
	r.mu.Unlock()

	// Only disconnects are taken from here; connects are reported when
	// Connect returns so the handle already holds the device.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		r.mu.Lock()
		h, ok := r.handles[id]
		r.mu.Unlock()
		if !ok {
			return
		}
		h.markDisconnected()
		status := h.takeDisconnectStatus()
		r.post(func(cb Callbacks) { cb.OnConnectionStateChanged(id, status, LinkDisconnected) })
	})

	if r.bonder != nil {
		err := r.bonder.Watch(
			func(id string, state, previous BondState) {
				r.post(func(cb Callbacks) { cb.OnBondStateChanged(id, state, previous) })
			},
			func(state AdapterState) {
				r.mu.Lock()
				r.state = state
				r.mu.Unlock()
				r.post(func(cb Callbacks) { cb.OnAdapterStateChanged(state) })
			},
		)
		if err != nil {
			slog.Warn("[BLE] bond watch unavailable", "error", err)
		}
	}
	return nil
}

func (r *TinyGoRadio) dispatch() {
	for {
		select {
		case fn := <-r.calls:
			fn()
		case <-r.done:
			return
		}
	}
}

// post queues a callback on the dispatcher.
func (r *TinyGoRadio) post(fn func(cb Callbacks)) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb == nil {
		return
	}
	select {
	case r.calls <- func() { fn(cb) }:
	case <-r.done:
	}
}

// Close stops the dispatcher and the bond watch.
func (r *TinyGoRadio) Close() error {
	r.once.Do(func() { close(r.done) })
	if r.bonder != nil {
		return r.bonder.Close()
	}
	return nil
}

func (r *TinyGoRadio) Capabilities() Capabilities {
	return Capabilities{
		Bonding:        r.bonder != nil,
		MinimumVersion: "a radio backend with controller access",
	}
}

func (r *TinyGoRadio) AdapterState() AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *TinyGoRadio) StartScan(opts ScanOptions) error {
	var filter []bluetooth.UUID
	for _, s := range opts.ServiceUUIDs {
		u, err := uuid.ToTinyGo(s)
		if err != nil {
			return fmt.Errorf("ble: scan filter: %w", err)
		}
		filter = append(filter, u)
	}

	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		r.post(func(cb Callbacks) { cb.OnScanFailed(protocol.ScanFailedAlreadyStarted) })
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			adv, ok := advertisementFrom(result, filter)
			if !ok {
				return
			}
			r.post(func(cb Callbacks) { cb.OnAdvertisement(adv) })
		})

		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		if err != nil {
			slog.Error("[SCAN] scan ended with error", "error", err)
			r.post(func(cb Callbacks) { cb.OnScanFailed(protocol.ScanFailedInternalError) })
		}
	}()
	return nil
}

func (r *TinyGoRadio) StopScan() error {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	return r.adapter.StopScan()
}

// advertisementFrom converts a scan result, applying the service filter.
func advertisementFrom(result bluetooth.ScanResult, filter []bluetooth.UUID) (Advertisement, bool) {
	services, ok := matchServices(result.ServiceUUIDs(), filter)
	if !ok {
		return Advertisement{}, false
	}
	adv := Advertisement{
		RemoteID:     result.Address.String(),
		AdvName:      result.LocalName(),
		RSSI:         int(result.RSSI),
		TxPowerLevel: TxPowerUnknown,
		ServiceUUIDs: services,
		Raw:          result.Bytes(),
	}

	for _, md := range result.ManufacturerData() {
		if adv.ManufacturerData == nil {
			adv.ManufacturerData = make(map[int][]byte)
		}
		adv.ManufacturerData[int(md.CompanyID)] = md.Data
	}
	for _, sd := range result.ServiceData() {
		if adv.ServiceData == nil {
			adv.ServiceData = make(map[string][]byte)
		}
		adv.ServiceData[uuid.FromTinyGo(sd.UUID)] = sd.Data
	}

	if adv.Raw == nil {
		adv.Raw = synthesizePayload(adv)
	}
	return adv, true
}

// matchServices converts every advertised service UUID and reports whether
// at least one is in filter. An empty filter matches everything.
func matchServices(advertised, filter []bluetooth.UUID) ([]string, bool) {
	var ids []string
	matched := len(filter) == 0
	for _, u := range advertised {
		ids = append(ids, uuid.FromTinyGo(u))
		if !matched && slices.Contains(filter, u) {
			matched = true
		}
	}
	return ids, matched
}

// synthesizePayload builds a stable byte form of the parsed fields for
// backends that do not expose the raw advertising data.
func synthesizePayload(adv Advertisement) []byte {
	var b []byte
	b = append(b, adv.AdvName...)
	b = append(b, 0)
	ids := make([]int, 0, len(adv.ManufacturerData))
	for id := range adv.ManufacturerData {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b = append(b, byte(id), byte(id>>8))
		b = append(b, adv.ManufacturerData[id]...)
		b = append(b, 0)
	}
	for _, id := range sortedIDs(adv.ServiceData) {
		b = append(b, id...)
		b = append(b, adv.ServiceData[id]...)
		b = append(b, 0)
	}
	for _, id := range adv.ServiceUUIDs {
		b = append(b, id...)
	}
	return b
}

func (r *TinyGoRadio) Connect(id string, autoConnect bool) (Handle, error) {
	var addr bluetooth.Address
	addr.Set(id)
	if autoConnect {
		slog.Debug("[BLE] auto-connect is not supported by tinygo bluetooth, connecting once", "id", id)
	}

	h := &tinyGoHandle{radio: r, id: id, disconnectStatus: protocol.HCISuccess}
	r.mu.Lock()
	if old, ok := r.handles[id]; ok {
		old.markClosed()
	}
	r.handles[id] = h
	r.mu.Unlock()

	// tinygo/bluetooth's Connect blocks with its own timeout.
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect failed", "id", id, "error", err)
			if h.isClosed() {
				return
			}
			r.forget(id, h)
			r.post(func(cb Callbacks) {
				cb.OnConnectionStateChanged(id, protocol.HCIConnectionFailedToEstablish, LinkDisconnected)
			})
			return
		}
		if !h.setDevice(&device) {
			// Canceled while connecting.
			if err := device.Disconnect(); err != nil {
				slog.Debug("[BLE] disconnect after cancel failed", "id", id, "error", err)
			}
			return
		}
		r.post(func(cb Callbacks) { cb.OnConnectionStateChanged(id, protocol.HCISuccess, LinkConnected) })
	}()
	return h, nil
}

func (r *TinyGoRadio) forget(id string, h *tinyGoHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] == h {
		delete(r.handles, id)
	}
}

func (r *TinyGoRadio) BondState(id string) BondState {
	if r.bonder == nil {
		return BondNone
	}
	return r.bonder.BondState(id)
}

func (r *TinyGoRadio) CreateBond(id string) error {
	if r.bonder == nil {
		return errNotSupported
	}
	return r.bonder.CreateBond(id)
}

func (r *TinyGoRadio) RemoveBond(id string) error {
	if r.bonder == nil {
		return errNotSupported
	}
	return r.bonder.RemoveBond(id)
}

func (r *TinyGoRadio) BondedDevices() ([]string, error) {
	if r.bonder == nil {
		return nil, nil
	}
	return r.bonder.BondedDevices()
}

// SystemDevices falls back to the links this radio opened.
func (r *TinyGoRadio) SystemDevices() ([]string, error) {
	if r.bonder != nil {
		return r.bonder.SystemDevices()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, id := range sortedIDs(r.handles) {
		if r.handles[id].connected() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// tinyGoHandle is one connection attempt and, once established, its link.
type tinyGoHandle struct {
	radio *TinyGoRadio
	id    string

	mu               sync.Mutex
	device           *bluetooth.Device
	closed           bool
	linkUp           bool
	disconnectStatus int
	chars            []*bluetooth.DeviceCharacteristic
	charPaths        map[*gatt.Characteristic]string // BlueZ object paths, Linux only
}

var _ Handle = (*tinyGoHandle)(nil)

// setDevice stores the connected device. It reports false if the handle was
// closed in the meantime.
func (h *tinyGoHandle) setDevice(d *bluetooth.Device) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.device = d
	h.linkUp = true
	return true
}

func (h *tinyGoHandle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *tinyGoHandle) markDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkUp = false
}

func (h *tinyGoHandle) takeDisconnectStatus() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.disconnectStatus
	h.disconnectStatus = protocol.HCISuccess
	return s
}

func (h *tinyGoHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *tinyGoHandle) connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.linkUp && !h.closed
}

func (h *tinyGoHandle) dev() (*bluetooth.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("handle closed")
	}
	if h.device == nil || !h.linkUp {
		return nil, errors.New("not connected")
	}
	return h.device, nil
}

func (h *tinyGoHandle) Disconnect() error {
	h.mu.Lock()
	d := h.device
	h.disconnectStatus = protocol.HCILocalHostTerminated
	h.mu.Unlock()
	if d == nil {
		// Still connecting: the connect goroutine sees the closed flag.
		return nil
	}
	return d.Disconnect()
}

func (h *tinyGoHandle) Close() error {
	h.markClosed()
	h.radio.forget(h.id, h)
	return nil
}

func (h *tinyGoHandle) DiscoverServices() error {
	d, err := h.dev()
	if err != nil {
		return err
	}
	go func() {
		services, chars, err := discover(d)
		status := protocol.GattSuccess
		if err != nil {
			slog.Error("[BLE] discovery failed", "id", h.id, "error", err)
			status = protocol.GattFailure
		} else {
			h.mu.Lock()
			h.chars = chars
			h.charPaths = nil
			h.mu.Unlock()
		}
		h.radio.post(func(cb Callbacks) { cb.OnServicesDiscovered(h.id, services, status) })
	}()
	return nil
}

// discover walks every service and characteristic of d. tinygo/bluetooth
// reports primary services only and no descriptors.
func discover(d *bluetooth.Device) ([]*gatt.Service, []*bluetooth.DeviceCharacteristic, error) {
	svcs, err := d.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var tree []*gatt.Service
	var all []*bluetooth.DeviceCharacteristic
	for i := range svcs {
		svc := gatt.NewService(uuid.FromTinyGo(svcs[i].UUID()), true)
		svc.Ref = &svcs[i]
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("ble: discover characteristics of %s: %w", uuid.Short(svc.UUID), err)
		}
		for j := range chars {
			c := svc.AddCharacteristic(uuid.FromTinyGo(chars[j].UUID()), discoveredProps)
			c.Ref = &chars[j]
			all = append(all, &chars[j])
		}
		tree = append(tree, svc)
	}
	return tree, all, nil
}

func deviceCharacteristic(c *gatt.Characteristic) (*bluetooth.DeviceCharacteristic, error) {
	dc, ok := c.Ref.(*bluetooth.DeviceCharacteristic)
	if !ok {
		return nil, fmt.Errorf("characteristic %s was not discovered by this radio", uuid.Short(c.UUID))
	}
	return dc, nil
}

func (h *tinyGoHandle) ReadCharacteristic(c *gatt.Characteristic) error {
	if _, err := h.dev(); err != nil {
		return err
	}
	dc, err := deviceCharacteristic(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, protocol.MaxAttributeLen)
		n, err := dc.Read(buf)
		status := protocol.GattSuccess
		if err != nil {
			slog.Warn("[BLE] read failed", "id", h.id, "uuid", uuid.Short(c.UUID), "error", err)
			status, n = protocol.GattFailure, 0
		}
		value := buf[:n]
		h.radio.post(func(cb Callbacks) { cb.OnCharacteristicRead(h.id, c, value, status) })
	}()
	return nil
}

func (h *tinyGoHandle) WriteCharacteristic(c *gatt.Characteristic, value []byte, withoutResponse bool) error {
	if _, err := h.dev(); err != nil {
		return err
	}
	dc, err := deviceCharacteristic(c)
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	go func() {
		err := h.writeValue(c, dc, data, withoutResponse)
		status := protocol.GattSuccess
		if err != nil {
			slog.Warn("[BLE] write failed", "id", h.id, "uuid", uuid.Short(c.UUID), "error", err)
			status = protocol.GattFailure
		}
		h.radio.post(func(cb Callbacks) { cb.OnCharacteristicWrite(h.id, c, status) })
	}()
	return nil
}

func (h *tinyGoHandle) ReadDescriptor(*gatt.Descriptor) error { return errNotSupported }

func (h *tinyGoHandle) WriteDescriptor(*gatt.Descriptor, []byte) error { return errNotSupported }

// SetNotify subscribes through tinygo/bluetooth, which writes the
// configuration descriptor itself.
func (h *tinyGoHandle) SetNotify(c *gatt.Characteristic, enable bool) error {
	if _, err := h.dev(); err != nil {
		return err
	}
	dc, err := deviceCharacteristic(c)
	if err != nil {
		return err
	}
	if !enable {
		return dc.EnableNotifications(nil)
	}
	return dc.EnableNotifications(func(buf []byte) {
		value := append([]byte(nil), buf...)
		h.radio.post(func(cb Callbacks) { cb.OnCharacteristicChanged(h.id, c, value) })
	})
}

// RequestMtu reports the MTU the stack negotiated on its own; tinygo/bluetooth
// cannot request a specific value.
func (h *tinyGoHandle) RequestMtu(int) error {
	if _, err := h.dev(); err != nil {
		return err
	}
	h.mu.Lock()
	chars := h.chars
	h.mu.Unlock()
	if len(chars) == 0 {
		return errors.New("mtu is known only after discovery")
	}
	go func() {
		mtu, err := chars[0].GetMTU()
		status := protocol.GattSuccess
		if err != nil {
			status = protocol.GattFailure
		}
		h.radio.post(func(cb Callbacks) { cb.OnMtuChanged(h.id, int(mtu), status) })
	}()
	return nil
}

func (h *tinyGoHandle) ReadRssi() error                                    { return errNotSupported }
func (h *tinyGoHandle) RequestConnectionPriority(ConnectionPriority) error { return errNotSupported }
func (h *tinyGoHandle) SetPreferredPhy(int, int, int) error                { return errNotSupported }
func (h *tinyGoHandle) ClearCache() error                                  { return errNotSupported }
