//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	bluezDevice     = "org.bluez.Device1"
	bluezAdapter    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	// DefaultBlueZAdapter is the object path of the first adapter.
	DefaultBlueZAdapter = "/org/bluez/hci0"
)

// BlueZBonder pairs devices through BlueZ over the system D-Bus.
type BlueZBonder struct {
	bus         *dbus.Conn
	adapterPath dbus.ObjectPath

	mu      sync.Mutex
	states  map[string]BondState
	onBond  func(id string, state, previous BondState)
	onPower func(AdapterState)
	signals chan *dbus.Signal

	done      chan struct{}
	closeOnce sync.Once
}

var _ Bonder = (*BlueZBonder)(nil)

// NewPlatformBonder returns the bonding backend for this platform.
func NewPlatformBonder(adapter string) (Bonder, error) {
	b, err := NewBlueZBonder(adapter)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewBlueZBonder opens a private system bus connection for the adapter at
// the given object path (e.g. "/org/bluez/hci0"). Close releases it.
func NewBlueZBonder(adapter string) (*BlueZBonder, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return newBlueZBonder(bus, adapter), nil
}

func newBlueZBonder(bus *dbus.Conn, adapter string) *BlueZBonder {
	if adapter == "" {
		adapter = DefaultBlueZAdapter
	}
	return &BlueZBonder{
		bus:         bus,
		adapterPath: dbus.ObjectPath(strings.TrimSuffix(adapter, "/")),
		states:      make(map[string]BondState),
		done:        make(chan struct{}),
	}
}

// devicePath maps an identity to its BlueZ object path.
func (b *BlueZBonder) devicePath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(id), ":", "_"))
}

// macFromPath extracts the identity from a device path or any object below it.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if end := strings.IndexByte(mac, '/'); end >= 0 {
		mac = mac[:end]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// set records a bond state and reports the transition if it is one.
func (b *BlueZBonder) set(id string, state BondState) {
	b.mu.Lock()
	prev, ok := b.states[id]
	if !ok {
		prev = BondNone
	}
	if ok && prev == state {
		b.mu.Unlock()
		return
	}
	b.states[id] = state
	cb := b.onBond
	b.mu.Unlock()

	if !ok && state == BondNone {
		return
	}
	slog.Debug("[BOND] state", "id", id, "state", state, "previous", prev)
	if cb != nil {
		cb(id, state, prev)
	}
}

func (b *BlueZBonder) BondState(id string) BondState {
	b.mu.Lock()
	s, ok := b.states[id]
	b.mu.Unlock()
	if ok {
		return s
	}
	if b.bus == nil {
		return BondNone
	}

	v, err := b.bus.Object(bluezService, b.devicePath(id)).GetProperty(bluezDevice + ".Paired")
	if err != nil {
		return BondNone
	}
	if paired, _ := v.Value().(bool); paired {
		b.seedBonded([]string{id})
		return BondBonded
	}
	return BondNone
}

// seedBonded records devices that were paired before the watch started, so
// a later Paired=false is reported as a bond loss.
func (b *BlueZBonder) seedBonded(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if _, ok := b.states[id]; !ok {
			b.states[id] = BondBonded
		}
	}
}

// CreateBond starts pairing. The outcome is reported through the Watch callback.
func (b *BlueZBonder) CreateBond(id string) error {
	if b.bus == nil {
		return errors.New("bluez: no bus")
	}
	obj := b.bus.Object(bluezService, b.devicePath(id))
	b.set(id, BondBonding)
	go func() {
		if call := obj.Call(bluezDevice+".Pair", 0); call.Err != nil {
			slog.Warn("[BOND] pair failed", "id", id, "error", call.Err)
			b.set(id, BondNone)
			return
		}
		b.set(id, BondBonded)
	}()
	return nil
}

func (b *BlueZBonder) RemoveBond(id string) error {
	if b.bus == nil {
		return errors.New("bluez: no bus")
	}
	if b.BondState(id) == BondBonding {
		dev := b.bus.Object(bluezService, b.devicePath(id))
		if call := dev.Call(bluezDevice+".CancelPairing", 0); call.Err != nil {
			slog.Debug("[BOND] cancel pairing failed", "id", id, "error", call.Err)
		}
	}
	obj := b.bus.Object(bluezService, b.adapterPath)
	if call := obj.Call(bluezAdapter+".RemoveDevice", 0, b.devicePath(id)); call.Err != nil {
		return fmt.Errorf("bluez: RemoveDevice: %w", call.Err)
	}
	b.set(id, BondNone)
	return nil
}

func (b *BlueZBonder) BondedDevices() ([]string, error) {
	return b.devicesWith("Paired")
}

func (b *BlueZBonder) SystemDevices() ([]string, error) {
	return b.devicesWith("Connected")
}

// devicesWith lists the devices on this adapter whose boolean property is true.
func (b *BlueZBonder) devicesWith(prop string) ([]string, error) {
	if b.bus == nil {
		return nil, errors.New("bluez: no bus")
	}
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := b.bus.Object(bluezService, "/")
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	return devicesWithProperty(objects, b.adapterPath, prop), nil
}

func devicesWithProperty(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter dbus.ObjectPath, prop string) []string {
	var ids []string
	prefix := string(adapter) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev, ok := ifaces[bluezDevice]
		if !ok {
			continue
		}
		if v, ok := dev[prop]; ok {
			if set, _ := v.Value().(bool); set {
				ids = append(ids, macFromPath(path))
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Watch subscribes to BlueZ property changes for pairing and adapter power.
func (b *BlueZBonder) Watch(onBond func(id string, state, previous BondState), onPower func(AdapterState)) error {
	b.mu.Lock()
	b.onBond = onBond
	b.onPower = onPower
	b.mu.Unlock()

	if b.bus == nil {
		return errors.New("bluez: no bus")
	}
	for _, iface := range []string{bluezDevice, bluezAdapter} {
		rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',arg0='%s'", propsIface, iface)
		if call := b.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return fmt.Errorf("bluez: add match: %w", call.Err)
		}
	}

	bonded, err := b.devicesWith("Paired")
	if err != nil {
		slog.Warn("[BOND] listing paired devices failed", "error", err)
	}
	b.seedBonded(bonded)

	b.signals = make(chan *dbus.Signal, 16)
	b.bus.Signal(b.signals)
	go b.handleSignals(b.signals)
	return nil
}

func (b *BlueZBonder) handleSignals(ch chan *dbus.Signal) {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *BlueZBonder) handleSignal(sig *dbus.Signal) {
	if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case bluezDevice:
		if !strings.HasPrefix(string(sig.Path), string(b.adapterPath)+"/") {
			return
		}
		v, ok := changed["Paired"]
		if !ok {
			return
		}
		id := macFromPath(sig.Path)
		if paired, _ := v.Value().(bool); paired {
			b.set(id, BondBonded)
		} else {
			b.set(id, BondNone)
		}

	case bluezAdapter:
		if sig.Path != b.adapterPath {
			return
		}
		v, ok := changed["Powered"]
		if !ok {
			return
		}
		state := AdapterOff
		if powered, _ := v.Value().(bool); powered {
			state = AdapterOn
		}
		slog.Info("[BOND] adapter power changed", "adapter", b.adapterPath, "state", state)
		b.mu.Lock()
		cb := b.onPower
		b.mu.Unlock()
		if cb != nil {
			cb(state)
		}
	}
}

func (b *BlueZBonder) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.bus == nil {
			return
		}
		if b.signals != nil {
			b.bus.RemoveSignal(b.signals)
		}
		err = b.bus.Close()
	})
	return err
}
