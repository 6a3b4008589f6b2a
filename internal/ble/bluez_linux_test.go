//go:build linux

package ble

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
)

type bondCall struct {
	id              string
	state, previous BondState
}

func watchedBonder(t *testing.T) (*BlueZBonder, *[]bondCall, *[]AdapterState) {
	t.Helper()
	b := newBlueZBonder(nil, "")
	var bonds []bondCall
	var power []AdapterState
	// Watch fails without a bus but still installs the callbacks.
	_ = b.Watch(
		func(id string, state, previous BondState) { bonds = append(bonds, bondCall{id, state, previous}) },
		func(s AdapterState) { power = append(power, s) },
	)
	return b, &bonds, &power
}

func propsChanged(path, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000b", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0", ""},
	}
	for _, tt := range tests {
		if got := macFromPath(dbus.ObjectPath(tt.path)); got != tt.want {
			t.Errorf("macFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDevicePath(t *testing.T) {
	b := newBlueZBonder(nil, "/org/bluez/hci1")
	got := b.devicePath("aa:bb:cc:dd:ee:ff")
	want := dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}

func TestBlueZPairedTransitions(t *testing.T) {
	b, bonds, _ := watchedBonder(t)
	dev := "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"

	b.set(testID, BondBonding)
	b.handleSignal(propsChanged(dev, bluezDevice, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	// Repeated value is not a transition.
	b.handleSignal(propsChanged(dev, bluezDevice, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	b.handleSignal(propsChanged(dev, bluezDevice, map[string]dbus.Variant{"Paired": dbus.MakeVariant(false)}))

	want := []bondCall{
		{testID, BondBonding, BondNone},
		{testID, BondBonded, BondBonding},
		{testID, BondNone, BondBonded},
	}
	if len(*bonds) != len(want) {
		t.Fatalf("bond callbacks = %v, want %v", *bonds, want)
	}
	for i := range want {
		if (*bonds)[i] != want[i] {
			t.Errorf("bond callback %d = %v, want %v", i, (*bonds)[i], want[i])
		}
	}
	if got := b.BondState(testID); got != BondNone {
		t.Errorf("BondState() = %v, want %v", got, BondNone)
	}
}

func TestBlueZFirstUnpairedIsSilent(t *testing.T) {
	b, bonds, _ := watchedBonder(t)
	b.handleSignal(propsChanged("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", bluezDevice,
		map[string]dbus.Variant{"Paired": dbus.MakeVariant(false)}))
	if len(*bonds) != 0 {
		t.Errorf("bond callbacks = %v, want none", *bonds)
	}
}

func TestBlueZPreBondedLossReported(t *testing.T) {
	b, bonds, _ := watchedBonder(t)
	b.seedBonded([]string{testID})
	if got := b.BondState(testID); got != BondBonded {
		t.Errorf("BondState() = %v, want %v", got, BondBonded)
	}

	b.handleSignal(propsChanged("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", bluezDevice,
		map[string]dbus.Variant{"Paired": dbus.MakeVariant(false)}))

	want := bondCall{testID, BondNone, BondBonded}
	if len(*bonds) != 1 || (*bonds)[0] != want {
		t.Errorf("bond callbacks = %v, want [%v]", *bonds, want)
	}
}

func TestBlueZSeedKeepsKnownState(t *testing.T) {
	b, _, _ := watchedBonder(t)
	b.set(testID, BondBonding)
	b.seedBonded([]string{testID})
	if got := b.BondState(testID); got != BondBonding {
		t.Errorf("BondState() = %v, want %v", got, BondBonding)
	}
}

func TestBlueZIgnoresOtherAdapters(t *testing.T) {
	b, bonds, power := watchedBonder(t)
	b.handleSignal(propsChanged("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", bluezDevice,
		map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	b.handleSignal(propsChanged("/org/bluez/hci1", bluezAdapter,
		map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	if len(*bonds) != 0 || len(*power) != 0 {
		t.Errorf("callbacks = %v / %v, want none", *bonds, *power)
	}
}

func TestBlueZPowerChanges(t *testing.T) {
	b, _, power := watchedBonder(t)
	b.handleSignal(propsChanged("/org/bluez/hci0", bluezAdapter,
		map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	b.handleSignal(propsChanged("/org/bluez/hci0", bluezAdapter,
		map[string]dbus.Variant{"Alias": dbus.MakeVariant("desk")}))
	b.handleSignal(propsChanged("/org/bluez/hci0", bluezAdapter,
		map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}))

	want := []AdapterState{AdapterOff, AdapterOn}
	if len(*power) != len(want) || (*power)[0] != want[0] || (*power)[1] != want[1] {
		t.Errorf("power callbacks = %v, want %v", *power, want)
	}
}

func TestDevicesWithProperty(t *testing.T) {
	dev := func(paired bool) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			bluezDevice: {"Paired": dbus.MakeVariant(paired)},
		}
	}
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0":                           {bluezAdapter: {}},
		"/org/bluez/hci0/dev_22_22_22_22_22_22":     dev(true),
		"/org/bluez/hci0/dev_11_11_11_11_11_11":     dev(true),
		"/org/bluez/hci0/dev_33_33_33_33_33_33":     dev(false),
		"/org/bluez/hci1/dev_44_44_44_44_44_44":     dev(true),
		"/org/bluez/hci0/dev_11_11_11_11_11_11/svc": {"org.bluez.GattService1": {}},
	}
	got := devicesWithProperty(objects, "/org/bluez/hci0", "Paired")
	want := []string{"11:11:11:11:11:11", "22:22:22:22:22:22"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("devicesWithProperty() = %v, want %v", got, want)
	}
}

func TestBlueZWithoutBus(t *testing.T) {
	b := newBlueZBonder(nil, "")
	if err := b.CreateBond(testID); err == nil {
		t.Error("CreateBond() without bus: expected error")
	}
	if _, err := b.BondedDevices(); err == nil {
		t.Error("BondedDevices() without bus: expected error")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
