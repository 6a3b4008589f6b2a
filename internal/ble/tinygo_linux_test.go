//go:build linux

package ble

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
)

func gattObjects() managedObjects {
	const dev = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	svc := func(u string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{bluezGattService: {"UUID": dbus.MakeVariant(u)}}
	}
	chr := func(u, service string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{bluezGattChar: {
			"UUID":    dbus.MakeVariant(u),
			"Service": dbus.MakeVariant(dbus.ObjectPath(service)),
		}}
	}
	const other = "/org/bluez/hci0/dev_11_22_33_44_55_66"
	objects := managedObjects{
		"/org/bluez/hci0": {bluezAdapter: {}},
		dev:               {bluezDevice: {"Address": dbus.MakeVariant(testID)}},
		other:             {bluezDevice: {"Address": dbus.MakeVariant(otherID)}},
	}
	objects[other+"/service0010"] = svc("0000180d-0000-1000-8000-00805f9b34fb")
	objects[other+"/service0010/char0011"] = chr("00002a39-0000-1000-8000-00805f9b34fb", other+"/service0010")
	objects[dev+"/service0010"] = svc("0000180d-0000-1000-8000-00805f9b34fb")
	objects[dev+"/service0010/char0011"] = chr("00002a39-0000-1000-8000-00805f9b34fb", dev+"/service0010")
	objects[dev+"/service0020"] = svc("0000ffe0-0000-1000-8000-00805f9b34fb")
	objects[dev+"/service0020/char0021"] = chr("00002a39-0000-1000-8000-00805f9b34fb", dev+"/service0020")
	return objects
}

func TestCharacteristicPath(t *testing.T) {
	objects := gattObjects()
	hr := gatt.NewService("180d", true)
	custom := gatt.NewService("ffe0", true)

	tests := []struct {
		name    string
		id      string
		chr     *gatt.Characteristic
		want    dbus.ObjectPath
		wantErr bool
	}{
		{"heart rate control point", testID, hr.AddCharacteristic("2a39", gatt.PropWrite), "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0010/char0011", false},
		{"same uuid in another service", testID, custom.AddCharacteristic("2a39", gatt.PropWrite), "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0020/char0021", false},
		{"other device", otherID, hr.AddCharacteristic("2a39", gatt.PropWrite), "/org/bluez/hci0/dev_11_22_33_44_55_66/service0010/char0011", false},
		{"unknown characteristic", testID, hr.AddCharacteristic("2a38", gatt.PropRead), "", true},
		{"unknown device", "00:00:00:00:00:01", hr.AddCharacteristic("2a39", gatt.PropWrite), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := characteristicPath(objects, tt.id, tt.chr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("characteristicPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("characteristicPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
