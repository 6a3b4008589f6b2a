//go:build linux

package ble

import (
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

const (
	bluezGattService = "org.bluez.GattService1"
	bluezGattChar    = "org.bluez.GattCharacteristic1"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// writeValue writes through BlueZ so the write type is explicit: tinygo's
// Linux backend only has WriteWithoutResponse and leaves the choice to BlueZ.
func (h *tinyGoHandle) writeValue(c *gatt.Characteristic, _ *bluetooth.DeviceCharacteristic, data []byte, withoutResponse bool) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	path, err := h.bluezPath(bus, c)
	if err != nil {
		return err
	}
	writeType := "request"
	if withoutResponse {
		writeType = "command"
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}
	if call := bus.Object(bluezService, path).Call(bluezGattChar+".WriteValue", 0, data, opts); call.Err != nil {
		return fmt.Errorf("bluez: WriteValue %s: %w", uuid.Short(c.UUID), call.Err)
	}
	return nil
}

// bluezPath resolves and caches the object path of a discovered characteristic.
func (h *tinyGoHandle) bluezPath(bus *dbus.Conn, c *gatt.Characteristic) (dbus.ObjectPath, error) {
	h.mu.Lock()
	p, ok := h.charPaths[c]
	h.mu.Unlock()
	if ok {
		return dbus.ObjectPath(p), nil
	}

	objects := make(managedObjects)
	if err := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	path, err := characteristicPath(objects, h.id, c)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if h.charPaths == nil {
		h.charPaths = make(map[*gatt.Characteristic]string)
	}
	h.charPaths[c] = string(path)
	h.mu.Unlock()
	return path, nil
}

// characteristicPath finds the BlueZ object for c on the device with the
// given address. When several services carry the same characteristic the
// parent service UUID decides.
func characteristicPath(objects managedObjects, id string, c *gatt.Characteristic) (dbus.ObjectPath, error) {
	paths := make([]string, 0, len(objects))
	for p := range objects {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)

	var device string
	for _, p := range paths {
		dev, ok := objects[dbus.ObjectPath(p)][bluezDevice]
		if !ok {
			continue
		}
		if addr, _ := dev["Address"].Value().(string); strings.EqualFold(addr, id) {
			device = p
			break
		}
	}
	if device == "" {
		return "", fmt.Errorf("bluez: device %s not known", id)
	}

	for _, p := range paths {
		if !strings.HasPrefix(p, device+"/") {
			continue
		}
		chr, ok := objects[dbus.ObjectPath(p)][bluezGattChar]
		if !ok {
			continue
		}
		if u, _ := chr["UUID"].Value().(string); !uuid.Equal(u, c.UUID) {
			continue
		}
		if c.Service != nil {
			svcPath, _ := chr["Service"].Value().(dbus.ObjectPath)
			svc := objects[svcPath][bluezGattService]
			if u, _ := svc["UUID"].Value().(string); !uuid.Equal(u, c.Service.UUID) {
				continue
			}
		}
		return dbus.ObjectPath(p), nil
	}
	return "", fmt.Errorf("bluez: characteristic %s not found on %s", uuid.Short(c.UUID), id)
}
