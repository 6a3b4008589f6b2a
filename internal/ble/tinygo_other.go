//go:build !linux

package ble

import (
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
)

func (h *tinyGoHandle) writeValue(_ *gatt.Characteristic, dc *bluetooth.DeviceCharacteristic, data []byte, withoutResponse bool) error {
	if withoutResponse {
		_, err := dc.WriteWithoutResponse(data)
		return err
	}
	_, err := dc.Write(data)
	return err
}
