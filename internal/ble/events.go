package ble

import (
	"github.com/chaz8081/blecentral/internal/ble/gatt"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// Event is one outward notification. The set of implementations is closed;
// consumers switch on the concrete type.
type Event interface {
	// Name is the stable event name used on the wire.
	Name() string
	// Fields is the sparse payload: absent values are omitted, binary values
	// are lowercase hex and identifiers are in short form.
	Fields() map[string]any
	event()
}

// gattStatus carries the outcome of an accepted radio operation.
type gattStatus struct {
	Success   bool
	ErrorCode int
	ErrorText string
}

func statusOf(code int) gattStatus {
	return gattStatus{Success: code == 0, ErrorCode: code, ErrorText: protocol.GattErrorString(code)}
}

func (s gattStatus) put(m map[string]any) map[string]any {
	m["success"] = boolInt(s.Success)
	m["error_code"] = s.ErrorCode
	m["error_string"] = s.ErrorText
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type AdapterStateChanged struct {
	State AdapterState
}

type ConnectionStateChanged struct {
	RemoteID   string
	State      LinkState
	ReasonCode int
	ReasonText string
}

type ServicesDiscovered struct {
	RemoteID string
	Services []*gatt.Service
	gattStatus
}

// CharacteristicReceived covers explicit reads as well as notifications and
// indications.
type CharacteristicReceived struct {
	Path  gatt.Path
	Value string
	gattStatus
}

type CharacteristicWritten struct {
	Path  gatt.Path
	Value string
	gattStatus
}

type DescriptorRead struct {
	Path  gatt.Path
	Value string
	gattStatus
}

type DescriptorWritten struct {
	Path  gatt.Path
	Value string
	gattStatus
}

// ServicesReset is emitted when the peripheral signals that its attribute
// table changed; a new discovery is needed.
type ServicesReset struct {
	RemoteID string
}

type BondStateChanged struct {
	RemoteID string
	State    BondState
	Previous BondState
}

type ScanAdvertisement struct {
	Advertisement Advertisement
}

type ScanFailed struct {
	Code int
	Text string
}

type MtuChanged struct {
	RemoteID string
	MTU      int
	gattStatus
}

type ReadRssiResult struct {
	RemoteID string
	RSSI     int
	gattStatus
}

type PhyUpdated struct {
	RemoteID string
	TxPhy    int
	RxPhy    int
	gattStatus
}

type DeviceConnectedToChannel struct {
	RemoteID string
	PSM      int
}

type NearestDeviceChanged struct {
	RemoteID   string
	AvgRxPower int
}

func (AdapterStateChanged) Name() string      { return "OnAdapterStateChanged" }
func (ConnectionStateChanged) Name() string   { return "OnConnectionStateChanged" }
func (ServicesDiscovered) Name() string       { return "OnDiscoveredServices" }
func (CharacteristicReceived) Name() string   { return "OnCharacteristicReceived" }
func (CharacteristicWritten) Name() string    { return "OnCharacteristicWritten" }
func (DescriptorRead) Name() string           { return "OnDescriptorRead" }
func (DescriptorWritten) Name() string        { return "OnDescriptorWritten" }
func (ServicesReset) Name() string            { return "OnServicesReset" }
func (BondStateChanged) Name() string         { return "OnBondStateChanged" }
func (ScanAdvertisement) Name() string        { return "OnScanResponse" }
func (ScanFailed) Name() string               { return "OnScanResponse" }
func (MtuChanged) Name() string               { return "OnMtuChanged" }
func (ReadRssiResult) Name() string           { return "OnReadRssi" }
func (PhyUpdated) Name() string               { return "OnPhyUpdate" }
func (DeviceConnectedToChannel) Name() string { return "OnDeviceConnectedToL2CapChannel" }
func (NearestDeviceChanged) Name() string     { return "OnNearestDeviceChanged" }

func (AdapterStateChanged) event()      {}
func (ConnectionStateChanged) event()   {}
func (ServicesDiscovered) event()       {}
func (CharacteristicReceived) event()   {}
func (CharacteristicWritten) event()    {}
func (DescriptorRead) event()           {}
func (DescriptorWritten) event()        {}
func (ServicesReset) event()            {}
func (BondStateChanged) event()         {}
func (ScanAdvertisement) event()        {}
func (ScanFailed) event()               {}
func (MtuChanged) event()               {}
func (ReadRssiResult) event()           {}
func (PhyUpdated) event()               {}
func (DeviceConnectedToChannel) event() {}
func (NearestDeviceChanged) event()     {}

func (e AdapterStateChanged) Fields() map[string]any {
	return map[string]any{"adapter_state": int(e.State)}
}

func (e ConnectionStateChanged) Fields() map[string]any {
	state := 0
	if e.State == LinkConnected {
		state = 1
	}
	return map[string]any{
		"remote_id":                e.RemoteID,
		"connection_state":         state,
		"disconnect_reason_code":   e.ReasonCode,
		"disconnect_reason_string": e.ReasonText,
	}
}

func (e ServicesDiscovered) Fields() map[string]any {
	return e.put(map[string]any{
		"remote_id": e.RemoteID,
		"services":  gatt.Describe(e.RemoteID, e.Services),
	})
}

func valueFields(p gatt.Path, value string, s gattStatus) map[string]any {
	m := p.Fields()
	m["value"] = value
	return s.put(m)
}

func (e CharacteristicReceived) Fields() map[string]any { return valueFields(e.Path, e.Value, e.gattStatus) }
func (e CharacteristicWritten) Fields() map[string]any  { return valueFields(e.Path, e.Value, e.gattStatus) }
func (e DescriptorRead) Fields() map[string]any         { return valueFields(e.Path, e.Value, e.gattStatus) }
func (e DescriptorWritten) Fields() map[string]any      { return valueFields(e.Path, e.Value, e.gattStatus) }

func (e ServicesReset) Fields() map[string]any {
	return map[string]any{"remote_id": e.RemoteID}
}

func (e BondStateChanged) Fields() map[string]any {
	return map[string]any{
		"remote_id":  e.RemoteID,
		"bond_state": int(e.State),
		"prev_state": int(e.Previous),
	}
}

func (e ScanAdvertisement) Fields() map[string]any {
	return map[string]any{"advertisements": []any{e.Advertisement.Fields()}}
}

func (e ScanFailed) Fields() map[string]any {
	return map[string]any{
		"advertisements": []any{},
		"success":        0,
		"error_code":     e.Code,
		"error_string":   e.Text,
	}
}

func (e MtuChanged) Fields() map[string]any {
	return e.put(map[string]any{"remote_id": e.RemoteID, "mtu": e.MTU})
}

func (e ReadRssiResult) Fields() map[string]any {
	return e.put(map[string]any{"remote_id": e.RemoteID, "rssi": e.RSSI})
}

func (e PhyUpdated) Fields() map[string]any {
	return e.put(map[string]any{"remote_id": e.RemoteID, "tx_phy": e.TxPhy, "rx_phy": e.RxPhy})
}

func (e DeviceConnectedToChannel) Fields() map[string]any {
	return map[string]any{"remote_id": e.RemoteID, "psm": e.PSM}
}

func (e NearestDeviceChanged) Fields() map[string]any {
	return map[string]any{"remote_id": e.RemoteID, "avg_rx_power": e.AvgRxPower}
}
