// Package ble provides a BLE central-role session manager. It drives one
// radio adapter: scanning, connection supervision, attribute reads, writes
// and notifications, and bonding. Every radio outcome arrives asynchronously
// and is reported as a typed Event on the manager's event channel.
package ble

import "github.com/chaz8081/blecentral/internal/ble/gatt"

// ConnectionState is the lifecycle state of one peripheral's connection record.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

// LinkState is the link state a radio reports in a connection callback.
// Only LinkConnected and LinkDisconnected are acted on.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// BondState is both the platform pairing state and the derived state reported
// outward. BondFailed and BondLost are only ever derived.
type BondState int

const (
	BondUnknown BondState = iota - 1
	BondNone
	BondBonding
	BondBonded
	BondFailed
	BondLost
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	case BondFailed:
		return "failed"
	case BondLost:
		return "lost"
	default:
		return "unknown"
	}
}

// AdapterState mirrors the platform adapter power states.
type AdapterState int

const (
	AdapterUnknown    AdapterState = 0
	AdapterTurningOn  AdapterState = 3
	AdapterOn         AdapterState = 4
	AdapterTurningOff AdapterState = 5
	AdapterOff        AdapterState = 6
)

func (s AdapterState) String() string {
	switch s {
	case AdapterTurningOn:
		return "turningOn"
	case AdapterOn:
		return "on"
	case AdapterTurningOff:
		return "turningOff"
	case AdapterOff:
		return "off"
	default:
		return "unknown"
	}
}

// ConnectionPriority trades latency for power on an open link.
type ConnectionPriority int

const (
	PriorityBalanced ConnectionPriority = iota
	PriorityHigh
	PriorityLowPower
)

// PHY masks and coding options for SetPreferredPhy.
const (
	Phy1M    = 1
	Phy2M    = 2
	PhyCoded = 4

	PhyOptionNone = 0
	PhyOptionS2   = 1
	PhyOptionS8   = 2
)

// Capabilities are resolved once from the radio at startup.
type Capabilities struct {
	ClearGattCache bool
	Phy2M          bool
	PhyCoded       bool
	Bonding        bool
	// MinimumVersion names the platform release that would add the missing
	// capabilities, for PlatformUnsupported errors.
	MinimumVersion string
}

// ScanOptions are passed through to the radio when a scan starts.
type ScanOptions struct {
	ServiceUUIDs []string
}

// Radio is the platform BLE stack. Calls only initiate work; their outcomes
// are delivered later through the Callbacks given to Enable, on a single
// callback context.
type Radio interface {
	// Enable registers the callback sink and powers on the adapter.
	Enable(cb Callbacks) error
	Capabilities() Capabilities
	AdapterState() AdapterState

	StartScan(opts ScanOptions) error
	StopScan() error

	// Connect starts a connection attempt and returns the handle that owns it.
	Connect(id string, autoConnect bool) (Handle, error)

	BondState(id string) BondState
	CreateBond(id string) error
	RemoveBond(id string) error
	BondedDevices() ([]string, error)
	SystemDevices() ([]string, error)
}

// Handle is the radio's per-connection object. It is owned by exactly one
// connection record and released with Close exactly once.
type Handle interface {
	Disconnect() error
	Close() error

	DiscoverServices() error
	ReadCharacteristic(c *gatt.Characteristic) error
	WriteCharacteristic(c *gatt.Characteristic, value []byte, withoutResponse bool) error
	ReadDescriptor(d *gatt.Descriptor) error
	WriteDescriptor(d *gatt.Descriptor, value []byte) error
	// SetNotify enables or disables local delivery of value changes.
	SetNotify(c *gatt.Characteristic, enable bool) error

	RequestMtu(mtu int) error
	ReadRssi() error
	RequestConnectionPriority(p ConnectionPriority) error
	SetPreferredPhy(txPhy, rxPhy, option int) error
	ClearCache() error
}

// Callbacks is the radio's view of the session manager. Status codes are
// GATT statuses except in OnConnectionStateChanged, where they are HCI
// statuses.
type Callbacks interface {
	OnAdapterStateChanged(state AdapterState)
	OnConnectionStateChanged(id string, status int, state LinkState)
	OnServicesDiscovered(id string, services []*gatt.Service, status int)
	OnCharacteristicRead(id string, c *gatt.Characteristic, value []byte, status int)
	OnCharacteristicChanged(id string, c *gatt.Characteristic, value []byte)
	OnCharacteristicWrite(id string, c *gatt.Characteristic, status int)
	OnDescriptorRead(id string, d *gatt.Descriptor, value []byte, status int)
	OnDescriptorWrite(id string, d *gatt.Descriptor, status int)
	OnMtuChanged(id string, mtu int, status int)
	OnReadRssi(id string, rssi int, status int)
	OnPhyUpdate(id string, txPhy, rxPhy int, status int)
	OnBondStateChanged(id string, state, previous BondState)
	OnAdvertisement(adv Advertisement)
	OnScanFailed(code int)
}
