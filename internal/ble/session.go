package ble

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// Options configures the session manager.
type Options struct {
	BondingGateMaxWait time.Duration // longest an operation waits for bonding to finish (default 5s)
	BondLostDelay      time.Duration // delay before a bond-lost peripheral is disconnected (default 1s)
	EventBuffer        int           // capacity of the event channel (default 256)
	ProximityDebounce  time.Duration // how long a new nearest device must hold (default 1s)

	// LogLevel, when set, is adjusted by SetLogLevel. It should be the level
	// of the installed slog handler.
	LogLevel *slog.LevelVar
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BondingGateMaxWait: 5 * time.Second,
		BondLostDelay:      time.Second,
		EventBuffer:        256,
		ProximityDebounce:  DefaultProximityDebounce,
	}
}

// connection is the record kept per peripheral while it is relevant.
type connection struct {
	state       ConnectionState
	autoConnect bool
	mtu         int
	handle      Handle
	services    []*gatt.Service
}

// link is a snapshot of a connected record, used outside the lock.
type link struct {
	handle   Handle
	mtu      int
	services []*gatt.Service
}

// NotifyResult reports how SetNotificationState completed.
type NotifyResult struct {
	// CCCDWritten is false when the characteristic has no configuration
	// descriptor and only local delivery was changed.
	CCCDWritten bool
	Warning     string
}

// Manager is the connection session manager. Operations only initiate work
// and return validation errors synchronously; outcomes arrive as Events.
// Manager implements Callbacks for its Radio. Safe for concurrent use.
type Manager struct {
	radio Radio
	opts  Options
	caps  Capabilities

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	conns        map[string]*connection
	adapterState AdapterState

	writes    *writeTable
	bonds     *bondSupervisor
	scan      *scanSession
	proximity *ProximityResolver
}

var _ Callbacks = (*Manager)(nil)

// New creates a session manager for radio. Call Start to enable the radio.
func New(radio Radio, opts Options) *Manager {
	def := DefaultOptions()
	if opts.BondingGateMaxWait <= 0 {
		opts.BondingGateMaxWait = def.BondingGateMaxWait
	}
	if opts.BondLostDelay <= 0 {
		opts.BondLostDelay = def.BondLostDelay
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.ProximityDebounce <= 0 {
		opts.ProximityDebounce = def.ProximityDebounce
	}

	m := &Manager{
		radio:  radio,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		closed: make(chan struct{}),
		conns:  make(map[string]*connection),
		writes: newWriteTable(),
		scan:   newScanSession(),
	}
	m.bonds = newBondSupervisor(opts.BondLostDelay, m.disconnectForBondLoss)
	m.proximity = NewProximityResolver(opts.ProximityDebounce, func(ev NearestDeviceChanged) {
		slog.Info("[SCAN] nearest device changed", "id", ev.RemoteID, "avg_rx_power", ev.AvgRxPower)
		m.emit(ev)
	})
	return m
}

// Start registers the manager with the radio and powers the adapter on.
// Capabilities are resolved once here.
func (m *Manager) Start() error {
	if err := m.radio.Enable(m); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	m.caps = m.radio.Capabilities()

	m.mu.Lock()
	m.adapterState = m.radio.AdapterState()
	state := m.adapterState
	m.mu.Unlock()

	slog.Info("[BLE] adapter enabled", "state", state, "clear_cache", m.caps.ClearGattCache,
		"phy_2m", m.caps.Phy2M, "phy_coded", m.caps.PhyCoded, "bonding", m.caps.Bonding)
	return nil
}

// Events returns the outward event stream. It is never closed; stop reading
// after Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

// Do runs one command and converts a panic into a PlatformException error
// carrying the stack trace.
func (m *Manager) Do(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] command panicked", "command", name, "panic", r)
			err = &Error{
				Kind:   KindPlatformException,
				Op:     name,
				Detail: fmt.Sprintf("%v\n%s", r, debug.Stack()),
			}
		}
	}()
	return fn()
}

// SetLogLevel changes the level of the handler sharing Options.LogLevel.
func (m *Manager) SetLogLevel(level slog.Level) {
	if m.opts.LogLevel == nil {
		slog.Warn("[BLE] no level var configured, ignoring log level change", "level", level)
		return
	}
	m.opts.LogLevel.Set(level)
}

// Capabilities returns what the radio reported at Start.
func (m *Manager) Capabilities() Capabilities {
	return m.caps
}

// PhySupport reports whether the 2M and coded PHYs are available.
func (m *Manager) PhySupport() (le2M, leCoded bool) {
	return m.caps.Phy2M, m.caps.PhyCoded
}

// AdapterState returns the last adapter state seen.
func (m *Manager) AdapterState() AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapterState
}

// ConnectionState returns the record state for id; Idle when there is none.
func (m *Manager) ConnectionState(id string) ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.conns[id]; rec != nil {
		return rec.state
	}
	return Idle
}

// ConnectedDevices returns the identities with a Connected record, sorted.
func (m *Manager) ConnectedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range sortedIDs(m.conns) {
		if m.conns[id].state == Connected {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConnectedCount returns the number of Connected records.
func (m *Manager) ConnectedCount() int {
	return len(m.ConnectedDevices())
}

// BondedDevices lists peripherals the platform holds bonds for.
func (m *Manager) BondedDevices() ([]string, error) {
	ids, err := m.radio.BondedDevices()
	if err != nil {
		return nil, rejected("getBondedDevices", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// SystemDevices lists peripherals connected to the system by any application.
func (m *Manager) SystemDevices() ([]string, error) {
	ids, err := m.radio.SystemDevices()
	if err != nil {
		return nil, rejected("getSystemDevices", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Services returns the attribute tree from the last successful discovery.
func (m *Manager) Services(id string) []*gatt.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.conns[id]; rec != nil {
		return rec.services
	}
	return nil
}

// Mtu returns the negotiated MTU for id, or the protocol minimum.
func (m *Manager) Mtu(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.conns[id]; rec != nil && rec.mtu > 0 {
		return rec.mtu
	}
	return protocol.DefaultMTU
}

// MaxPayload returns the largest value a single write to id may carry.
func (m *Manager) MaxPayload(id string, mode protocol.WriteMode, allowLongWrite bool) int {
	return protocol.MaxPayload(m.Mtu(id), mode, allowLongWrite)
}

// Connect starts a connection attempt. It returns once the radio accepted
// the request; ConnectionStateChanged reports the result. Connecting to a
// peripheral that is already connected is a no-op; one that is still
// connecting fails with AlreadyInProgress.
func (m *Manager) Connect(id string, autoConnect bool) error {
	const op = "connect"
	if id == "" {
		return invalidArgument(op, fmt.Errorf("empty remote id"))
	}

	m.mu.Lock()
	if m.adapterState != AdapterOn {
		m.mu.Unlock()
		return adapterUnavailable(op)
	}
	var stale Handle
	if rec := m.conns[id]; rec != nil {
		switch rec.state {
		case Connecting:
			m.mu.Unlock()
			slog.Debug("[BLE] already connecting", "id", id)
			return alreadyInProgress(op, id)
		case Connected, Disconnecting:
			m.mu.Unlock()
			slog.Debug("[BLE] already connected", "id", id)
			return nil
		default:
			// Idle record holding an auto-connect handle from a previous link.
			stale = rec.handle
		}
	}
	rec := &connection{state: Connecting, autoConnect: autoConnect, mtu: protocol.DefaultMTU}
	m.conns[id] = rec
	m.mu.Unlock()

	if stale != nil {
		releaseHandle(id, stale, true)
	}

	m.waitIfBonding()

	h, err := m.radio.Connect(id, autoConnect)
	if err != nil {
		m.mu.Lock()
		if m.conns[id] == rec {
			delete(m.conns, id)
		}
		m.mu.Unlock()
		return rejected(op, err)
	}

	m.mu.Lock()
	if m.conns[id] != rec {
		// Canceled or torn down while the radio call was in flight.
		m.mu.Unlock()
		slog.Debug("[BLE] connect canceled before handle was stored", "id", id)
		releaseHandle(id, h, true)
		return nil
	}
	rec.handle = h
	m.mu.Unlock()

	slog.Info("[BLE] connecting", "id", id, "auto_connect", autoConnect)
	return nil
}

// Disconnect tears down the connection to id and turns off auto-connect. A
// pending attempt is canceled at once with a synthetic
// ConnectionStateChanged; an open link reports through the radio callback.
func (m *Manager) Disconnect(id string) error {
	const op = "disconnect"

	m.mu.Lock()
	rec := m.conns[id]
	if rec == nil {
		m.mu.Unlock()
		slog.Debug("[BLE] already disconnected", "id", id)
		return nil
	}
	rec.autoConnect = false
	h := rec.handle

	switch {
	case rec.state == Connecting || (rec.state == Connected && h == nil):
		delete(m.conns, id)
		m.mu.Unlock()

		slog.Debug("[BLE] cancelling connection in progress", "id", id)
		if h != nil {
			releaseHandle(id, h, true)
		}
		m.bonds.forget(id)
		m.emit(ConnectionStateChanged{
			RemoteID:   id,
			State:      LinkDisconnected,
			ReasonCode: protocol.ReasonConnectionCanceled,
			ReasonText: protocol.HCIStatusString(protocol.ReasonConnectionCanceled),
		})
		return nil

	case rec.state == Connected:
		rec.state = Disconnecting
		m.mu.Unlock()
		if err := h.Disconnect(); err != nil {
			m.mu.Lock()
			if m.conns[id] == rec && rec.state == Disconnecting {
				rec.state = Connected
			}
			m.mu.Unlock()
			return rejected(op, err)
		}
		return nil

	case rec.state == Disconnecting:
		m.mu.Unlock()
		return nil

	default:
		delete(m.conns, id)
		m.mu.Unlock()
		slog.Debug("[BLE] already disconnected, disabling auto-connect", "id", id)
		if h != nil {
			releaseHandle(id, h, true)
		}
		return nil
	}
}

// releaseHandle disconnects (optionally) and closes h, logging failures.
func releaseHandle(id string, h Handle, disconnect bool) {
	if disconnect {
		if err := h.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "id", id, "error", err)
		}
	}
	if err := h.Close(); err != nil {
		slog.Warn("[BLE] close failed", "id", id, "error", err)
	}
}

// connectedLink returns a snapshot of id's record if it is Connected.
func (m *Manager) connectedLink(op, id string) (link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.conns[id]
	if rec == nil || rec.state != Connected || rec.handle == nil {
		return link{}, notConnected(op, id)
	}
	return link{handle: rec.handle, mtu: rec.mtu, services: rec.services}, nil
}

// ready checks the connection, waits out any bonding on the adapter, and
// returns a fresh snapshot.
func (m *Manager) ready(op, id string) (link, error) {
	if _, err := m.connectedLink(op, id); err != nil {
		return link{}, err
	}
	m.waitIfBonding()
	return m.connectedLink(op, id)
}

// waitIfBonding holds the caller while any peripheral is bonding. No lock is
// held while waiting.
func (m *Manager) waitIfBonding() {
	if !m.bonds.anyBonding() {
		return
	}
	slog.Debug("[BOND] waiting for bonding to finish")
	if !m.bonds.waitWhileBonding(m.opts.BondingGateMaxWait) {
		slog.Warn("[BOND] bonding still in progress, proceeding", "max_wait", m.opts.BondingGateMaxWait)
	}
}

// DiscoverServices requests attribute discovery; ServicesDiscovered carries
// the new tree.
func (m *Manager) DiscoverServices(id string) error {
	const op = "discoverServices"
	l, err := m.ready(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.DiscoverServices(); err != nil {
		return rejected(op, err)
	}
	return nil
}

// ReadCharacteristic requests a read; the value arrives as
// CharacteristicReceived.
func (m *Manager) ReadCharacteristic(p gatt.Path) error {
	const op = "readCharacteristic"
	l, err := m.ready(op, p.RemoteID)
	if err != nil {
		return err
	}
	c, err := gatt.LocateCharacteristic(l.services, p)
	if err != nil {
		return attributeNotFound(op, err)
	}
	if !c.Properties.Has(gatt.PropRead) {
		return propertyNotSupported(op, "read")
	}
	if err := l.handle.ReadCharacteristic(c); err != nil {
		return rejected(op, err)
	}
	return nil
}

// WriteCharacteristic writes a hex-encoded value. The value is remembered
// until the radio confirms the write, and reported back in
// CharacteristicWritten.
func (m *Manager) WriteCharacteristic(p gatt.Path, value string, mode protocol.WriteMode, allowLongWrite bool) error {
	const op = "writeCharacteristic"
	data, err := protocol.DecodeHex(value)
	if err != nil {
		return invalidArgument(op, err)
	}
	l, err := m.ready(op, p.RemoteID)
	if err != nil {
		return err
	}
	c, err := gatt.LocateCharacteristic(l.services, p)
	if err != nil {
		return attributeNotFound(op, err)
	}

	withoutResponse := mode == protocol.WithoutResponse
	if withoutResponse {
		if !c.Properties.Has(gatt.PropWriteWithoutResponse) {
			return propertyNotSupported(op, "writeWithoutResponse")
		}
	} else if !c.Properties.Has(gatt.PropWrite) {
		return propertyNotSupported(op, "write")
	}

	if max := protocol.MaxPayload(l.mtu, mode, allowLongWrite); len(data) > max {
		return payloadTooLarge(op, len(data), max)
	}

	key := gatt.PathOf(p.RemoteID, l.services, c).CharacteristicKey()
	m.writes.put(key, protocol.EncodeHex(data))
	if err := l.handle.WriteCharacteristic(c, data, withoutResponse); err != nil {
		m.writes.take(key)
		return rejected(op, err)
	}
	return nil
}

// ReadDescriptor requests a descriptor read; the value arrives as
// DescriptorRead.
func (m *Manager) ReadDescriptor(p gatt.Path) error {
	const op = "readDescriptor"
	if p.Descriptor == "" {
		return invalidArgument(op, fmt.Errorf("missing descriptor uuid"))
	}
	l, err := m.ready(op, p.RemoteID)
	if err != nil {
		return err
	}
	d, err := gatt.LocateDescriptor(l.services, p)
	if err != nil {
		return attributeNotFound(op, err)
	}
	if err := l.handle.ReadDescriptor(d); err != nil {
		return rejected(op, err)
	}
	return nil
}

// WriteDescriptor writes a hex-encoded value; DescriptorWritten reports it.
func (m *Manager) WriteDescriptor(p gatt.Path, value string) error {
	const op = "writeDescriptor"
	if p.Descriptor == "" {
		return invalidArgument(op, fmt.Errorf("missing descriptor uuid"))
	}
	data, err := protocol.DecodeHex(value)
	if err != nil {
		return invalidArgument(op, err)
	}
	l, err := m.ready(op, p.RemoteID)
	if err != nil {
		return err
	}
	d, err := gatt.LocateDescriptor(l.services, p)
	if err != nil {
		return attributeNotFound(op, err)
	}
	return m.writeDescriptor(op, p.RemoteID, l, d, data)
}

func (m *Manager) writeDescriptor(op, id string, l link, d *gatt.Descriptor, data []byte) error {
	if max := protocol.MaxPayload(l.mtu, protocol.WithResponse, false); len(data) > max {
		return payloadTooLarge(op, len(data), max)
	}
	key := gatt.DescriptorPathOf(id, l.services, d).DescriptorKey()
	m.writes.put(key, protocol.EncodeHex(data))
	if err := l.handle.WriteDescriptor(d, data); err != nil {
		m.writes.take(key)
		return rejected(op, err)
	}
	return nil
}

var (
	cccdNotify   = []byte{0x01, 0x00}
	cccdIndicate = []byte{0x02, 0x00}
	cccdDisable  = []byte{0x00, 0x00}
)

// SetNotificationState turns value-change delivery for a characteristic on
// or off. Notifications are preferred over indications unless
// forceIndication is set. A characteristic without a configuration
// descriptor succeeds with a warning and no descriptor write.
func (m *Manager) SetNotificationState(p gatt.Path, enable, forceIndication bool) (NotifyResult, error) {
	const op = "setNotifyValue"
	l, err := m.ready(op, p.RemoteID)
	if err != nil {
		return NotifyResult{}, err
	}
	c, err := gatt.LocateCharacteristic(l.services, p)
	if err != nil {
		return NotifyResult{}, attributeNotFound(op, err)
	}

	if err := l.handle.SetNotify(c, enable); err != nil {
		return NotifyResult{}, rejected(op, err)
	}

	cccd := c.CCCD()
	if cccd == nil {
		warning := fmt.Sprintf("CCCD descriptor for characteristic not found: %s", uuid.Short(c.UUID))
		slog.Warn("[BLE] "+warning, "id", p.RemoteID)
		return NotifyResult{Warning: warning}, nil
	}

	canNotify := c.Properties.Has(gatt.PropNotify)
	canIndicate := c.Properties.Has(gatt.PropIndicate)

	var value []byte
	switch {
	case !enable:
		value = cccdDisable
	case forceIndication:
		if !canIndicate {
			return NotifyResult{}, indicationNotSupported(op)
		}
		value = cccdIndicate
	case canNotify:
		value = cccdNotify
	case canIndicate:
		value = cccdIndicate
	default:
		return NotifyResult{}, propertyNotSupported(op, "notify or indicate")
	}

	if err := m.writeDescriptor(op, p.RemoteID, l, cccd, value); err != nil {
		return NotifyResult{}, err
	}
	return NotifyResult{CCCDWritten: true}, nil
}

// RequestMtu asks the peripheral for a larger MTU; MtuChanged reports the
// negotiated value.
func (m *Manager) RequestMtu(id string, mtu int) error {
	const op = "requestMtu"
	if mtu < protocol.DefaultMTU {
		return invalidArgument(op, fmt.Errorf("mtu %d below minimum %d", mtu, protocol.DefaultMTU))
	}
	l, err := m.ready(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.RequestMtu(mtu); err != nil {
		return rejected(op, err)
	}
	return nil
}

// ReadRssi requests the link RSSI; ReadRssiResult reports it.
func (m *Manager) ReadRssi(id string) error {
	const op = "readRssi"
	l, err := m.ready(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.ReadRssi(); err != nil {
		return rejected(op, err)
	}
	return nil
}

// SetConnectionPriority changes the connection interval trade-off.
func (m *Manager) SetConnectionPriority(id string, p ConnectionPriority) error {
	const op = "requestConnectionPriority"
	if p < PriorityBalanced || p > PriorityLowPower {
		return invalidArgument(op, fmt.Errorf("unknown connection priority %d", p))
	}
	l, err := m.ready(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.RequestConnectionPriority(p); err != nil {
		return rejected(op, err)
	}
	return nil
}

// SetPreferredPhy requests PHYs for the link; PhyUpdated reports the result.
func (m *Manager) SetPreferredPhy(id string, txPhy, rxPhy, option int) error {
	const op = "setPreferredPhy"
	if !m.caps.Phy2M && !m.caps.PhyCoded {
		return unsupported(op, m.caps.MinimumVersion)
	}
	const allPhys = Phy1M | Phy2M | PhyCoded
	if txPhy&^allPhys != 0 || rxPhy&^allPhys != 0 || option < PhyOptionNone || option > PhyOptionS8 {
		return invalidArgument(op, fmt.Errorf("bad phy mask tx=%d rx=%d option=%d", txPhy, rxPhy, option))
	}
	l, err := m.ready(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.SetPreferredPhy(txPhy, rxPhy, option); err != nil {
		return rejected(op, err)
	}
	return nil
}

// ClearGattCache drops the platform's cached attribute table for id.
func (m *Manager) ClearGattCache(id string) error {
	const op = "clearGattCache"
	if !m.caps.ClearGattCache {
		return unsupported(op, m.caps.MinimumVersion)
	}
	l, err := m.connectedLink(op, id)
	if err != nil {
		return err
	}
	if err := l.handle.ClearCache(); err != nil {
		return rejected(op, err)
	}
	return nil
}

// StartScan begins a scan session. The deduplication and throttling tables
// are cleared on every start.
func (m *Manager) StartScan(settings ScanSettings) error {
	const op = "startScan"
	if m.AdapterState() != AdapterOn {
		return adapterUnavailable(op)
	}
	m.scan.start(settings)
	if settings.Proximity {
		m.proximity.Reset()
	}
	if err := m.radio.StartScan(ScanOptions{ServiceUUIDs: settings.ServiceUUIDs}); err != nil {
		m.scan.stop()
		return rejected(op, err)
	}
	slog.Info("[SCAN] started", "keywords", settings.Keywords, "continuous", settings.ContinuousUpdates)
	return nil
}

// StopScan ends the scan session.
func (m *Manager) StopScan() error {
	m.scan.stop()
	if err := m.radio.StopScan(); err != nil {
		return rejected("stopScan", err)
	}
	slog.Info("[SCAN] stopped")
	return nil
}

// IsScanning reports whether a scan session is active.
func (m *Manager) IsScanning() bool {
	_, active := m.scan.current()
	return active
}

// NearestDevice returns the strongest advertiser seen while proximity
// tracking was on.
func (m *Manager) NearestDevice() (string, bool) {
	return m.proximity.Nearest()
}

// BondState returns the platform bond state for id.
func (m *Manager) BondState(id string) BondState {
	return m.radio.BondState(id)
}

// CreateBond starts pairing with id. It reports false when the peripheral is
// already bonded; BondStateChanged reports progress.
func (m *Manager) CreateBond(id string) (bool, error) {
	const op = "createBond"
	if !m.caps.Bonding {
		return false, unsupported(op, m.caps.MinimumVersion)
	}
	switch m.radio.BondState(id) {
	case BondBonded:
		slog.Debug("[BOND] already bonded", "id", id)
		return false, nil
	case BondBonding:
		slog.Debug("[BOND] bonding already in progress", "id", id)
		return true, nil
	}
	if err := m.radio.CreateBond(id); err != nil {
		return false, rejected(op, err)
	}
	return true, nil
}

// RemoveBond forgets the pairing with id. It reports false when there was
// no bond.
func (m *Manager) RemoveBond(id string) (bool, error) {
	const op = "removeBond"
	if !m.caps.Bonding {
		return false, unsupported(op, m.caps.MinimumVersion)
	}
	if m.radio.BondState(id) == BondNone {
		slog.Debug("[BOND] already not bonded", "id", id)
		return false, nil
	}
	if err := m.radio.RemoveBond(id); err != nil {
		return false, rejected(op, err)
	}
	return true, nil
}

// NotifyChannelConnected reports an accepted L2CAP connection.
func (m *Manager) NotifyChannelConnected(id string, psm int) {
	m.emit(DeviceConnectedToChannel{RemoteID: id, PSM: psm})
}

// Close stops scanning, releases every connection handle and clears all
// per-peripheral state. Events are no longer delivered afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.IsScanning() {
			if err := m.StopScan(); err != nil {
				slog.Warn("[SCAN] stop on close failed", "error", err)
			}
		}
		m.proximity.Reset()

		m.mu.Lock()
		conns := m.conns
		m.conns = make(map[string]*connection)
		m.mu.Unlock()

		for _, id := range sortedIDs(conns) {
			if h := conns[id].handle; h != nil {
				releaseHandle(id, h, true)
			}
		}
		m.writes.reset()
		m.bonds.reset()
		close(m.closed)
	})
	return nil
}

// disconnectAll handles the adapter going away: every handle is closed,
// connected peripherals get a synthetic disconnect, and all tables are
// cleared.
func (m *Manager) disconnectAll(reason int) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	m.scan.stop()
	m.writes.reset()
	m.bonds.reset()

	for _, id := range sortedIDs(conns) {
		rec := conns[id]
		if rec.handle != nil {
			releaseHandle(id, rec.handle, false)
		}
		if rec.state == Connected || rec.state == Disconnecting {
			m.emit(ConnectionStateChanged{
				RemoteID:   id,
				State:      LinkDisconnected,
				ReasonCode: reason,
				ReasonText: protocol.HCIStatusString(reason),
			})
		}
	}
	if len(conns) > 0 {
		slog.Info("[BLE] disconnected all devices", "count", len(conns), "reason", protocol.HCIStatusString(reason))
	}
}

// disconnectForBondLoss runs after a peripheral lost its bond and the
// adapter had time to settle.
func (m *Manager) disconnectForBondLoss(id string) {
	m.mu.Lock()
	rec := m.conns[id]
	if rec == nil || rec.handle == nil {
		m.mu.Unlock()
		slog.Debug("[BOND] bond lost for device without connection", "id", id)
		return
	}
	h := rec.handle
	if rec.state == Connected {
		rec.state = Disconnecting
	}
	m.mu.Unlock()

	slog.Warn("[BOND] bond lost, forcing disconnect", "id", id)
	if err := h.Disconnect(); err != nil {
		slog.Error("[BOND] forced disconnect failed", "id", id, "error", err)
	}
}

// OnAdapterStateChanged implements Callbacks.
func (m *Manager) OnAdapterStateChanged(state AdapterState) {
	m.mu.Lock()
	m.adapterState = state
	m.mu.Unlock()

	slog.Info("[BLE] adapter state changed", "state", state)
	m.emit(AdapterStateChanged{State: state})

	if state == AdapterTurningOff || state == AdapterOff {
		m.disconnectAll(protocol.ReasonAdapterOff)
	}
}

// OnConnectionStateChanged implements Callbacks.
func (m *Manager) OnConnectionStateChanged(id string, status int, state LinkState) {
	if state != LinkConnected && state != LinkDisconnected {
		slog.Debug("[BLE] ignoring intermediate link state", "id", id, "state", state)
		return
	}

	var release Handle
	m.mu.Lock()
	rec := m.conns[id]
	if rec != nil {
		if state == LinkConnected {
			rec.state = Connected
			rec.mtu = protocol.DefaultMTU
		} else {
			rec.mtu = protocol.DefaultMTU
			rec.services = nil
			if rec.autoConnect {
				// Keep the handle; the platform reconnects through it.
				rec.state = Idle
			} else {
				delete(m.conns, id)
				release = rec.handle
			}
		}
	}
	m.mu.Unlock()

	if rec == nil {
		if state == LinkConnected {
			// No handle owns this link, so nothing could ever disconnect it.
			slog.Warn("[BLE] dropping link up for unknown device", "id", id)
			return
		}
		slog.Warn("[BLE] link state for unknown device", "id", id, "state", state)
	}
	if state == LinkDisconnected {
		m.bonds.forget(id)
	}
	if release != nil {
		releaseHandle(id, release, false)
	}

	text := protocol.HCIStatusString(status)
	slog.Info("[BLE] connection state changed", "id", id, "state", state, "status", text)
	m.emit(ConnectionStateChanged{RemoteID: id, State: state, ReasonCode: status, ReasonText: text})
}

// OnServicesDiscovered implements Callbacks. A successful discovery
// replaces the tree wholesale.
func (m *Manager) OnServicesDiscovered(id string, services []*gatt.Service, status int) {
	if status == 0 {
		m.mu.Lock()
		if rec := m.conns[id]; rec != nil {
			rec.services = services
		}
		m.mu.Unlock()
		slog.Debug("[BLE] services discovered", "id", id, "count", len(services))
	} else {
		slog.Error("[BLE] service discovery failed", "id", id, "status", protocol.GattErrorString(status))
	}
	m.emit(ServicesDiscovered{RemoteID: id, Services: services, gattStatus: statusOf(status)})
}

// OnCharacteristicRead implements Callbacks.
func (m *Manager) OnCharacteristicRead(id string, c *gatt.Characteristic, value []byte, status int) {
	m.characteristicReceived(id, c, value, status)
}

// OnCharacteristicChanged implements Callbacks.
func (m *Manager) OnCharacteristicChanged(id string, c *gatt.Characteristic, value []byte) {
	m.characteristicReceived(id, c, value, 0)
}

func (m *Manager) characteristicReceived(id string, c *gatt.Characteristic, value []byte, status int) {
	services := m.Services(id)
	if uuid.Equal(c.UUID, uuid.ServiceChangedChr) {
		if primary := gatt.PrimaryOf(services, c); primary != nil &&
			(uuid.Equal(primary.UUID, uuid.GenericAttribute) || uuid.Equal(primary.UUID, uuid.GenericAccess)) {
			slog.Info("[BLE] services changed", "id", id)
			m.emit(ServicesReset{RemoteID: id})
		}
	}
	m.emit(CharacteristicReceived{
		Path:       gatt.PathOf(id, services, c),
		Value:      protocol.EncodeHex(value),
		gattStatus: statusOf(status),
	})
}

// OnCharacteristicWrite implements Callbacks.
func (m *Manager) OnCharacteristicWrite(id string, c *gatt.Characteristic, status int) {
	path := gatt.PathOf(id, m.Services(id), c)
	value := m.writes.take(path.CharacteristicKey())
	if status != 0 {
		slog.Warn("[BLE] characteristic write failed", "id", id, "uuid", uuid.Short(c.UUID),
			"status", protocol.GattErrorString(status))
	}
	m.emit(CharacteristicWritten{Path: path, Value: value, gattStatus: statusOf(status)})
}

// OnDescriptorRead implements Callbacks.
func (m *Manager) OnDescriptorRead(id string, d *gatt.Descriptor, value []byte, status int) {
	m.emit(DescriptorRead{
		Path:       gatt.DescriptorPathOf(id, m.Services(id), d),
		Value:      protocol.EncodeHex(value),
		gattStatus: statusOf(status),
	})
}

// OnDescriptorWrite implements Callbacks.
func (m *Manager) OnDescriptorWrite(id string, d *gatt.Descriptor, status int) {
	path := gatt.DescriptorPathOf(id, m.Services(id), d)
	value := m.writes.take(path.DescriptorKey())
	m.emit(DescriptorWritten{Path: path, Value: value, gattStatus: statusOf(status)})
}

// OnMtuChanged implements Callbacks.
func (m *Manager) OnMtuChanged(id string, mtu int, status int) {
	if status == 0 {
		m.mu.Lock()
		if rec := m.conns[id]; rec != nil {
			rec.mtu = mtu
		}
		m.mu.Unlock()
	}
	m.emit(MtuChanged{RemoteID: id, MTU: mtu, gattStatus: statusOf(status)})
}

// OnReadRssi implements Callbacks.
func (m *Manager) OnReadRssi(id string, rssi int, status int) {
	m.emit(ReadRssiResult{RemoteID: id, RSSI: rssi, gattStatus: statusOf(status)})
}

// OnPhyUpdate implements Callbacks.
func (m *Manager) OnPhyUpdate(id string, txPhy, rxPhy int, status int) {
	m.emit(PhyUpdated{RemoteID: id, TxPhy: txPhy, RxPhy: rxPhy, gattStatus: statusOf(status)})
}

// OnBondStateChanged implements Callbacks.
func (m *Manager) OnBondStateChanged(id string, state, previous BondState) {
	derived := m.bonds.observe(id, state, previous)
	slog.Info("[BOND] bond state changed", "id", id, "state", derived, "previous", previous)
	m.emit(BondStateChanged{RemoteID: id, State: derived, Previous: previous})
}

// OnAdvertisement implements Callbacks.
func (m *Manager) OnAdvertisement(adv Advertisement) {
	settings, active := m.scan.current()
	if !active || !m.scan.accept(adv) {
		return
	}
	if settings.Proximity {
		m.proximity.AddSample(adv)
	}
	m.emit(ScanAdvertisement{Advertisement: adv})
}

// OnScanFailed implements Callbacks.
func (m *Manager) OnScanFailed(code int) {
	text := protocol.ScanFailedString(code)
	slog.Error("[SCAN] scan failed", "code", code, "reason", text)
	m.scan.stop()
	m.emit(ScanFailed{Code: code, Text: text})
}
