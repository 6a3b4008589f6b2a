package ble

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/blecentral/internal/ble/protocol"
	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// TxPowerUnknown marks an advertisement that carried no TX power level.
const TxPowerUnknown = math.MinInt32

// Advertisement is one scan result as reported by the radio. Service
// identifiers may be in any accepted form.
type Advertisement struct {
	RemoteID         string
	PlatformName     string
	Connectable      bool
	AdvName          string
	TxPowerLevel     int
	Appearance       int
	ManufacturerData map[int][]byte
	ServiceData      map[string][]byte
	ServiceUUIDs     []string
	RSSI             int
	// Raw is the complete advertising payload, used for deduplication.
	Raw []byte
}

// Fields is the sparse outward record: fields the advertisement did not
// carry are left out.
func (a Advertisement) Fields() map[string]any {
	m := make(map[string]any)
	if a.RemoteID != "" {
		m["remote_id"] = a.RemoteID
	}
	if a.PlatformName != "" {
		m["platform_name"] = a.PlatformName
	}
	if a.Connectable {
		m["connectable"] = 1
	}
	if a.AdvName != "" {
		m["adv_name"] = a.AdvName
	}
	if a.TxPowerLevel != TxPowerUnknown {
		m["tx_power_level"] = a.TxPowerLevel
	}
	if a.Appearance != 0 {
		m["appearance"] = a.Appearance
	}
	if a.ManufacturerData != nil {
		md := make(map[string]any, len(a.ManufacturerData))
		for id, data := range a.ManufacturerData {
			md[strconv.Itoa(id)] = protocol.EncodeHex(data)
		}
		m["manufacturer_data"] = md
	}
	if a.ServiceData != nil {
		sd := make(map[string]any, len(a.ServiceData))
		for id, data := range a.ServiceData {
			sd[uuid.Short(id)] = protocol.EncodeHex(data)
		}
		m["service_data"] = sd
	}
	if a.ServiceUUIDs != nil {
		ids := make([]any, 0, len(a.ServiceUUIDs))
		for _, id := range a.ServiceUUIDs {
			ids = append(ids, uuid.Short(id))
		}
		m["service_uuids"] = ids
	}
	if a.RSSI != 0 {
		m["rssi"] = a.RSSI
	}
	return m
}

// ScanSettings configure one scan session.
type ScanSettings struct {
	// ServiceUUIDs is handed to the radio as a hardware filter.
	ServiceUUIDs []string
	// Keywords, when non-empty, drop advertisements whose name contains none
	// of them. Matching is case-sensitive.
	Keywords []string
	// ContinuousUpdates delivers repeated advertisements instead of only
	// changed ones, thinned to one in every ContinuousDivisor per device.
	ContinuousUpdates bool
	ContinuousDivisor int
	// Proximity feeds accepted advertisements to the nearest-device resolver.
	Proximity bool
}

// scanSession holds the filter state for the scan in progress. The
// fingerprint and counter tables are cleared when a scan starts, not when it
// stops.
type scanSession struct {
	mu           sync.Mutex
	active       bool
	settings     ScanSettings
	fingerprints map[string][32]byte
	counts       map[string]int
}

func newScanSession() *scanSession {
	return &scanSession{
		fingerprints: make(map[string][32]byte),
		counts:       make(map[string]int),
	}
}

func (s *scanSession) start(settings ScanSettings) {
	if settings.ContinuousDivisor <= 0 {
		settings.ContinuousDivisor = 1
	}
	keywords := make([]string, len(settings.Keywords))
	copy(keywords, settings.Keywords)
	settings.Keywords = keywords

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.settings = settings
	clear(s.fingerprints)
	clear(s.counts)
}

func (s *scanSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

func (s *scanSession) current() (ScanSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.active
}

// accept applies deduplication, the keyword filter and continuous-mode
// thinning, in that order.
func (s *scanSession) accept(adv Advertisement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}

	if !s.settings.ContinuousUpdates {
		fp := blake2b.Sum256(adv.Raw)
		prev, seen := s.fingerprints[adv.RemoteID]
		s.fingerprints[adv.RemoteID] = fp
		if seen && prev == fp {
			return false
		}
	}

	if !matchesKeywords(s.settings.Keywords, adv.AdvName) {
		return false
	}

	if s.settings.ContinuousUpdates {
		count := s.counts[adv.RemoteID]
		s.counts[adv.RemoteID] = count + 1
		if count%s.settings.ContinuousDivisor != 0 {
			return false
		}
	}
	return true
}

func matchesKeywords(keywords []string, name string) bool {
	if len(keywords) == 0 {
		return true
	}
	if name == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// sortedIDs returns the keys of m in order, for stable logs and tests.
func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
