package ble

import (
	"testing"
)

func adv(id, name string, raw ...byte) Advertisement {
	return Advertisement{RemoteID: id, AdvName: name, TxPowerLevel: TxPowerUnknown, Raw: raw}
}

func TestScanDropsRepeatedPayload(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{})

	if !s.accept(adv(testID, "", 1, 2, 3)) {
		t.Fatal("first advertisement dropped")
	}
	if s.accept(adv(testID, "", 1, 2, 3)) {
		t.Error("identical advertisement delivered twice")
	}
	if !s.accept(adv(testID, "", 1, 2, 4)) {
		t.Error("changed advertisement dropped")
	}
	if !s.accept(adv(otherID, "", 1, 2, 4)) {
		t.Error("same payload from another device dropped")
	}
}

func TestScanFingerprintStoredEvenWhenFiltered(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{Keywords: []string{"Sensor"}})

	if s.accept(adv(testID, "Thermostat", 9)) {
		t.Fatal("keyword filter let Thermostat through")
	}
	// The name changed but the first payload was still remembered.
	if s.accept(adv(testID, "TempSensor-01", 9)) {
		t.Error("duplicate payload delivered after a filtered first sighting")
	}
}

func TestScanKeywords(t *testing.T) {
	tests := []struct {
		name     string
		keywords []string
		advName  string
		want     bool
	}{
		{"substring match", []string{"Sensor"}, "TempSensor-01", true},
		{"no match", []string{"Sensor"}, "Thermostat", false},
		{"absent name", []string{"Sensor"}, "", false},
		{"case sensitive", []string{"sensor"}, "TempSensor-01", false},
		{"any keyword", []string{"Therm", "Sensor"}, "Thermostat", true},
		{"no keywords", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScanSession()
			s.start(ScanSettings{Keywords: tt.keywords})
			if got := s.accept(adv(testID, tt.advName, 1)); got != tt.want {
				t.Errorf("accept(%q) = %v, want %v", tt.advName, got, tt.want)
			}
		})
	}
}

func TestScanContinuousDivisor(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{ContinuousUpdates: true, ContinuousDivisor: 3})

	var got []bool
	for range 7 {
		got = append(got, s.accept(adv(testID, "", 1)))
	}
	want := []bool{true, false, false, true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("advertisement %d accepted = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScanContinuousDivisorDefaultsToOne(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{ContinuousUpdates: true})
	for i := range 3 {
		if !s.accept(adv(testID, "", 1)) {
			t.Errorf("advertisement %d dropped with divisor 0", i)
		}
	}
}

func TestScanRestartClearsTables(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{})
	s.accept(adv(testID, "", 5))

	s.stop()
	if s.accept(adv(testID, "", 6)) {
		t.Error("advertisement accepted while stopped")
	}

	s.start(ScanSettings{})
	if !s.accept(adv(testID, "", 5)) {
		t.Error("advertisement dropped after restart, fingerprints not cleared")
	}
}

func TestScanStopKeepsTables(t *testing.T) {
	s := newScanSession()
	s.start(ScanSettings{})
	s.accept(adv(testID, "", 5))
	s.stop()

	s.mu.Lock()
	n := len(s.fingerprints)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("fingerprints after stop = %d, want 1", n)
	}
}

func TestAdvertisementFieldsSparse(t *testing.T) {
	a := Advertisement{RemoteID: testID, TxPowerLevel: TxPowerUnknown}
	f := a.Fields()
	if len(f) != 1 {
		t.Errorf("Fields() = %v, want only remote_id", f)
	}

	a = Advertisement{
		RemoteID:         testID,
		PlatformName:     "hrm",
		Connectable:      true,
		AdvName:          "HRM Pro",
		TxPowerLevel:     0,
		Appearance:       0x0341,
		ManufacturerData: map[int][]byte{0x004c: {0x02, 0x15}},
		ServiceData:      map[string][]byte{"0000180d-0000-1000-8000-00805f9b34fb": {0xAB}},
		ServiceUUIDs:     []string{"0000180D-0000-1000-8000-00805F9B34FB"},
		RSSI:             -70,
	}
	f = a.Fields()
	if f["tx_power_level"] != 0 {
		t.Errorf("tx_power_level = %v, want 0", f["tx_power_level"])
	}
	if f["connectable"] != 1 {
		t.Errorf("connectable = %v, want 1", f["connectable"])
	}
	md := f["manufacturer_data"].(map[string]any)
	if md["76"] != "0215" {
		t.Errorf("manufacturer_data = %v, want 76:0215", md)
	}
	sd := f["service_data"].(map[string]any)
	if sd["180d"] != "ab" {
		t.Errorf("service_data = %v, want 180d:ab", sd)
	}
	ids := f["service_uuids"].([]any)
	if len(ids) != 1 || ids[0] != "180d" {
		t.Errorf("service_uuids = %v, want [180d]", ids)
	}
	if f["rssi"] != -70 {
		t.Errorf("rssi = %v, want -70", f["rssi"])
	}
}
