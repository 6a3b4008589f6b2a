package gatt

import (
	"errors"
	"testing"
)

// heartRateTree builds a primary 180D service that includes a secondary
// service carrying a battery-level style characteristic.
func heartRateTree() []*Service {
	hr := NewService("180D", true)
	m := hr.AddCharacteristic("2A37", PropNotify)
	m.AddDescriptor("2902")
	hr.AddCharacteristic("2A39", PropWrite)

	sec := NewService("1234", false)
	sec.AddCharacteristic("2A19", PropRead|PropNotify)
	hr.Include(sec)

	return []*Service{hr, sec}
}

func TestLocateCharacteristic(t *testing.T) {
	tree := heartRateTree()

	c, err := LocateCharacteristic(tree, Path{Service: "180d", Characteristic: "2a37"})
	if err != nil {
		t.Fatalf("LocateCharacteristic() error = %v", err)
	}
	if c.UUID != "00002a37-0000-1000-8000-00805f9b34fb" {
		t.Errorf("UUID = %q", c.UUID)
	}

	c, err = LocateCharacteristic(tree, Path{Service: "180D", SecondaryService: "1234", Characteristic: "2A19"})
	if err != nil {
		t.Fatalf("LocateCharacteristic(secondary) error = %v", err)
	}
	if !c.Properties.Has(PropRead) {
		t.Errorf("Properties = %v, want read", c.Properties)
	}
}

func TestLocateCharacteristicErrors(t *testing.T) {
	tree := heartRateTree()
	tests := []struct {
		name string
		path Path
		want AttrKind
	}{
		{"missing service", Path{Service: "1809", Characteristic: "2a37"}, KindService},
		{"missing secondary", Path{Service: "180d", SecondaryService: "9999", Characteristic: "2a19"}, KindSecondaryService},
		{"missing characteristic", Path{Service: "180d", Characteristic: "2a38"}, KindCharacteristic},
		{"characteristic lives in secondary", Path{Service: "180d", Characteristic: "2a19"}, KindCharacteristic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LocateCharacteristic(tree, tt.path)
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				t.Fatalf("error = %v, want *NotFoundError", err)
			}
			if nf.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", nf.Kind, tt.want)
			}
		})
	}
}

func TestLocateDescriptor(t *testing.T) {
	tree := heartRateTree()
	d, err := LocateDescriptor(tree, Path{Service: "180d", Characteristic: "2a37", Descriptor: "2902"})
	if err != nil {
		t.Fatalf("LocateDescriptor() error = %v", err)
	}
	if d.Characteristic.CCCD() != d {
		t.Error("CCCD() did not return the located descriptor")
	}

	_, err = LocateDescriptor(tree, Path{Service: "180d", Characteristic: "2a39", Descriptor: "2902"})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != KindDescriptor {
		t.Errorf("error = %v, want descriptor not found", err)
	}
}

func TestSecondaryServiceSelfIncludeIsSkipped(t *testing.T) {
	s := NewService("180f", true)
	s.AddCharacteristic("2a19", PropRead)
	s.Include(s)

	_, err := LocateCharacteristic([]*Service{s}, Path{Service: "180f", SecondaryService: "180f", Characteristic: "2a19"})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != KindSecondaryService {
		t.Errorf("error = %v, want secondaryService not found", err)
	}
}

func TestPathOfReverseLookup(t *testing.T) {
	tree := heartRateTree()
	sec := tree[1]
	c := sec.Characteristic("2a19")

	p := PathOf("AA:BB", tree, c)
	if p.Service != tree[0].UUID {
		t.Errorf("Service = %q, want primary %q", p.Service, tree[0].UUID)
	}
	if p.SecondaryService != sec.UUID {
		t.Errorf("SecondaryService = %q, want %q", p.SecondaryService, sec.UUID)
	}

	f := p.Fields()
	if f["service_uuid"] != "180d" || f["secondary_service_uuid"] != "1234" || f["characteristic_uuid"] != "2a19" {
		t.Errorf("Fields() = %v", f)
	}

	direct := PathOf("AA:BB", tree, tree[0].Characteristic("2a37"))
	if direct.SecondaryService != "" {
		t.Errorf("SecondaryService = %q, want empty for primary characteristic", direct.SecondaryService)
	}
}

func TestKeysDistinguishSecondary(t *testing.T) {
	a := Path{RemoteID: "X", Service: "180d", Characteristic: "2a19"}
	b := Path{RemoteID: "X", Service: "180D", SecondaryService: "1234", Characteristic: "2A19"}
	if a.CharacteristicKey() == b.CharacteristicKey() {
		t.Error("keys with and without secondary service should differ")
	}
	c := Path{RemoteID: "X", Service: "0000180d-0000-1000-8000-00805f9b34fb", Characteristic: "2a19"}
	if a.CharacteristicKey() != c.CharacteristicKey() {
		t.Error("keys should not depend on identifier form")
	}
	a.Descriptor = "2902"
	if a.DescriptorKey() == a.CharacteristicKey() {
		t.Error("descriptor key should extend the characteristic key")
	}
}

func TestDescribeSelfIncludingServiceAppearsOnce(t *testing.T) {
	s := NewService("fff0", true)
	s.AddCharacteristic("fff1", PropRead)
	s.Include(s)

	tree := Describe("AA:BB", []*Service{s})
	if n := Count(tree, "fff0"); n != 1 {
		t.Errorf("service fff0 appears %d times, want 1", n)
	}
}

func TestDescribeMutualInclusionTerminates(t *testing.T) {
	a := NewService("aaa0", true)
	b := NewService("bbb0", false)
	a.Include(b)
	b.Include(a)

	tree := Describe("AA:BB", []*Service{a})
	if n := Count(tree, "bbb0"); n != 1 {
		t.Errorf("service bbb0 appears %d times, want 1", n)
	}
	if n := Count(tree, "aaa0"); n != 1 {
		t.Errorf("service aaa0 appears %d times, want 1", n)
	}
}

func TestPropertyFields(t *testing.T) {
	f := (PropRead | PropIndicate).Fields()
	if f["read"] != 1 || f["indicate"] != 1 || f["notify"] != 0 {
		t.Errorf("Fields() = %v", f)
	}
	if PropIndicateEncryptionRequired != 512 || PropWrite != 8 {
		t.Error("property bit values drifted")
	}
}
