// Package gatt models a peripheral's discovered attribute tree and resolves
// service, characteristic and descriptor paths against it.
package gatt

import (
	"strings"

	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// Property is the characteristic properties bitset as reported by the peripheral.
type Property uint32

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
	PropNotifyEncryptionRequired
	PropIndicateEncryptionRequired
)

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write_without_response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated_signed_writes"},
	{PropExtendedProperties, "extended_properties"},
	{PropNotifyEncryptionRequired, "notify_encryption_required"},
	{PropIndicateEncryptionRequired, "indicate_encryption_required"},
}

// Has reports whether every bit in f is set.
func (p Property) Has(f Property) bool { return p&f == f }

// Fields returns every known property as a 0/1 flag keyed by name.
func (p Property) Fields() map[string]any {
	out := make(map[string]any, len(propertyNames))
	for _, pn := range propertyNames {
		v := 0
		if p.Has(pn.bit) {
			v = 1
		}
		out[pn.name] = v
	}
	return out
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, "|")
}

// Service is a discovered service. UUIDs are held in canonical form.
type Service struct {
	UUID            string
	Primary         bool
	Characteristics []*Characteristic
	Included        []*Service

	// Ref is the radio backend's own object for this service.
	Ref any
}

// Characteristic is a discovered characteristic. Service points back at the
// service that directly contains it, which may be a secondary service.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []*Descriptor
	Service     *Service
	Ref         any
}

// Descriptor is a discovered descriptor.
type Descriptor struct {
	UUID           string
	Characteristic *Characteristic
	Ref            any
}

func canonical(id string) string {
	c, err := uuid.Canonical(id)
	if err != nil {
		return strings.ToLower(id)
	}
	return c
}

// NewService creates a service node.
func NewService(id string, primary bool) *Service {
	return &Service{UUID: canonical(id), Primary: primary}
}

// AddCharacteristic appends a characteristic to s and returns it.
func (s *Service) AddCharacteristic(id string, props Property) *Characteristic {
	c := &Characteristic{UUID: canonical(id), Properties: props, Service: s}
	s.Characteristics = append(s.Characteristics, c)
	return c
}

// Include records other as an included service of s.
func (s *Service) Include(other *Service) {
	s.Included = append(s.Included, other)
}

// AddDescriptor appends a descriptor to c and returns it.
func (c *Characteristic) AddDescriptor(id string) *Descriptor {
	d := &Descriptor{UUID: canonical(id), Characteristic: c}
	c.Descriptors = append(c.Descriptors, d)
	return d
}

// Characteristic returns the first characteristic of s matching id.
func (s *Service) Characteristic(id string) *Characteristic {
	for _, c := range s.Characteristics {
		if uuid.Equal(c.UUID, id) {
			return c
		}
	}
	return nil
}

// Descriptor returns the first descriptor of c matching id.
func (c *Characteristic) Descriptor(id string) *Descriptor {
	for _, d := range c.Descriptors {
		if uuid.Equal(d.UUID, id) {
			return d
		}
	}
	return nil
}

// CCCD returns the client characteristic configuration descriptor, if any.
func (c *Characteristic) CCCD() *Descriptor {
	return c.Descriptor(uuid.CCCD)
}
