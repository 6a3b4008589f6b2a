package gatt

import (
	"fmt"

	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// AttrKind names the level of the attribute path that failed to resolve.
type AttrKind string

const (
	KindService          AttrKind = "service"
	KindSecondaryService AttrKind = "secondaryService"
	KindCharacteristic   AttrKind = "characteristic"
	KindDescriptor       AttrKind = "descriptor"
)

// NotFoundError is returned when a path component is missing from the tree.
type NotFoundError struct {
	Kind AttrKind
	UUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gatt: %s not found (%s)", e.Kind, uuid.Short(e.UUID))
}

// Path addresses a characteristic or descriptor on one peripheral.
// SecondaryService and Descriptor are optional.
type Path struct {
	RemoteID         string
	Service          string
	SecondaryService string
	Characteristic   string
	Descriptor       string
}

// CharacteristicKey identifies the characteristic part of the path.
func (p Path) CharacteristicKey() string {
	key := p.RemoteID + ":" + canonical(p.Service) + ":"
	if p.SecondaryService != "" {
		key += canonical(p.SecondaryService) + ":"
	}
	return key + canonical(p.Characteristic)
}

// DescriptorKey identifies the full path including the descriptor.
func (p Path) DescriptorKey() string {
	return p.CharacteristicKey() + ":" + canonical(p.Descriptor)
}

// Fields renders the path with identifiers in short form.
func (p Path) Fields() map[string]any {
	out := map[string]any{
		"remote_id":           p.RemoteID,
		"service_uuid":        uuid.Short(p.Service),
		"characteristic_uuid": uuid.Short(p.Characteristic),
	}
	if p.SecondaryService != "" {
		out["secondary_service_uuid"] = uuid.Short(p.SecondaryService)
	}
	if p.Descriptor != "" {
		out["descriptor_uuid"] = uuid.Short(p.Descriptor)
	}
	return out
}

// FindService returns the first top-level service matching id.
func FindService(services []*Service, id string) *Service {
	for _, s := range services {
		if uuid.Equal(s.UUID, id) {
			return s
		}
	}
	return nil
}

// LocateCharacteristic resolves service, optional secondary service and
// characteristic. The secondary service is searched among the included
// services of the primary one.
func LocateCharacteristic(services []*Service, p Path) (*Characteristic, error) {
	svc := FindService(services, p.Service)
	if svc == nil {
		return nil, &NotFoundError{Kind: KindService, UUID: p.Service}
	}

	if p.SecondaryService != "" {
		var found *Service
		for _, inc := range svc.Included {
			if inc == svc {
				continue
			}
			if uuid.Equal(inc.UUID, p.SecondaryService) {
				found = inc
				break
			}
		}
		if found == nil {
			return nil, &NotFoundError{Kind: KindSecondaryService, UUID: p.SecondaryService}
		}
		svc = found
	}

	c := svc.Characteristic(p.Characteristic)
	if c == nil {
		return nil, &NotFoundError{Kind: KindCharacteristic, UUID: p.Characteristic}
	}
	return c, nil
}

// LocateDescriptor resolves the full path down to a descriptor.
func LocateDescriptor(services []*Service, p Path) (*Descriptor, error) {
	c, err := LocateCharacteristic(services, p)
	if err != nil {
		return nil, err
	}
	d := c.Descriptor(p.Descriptor)
	if d == nil {
		return nil, &NotFoundError{Kind: KindDescriptor, UUID: p.Descriptor}
	}
	return d, nil
}

// PrimaryOf returns the primary service that owns c. For a characteristic in
// a secondary service this is the primary service that includes it, or nil
// when no primary service does.
func PrimaryOf(services []*Service, c *Characteristic) *Service {
	if c.Service == nil {
		return nil
	}
	if c.Service.Primary {
		return c.Service
	}
	for _, s := range services {
		if !s.Primary {
			continue
		}
		for _, inc := range s.Included {
			if uuid.Equal(inc.UUID, c.Service.UUID) {
				return s
			}
		}
	}
	return nil
}

// PathOf builds the path for a characteristic reported by the radio.
func PathOf(remoteID string, services []*Service, c *Characteristic) Path {
	p := Path{RemoteID: remoteID, Characteristic: c.UUID}
	primary := PrimaryOf(services, c)
	switch {
	case primary == nil && c.Service != nil:
		p.Service = c.Service.UUID
	case primary == nil:
	case primary == c.Service:
		p.Service = primary.UUID
	default:
		p.Service = primary.UUID
		p.SecondaryService = c.Service.UUID
	}
	return p
}

// DescriptorPathOf builds the path for a descriptor reported by the radio.
func DescriptorPathOf(remoteID string, services []*Service, d *Descriptor) Path {
	p := PathOf(remoteID, services, d.Characteristic)
	p.Descriptor = d.UUID
	return p
}
