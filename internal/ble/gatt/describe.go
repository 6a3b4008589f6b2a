package gatt

import "github.com/chaz8081/blecentral/internal/ble/uuid"

// Describe renders a discovered tree as nested maps with short identifiers.
// Included services are walked recursively, but a service is never entered
// from itself or from any of its own descendants.
func Describe(remoteID string, services []*Service) []any {
	out := make([]any, 0, len(services))
	for _, s := range services {
		out = append(out, describeService(remoteID, services, s, map[*Service]bool{}))
	}
	return out
}

func describeService(remoteID string, all []*Service, s *Service, onStack map[*Service]bool) map[string]any {
	onStack[s] = true
	defer delete(onStack, s)

	chars := make([]any, 0, len(s.Characteristics))
	for _, c := range s.Characteristics {
		chars = append(chars, describeCharacteristic(remoteID, all, c))
	}

	included := make([]any, 0, len(s.Included))
	for _, inc := range s.Included {
		if inc == s || uuid.Equal(inc.UUID, s.UUID) || onStack[inc] {
			continue
		}
		included = append(included, describeService(remoteID, all, inc, onStack))
	}

	primary := 0
	if s.Primary {
		primary = 1
	}
	return map[string]any{
		"remote_id":         remoteID,
		"service_uuid":      uuid.Short(s.UUID),
		"is_primary":        primary,
		"characteristics":   chars,
		"included_services": included,
	}
}

func describeCharacteristic(remoteID string, all []*Service, c *Characteristic) map[string]any {
	path := PathOf(remoteID, all, c)
	descs := make([]any, 0, len(c.Descriptors))
	for _, d := range c.Descriptors {
		dp := path
		dp.Descriptor = d.UUID
		descs = append(descs, dp.Fields())
	}
	m := path.Fields()
	m["descriptors"] = descs
	m["properties"] = c.Properties.Fields()
	return m
}

// Count returns how many times a service with the given id appears anywhere
// in the rendered tree.
func Count(tree []any, id string) int {
	n := 0
	for _, v := range tree {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if s, _ := m["service_uuid"].(string); uuid.Equal(s, id) {
			n++
		}
		if inc, ok := m["included_services"].([]any); ok {
			n += Count(inc, id)
		}
	}
	return n
}
