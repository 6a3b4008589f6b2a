// Package uuid normalizes Bluetooth attribute identifiers. Identifiers are
// compared in their canonical lowercase 128-bit form and reported in the
// shortest form the Bluetooth base UUID allows.
package uuid

import (
	"fmt"
	"strings"

	guuid "github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// BaseSuffix is the tail shared by every UUID derived from the Bluetooth base UUID.
const BaseSuffix = "-0000-1000-8000-00805f9b34fb"

// Well-known identifiers used by the session layer.
const (
	CCCD              = "2902" // client characteristic configuration descriptor
	GenericAccess     = "1800"
	GenericAttribute  = "1801"
	ServiceChangedChr = "2a05"
)

// Canonical expands a 16-bit, 32-bit or 128-bit identifier to its lowercase
// 128-bit string form.
func Canonical(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch len(s) {
	case 4:
		if !isHex(s) {
			return "", fmt.Errorf("uuid: invalid 16-bit identifier %q", s)
		}
		return "0000" + s + BaseSuffix, nil
	case 8:
		if !isHex(s) {
			return "", fmt.Errorf("uuid: invalid 32-bit identifier %q", s)
		}
		return s + BaseSuffix, nil
	}
	u, err := guuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("uuid: parse %q: %w", s, err)
	}
	return u.String(), nil
}

// MustCanonical is Canonical for identifiers known at compile time.
func MustCanonical(s string) string {
	c, err := Canonical(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Short returns the shortest standard form of an identifier: 4 hex digits for
// 16-bit values, 8 for 32-bit values, otherwise the full 128-bit string.
// Unparseable input is returned lowercased.
func Short(s string) string {
	c, err := Canonical(s)
	if err != nil {
		return strings.ToLower(s)
	}
	if !strings.HasSuffix(c, BaseSuffix) {
		return c
	}
	if strings.HasPrefix(c, "0000") {
		return c[4:8]
	}
	return c[:8]
}

// Equal reports whether a and b name the same attribute, whatever form each is in.
func Equal(a, b string) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return ca == cb
}

// FromTinyGo converts a tinygo UUID to canonical form.
func FromTinyGo(u bluetooth.UUID) string {
	return strings.ToLower(u.String())
}

// ToTinyGo parses any accepted form into a tinygo UUID.
func ToTinyGo(s string) (bluetooth.UUID, error) {
	c, err := Canonical(s)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	return bluetooth.ParseUUID(c)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
