//go:build !linux

package ble

// NewPlatformBonder returns the bonding backend for this platform. There is
// none outside Linux, so bonding is reported as unsupported.
func NewPlatformBonder(string) (Bonder, error) {
	return nil, nil
}
