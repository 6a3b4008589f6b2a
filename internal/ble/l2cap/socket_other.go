//go:build !linux

package l2cap

import "context"

type unsupportedProvider struct{}

// NewProvider returns the L2CAP socket provider for this platform.
func NewProvider() Provider { return unsupportedProvider{} }

func (unsupportedProvider) Listen(bool) (Listener, error) { return nil, ErrUnsupported }

func (unsupportedProvider) Dial(context.Context, string, int, bool) (Conn, error) {
	return nil, ErrUnsupported
}
