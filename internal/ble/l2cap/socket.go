// Package l2cap manages LE credit-based L2CAP channels: outbound client
// channels keyed by (PSM, peer) and listening servers that accept any number
// of peers.
package l2cap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupported is returned by providers on platforms without L2CAP sockets.
var ErrUnsupported = errors.New("l2cap: sockets not supported on this platform")

// Conn is one connected channel.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// RemoteAddr is the peer identity, "AA:BB:CC:DD:EE:FF".
	RemoteAddr() string
}

// Listener is a server socket bound to a PSM. Close unblocks Accept.
type Listener interface {
	Accept() (Conn, error)
	PSM() int
	Close() error
}

// Provider opens platform sockets.
type Provider interface {
	Listen(secure bool) (Listener, error)
	Dial(ctx context.Context, id string, psm int, secure bool) (Conn, error)
}

// parseAddr parses "AA:BB:CC:DD:EE:FF" into display-order bytes.
func parseAddr(id string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(id, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("l2cap: invalid address %q", id)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return addr, fmt.Errorf("l2cap: invalid address %q", id)
		}
		addr[i] = byte(b)
	}
	return addr, nil
}

func formatAddr(addr [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}
