//go:build linux

package l2cap

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPeerIdentity(t *testing.T) {
	tests := []struct {
		name string
		sa   unix.Sockaddr
		want string
	}{
		{
			name: "accepted bdaddr is little-endian",
			sa:   &unix.SockaddrL2{Addr: [6]byte{0x01, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}},
			want: peerA,
		},
		{
			name: "not l2cap",
			sa:   &unix.SockaddrInet4{Port: 80},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := peerIdentity(tt.sa); got != tt.want {
				t.Errorf("peerIdentity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPeerIdentityRoundTripsParseAddr(t *testing.T) {
	addr, err := parseAddr(peerB)
	if err != nil {
		t.Fatalf("parseAddr() error = %v", err)
	}
	// The kernel stores what x/sys wrote on connect: the reversed address.
	var kernel [6]byte
	for i := range addr {
		kernel[i] = addr[len(addr)-1-i]
	}
	if got := peerIdentity(&unix.SockaddrL2{Addr: kernel}); got != peerB {
		t.Errorf("peerIdentity() = %q, want %q", got, peerB)
	}
}
