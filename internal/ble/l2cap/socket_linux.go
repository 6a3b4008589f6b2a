//go:build linux

package l2cap

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// addrTypeLEPublic is BDADDR_LE_PUBLIC.
	addrTypeLEPublic = 0x01

	// btSecurity is the BT_SECURITY socket option under SOL_BLUETOOTH.
	btSecurity       = 4
	btSecurityLow    = 1
	btSecurityMedium = 2
)

// SocketProvider opens LE credit-based channels with AF_BLUETOOTH sockets.
type SocketProvider struct{}

var _ Provider = SocketProvider{}

// NewProvider returns the L2CAP socket provider for this platform.
func NewProvider() Provider { return SocketProvider{} }

func openSocket(secure bool) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, fmt.Errorf("l2cap: socket: %w", err)
	}
	level := byte(btSecurityLow)
	if secure {
		level = btSecurityMedium
	}
	// struct bt_security { u8 level; u8 key_size; }
	if err := unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btSecurity, string([]byte{level, 0})); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("l2cap: set security: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{AddrType: addrTypeLEPublic}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("l2cap: bind: %w", err)
	}
	return fd, nil
}

// Listen binds to a dynamic LE PSM assigned by the kernel.
func (SocketProvider) Listen(secure bool) (Listener, error) {
	fd, err := openSocket(secure)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: listen: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: getsockname: %w", err)
	}
	l2, ok := sa.(*unix.SockaddrL2)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: unexpected socket address %T", sa)
	}
	return &socketListener{fd: fd, psm: int(l2.PSM)}, nil
}

func (SocketProvider) Dial(ctx context.Context, id string, psm int, secure bool) (Conn, error) {
	addr, err := parseAddr(id)
	if err != nil {
		return nil, err
	}
	fd, err := openSocket(secure)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Connect(fd, &unix.SockaddrL2{PSM: uint16(psm), Addr: addr, AddrType: addrTypeLEPublic})
	}()
	select {
	case err := <-done:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("l2cap: connect %s psm %d: %w", id, psm, err)
		}
	case <-ctx.Done():
		unix.Shutdown(fd, unix.SHUT_RDWR)
		<-done
		unix.Close(fd)
		return nil, ctx.Err()
	}
	return &socketConn{fd: fd, remote: formatAddr(addr)}, nil
}

type socketListener struct {
	fd  int
	psm int

	once sync.Once
}

func (l *socketListener) PSM() int { return l.psm }

func (l *socketListener) Accept() (Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("l2cap: accept: %w", err)
	}
	return &socketConn{fd: nfd, remote: peerIdentity(sa)}, nil
}

// peerIdentity renders an accepted peer address. x/sys reverses Addr when
// binding or connecting but hands back the kernel's little-endian bdaddr
// from accept, so the bytes are flipped here.
func peerIdentity(sa unix.Sockaddr) string {
	l2, ok := sa.(*unix.SockaddrL2)
	if !ok {
		return ""
	}
	var addr [6]byte
	for i, b := range l2.Addr {
		addr[len(addr)-1-i] = b
	}
	return formatAddr(addr)
}

// Close shuts the socket down first so a blocked Accept returns.
func (l *socketListener) Close() error {
	var err error
	l.once.Do(func() {
		unix.Shutdown(l.fd, unix.SHUT_RDWR)
		err = unix.Close(l.fd)
	})
	return err
}

type socketConn struct {
	fd     int
	remote string

	once sync.Once
}

func (c *socketConn) RemoteAddr() string { return c.remote }

func (c *socketConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return 0, fmt.Errorf("l2cap: read: %w", err)
	}
	return n, nil
}

func (c *socketConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return n, fmt.Errorf("l2cap: write: %w", err)
	}
	return n, nil
}

func (c *socketConn) Close() error {
	var err error
	c.once.Do(func() {
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
		err = unix.Close(c.fd)
	})
	return err
}
