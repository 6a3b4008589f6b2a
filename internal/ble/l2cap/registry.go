package l2cap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// Stable error codes carried in ble.Error.Code.
const (
	CodeChannelNotFound      = "no_open_l2cap_channel_found"
	CodeSocketNotOpen        = "no_socket_or_stream_is_open"
	CodeReadFailed           = "input_stream_read_failed"
	CodeWriteFailed          = "output_stream_write_failed"
	CodeOpenFailed           = "open_l2cap_channel_failed"
	CodeCloseFailed          = "close_l2cap_channel_failed"
	CodePlatformNotSupported = "platform_not_supported"
	CodeBluetoothTurnedOff   = "bluetooth_turned_off"
)

// acceptRetryDelay paces the accept loop after an unexpected accept error.
const acceptRetryDelay = 100 * time.Millisecond

// Options configures a Registry.
type Options struct {
	ReadBuffer int // max bytes returned by one Read (default 50)
	// OnDeviceConnected is called from the accept loop for every peer that
	// connects to a listening server.
	OnDeviceConnected func(id string, psm int)
	// AdapterOn reports whether the radio is powered. Nil means always on.
	AdapterOn func() bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{ReadBuffer: 50}
}

// ReadResult is the outcome of one Read.
type ReadResult struct {
	RemoteID  string
	PSM       int
	BytesRead int
	Value     []byte
}

// Fields is the outward encoding of a read.
func (r ReadResult) Fields() map[string]any {
	return map[string]any{
		"remote_id":  r.RemoteID,
		"psm":        r.PSM,
		"bytes_read": r.BytesRead,
		"value":      protocol.EncodeHex(r.Value),
	}
}

type clientKey struct {
	psm int
	id  string
}

// channel is one open (or failed-to-open) socket with a peer.
type channel struct {
	id  string
	psm int

	mu   sync.Mutex
	conn Conn
}

func (c *channel) current() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// close closes the socket and forgets it. Close errors are returned for
// the caller to decide whether they matter.
func (c *channel) close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

type server struct {
	psm       int
	ln        Listener
	accepting atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	channels []*channel
}

func (s *server) add(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
}

func (s *server) find(id string) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if strings.EqualFold(ch.id, id) {
			return ch
		}
	}
	return nil
}

func (s *server) remove(target *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.channels {
		if ch == target {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *server) takeAll() []*channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.channels
	s.channels = nil
	return all
}

// Registry owns every L2CAP channel of the process.
type Registry struct {
	provider Provider
	opts     Options

	mu      sync.Mutex
	clients map[clientKey]*channel
	servers map[int]*server
}

// NewRegistry creates a Registry opening sockets through provider.
func NewRegistry(provider Provider, opts Options) *Registry {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultOptions().ReadBuffer
	}
	return &Registry{
		provider: provider,
		opts:     opts,
		clients:  make(map[clientKey]*channel),
		servers:  make(map[int]*server),
	}
}

func channelError(kind ble.Kind, code, op, detail string, err error) error {
	return &ble.Error{Kind: kind, Code: code, Op: op, Detail: detail, Err: err}
}

func (r *Registry) checkAdapter(op string) error {
	if r.opts.AdapterOn != nil && !r.opts.AdapterOn() {
		slog.Debug("[L2CAP] bluetooth is disabled", "op", op)
		return channelError(ble.KindAdapterUnavailable, CodeBluetoothTurnedOff, op, "bluetooth is turned off", nil)
	}
	return nil
}

// openError maps a provider failure to the channel taxonomy.
func openError(op string, err error) error {
	if errors.Is(err, ErrUnsupported) {
		return channelError(ble.KindPlatformUnsupported, CodePlatformNotSupported, op, "l2cap channels are not supported on this platform", err)
	}
	return channelError(ble.KindRadioCallRejected, CodeOpenFailed, op, "opening the l2cap channel failed", err)
}

// Listen opens a server socket on a freshly assigned PSM and starts its
// accept loop.
func (r *Registry) Listen(secure bool) (int, error) {
	const op = "listenL2CapChannel"
	if err := r.checkAdapter(op); err != nil {
		return 0, err
	}
	ln, err := r.provider.Listen(secure)
	if err != nil {
		slog.Error("[L2CAP] listen failed", "secure", secure, "error", err)
		return 0, openError(op, err)
	}

	s := &server{psm: ln.PSM(), ln: ln, done: make(chan struct{})}
	s.accepting.Store(true)
	r.mu.Lock()
	r.servers[s.psm] = s
	r.mu.Unlock()

	go r.acceptLoop(s)
	slog.Info("[L2CAP] listening", "psm", s.psm, "secure", secure)
	return s.psm, nil
}

// acceptLoop runs until the server's accepting flag is cleared. Closing the
// listener is what wakes a blocked Accept.
func (r *Registry) acceptLoop(s *server) {
	defer close(s.done)
	for s.accepting.Load() {
		conn, err := s.ln.Accept()
		if !s.accepting.Load() {
			if conn != nil {
				conn.Close()
			}
			slog.Debug("[L2CAP] stopping server socket", "psm", s.psm)
			return
		}
		if err != nil {
			slog.Error("[L2CAP] accepting incoming connection failed", "psm", s.psm, "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		ch := &channel{id: conn.RemoteAddr(), psm: s.psm, conn: conn}
		s.add(ch)
		slog.Info("[L2CAP] device connected", "id", ch.id, "psm", s.psm)
		if r.opts.OnDeviceConnected != nil {
			r.opts.OnDeviceConnected(ch.id, s.psm)
		}
	}
}

// Connect opens a client channel to (id, psm) unless one is already open.
// The dial blocks, so callers should not run it on a latency-sensitive path.
func (r *Registry) Connect(ctx context.Context, id string, psm int, secure bool) error {
	const op = "connectToL2CapChannel"
	if err := r.checkAdapter(op); err != nil {
		return err
	}

	key := clientKey{psm: psm, id: strings.ToUpper(id)}
	r.mu.Lock()
	ch, ok := r.clients[key]
	if !ok {
		slog.Debug("[L2CAP] channel not open yet, creating", "id", id, "psm", psm)
		ch = &channel{id: key.id, psm: psm}
		r.clients[key] = ch
	}
	r.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn != nil {
		return nil
	}
	conn, err := r.provider.Dial(ctx, id, psm, secure)
	if err != nil {
		slog.Error("[L2CAP] connect failed", "id", id, "psm", psm, "error", err)
		return openError(op, err)
	}
	r.mu.Lock()
	current := r.clients[key] == ch
	r.mu.Unlock()
	if !current {
		// Closed while dialing; nothing owns this socket any more.
		conn.Close()
		slog.Debug("[L2CAP] channel closed while connecting", "id", id, "psm", psm)
		return notFound(op, id, psm)
	}
	ch.conn = conn
	slog.Info("[L2CAP] channel open", "id", id, "psm", psm, "secure", secure)
	return nil
}

// find locates a channel by PSM, then by peer.
func (r *Registry) find(id string, psm int) *channel {
	r.mu.Lock()
	ch, ok := r.clients[clientKey{psm: psm, id: strings.ToUpper(id)}]
	s := r.servers[psm]
	r.mu.Unlock()
	if ok {
		return ch
	}
	if s != nil {
		return s.find(id)
	}
	return nil
}

func notFound(op, id string, psm int) error {
	return channelError(ble.KindChannelNotFound, CodeChannelNotFound, op,
		fmt.Sprintf("no open channel found for device %s / psm %d", id, psm), nil)
}

// Read returns the next chunk of at most ReadBuffer bytes. An I/O failure
// leaves the channel registered.
func (r *Registry) Read(id string, psm int) (ReadResult, error) {
	const op = "readL2CapChannel"
	ch := r.find(id, psm)
	if ch == nil {
		return ReadResult{}, notFound(op, id, psm)
	}
	conn := ch.current()
	if conn == nil {
		return ReadResult{}, channelError(ble.KindChannelNotOpen, CodeSocketNotOpen, op,
			"the bluetooth socket or the input stream is not open", nil)
	}

	buf := make([]byte, r.opts.ReadBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		slog.Error("[L2CAP] read failed", "id", id, "psm", psm, "error", err)
		return ReadResult{}, channelError(ble.KindStreamIO, CodeReadFailed, op, "reading the channel failed", err)
	}
	return ReadResult{RemoteID: id, PSM: psm, BytesRead: n, Value: buf[:n]}, nil
}

// Write sends value on the channel.
func (r *Registry) Write(id string, psm int, value []byte) error {
	const op = "writeL2CapChannel"
	ch := r.find(id, psm)
	if ch == nil {
		return notFound(op, id, psm)
	}
	conn := ch.current()
	if conn == nil {
		return channelError(ble.KindChannelNotOpen, CodeSocketNotOpen, op,
			"the bluetooth socket or the output stream is not open", nil)
	}
	if _, err := conn.Write(value); err != nil {
		slog.Error("[L2CAP] write failed", "id", id, "psm", psm, "error", err)
		return channelError(ble.KindStreamIO, CodeWriteFailed, op, "writing the channel failed", err)
	}
	return nil
}

// Close closes the channel with (id, psm). A client channel is removed from
// the registry; an accepted channel is removed from its server, which keeps
// listening. Closing an unknown channel is not an error.
func (r *Registry) Close(id string, psm int) error {
	const op = "closeL2CapChannel"
	key := clientKey{psm: psm, id: strings.ToUpper(id)}
	r.mu.Lock()
	ch, ok := r.clients[key]
	if ok {
		delete(r.clients, key)
	}
	s := r.servers[psm]
	r.mu.Unlock()

	if !ok && s != nil {
		if ch = s.find(id); ch != nil {
			s.remove(ch)
		}
	}
	if ch == nil {
		slog.Debug("[L2CAP] no channel matching device", "id", id, "psm", psm)
		return nil
	}
	if err := ch.close(); err != nil {
		slog.Error("[L2CAP] close failed", "id", id, "psm", psm, "error", err)
		return channelError(ble.KindStreamIO, CodeCloseFailed, op, fmt.Sprintf("can't close channel with psm %d", psm), err)
	}
	return nil
}

// CloseServer closes every channel accepted by the server on psm, then the
// listener, and waits for the accept loop to exit.
func (r *Registry) CloseServer(psm int) error {
	r.mu.Lock()
	s, ok := r.servers[psm]
	delete(r.servers, psm)
	r.mu.Unlock()
	if !ok {
		slog.Debug("[L2CAP] no server socket found", "psm", psm)
		return nil
	}
	r.stopServer(s)
	return nil
}

func (r *Registry) stopServer(s *server) {
	closeAccepted(s)
	s.accepting.Store(false)
	if err := s.ln.Close(); err != nil {
		slog.Error("[L2CAP] error while closing server socket", "psm", s.psm, "error", err)
	}
	<-s.done
	// A peer accepted while the server was stopping.
	closeAccepted(s)
	slog.Info("[L2CAP] server closed", "psm", s.psm)
}

func closeAccepted(s *server) {
	for _, ch := range s.takeAll() {
		if err := ch.close(); err != nil {
			slog.Warn("[L2CAP] closing accepted channel failed", "id", ch.id, "psm", s.psm, "error", err)
		}
	}
}

// CloseAll closes every client channel and server, e.g. when the adapter
// turns off.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	servers := r.servers
	r.clients = make(map[clientKey]*channel)
	r.servers = make(map[int]*server)
	r.mu.Unlock()

	for key, ch := range clients {
		if err := ch.close(); err != nil {
			slog.Warn("[L2CAP] closing channel failed", "id", key.id, "psm", key.psm, "error", err)
		}
	}
	for _, s := range servers {
		r.stopServer(s)
	}
}

// Servers returns the PSMs with a listening server, sorted.
func (r *Registry) Servers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	psms := make([]int, 0, len(r.servers))
	for psm := range r.servers {
		psms = append(psms, psm)
	}
	sort.Ints(psms)
	return psms
}
