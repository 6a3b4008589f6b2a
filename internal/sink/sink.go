// Package sink delivers session events to the outside world: the log, an
// event file and any WebSocket clients.
package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chaz8081/blecentral/internal/ble"
)

// Sink receives every event the session manager emits.
type Sink interface {
	Send(ev ble.Event) error
}

// Encode renders an event as {"event": name, "fields": {...}}. Fields keep
// their sparse form; absent values never appear.
func Encode(ev ble.Event) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"event":  ev.Name(),
		"fields": ev.Fields(),
	})
	if err != nil {
		return nil, fmt.Errorf("sink: encode %s: %w", ev.Name(), err)
	}
	b, err := protojson.MarshalOptions{EmitUnpopulated: false}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("sink: marshal %s: %w", ev.Name(), err)
	}
	return b, nil
}

// Fanout sends each event to every sink, collecting their errors.
type Fanout []Sink

var _ Sink = Fanout(nil)

func (f Fanout) Send(ev ble.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a slog logger.
type LogSink struct {
	logger *slog.Logger
	json   bool
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink. With json set, the encoded event is logged
// as one attribute instead of one attribute per field.
func NewLogSink(logger *slog.Logger, json bool) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, json: json}
}

func (l *LogSink) Send(ev ble.Event) error {
	if l.json {
		b, err := Encode(ev)
		if err != nil {
			return err
		}
		l.logger.Info("[BLE] event", "name", ev.Name(), "json", string(b))
		return nil
	}

	fields := ev.Fields()
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "name", ev.Name())
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	l.logger.Info("[BLE] event", args...)
	return nil
}

// FileSink appends one encoded event per line to a file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

var _ Sink = (*FileSink)(nil)

// OpenFileSink opens path for appending, creating it and its directory if needed.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sink: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Send(ev ble.Event) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("sink: write %s: %w", s.f.Name(), err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
