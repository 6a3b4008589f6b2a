package ble

import "sync"

// writeTable remembers the value submitted for each pending write, because
// write completions carry only the attribute identity and a status.
// A second write to the same key before the first completes replaces the
// remembered value.
type writeTable struct {
	mu      sync.Mutex
	pending map[string]string
}

func newWriteTable() *writeTable {
	return &writeTable{pending: make(map[string]string)}
}

func (t *writeTable) put(key, hexValue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key] = hexValue
}

// take returns and forgets the value for key, or "" if none is pending.
func (t *writeTable) take(key string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.pending[key]
	if !ok {
		return ""
	}
	delete(t.pending, key)
	return v
}

func (t *writeTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *writeTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
}
