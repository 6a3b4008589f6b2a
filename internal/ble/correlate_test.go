package ble

import "testing"

func TestWriteTableTakeConsumesOnce(t *testing.T) {
	w := newWriteTable()
	w.put("k", "0a0b")

	if got := w.take("k"); got != "0a0b" {
		t.Errorf("take() = %q, want %q", got, "0a0b")
	}
	if got := w.take("k"); got != "" {
		t.Errorf("second take() = %q, want empty", got)
	}
}

func TestWriteTableOverwriteKeepsLatest(t *testing.T) {
	w := newWriteTable()
	w.put("k", "01")
	w.put("k", "02")

	if got := w.take("k"); got != "02" {
		t.Errorf("take() = %q, want %q", got, "02")
	}
	if n := w.size(); n != 0 {
		t.Errorf("size() = %d, want 0", n)
	}
}

func TestWriteTableReset(t *testing.T) {
	w := newWriteTable()
	w.put("a", "01")
	w.put("b", "02")
	w.reset()
	if n := w.size(); n != 0 {
		t.Errorf("size() after reset = %d, want 0", n)
	}
}
