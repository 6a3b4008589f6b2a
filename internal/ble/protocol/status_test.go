// internal/ble/protocol/status_test.go
package protocol

import "testing"

func TestHCIStatusString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0x00, "SUCCESS"},
		{0x08, "LINK_SUPERVISION_TIMEOUT"},
		{0x13, "REMOTE_USER_TERMINATED_CONNECTION"},
		{0x3E, "CONNECTION_FAILED_ESTABLISHMENT"},
		{0x101, "FAILURE_REGISTERING_CLIENT"},
		{ReasonConnectionCanceled, "connection canceled"},
		{0x99, "UNKNOWN_HCI_ERROR (153)"},
	}
	for _, tt := range tests {
		if got := HCIStatusString(tt.code); got != tt.want {
			t.Errorf("HCIStatusString(%#x) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestGattErrorString(t *testing.T) {
	if got := GattErrorString(0x05); got != "GATT_INSUFFICIENT_AUTHENTICATION" {
		t.Errorf("GattErrorString(5) = %q", got)
	}
	if got := GattErrorString(257); got != "GATT_FAILURE" {
		t.Errorf("GattErrorString(257) = %q", got)
	}
	if got := GattErrorString(200); got != "UNKNOWN_GATT_ERROR (200)" {
		t.Errorf("GattErrorString(200) = %q", got)
	}
}

func TestScanFailedString(t *testing.T) {
	if got := ScanFailedString(ScanFailedScanningTooFrequently); got != "SCAN_FAILED_SCANNING_TOO_FREQUENTLY" {
		t.Errorf("ScanFailedString(6) = %q", got)
	}
	if got := ScanFailedString(42); got != "UNKNOWN_SCAN_ERROR (42)" {
		t.Errorf("ScanFailedString(42) = %q", got)
	}
}
