package ble

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := notConnected("readRssi", testID)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("errors.Is(%v, ErrNotConnected) = false", err)
	}
	if errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("errors.Is(%v, ErrPayloadTooLarge) = true", err)
	}
	if got := KindOf(fmt.Errorf("wrapped: %w", err)); got != KindNotConnected {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindNotConnected)
	}
}

func TestAttributeNotFoundCarriesKind(t *testing.T) {
	err := attributeNotFound("readCharacteristic", &gatt.NotFoundError{Kind: gatt.KindCharacteristic, UUID: "2a37"})
	if !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("not an AttributeNotFound: %v", err)
	}
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("not a characteristic miss: %v", err)
	}
	if errors.Is(err, ErrServiceNotFound) {
		t.Errorf("matched service miss: %v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := rejected("writeCharacteristic", errors.New("busy"))
	want := "ble: writeCharacteristic: radio rejected the request: busy"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !strings.Contains(unsupported("clearGattCache", "bluez 5.70").Error(), "bluez 5.70") {
		t.Error("unsupported error does not name the minimum version")
	}
}
