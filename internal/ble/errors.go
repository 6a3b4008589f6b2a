package ble

import (
	"errors"
	"fmt"

	"github.com/chaz8081/blecentral/internal/ble/gatt"
)

// Kind is a stable, machine-checkable error category.
type Kind string

const (
	KindNotConnected           Kind = "NotConnected"
	KindAlreadyInProgress      Kind = "AlreadyInProgress"
	KindAttributeNotFound      Kind = "AttributeNotFound"
	KindPropertyNotSupported   Kind = "PropertyNotSupported"
	KindPayloadTooLarge        Kind = "PayloadTooLarge"
	KindIndicationNotSupported Kind = "IndicationNotSupported"
	KindRadioCallRejected      Kind = "RadioCallRejected"
	KindChannelNotFound        Kind = "ChannelNotFound"
	KindChannelNotOpen         Kind = "ChannelNotOpen"
	KindStreamIO               Kind = "StreamIoError"
	KindPlatformUnsupported    Kind = "PlatformUnsupported"
	KindAdapterUnavailable     Kind = "AdapterUnavailable"
	KindInvalidArgument        Kind = "InvalidArgument"
	KindPlatformException      Kind = "PlatformException"
)

// Error is the error type returned by every session and channel operation.
// Only the fields relevant to Kind are set.
type Error struct {
	Kind   Kind
	Op     string
	Detail string

	// Code is a stable string code, set for channel errors.
	Code string
	// Attr is set for KindAttributeNotFound.
	Attr gatt.AttrKind
	// Required is set for KindPropertyNotSupported.
	Required string
	// Actual and Max are set for KindPayloadTooLarge.
	Actual, Max int
	// RawCode is set for KindRadioCallRejected when the radio returned one.
	RawCode int
	// MinimumVersion is set for KindPlatformUnsupported.
	MinimumVersion string

	Err error
}

func (e *Error) Error() string {
	msg := "ble: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Attr when the target sets one, so callers can
// write errors.Is(err, ble.ErrNotConnected).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Attr == "" || t.Attr == e.Attr
}

// Sentinels for errors.Is.
var (
	ErrNotConnected           = &Error{Kind: KindNotConnected}
	ErrAlreadyInProgress      = &Error{Kind: KindAlreadyInProgress}
	ErrAttributeNotFound      = &Error{Kind: KindAttributeNotFound}
	ErrServiceNotFound        = &Error{Kind: KindAttributeNotFound, Attr: gatt.KindService}
	ErrSecondaryNotFound      = &Error{Kind: KindAttributeNotFound, Attr: gatt.KindSecondaryService}
	ErrCharacteristicNotFound = &Error{Kind: KindAttributeNotFound, Attr: gatt.KindCharacteristic}
	ErrDescriptorNotFound     = &Error{Kind: KindAttributeNotFound, Attr: gatt.KindDescriptor}
	ErrPropertyNotSupported   = &Error{Kind: KindPropertyNotSupported}
	ErrPayloadTooLarge        = &Error{Kind: KindPayloadTooLarge}
	ErrIndicationNotSupported = &Error{Kind: KindIndicationNotSupported}
	ErrRadioCallRejected      = &Error{Kind: KindRadioCallRejected}
	ErrChannelNotFound        = &Error{Kind: KindChannelNotFound}
	ErrChannelNotOpen         = &Error{Kind: KindChannelNotOpen}
	ErrStreamIO               = &Error{Kind: KindStreamIO}
	ErrPlatformUnsupported    = &Error{Kind: KindPlatformUnsupported}
	ErrAdapterUnavailable     = &Error{Kind: KindAdapterUnavailable}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrPlatformException      = &Error{Kind: KindPlatformException}
)

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notConnected(op, id string) error {
	return &Error{Kind: KindNotConnected, Op: op, Detail: fmt.Sprintf("device %s is disconnected", id)}
}

func rejected(op string, err error) error {
	return &Error{Kind: KindRadioCallRejected, Op: op, Detail: "radio rejected the request", Err: err}
}

func invalidArgument(op string, err error) error {
	return &Error{Kind: KindInvalidArgument, Op: op, Detail: "invalid argument", Err: err}
}

func unsupported(op, minimumVersion string) error {
	detail := "not supported on this platform"
	if minimumVersion != "" {
		detail += ", requires " + minimumVersion
	}
	return &Error{Kind: KindPlatformUnsupported, Op: op, Detail: detail, MinimumVersion: minimumVersion}
}

// attributeNotFound converts a locator miss into the session error.
func attributeNotFound(op string, err error) error {
	var nf *gatt.NotFoundError
	if errors.As(err, &nf) {
		return &Error{Kind: KindAttributeNotFound, Op: op, Attr: nf.Kind, Detail: nf.Error()}
	}
	return err
}

func alreadyInProgress(op, id string) error {
	return &Error{Kind: KindAlreadyInProgress, Op: op, Detail: fmt.Sprintf("already connecting to %s", id)}
}

func adapterUnavailable(op string) error {
	return &Error{Kind: KindAdapterUnavailable, Op: op, Detail: "bluetooth must be turned on"}
}

func propertyNotSupported(op, required string) error {
	return &Error{
		Kind:     KindPropertyNotSupported,
		Op:       op,
		Required: required,
		Detail:   fmt.Sprintf("characteristic does not support %s", required),
	}
}

func payloadTooLarge(op string, actual, max int) error {
	return &Error{
		Kind:   KindPayloadTooLarge,
		Op:     op,
		Actual: actual,
		Max:    max,
		Detail: fmt.Sprintf("data longer than allowed. dataLen: %d > max: %d", actual, max),
	}
}

func indicationNotSupported(op string) error {
	return &Error{Kind: KindIndicationNotSupported, Op: op, Detail: "characteristic does not support indications"}
}
