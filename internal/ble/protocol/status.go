// internal/ble/protocol/status.go
package protocol

import "fmt"

// Reason codes synthesized locally rather than reported by the controller.
const (
	ReasonConnectionCanceled = 23789258
	ReasonAdapterOff         = 23789259
)

// Status codes produced by radio backends that have no native ones.
const (
	GattSuccess = 0x00
	GattFailure = 0x101

	HCISuccess                     = 0x00
	HCILocalHostTerminated         = 0x16
	HCIConnectionFailedToEstablish = 0x3E
)

var gattErrors = map[int]string{
	0x00:  "GATT_SUCCESS",
	0x01:  "GATT_INVALID_HANDLE",
	0x02:  "GATT_READ_NOT_PERMITTED",
	0x03:  "GATT_WRITE_NOT_PERMITTED",
	0x04:  "GATT_INVALID_PDU",
	0x05:  "GATT_INSUFFICIENT_AUTHENTICATION",
	0x06:  "GATT_REQUEST_NOT_SUPPORTED",
	0x07:  "GATT_INVALID_OFFSET",
	0x08:  "GATT_INSUFFICIENT_AUTHORIZATION",
	0x09:  "GATT_PREPARE_QUEUE_FULL",
	0x0a:  "GATT_ATTR_NOT_FOUND",
	0x0b:  "GATT_ATTR_NOT_LONG",
	0x0c:  "GATT_INSUFFICIENT_KEY_SIZE",
	0x0d:  "GATT_INVALID_ATTRIBUTE_LENGTH",
	0x0e:  "GATT_UNLIKELY",
	0x0f:  "GATT_INSUFFICIENT_ENCRYPTION",
	0x10:  "GATT_UNSUPPORTED_GROUP",
	0x11:  "GATT_INSUFFICIENT_RESOURCES",
	0x8f:  "GATT_CONNECTION_CONGESTED",
	0x101: "GATT_FAILURE",
}

// GattErrorString names an ATT/GATT status code.
func GattErrorString(code int) string {
	if s, ok := gattErrors[code]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_GATT_ERROR (%d)", code)
}

var hciStatuses = map[int]string{
	0x00:  "SUCCESS",
	0x01:  "UNKNOWN_COMMAND",
	0x02:  "UNKNOWN_CONNECTION_IDENTIFIER",
	0x03:  "HARDWARE_FAILURE",
	0x04:  "PAGE_TIMEOUT",
	0x05:  "AUTHENTICATION_FAILURE",
	0x06:  "PIN_OR_KEY_MISSING",
	0x07:  "MEMORY_FULL",
	0x08:  "LINK_SUPERVISION_TIMEOUT",
	0x09:  "CONNECTION_LIMIT_EXCEEDED",
	0x0A:  "MAX_NUM_OF_CONNECTIONS_EXCEEDED",
	0x0B:  "CONNECTION_ALREADY_EXISTS",
	0x0C:  "COMMAND_DISALLOWED",
	0x0D:  "CONNECTION_REJECTED_LIMITED_RESOURCES",
	0x0E:  "CONNECTION_REJECTED_SECURITY_REASONS",
	0x0F:  "CONNECTION_REJECTED_UNACCEPTABLE_MAC_ADDRESS",
	0x10:  "CONNECTION_ACCEPT_TIMEOUT_EXCEEDED",
	0x11:  "UNSUPPORTED_PARAMETER_VALUE",
	0x12:  "INVALID_COMMAND_PARAMETERS",
	0x13:  "REMOTE_USER_TERMINATED_CONNECTION",
	0x14:  "REMOTE_DEVICE_TERMINATED_CONNECTION_LOW_RESOURCES",
	0x15:  "REMOTE_DEVICE_TERMINATED_CONNECTION_POWER_OFF",
	0x16:  "CONNECTION_TERMINATED_BY_LOCAL_HOST",
	0x17:  "REPEATED_ATTEMPTS",
	0x18:  "PAIRING_NOT_ALLOWED",
	0x19:  "UNKNOWN_LMP_PDU",
	0x1A:  "UNSUPPORTED_REMOTE_FEATURE",
	0x1B:  "SCO_OFFSET_REJECTED",
	0x1C:  "SCO_INTERVAL_REJECTED",
	0x1D:  "SCO_AIR_MODE_REJECTED",
	0x1E:  "INVALID_LMP_OR_LL_PARAMETERS",
	0x1F:  "UNSPECIFIED",
	0x20:  "UNSUPPORTED_LMP_OR_LL_PARAMETER_VALUE",
	0x21:  "ROLE_CHANGE_NOT_ALLOWED",
	0x22:  "LMP_OR_LL_RESPONSE_TIMEOUT",
	0x23:  "LMP_OR_LL_ERROR_TRANS_COLLISION",
	0x24:  "LMP_PDU_NOT_ALLOWED",
	0x25:  "ENCRYPTION_MODE_NOT_ACCEPTABLE",
	0x26:  "LINK_KEY_CANNOT_BE_EXCHANGED",
	0x27:  "REQUESTED_QOS_NOT_SUPPORTED",
	0x28:  "INSTANT_PASSED",
	0x29:  "PAIRING_WITH_UNIT_KEY_NOT_SUPPORTED",
	0x2A:  "DIFFERENT_TRANSACTION_COLLISION",
	0x2B:  "UNDEFINED_0x2B",
	0x2C:  "QOS_UNACCEPTABLE_PARAMETER",
	0x2D:  "QOS_REJECTED",
	0x2E:  "CHANNEL_CLASSIFICATION_NOT_SUPPORTED",
	0x2F:  "INSUFFICIENT_SECURITY",
	0x30:  "PARAMETER_OUT_OF_RANGE",
	0x31:  "UNDEFINED_0x31",
	0x32:  "ROLE_SWITCH_PENDING",
	0x33:  "UNDEFINED_0x33",
	0x34:  "RESERVED_SLOT_VIOLATION",
	0x35:  "ROLE_SWITCH_FAILED",
	0x36:  "INQUIRY_RESPONSE_TOO_LARGE",
	0x37:  "SECURE_SIMPLE_PAIRING_NOT_SUPPORTED",
	0x38:  "HOST_BUSY_PAIRING",
	0x39:  "CONNECTION_REJECTED_NO_SUITABLE_CHANNEL",
	0x3A:  "CONTROLLER_BUSY",
	0x3B:  "UNACCEPTABLE_CONNECTION_PARAMETERS",
	0x3C:  "ADVERTISING_TIMEOUT",
	0x3D:  "CONNECTION_TERMINATED_MIC_FAILURE",
	0x3E:  "CONNECTION_FAILED_ESTABLISHMENT",
	0x3F:  "MAC_CONNECTION_FAILED",
	0x40:  "COARSE_CLOCK_ADJUSTMENT_REJECTED",
	0x41:  "TYPE0_SUBMAP_NOT_DEFINED",
	0x42:  "UNKNOWN_ADVERTISING_IDENTIFIER",
	0x43:  "LIMIT_REACHED",
	0x44:  "OPERATION_CANCELLED_BY_HOST",
	0x45:  "PACKET_TOO_LONG",
	0x85:  "ANDROID_SPECIFIC_ERROR",
	0x101: "FAILURE_REGISTERING_CLIENT",
}

// HCIStatusString names a controller status code, as carried by connection
// state changes.
func HCIStatusString(code int) string {
	switch code {
	case ReasonConnectionCanceled:
		return "connection canceled"
	case ReasonAdapterOff:
		return "adapter turned off"
	}
	if s, ok := hciStatuses[code]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_HCI_ERROR (%d)", code)
}

// Scan failure codes reported by the radio.
const (
	ScanFailedAlreadyStarted                = 1
	ScanFailedApplicationRegistrationFailed = 2
	ScanFailedInternalError                 = 3
	ScanFailedFeatureUnsupported            = 4
	ScanFailedOutOfHardwareResources        = 5
	ScanFailedScanningTooFrequently         = 6
)

var scanFailures = map[int]string{
	ScanFailedAlreadyStarted:                "SCAN_FAILED_ALREADY_STARTED",
	ScanFailedApplicationRegistrationFailed: "SCAN_FAILED_APPLICATION_REGISTRATION_FAILED",
	ScanFailedInternalError:                 "SCAN_FAILED_INTERNAL_ERROR",
	ScanFailedFeatureUnsupported:            "SCAN_FAILED_FEATURE_UNSUPPORTED",
	ScanFailedOutOfHardwareResources:        "SCAN_FAILED_OUT_OF_HARDWARE_RESOURCES",
	ScanFailedScanningTooFrequently:         "SCAN_FAILED_SCANNING_TOO_FREQUENTLY",
}

// ScanFailedString names a scan failure code.
func ScanFailedString(code int) string {
	if s, ok := scanFailures[code]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_SCAN_ERROR (%d)", code)
}
