// internal/ble/protocol/mtu.go
package protocol

const (
	// DefaultMTU is the ATT_MTU every LE link starts with.
	DefaultMTU = 23
	// MaxMTU is the largest ATT_MTU an LE link can negotiate.
	MaxMTU = 517
	// MaxAttributeLen is the largest attribute value ATT allows.
	MaxAttributeLen = 512
	// attHeaderLen is the opcode plus handle that precede a write payload.
	attHeaderLen = 3
)

// WriteMode selects between acknowledged and unacknowledged writes.
type WriteMode int

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	if m == WithoutResponse {
		return "withoutResponse"
	}
	return "withResponse"
}

// MaxPayload returns the largest value that may be written in one operation.
// Acknowledged long writes are fragmented by the stack and only bounded by
// MaxAttributeLen; anything else must fit in a single ATT PDU. A non-positive
// mtu means none was negotiated and DefaultMTU applies.
func MaxPayload(mtu int, mode WriteMode, allowLongWrite bool) int {
	if mode == WithResponse && allowLongWrite {
		return MaxAttributeLen
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return min(MaxAttributeLen, mtu-attHeaderLen)
}
