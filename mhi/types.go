// MHI wire types and encodings
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mhi

import (
	"encoding/binary"

	"github.com/usbarmory/mhi/dma"
)

// Direction and its two values are re-exported from dma so callers of this
// package never need to import dma solely to name a transfer direction.
type Direction = dma.Direction

const (
	ToDevice   = dma.ToDevice
	FromDevice = dma.FromDevice
)

// TRESize is the fixed size, in bytes, of every transfer, command and
// event ring element.
const TRESize = 16

// Data TRE dword1 flag bits.
const (
	TREFlagChain uint32 = 1 << 0
	TREFlagEOT   uint32 = 1 << 8
	TREFlagEOB   uint32 = 1 << 9
	TREFlagBEI   uint32 = 1 << 10
)

// sfrChannel is the sentinel channel ID a CmdSFRConfig command's TRE
// carries, since it targets no particular channel. Event elements only
// carry a 16-bit channel ID, so the sentinel must fit in that width.
const sfrChannel uint32 = 0xffff

// EncodeDataTRE writes a data transfer ring element.
func EncodeDataTRE(elem []byte, devAddr uint64, length uint32, flags uint32) {
	binary.LittleEndian.PutUint64(elem[0:8], devAddr)
	binary.LittleEndian.PutUint32(elem[8:12], length)
	binary.LittleEndian.PutUint32(elem[12:16], flags)
}

// DecodeDataTRE reads a data transfer ring element.
func DecodeDataTRE(elem []byte) (devAddr uint64, length uint32, flags uint32) {
	devAddr = binary.LittleEndian.Uint64(elem[0:8])
	length = binary.LittleEndian.Uint32(elem[8:12])
	flags = binary.LittleEndian.Uint32(elem[12:16])
	return
}

// CommandOpcode identifies a command ring element's operation.
type CommandOpcode uint32

const (
	CmdReset CommandOpcode = iota
	CmdStop
	CmdStart
	// CmdSFRConfig is the SFR (stack frame report) misc command,
	// supplemented from the original driver's mhi_misc_cmd_configure:
	// it addresses no channel and completes through a controller-level
	// latch instead of a per-channel one.
	CmdSFRConfig
)

// EncodeCommandTRE writes a command ring element.
func EncodeCommandTRE(elem []byte, opcode CommandOpcode, chanID uint32) {
	binary.LittleEndian.PutUint64(elem[0:8], 0)
	binary.LittleEndian.PutUint32(elem[8:12], uint32(opcode))
	binary.LittleEndian.PutUint32(elem[12:16], chanID)
}

// DecodeCommandTRE reads a command ring element.
func DecodeCommandTRE(elem []byte) (opcode CommandOpcode, chanID uint32) {
	opcode = CommandOpcode(binary.LittleEndian.Uint32(elem[8:12]))
	chanID = binary.LittleEndian.Uint32(elem[12:16])
	return
}

// EventType classifies a posted event.
type EventType uint8

const (
	EventTX EventType = iota
	EventRSCTX
	EventCmdCompletion
	EventStateChange
	EventEEChange
	EventBWReq
)

// eventTypeStale is an in-band sentinel type a TX event is rewritten to
// when its channel is reset between posting and observation; it is never
// produced by a device, only by Channel.markStaleEvents.
const eventTypeStale EventType = 0xfe

// EventCode qualifies a TX/RSC_TX event, or carries a command's completion
// result for CMD_COMPLETION events.
type EventCode uint8

const (
	CodeSuccess EventCode = iota
	CodeEOT
	CodeEOB
	CodeOverflow
	CodeOOB
	CodeDBMode
	CodeBadTRE
)

// EncodeEvent writes an event ring element. length doubles as the payload
// for STATE_CHANGE/EE_CHANGE/BW_REQ events, which carry a single 32-bit
// value (new PM state, new EE, or link info) instead of a byte count.
func EncodeEvent(elem []byte, typ EventType, chanID uint32, code EventCode, length uint32, ptr uint64) {
	binary.LittleEndian.PutUint64(elem[0:8], ptr)
	binary.LittleEndian.PutUint32(elem[8:12], length)
	elem[12] = byte(typ)
	elem[13] = byte(code)
	binary.LittleEndian.PutUint16(elem[14:16], uint16(chanID))
}

// DecodeEvent reads an event ring element. chanID is widened back to
// uint32 for symmetry with channel IDs elsewhere, though only 16 bits are
// ever encoded (the SFR sentinel is compared against its low 16 bits).
func DecodeEvent(elem []byte) (typ EventType, chanID uint32, code EventCode, length uint32, ptr uint64) {
	ptr = binary.LittleEndian.Uint64(elem[0:8])
	length = binary.LittleEndian.Uint32(elem[8:12])
	typ = EventType(elem[12])
	code = EventCode(elem[13])
	chanID = uint32(binary.LittleEndian.Uint16(elem[14:16]))
	return
}

// IsStaleEvent reports whether an event's type byte was rewritten to the
// STALE sentinel by a concurrent channel teardown.
func IsStaleEvent(elem []byte) bool {
	return EventType(elem[12]) == eventTypeStale
}

// MarkStale rewrites an event's type byte in place to STALE, leaving the
// rest of the element untouched so a later full decode is still
// well-formed if ever inspected directly.
func MarkStale(elem []byte) {
	elem[12] = byte(eventTypeStale)
}

// Status qualifies a completed transfer delivered to a client callback.
type Status int

const (
	StatusOK Status = iota
	StatusOverflow
	StatusDisconnected
)

// XferResult is delivered to a channel's client callback on every retired
// TRE.
type XferResult struct {
	Buf              []byte
	BytesTransferred int
	Dir              Direction
	Status           Status
}

// XferCallback is a per-channel client collaborator invoked once per
// retired TRE, in ring order.
type XferCallback func(XferResult)

// ChannelState is a channel's lifecycle state.
type ChannelState int

const (
	ChanDisabled ChannelState = iota
	ChanEnabled
	ChanStop
	ChanSuspended
)

func (s ChannelState) String() string {
	switch s {
	case ChanDisabled:
		return "DISABLED"
	case ChanEnabled:
		return "ENABLED"
	case ChanStop:
		return "STOP"
	case ChanSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// ExecutionEnvironment is the device's reported execution environment.
type ExecutionEnvironment uint32

const (
	EEPBL ExecutionEnvironment = iota
	EESBL
	EEAMSS
	EEWFW
	EERDDM
)

// ControllerEvent is delivered to the controller collaborator's StatusCB
// for lifecycle notifications that have no more specific home.
type ControllerEvent int

const (
	EventBWReqNotify ControllerEvent = iota
	EventEERDDM
	EventFatalError
	EventSysErr
	EventPendingData
)

// PMState is the controller's power-management state. The state machine
// that drives transitions between these is an external collaborator
// (spec §1); the core only needs to classify the current state to decide
// whether register and doorbell access are currently valid.
type PMState int

const (
	PMM0 PMState = iota
	PMM1
	PMM2
	PMM3
	PMSysErrDetect
	PMSysErrProcess
	PMFatalError
	PMDisable
)

// RegAccessValid reports whether register reads/writes are safe in this
// PM state.
func (s PMState) RegAccessValid() bool {
	return s != PMDisable && s != PMFatalError
}

// DBAccessValid reports whether doorbell writes are permitted in this PM
// state; only the fully active M0 state allows them.
func (s PMState) DBAccessValid() bool {
	return s == PMM0
}

// InErrorState reports whether this PM state is one of the error classes
// that fail submission and command issue with ErrIO.
func (s PMState) InErrorState() bool {
	return s == PMSysErrDetect || s == PMSysErrProcess || s == PMFatalError
}

// InSuspendState reports whether this PM state requires a resume trigger
// before the device will service new work.
func (s PMState) InSuspendState() bool {
	return s == PMM2 || s == PMM3
}
