// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import "fmt"

// ReservedFieldViolation reports a non-zero bit that RFC 3720 marks reserved.
type ReservedFieldViolation struct {
	Opcode OpCode
	Offset int
	Mask   byte
	Value  byte
}

func (err *ReservedFieldViolation) Error() string {
	return fmt.Sprintf(
		"%s: reserved bits 0x%02x of byte %d are set (0x%02x)",
		err.Opcode, err.Mask, err.Offset, err.Value,
	)
}

// FieldValueViolation reports a field value forbidden for its opcode.
type FieldValueViolation struct {
	Opcode OpCode
	Field  string
	Value  uint64
	Reason string
}

func (err *FieldValueViolation) Error() string {
	return fmt.Sprintf("%s: %s = 0x%x: %s", err.Opcode, err.Field, err.Value, err.Reason)
}

type DigestKind int

const (
	HeaderDigest DigestKind = iota
	DataDigest
)

func (kind DigestKind) String() string {
	if kind == HeaderDigest {
		return "header digest"
	}
	return "data digest"
}

// DigestMismatch is returned together with the decoded PDU.
type DigestMismatch struct {
	Kind     DigestKind
	Expected uint32
	Actual   uint32
}

func (err *DigestMismatch) Error() string {
	return fmt.Sprintf("%s mismatch: computed 0x%08x, received 0x%08x", err.Kind, err.Expected, err.Actual)
}

type BufferTooSmall struct {
	Need int
	Have int
}

func (err *BufferTooSmall) Error() string {
	return fmt.Sprintf("buffer too small: need %d bytes, have %d", err.Need, err.Have)
}

type UnknownOpcode struct {
	Opcode OpCode
}

func (err *UnknownOpcode) Error() string {
	return fmt.Sprintf("unknown opcode 0x%02x", uint8(err.Opcode))
}

type DecodeState int

const (
	AwaitingHeader DecodeState = iota
	HeaderParsed
	AwaitingDataSegment
	Complete
	Rejected
)

func (state DecodeState) String() string {
	switch state {
	case AwaitingHeader:
		return "awaiting header"
	case HeaderParsed:
		return "header parsed"
	case AwaitingDataSegment:
		return "awaiting data segment"
	case Complete:
		return "complete"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("DecodeState(%d)", int(state))
}

// DecodeError is a failed decode. State is Rejected, or Complete for a
// digest mismatch on an otherwise decoded PDU; FailedIn is the state the
// decoder was in when it found Err.
type DecodeError struct {
	State    DecodeState
	FailedIn DecodeState
	Err      error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("decode failed while %s: %v", err.FailedIn, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}
