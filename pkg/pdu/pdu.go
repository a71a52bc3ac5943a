// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package pdu encodes and decodes iSCSI protocol data units (RFC 3720
// section 10). Each opcode has its own message type; the byte layout of
// every message is declared as a list of field mappings in layouts.go.
package pdu

import (
	"fmt"

	"iscsikit/pkg/negotiation"
)

type PDU struct {
	Immediate        bool
	InitiatorTaskTag uint32
	// AHS is the raw additional header segment, a multiple of 4 bytes.
	AHS     []byte
	Message Message
	// Data is the unpadded data segment.
	Data []byte
	// Settings is the parsed data segment of Login and Text PDUs. When
	// encoding, Data takes precedence if both are set.
	Settings *negotiation.Settings
	// Digests as received on the wire. Encoding computes its own.
	HeaderDigest uint32
	DataDigest   uint32
}

func (header *PDU) Opcode() OpCode {
	return header.Message.Opcode()
}

// Segment returns the data segment that is sent for the PDU.
func (header *PDU) Segment() []byte {
	if header.Data != nil {
		return header.Data
	}
	if header.Settings != nil {
		if slot := lookup(header.Opcode()); slot != nil && slot.format == FormatText {
			return header.Settings.Marshal()
		}
	}
	return nil
}

func (header *PDU) DataSegmentLength() int {
	return len(header.Segment())
}

func (header *PDU) TotalAHSLength() int {
	return len(header.AHS) / 4
}

func (header *PDU) String() string {
	if header.Message == nil {
		return "PDU{}"
	}
	return fmt.Sprintf(
		"%s{I:%t ITT:0x%08x DSL:%d %+v}",
		header.Opcode(),
		header.Immediate,
		header.InitiatorTaskTag,
		header.DataSegmentLength(),
		header.Message,
	)
}

// NewPDU builds a PDU around message with an initiator task tag.
func NewPDU(message Message, initiatorTaskTag uint32) *PDU {
	return &PDU{Message: message, InitiatorTaskTag: initiatorTaskTag}
}
