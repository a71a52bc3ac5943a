// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"iscsikit/pkg/negotiation"
)

type SegmentFormat int

const (
	// FormatNone opcodes never carry a data segment.
	FormatNone SegmentFormat = iota
	FormatBinary
	// FormatText segments hold NUL separated key=value pairs.
	FormatText
)

func (format SegmentFormat) String() string {
	switch format {
	case FormatNone:
		return "none"
	case FormatBinary:
		return "binary"
	}
	return "text"
}

// SegmentFormatOf returns the data segment format of opcode.
func SegmentFormatOf(opcode OpCode) (SegmentFormat, bool) {
	slot := lookup(opcode)
	if slot == nil {
		return FormatNone, false
	}
	return slot.format, true
}

// PaddedLength rounds length up to the 4-byte wire boundary.
func PaddedLength(length int) int {
	return (length + padding - 1) &^ (padding - 1)
}

// Assembler collects one data segment of at most maxLength bytes. An
// Assembler belongs to a single PDU exchange and is not safe for
// concurrent use.
type Assembler struct {
	format    SegmentFormat
	maxLength int
	buffer    []byte
}

// NewAssembler creates an assembler. A maxLength of zero selects the
// largest length the 24-bit DataSegmentLength field can express.
func NewAssembler(format SegmentFormat, maxLength int) *Assembler {
	if maxLength <= 0 || maxLength > MaxDataSegmentLength {
		maxLength = MaxDataSegmentLength
	}
	return &Assembler{format: format, maxLength: maxLength}
}

// Append consumes as much of data as fits into the segment and returns the
// number of bytes taken.
func (assembler *Assembler) Append(data []byte) (int, error) {
	if assembler.format == FormatNone && len(data) > 0 {
		return 0, &FieldValueViolation{
			Field:  "DataSegmentLength",
			Value:  uint64(len(data)),
			Reason: "opcode carries no data segment",
		}
	}
	room := assembler.maxLength - len(assembler.buffer)
	consumed := min(room, len(data))
	assembler.buffer = append(assembler.buffer, data[:consumed]...)
	return consumed, nil
}

func (assembler *Assembler) Len() int {
	return len(assembler.buffer)
}

func (assembler *Assembler) Full() bool {
	return len(assembler.buffer) >= assembler.maxLength
}

// Bytes returns the unpadded segment. The slice is only valid until the
// next Append or Reset.
func (assembler *Assembler) Bytes() []byte {
	return assembler.buffer
}

// Serialize returns a copy of the segment padded with zeros to a 4-byte
// boundary.
func (assembler *Assembler) Serialize() []byte {
	wire := make([]byte, PaddedLength(len(assembler.buffer)))
	copy(wire, assembler.buffer)
	return wire
}

// Settings parses the collected text segment.
func (assembler *Assembler) Settings() (*negotiation.Settings, error) {
	if assembler.format != FormatText {
		return nil, &FieldValueViolation{Field: "DataSegment", Reason: "not a text segment"}
	}
	return negotiation.Unmarshal(assembler.buffer)
}

func (assembler *Assembler) Reset() {
	assembler.buffer = assembler.buffer[:0]
}

// Split cuts payload into chunks of at most maxChunk bytes. An empty
// payload yields a single empty chunk so that a PDU is still sent.
func Split(payload []byte, maxChunk int) [][]byte {
	if maxChunk <= 0 {
		maxChunk = MaxDataSegmentLength
	}
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(payload)+maxChunk-1)/maxChunk)
	for len(payload) > 0 {
		size := min(maxChunk, len(payload))
		chunks = append(chunks, payload[:size])
		payload = payload[size:]
	}
	return chunks
}

// TextChunks serializes settings and splits the text into chunks for a
// sequence of Login or Text PDUs joined by the Continue flag.
func TextChunks(settings *negotiation.Settings, maxChunk int) [][]byte {
	return Split(settings.Marshal(), maxChunk)
}
