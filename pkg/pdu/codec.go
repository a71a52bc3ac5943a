// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"io"

	"iscsikit/pkg/digest"
	"iscsikit/pkg/negotiation"
)

// Options carry the negotiated parameters the codec depends on.
type Options struct {
	HeaderDigest bool
	DataDigest   bool
	// MaxRecvDataSegmentLength bounds decoded data segments, zero means
	// no limit beyond the 24-bit field.
	MaxRecvDataSegmentLength uint32
	// MaxXmitDataSegmentLength bounds encoded data segments.
	MaxXmitDataSegmentLength uint32
}

// Codec converts between PDUs and wire bytes. A Codec never changes after
// creation and may be shared between goroutines.
type Codec struct {
	options Options
}

func NewCodec(options Options) *Codec {
	return &Codec{options: options}
}

func (codec *Codec) Options() Options {
	return codec.options
}

func limit(configured uint32) int {
	if configured == 0 || configured > MaxDataSegmentLength {
		return MaxDataSegmentLength
	}
	return int(configured)
}

func (codec *Codec) headerLength(ahsLength int) int {
	length := BHSLength + ahsLength
	if codec.options.HeaderDigest {
		length += DigestLength
	}
	return length
}

func (codec *Codec) frameLength(ahsLength, dataLength int) int {
	length := codec.headerLength(ahsLength) + PaddedLength(dataLength)
	if codec.options.DataDigest && dataLength > 0 {
		length += DigestLength
	}
	return length
}

// FrameLength returns the number of wire bytes of the PDU whose basic
// header segment starts bhs. A data segment above MaxRecvDataSegmentLength
// is an error, so a stream reader never sizes a buffer from it.
func (codec *Codec) FrameLength(bhs []byte) (int, error) {
	if len(bhs) < BHSLength {
		return 0, &BufferTooSmall{Need: BHSLength, Have: len(bhs)}
	}
	dataLength := dataSegmentLength(bhs)
	if dataLength > limit(codec.options.MaxRecvDataSegmentLength) {
		return 0, &DecodeError{State: Rejected, FailedIn: AwaitingHeader, Err: oversizedSegment(OpCode(bhs[0]&opcodeMask), dataLength)}
	}
	return codec.frameLength(int(bhs[4])*4, dataLength), nil
}

func oversizedSegment(opcode OpCode, dataLength int) error {
	return &FieldValueViolation{
		Opcode: opcode, Field: "DataSegmentLength", Value: uint64(dataLength), Reason: "exceeds MaxRecvDataSegmentLength",
	}
}

// continues reports whether message is a Login or Text PDU whose text
// goes on in the next PDU.
func continues(message Message) bool {
	switch message := message.(type) {
	case *LoginRequest:
		return message.Continue
	case *LoginResponse:
		return message.Continue
	case *TextRequest:
		return message.Continue
	case *TextResponse:
		return message.Continue
	}
	return false
}

// WireLength returns the number of bytes Encode produces for header.
func (codec *Codec) WireLength(header *PDU) int {
	return codec.frameLength(len(header.AHS), header.DataSegmentLength())
}

func dataSegmentLength(bhs []byte) int {
	return int(bhs[5])<<16 | int(bhs[6])<<8 | int(bhs[7])
}

// Decode parses the PDU at the start of buf and returns it with the
// number of bytes it occupies. On a digest mismatch the decoded PDU is
// returned together with a *DigestMismatch so the caller can choose
// between dropping it and asking for a retransmission. Any other error
// leaves the PDU nil. Errors are *DecodeError values wrapping one of the
// error types of this package.
func (codec *Codec) Decode(buf []byte) (*PDU, int, error) {
	state := AwaitingHeader
	var mismatch error
	fail := func(err error) (*PDU, int, error) {
		// With a corrupt header every field error is noise; report the
		// digest instead.
		if mismatch != nil {
			err = mismatch
		}
		return nil, 0, &DecodeError{State: Rejected, FailedIn: state, Err: err}
	}
	if len(buf) < BHSLength {
		return fail(&BufferTooSmall{Need: BHSLength, Have: len(buf)})
	}
	ahsLength := int(buf[4]) * 4
	headerLength := codec.headerLength(ahsLength)
	if len(buf) < headerLength {
		return fail(&BufferTooSmall{Need: headerLength, Have: len(buf)})
	}
	header := &PDU{InitiatorTaskTag: binary.BigEndian.Uint32(buf[16:20])}
	if codec.options.HeaderDigest {
		header.HeaderDigest = binary.BigEndian.Uint32(buf[BHSLength+ahsLength:])
		if computed := digest.Checksum(buf[:BHSLength+ahsLength]); computed != header.HeaderDigest {
			mismatch = &DigestMismatch{Kind: HeaderDigest, Expected: computed, Actual: header.HeaderDigest}
		}
	}

	opcode := OpCode(buf[0] & opcodeMask)
	slot := lookup(opcode)
	if slot == nil {
		return fail(&UnknownOpcode{Opcode: opcode})
	}
	if buf[0]&0x80 != 0 {
		return fail(&ReservedFieldViolation{Opcode: opcode, Offset: 0, Mask: 0x80, Value: buf[0] & 0x80})
	}
	header.Immediate = buf[0]&0x40 != 0
	if header.Immediate && !slot.immediateAllowed {
		return fail(&ReservedFieldViolation{Opcode: opcode, Offset: 0, Mask: 0x40, Value: 0x40})
	}
	if ahsLength != 0 && !slot.ahsAllowed {
		return fail(&FieldValueViolation{
			Opcode: opcode, Field: "TotalAHSLength", Value: uint64(buf[4]), Reason: "opcode carries no AHS",
		})
	}
	dataLength := dataSegmentLength(buf)
	if slot.format == FormatNone && dataLength != 0 {
		return fail(&FieldValueViolation{
			Opcode: opcode, Field: "DataSegmentLength", Value: uint64(dataLength), Reason: "opcode carries no data segment",
		})
	}
	if dataLength > limit(codec.options.MaxRecvDataSegmentLength) {
		return fail(oversizedSegment(opcode, dataLength))
	}
	message, err := slot.decode(buf[:BHSLength])
	if err != nil {
		return fail(err)
	}
	header.Message = message
	if ahsLength > 0 {
		header.AHS = append([]byte(nil), buf[BHSLength:BHSLength+ahsLength]...)
	}
	state = HeaderParsed

	total := codec.frameLength(ahsLength, dataLength)
	if len(buf) < total {
		state = AwaitingDataSegment
		return fail(&BufferTooSmall{Need: total, Have: len(buf)})
	}
	if dataLength > 0 {
		state = AwaitingDataSegment
		segment := buf[headerLength : headerLength+PaddedLength(dataLength)]
		header.Data = append([]byte(nil), segment[:dataLength]...)
		if codec.options.DataDigest {
			header.DataDigest = binary.BigEndian.Uint32(buf[headerLength+len(segment):])
			computed := digest.Checksum(segment)
			if computed != header.DataDigest && mismatch == nil {
				mismatch = &DigestMismatch{Kind: DataDigest, Expected: computed, Actual: header.DataDigest}
			}
		}
		if slot.format == FormatText && mismatch == nil && !continues(message) {
			// A pair may span PDUs, so a segment that does not parse on
			// its own can still be the tail of a continued text. It is
			// left for the reassembled text to validate, as are repeated
			// keys of SendTargets responses.
			if settings, err := negotiation.Unmarshal(header.Data); err == nil {
				header.Settings = settings
			}
		}
	}
	if err := CheckIntegrity(header); err != nil {
		return fail(err)
	}
	if mismatch != nil {
		return header, total, &DecodeError{State: Complete, FailedIn: Complete, Err: mismatch}
	}
	return header, total, nil
}

// Encode returns the wire representation of header, including digests
// when they are enabled.
func (codec *Codec) Encode(header *PDU) ([]byte, error) {
	if err := codec.validate(header); err != nil {
		return nil, err
	}
	buf := make([]byte, codec.WireLength(header))
	if _, err := codec.encode(buf, header); err != nil {
		return nil, err
	}
	return buf, nil
}

func (codec *Codec) validate(header *PDU) error {
	if header == nil || header.Message == nil {
		return &UnknownOpcode{Opcode: opcodeMask}
	}
	opcode := header.Opcode()
	slot := lookup(opcode)
	if slot == nil {
		return &UnknownOpcode{Opcode: opcode}
	}
	if header.Immediate && !slot.immediateAllowed {
		return &ReservedFieldViolation{Opcode: opcode, Offset: 0, Mask: 0x40, Value: 0x40}
	}
	if len(header.AHS) > 0 && !slot.ahsAllowed {
		return &FieldValueViolation{Opcode: opcode, Field: "TotalAHSLength", Value: uint64(len(header.AHS) / 4), Reason: "opcode carries no AHS"}
	}
	if len(header.AHS)%4 != 0 || len(header.AHS) > 255*4 {
		return &FieldValueViolation{Opcode: opcode, Field: "AHS", Value: uint64(len(header.AHS)), Reason: "length must be a multiple of 4 up to 1020"}
	}
	dataLength := header.DataSegmentLength()
	if slot.format == FormatNone && dataLength != 0 {
		return &FieldValueViolation{Opcode: opcode, Field: "DataSegmentLength", Value: uint64(dataLength), Reason: "opcode carries no data segment"}
	}
	if dataLength > limit(codec.options.MaxXmitDataSegmentLength) {
		return &FieldValueViolation{Opcode: opcode, Field: "DataSegmentLength", Value: uint64(dataLength), Reason: "exceeds MaxXmitDataSegmentLength"}
	}
	return CheckIntegrity(header)
}

// EncodeTo writes header into buf and returns the number of bytes used.
// buf is left untouched when an error is returned.
func (codec *Codec) EncodeTo(buf []byte, header *PDU) (int, error) {
	if err := codec.validate(header); err != nil {
		return 0, err
	}
	return codec.encode(buf, header)
}

func (codec *Codec) encode(buf []byte, header *PDU) (int, error) {
	data := header.Segment()
	ahsLength := len(header.AHS)
	total := codec.frameLength(ahsLength, len(data))
	if len(buf) < total {
		return 0, &BufferTooSmall{Need: total, Have: len(buf)}
	}
	var bhs [BHSLength]byte
	slot := lookup(header.Opcode())
	if err := slot.encode(bhs[:], header.Message); err != nil {
		return 0, err
	}
	bhs[0] = byte(slot.opcode)
	if header.Immediate {
		bhs[0] |= 0x40
	}
	bhs[4] = byte(ahsLength / 4)
	bhs[5] = byte(len(data) >> 16)
	bhs[6] = byte(len(data) >> 8)
	bhs[7] = byte(len(data))
	binary.BigEndian.PutUint32(bhs[16:20], header.InitiatorTaskTag)

	frame := buf[:total]
	clear(frame)
	copy(frame, bhs[:])
	copy(frame[BHSLength:], header.AHS)
	offset := BHSLength + ahsLength
	if codec.options.HeaderDigest {
		binary.BigEndian.PutUint32(frame[offset:], digest.Checksum(frame[:offset]))
		offset += DigestLength
	}
	if len(data) > 0 {
		copy(frame[offset:], data)
		padded := frame[offset : offset+PaddedLength(len(data))]
		offset += len(padded)
		if codec.options.DataDigest {
			binary.BigEndian.PutUint32(frame[offset:], digest.Checksum(padded))
		}
	}
	return total, nil
}

// ReadPDU reads exactly one PDU from reader.
func (codec *Codec) ReadPDU(reader io.Reader) (*PDU, error) {
	bhs := make([]byte, BHSLength)
	if _, err := io.ReadFull(reader, bhs); err != nil {
		return nil, err
	}
	total, err := codec.FrameLength(bhs)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, bhs)
	if _, err := io.ReadFull(reader, frame[BHSLength:]); err != nil {
		return nil, err
	}
	header, _, err := codec.Decode(frame)
	return header, err
}

func (codec *Codec) WritePDU(writer io.Writer, header *PDU) error {
	frame, err := codec.Encode(header)
	if err != nil {
		return err
	}
	_, err = writer.Write(frame)
	return err
}
