// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"math/bits"
	"strconv"
)

// field maps one byte range of the BHS onto a member of message type M.
type field[M any] struct {
	decode func(opcode OpCode, bhs []byte, message *M) error
	encode func(opcode OpCode, bhs []byte, message *M) error
}

func u8[M any, T ~uint8](offset int, ref func(*M) *T) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = T(bhs[offset])
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			bhs[offset] = uint8(*ref(message))
			return nil
		},
	}
}

func u16[M any, T ~uint16](offset int, ref func(*M) *T) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = T(binary.BigEndian.Uint16(bhs[offset:]))
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			binary.BigEndian.PutUint16(bhs[offset:], uint16(*ref(message)))
			return nil
		},
	}
}

func u32[M any, T ~uint32](offset int, ref func(*M) *T) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = T(binary.BigEndian.Uint32(bhs[offset:]))
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			binary.BigEndian.PutUint32(bhs[offset:], uint32(*ref(message)))
			return nil
		},
	}
}

func u64[M any](offset int, ref func(*M) *uint64) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = binary.BigEndian.Uint64(bhs[offset:])
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			binary.BigEndian.PutUint64(bhs[offset:], *ref(message))
			return nil
		},
	}
}

// isid maps the 6-byte ISID onto the low 48 bits of a uint64.
func isid[M any](offset int, ref func(*M) *uint64) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			var value uint64
			for _, b := range bhs[offset : offset+6] {
				value = value<<8 | uint64(b)
			}
			*ref(message) = value
			return nil
		},
		encode: func(opcode OpCode, bhs []byte, message *M) error {
			value := *ref(message)
			if value>>48 != 0 {
				return &FieldValueViolation{Opcode: opcode, Field: "ISID", Value: value, Reason: "wider than 48 bits"}
			}
			for i := 5; i >= 0; i-- {
				bhs[offset+i] = byte(value)
				value >>= 8
			}
			return nil
		},
	}
}

func raw[M any](offset int, ref func(*M) *[16]byte) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			copy(ref(message)[:], bhs[offset:])
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			copy(bhs[offset:], ref(message)[:])
			return nil
		},
	}
}

func flag[M any](offset int, mask byte, ref func(*M) *bool) field[M] {
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = bhs[offset]&mask != 0
			return nil
		},
		encode: func(_ OpCode, bhs []byte, message *M) error {
			if *ref(message) {
				bhs[offset] |= mask
			}
			return nil
		},
	}
}

// bitField maps the bits selected by mask onto a small integer.
func bitField[M any, T ~uint8](offset int, mask byte, name string, ref func(*M) *T) field[M] {
	shift := bits.TrailingZeros8(mask)
	return field[M]{
		decode: func(_ OpCode, bhs []byte, message *M) error {
			*ref(message) = T((bhs[offset] & mask) >> shift)
			return nil
		},
		encode: func(opcode OpCode, bhs []byte, message *M) error {
			value := uint8(*ref(message))
			if value > mask>>shift {
				return &FieldValueViolation{Opcode: opcode, Field: name, Value: uint64(value), Reason: "does not fit its bit field"}
			}
			bhs[offset] |= value << shift
			return nil
		},
	}
}

func reservedBits[M any](offset int, mask byte) field[M] {
	return field[M]{
		decode: func(opcode OpCode, bhs []byte, _ *M) error {
			if value := bhs[offset] & mask; value != 0 {
				return &ReservedFieldViolation{Opcode: opcode, Offset: offset, Mask: mask, Value: value}
			}
			return nil
		},
		encode: func(OpCode, []byte, *M) error { return nil },
	}
}

// reserved requires bytes [start, end) to be zero.
func reserved[M any](start, end int) field[M] {
	return field[M]{
		decode: func(opcode OpCode, bhs []byte, _ *M) error {
			for offset := start; offset < end; offset++ {
				if bhs[offset] != 0 {
					return &ReservedFieldViolation{Opcode: opcode, Offset: offset, Mask: 0xff, Value: bhs[offset]}
				}
			}
			return nil
		},
		encode: func(OpCode, []byte, *M) error { return nil },
	}
}

// fixedBit is a bit RFC 3720 requires to be 1.
func fixedBit[M any](offset int, mask byte) field[M] {
	return field[M]{
		decode: func(opcode OpCode, bhs []byte, _ *M) error {
			if bhs[offset]&mask == 0 {
				return &FieldValueViolation{
					Opcode: opcode,
					Field:  "byte " + strconv.Itoa(offset) + " fixed bit",
					Value:  uint64(bhs[offset]),
					Reason: "must be set",
				}
			}
			return nil
		},
		encode: func(_ OpCode, bhs []byte, _ *M) error {
			bhs[offset] |= mask
			return nil
		},
	}
}

// entry is the dispatch table slot of one opcode.
type entry struct {
	opcode           OpCode
	format           SegmentFormat
	immediateAllowed bool
	ahsAllowed       bool
	decode           func(bhs []byte) (Message, error)
	encode           func(bhs []byte, message Message) error
}

type layoutOptions struct {
	format           SegmentFormat
	immediateAllowed bool
	ahsAllowed       bool
}

// newEntry builds the type-erased dispatch slot for message type M from its
// field list. Fields are applied in order and the first error wins.
func newEntry[M any, PM interface {
	*M
	Message
}](options layoutOptions, fields ...field[M]) *entry {
	opcode := PM(new(M)).Opcode()
	return &entry{
		opcode:           opcode,
		format:           options.format,
		immediateAllowed: options.immediateAllowed,
		ahsAllowed:       options.ahsAllowed,
		decode: func(bhs []byte) (Message, error) {
			message := new(M)
			for _, layoutField := range fields {
				if err := layoutField.decode(opcode, bhs, message); err != nil {
					return nil, err
				}
			}
			return PM(message), nil
		},
		encode: func(bhs []byte, message Message) error {
			typed, ok := message.(PM)
			if !ok {
				return &UnknownOpcode{Opcode: message.Opcode()}
			}
			for _, layoutField := range fields {
				if err := layoutField.encode(opcode, bhs, typed); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
