// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"encoding/binary"
	"errors"
)

// RejectReasonFor maps a decode error onto the reason code of the Reject
// PDU a target answers with. The second result is false for errors after
// which the connection must be dropped instead: header digest errors and
// stream errors.
func RejectReasonFor(err error) (RejectReason, bool) {
	var (
		mismatch      *DigestMismatch
		reservedField *ReservedFieldViolation
		fieldValue    *FieldValueViolation
		unknown       *UnknownOpcode
	)
	switch {
	case errors.As(err, &mismatch):
		if mismatch.Kind == HeaderDigest {
			return 0, false
		}
		return RejectDataDigestError, true
	case errors.As(err, &unknown):
		return RejectCommandNotSupported, true
	case errors.As(err, &reservedField):
		return RejectProtocolError, true
	case errors.As(err, &fieldValue):
		return RejectInvalidPDUField, true
	}
	return 0, false
}

// RejectHeader returns the basic header segment of a rejected frame, which
// becomes the data segment of the Reject PDU.
func RejectHeader(frame []byte) []byte {
	header := make([]byte, BHSLength)
	copy(header, frame)
	return header
}

// SenseSegment wraps SCSI sense data in the SenseLength prefixed form
// used by SCSI Response data segments.
func SenseSegment(sense []byte) []byte {
	if len(sense) == 0 {
		return nil
	}
	segment := make([]byte, 2+len(sense))
	binary.BigEndian.PutUint16(segment, uint16(len(sense)))
	copy(segment[2:], sense)
	return segment
}

// ParseSenseSegment extracts sense data from a SCSI Response data segment.
func ParseSenseSegment(segment []byte) ([]byte, error) {
	if len(segment) == 0 {
		return nil, nil
	}
	if len(segment) < 2 {
		return nil, &BufferTooSmall{Need: 2, Have: len(segment)}
	}
	length := int(binary.BigEndian.Uint16(segment))
	if len(segment) < 2+length {
		return nil, &BufferTooSmall{Need: 2 + length, Have: len(segment)}
	}
	return segment[2 : 2+length], nil
}
