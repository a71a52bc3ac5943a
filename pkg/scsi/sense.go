// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "fmt"

const (
	NoSense        byte = 0x00
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	IllegalRequest byte = 0x05
	UnitAttention  byte = 0x06
	AbortedCommand byte = 0x0b
)

type AdditionalSenseCode uint16

const (
	NoAdditionalSense AdditionalSenseCode = 0x0000

	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	AscBecomingReady    AdditionalSenseCode = 0x0401
	AscMediumNotPresent AdditionalSenseCode = 0x3a00

	AscParameterListLengthError AdditionalSenseCode = 0x1a00
	AscInvalidOpCode            AdditionalSenseCode = 0x2000
	AscLbaOutOfRange            AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb        AdditionalSenseCode = 0x2400
	AscLogicalUnitNotSupported  AdditionalSenseCode = 0x2500
	AscSavingParmsUnsup         AdditionalSenseCode = 0x3900
)

const fixedSenseLength = 18

// CommandError terminates a command with CHECK CONDITION.
type CommandError struct {
	SenseKey            byte
	AdditionalSenseCode AdditionalSenseCode
}

func (err *CommandError) Error() string {
	return fmt.Sprintf("check condition: sense key 0x%x, asc/ascq 0x%04x", err.SenseKey, uint16(err.AdditionalSenseCode))
}

func checkCondition(key byte, asc AdditionalSenseCode) *CommandError {
	return &CommandError{SenseKey: key, AdditionalSenseCode: asc}
}

// Sense renders err as fixed format sense data.
func (err *CommandError) Sense() []byte {
	return FixedSense(err.SenseKey, err.AdditionalSenseCode)
}

// FixedSense builds current, fixed format sense data.
func FixedSense(key byte, asc AdditionalSenseCode) []byte {
	sense := make([]byte, fixedSenseLength)
	sense[0] = 0x70
	sense[2] = key & 0x0f
	sense[7] = fixedSenseLength - 8
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

// ParseFixedSense extracts the sense key and ASC/ASCQ.
func ParseFixedSense(sense []byte) (*CommandError, error) {
	if len(sense) < 14 || sense[0]&0x7f != 0x70 && sense[0]&0x7f != 0x71 {
		return nil, fmt.Errorf("not fixed format sense data: % x", sense)
	}
	return &CommandError{
		SenseKey:            sense[2] & 0x0f,
		AdditionalSenseCode: AdditionalSenseCode(sense[12])<<8 | AdditionalSenseCode(sense[13]),
	}, nil
}
