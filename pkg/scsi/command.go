// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"

	uuid "github.com/satori/go.uuid"
)

// Command is one SCSI task as seen by a logical unit. The transport fills
// the request fields, Execute fills Status, Sense and DataIn.
type Command struct {
	CDB []byte
	// LUN is the 8-byte LUN field of the transport.
	LUN            uint64
	NexusID        uuid.UUID
	PortGroup      uint16
	RelativePortID uint16
	PortName       string
	// ExpectedLength is the number of bytes the initiator expects to move.
	ExpectedLength uint32
	DataOut        []byte

	Status byte
	Sense  []byte
	DataIn []byte
	// produced is the data-in length before truncation to ExpectedLength.
	produced int
}

func (command *Command) OperationCode() CommandType {
	if len(command.CDB) == 0 {
		return TestUnitReady
	}
	return CommandType(command.CDB[0])
}

// Residual reports how the data-in length compares with ExpectedLength.
func (command *Command) Residual() (overflow, underflow bool, count uint32) {
	expected := int(command.ExpectedLength)
	switch {
	case command.produced > expected:
		return true, false, uint32(command.produced - expected)
	case command.produced < expected:
		return false, true, uint32(expected - command.produced)
	}
	return false, false, 0
}

// lbaAndCount decodes the LBA and block count of the read, write and
// synchronize commands.
func lbaAndCount(cdb []byte) (uint64, uint32) {
	switch CommandType(cdb[0]) {
	case Read10, Write10, SynchronizeCache10:
		return uint64(binary.BigEndian.Uint32(cdb[2:])), uint32(binary.BigEndian.Uint16(cdb[7:]))
	case Read16, Write16, WriteSame16, SynchronizeCache16:
		return binary.BigEndian.Uint64(cdb[2:]), binary.BigEndian.Uint32(cdb[10:])
	}
	return 0, 0
}

// cdbLength returns the length of the CDB group of opcode.
func cdbLength(opcode CommandType) int {
	switch byte(opcode) >> 5 {
	case 0:
		return 6
	case 1, 2:
		return 10
	case 4:
		return 16
	case 5:
		return 12
	}
	return 6
}

// EncodeLUN renders a LUN number as the 8-byte LUN field, using
// peripheral addressing below 256 and flat addressing above.
func EncodeLUN(number uint16) uint64 {
	if number < 256 {
		return uint64(number) << 48
	}
	return uint64(0x4000|number&0x3fff) << 48
}

// DecodeLUN extracts the LUN number from the first level of the field.
func DecodeLUN(field uint64) uint16 {
	first := uint16(field >> 48)
	switch first >> 14 {
	case 0:
		return first & 0xff
	case 1:
		return first & 0x3fff
	}
	return first
}

// Read10CDB and the other builders render the CDBs the initiator sends.
func Read10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(Read10)
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

func Write10CDB(lba uint32, blocks uint16) []byte {
	cdb := Read10CDB(lba, blocks)
	cdb[0] = byte(Write10)
	return cdb
}

func Read16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(Read16)
	binary.BigEndian.PutUint64(cdb[2:], lba)
	binary.BigEndian.PutUint32(cdb[10:], blocks)
	return cdb
}

func Write16CDB(lba uint64, blocks uint32) []byte {
	cdb := Read16CDB(lba, blocks)
	cdb[0] = byte(Write16)
	return cdb
}

func InquiryCDB(vpd bool, page byte, allocation uint16) []byte {
	cdb := make([]byte, 6)
	cdb[0] = byte(Inquiry)
	if vpd {
		cdb[1] = 0x01
	}
	cdb[2] = page
	binary.BigEndian.PutUint16(cdb[3:], allocation)
	return cdb
}

func ReadCapacity10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(ReadCapacity10)
	return cdb
}

func ReadCapacity16CDB(allocation uint32) []byte {
	cdb := make([]byte, 16)
	cdb[0] = byte(ServiceActionIn)
	cdb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:], allocation)
	return cdb
}

func ReportLunsCDB(allocation uint32) []byte {
	cdb := make([]byte, 12)
	cdb[0] = byte(ReportLuns)
	binary.BigEndian.PutUint32(cdb[6:], allocation)
	return cdb
}

func TestUnitReadyCDB() []byte {
	return make([]byte, 6)
}

func SynchronizeCache10CDB() []byte {
	cdb := make([]byte, 10)
	cdb[0] = byte(SynchronizeCache10)
	return cdb
}
