// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
)

type CommandType byte

const (
	TestUnitReady      CommandType = 0x00
	RequestSense       CommandType = 0x03
	FormatUnit         CommandType = 0x04
	Inquiry            CommandType = 0x12
	ModeSense6         CommandType = 0x1a
	StartStop          CommandType = 0x1b
	ReadCapacity10     CommandType = 0x25
	Read10             CommandType = 0x28
	Write10            CommandType = 0x2a
	SynchronizeCache10 CommandType = 0x35
	ModeSelect10       CommandType = 0x55
	ModeSense10        CommandType = 0x5a
	Read16             CommandType = 0x88
	Write16            CommandType = 0x8a
	SynchronizeCache16 CommandType = 0x91
	WriteSame16        CommandType = 0x93
	ServiceActionIn    CommandType = 0x9e
	ReportLuns         CommandType = 0xa0
)

const (
	ServiceActionReadCapacity16 byte = 0x10
)

var commandNames = map[CommandType]string{
	TestUnitReady:      "TestUnitReady",
	RequestSense:       "RequestSense",
	FormatUnit:         "FormatUnit",
	Inquiry:            "Inquiry",
	ModeSense6:         "ModeSense6",
	StartStop:          "StartStop",
	ReadCapacity10:     "ReadCapacity10",
	Read10:             "Read10",
	Write10:            "Write10",
	SynchronizeCache10: "SynchronizeCache10",
	ModeSelect10:       "ModeSelect10",
	ModeSense10:        "ModeSense10",
	Read16:             "Read16",
	Write16:            "Write16",
	SynchronizeCache16: "SynchronizeCache16",
	WriteSame16:        "WriteSame16",
	ServiceActionIn:    "ServiceActionIn",
	ReportLuns:         "ReportLuns",
}

func (commandType CommandType) String() string {
	if name, ok := commandNames[commandType]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(commandType))
}

// SAM status codes.
const (
	StatusGood                byte = 0x00
	StatusCheckCondition      byte = 0x02
	StatusBusy                byte = 0x08
	StatusReservationConflict byte = 0x18
	StatusTaskAborted         byte = 0x40
)

func StatusName(status byte) string {
	switch status {
	case StatusGood:
		return "good"
	case StatusCheckCondition:
		return "check_condition"
	case StatusBusy:
		return "busy"
	case StatusReservationConflict:
		return "reservation_conflict"
	case StatusTaskAborted:
		return "task_aborted"
	}
	return fmt.Sprintf("0x%02x", status)
}

type DeviceType byte

const (
	TypeDisk    DeviceType = 0x00
	TypeUnknown DeviceType = 0x1f
)

type Attributes struct {
	VendorID           string
	ProductID          string
	ProductRevision    string
	VersionDescriptors [8]uint16
	DeviceType         DeviceType
	// Online is false for the LUN 0 placeholder of a target without one.
	Online bool
	// LBPPBE, logical blocks per physical block exponent
	LogicalBlocksPerPhysicalBlockExponent uint8
	LowestAlignedLBA                      uint16
}

const DefaultBlockShift uint = 9
