// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import "iscsikit/pkg/serial"

// Message holds the opcode-specific fields of a PDU. The set of
// implementations is closed: one struct per opcode in this package.
type Message interface {
	Opcode() OpCode
	check(header *PDU, dataLength int) error
}

type NopOut struct {
	LUN               uint64
	TargetTransferTag uint32
	CmdSN             serial.Number
	ExpStatSN         serial.Number
}

type SCSICommand struct {
	Final                      bool
	Read                       bool
	Write                      bool
	Attribute                  TaskAttribute
	LUN                        uint64
	ExpectedDataTransferLength uint32
	CmdSN                      serial.Number
	ExpStatSN                  serial.Number
	CDB                        [16]byte
}

type TaskManagementRequest struct {
	Function          TaskFunction
	LUN               uint64
	ReferencedTaskTag uint32
	CmdSN             serial.Number
	ExpStatSN         serial.Number
	RefCmdSN          serial.Number
	ExpDataSN         serial.Number
}

type LoginRequest struct {
	Transit      bool
	Continue     bool
	CurrentStage Stage
	NextStage    Stage
	VersionMax   uint8
	VersionMin   uint8
	// ISID occupies the low 48 bits.
	ISID      uint64
	TSIH      uint16
	CID       uint16
	CmdSN     serial.Number
	ExpStatSN serial.Number
}

type TextRequest struct {
	Final             bool
	Continue          bool
	LUN               uint64
	TargetTransferTag uint32
	CmdSN             serial.Number
	ExpStatSN         serial.Number
}

type DataOut struct {
	Final             bool
	LUN               uint64
	TargetTransferTag uint32
	ExpStatSN         serial.Number
	DataSN            serial.Number
	BufferOffset      uint32
}

type LogoutRequest struct {
	Reason    LogoutReason
	CID       uint16
	CmdSN     serial.Number
	ExpStatSN serial.Number
}

type SNACKRequest struct {
	Type              SNACKType
	LUN               uint64
	TargetTransferTag uint32
	ExpStatSN         serial.Number
	BegRun            uint32
	RunLength         uint32
}

type NopIn struct {
	LUN               uint64
	TargetTransferTag uint32
	StatSN            serial.Number
	ExpCmdSN          serial.Number
	MaxCmdSN          serial.Number
}

type SCSIResponse struct {
	BidiOverflow      bool
	BidiUnderflow     bool
	Overflow          bool
	Underflow         bool
	Response          uint8
	Status            uint8
	SNACKTag          uint32
	StatSN            serial.Number
	ExpCmdSN          serial.Number
	MaxCmdSN          serial.Number
	ExpDataSN         serial.Number
	BidiResidualCount uint32
	ResidualCount     uint32
}

type TaskManagementResponse struct {
	Response TaskResponse
	StatSN   serial.Number
	ExpCmdSN serial.Number
	MaxCmdSN serial.Number
}

type LoginResponse struct {
	Transit       bool
	Continue      bool
	CurrentStage  Stage
	NextStage     Stage
	VersionMax    uint8
	VersionActive uint8
	ISID          uint64
	TSIH          uint16
	StatSN        serial.Number
	ExpCmdSN      serial.Number
	MaxCmdSN      serial.Number
	StatusClass   uint8
	StatusDetail  uint8
}

type TextResponse struct {
	Final             bool
	Continue          bool
	LUN               uint64
	TargetTransferTag uint32
	StatSN            serial.Number
	ExpCmdSN          serial.Number
	MaxCmdSN          serial.Number
}

type DataIn struct {
	Final             bool
	Acknowledge       bool
	Overflow          bool
	Underflow         bool
	HasStatus         bool
	Status            uint8
	LUN               uint64
	TargetTransferTag uint32
	StatSN            serial.Number
	ExpCmdSN          serial.Number
	MaxCmdSN          serial.Number
	DataSN            serial.Number
	BufferOffset      uint32
	ResidualCount     uint32
}

type LogoutResponse struct {
	Response    LogoutResponseCode
	StatSN      serial.Number
	ExpCmdSN    serial.Number
	MaxCmdSN    serial.Number
	Time2Wait   uint16
	Time2Retain uint16
}

type ReadyToTransfer struct {
	LUN                       uint64
	TargetTransferTag         uint32
	StatSN                    serial.Number
	ExpCmdSN                  serial.Number
	MaxCmdSN                  serial.Number
	R2TSN                     serial.Number
	BufferOffset              uint32
	DesiredDataTransferLength uint32
}

type AsyncMessage struct {
	LUN        uint64
	StatSN     serial.Number
	ExpCmdSN   serial.Number
	MaxCmdSN   serial.Number
	Event      AsyncEvent
	VendorCode uint8
	Parameter1 uint16
	Parameter2 uint16
	Parameter3 uint16
}

// Reject carries the header of the rejected PDU as its data segment.
type Reject struct {
	Reason   RejectReason
	StatSN   serial.Number
	ExpCmdSN serial.Number
	MaxCmdSN serial.Number
	// DataSN or R2TSN of the rejected PDU, only with RejectProtocolError.
	DataSN serial.Number
}

func (*NopOut) Opcode() OpCode                 { return OpNoopOut }
func (*SCSICommand) Opcode() OpCode            { return OpSCSICmd }
func (*TaskManagementRequest) Opcode() OpCode  { return OpSCSITaskReq }
func (*LoginRequest) Opcode() OpCode           { return OpLoginReq }
func (*TextRequest) Opcode() OpCode            { return OpTextReq }
func (*DataOut) Opcode() OpCode                { return OpSCSIOut }
func (*LogoutRequest) Opcode() OpCode          { return OpLogoutReq }
func (*SNACKRequest) Opcode() OpCode           { return OpSNACKReq }
func (*NopIn) Opcode() OpCode                  { return OpNoopIn }
func (*SCSIResponse) Opcode() OpCode           { return OpSCSIResp }
func (*TaskManagementResponse) Opcode() OpCode { return OpSCSITaskResp }
func (*LoginResponse) Opcode() OpCode          { return OpLoginResp }
func (*TextResponse) Opcode() OpCode           { return OpTextResp }
func (*DataIn) Opcode() OpCode                 { return OpSCSIIn }
func (*LogoutResponse) Opcode() OpCode         { return OpLogoutResp }
func (*ReadyToTransfer) Opcode() OpCode        { return OpReady }
func (*AsyncMessage) Opcode() OpCode           { return OpAsync }
func (*Reject) Opcode() OpCode                 { return OpReject }
