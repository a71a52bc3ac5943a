// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"fmt"

	"iscsikit/pkg/serial"
)

// Byte 0, TotalAHSLength, DataSegmentLength and the Initiator Task Tag
// are common to all opcodes and handled by the codec. The layouts below
// cover bytes 1-3, 8-15 and 20-47.

var dispatch [opcodeMask + 1]*entry

func register(slot *entry) {
	if dispatch[slot.opcode] != nil {
		panic(fmt.Sprintf("opcode %s registered twice", slot.opcode))
	}
	dispatch[slot.opcode] = slot
}

func lookup(opcode OpCode) *entry {
	if int(opcode) >= len(dispatch) {
		return nil
	}
	return dispatch[opcode]
}

var (
	initiatorNone   = layoutOptions{format: FormatNone, immediateAllowed: true}
	initiatorText   = layoutOptions{format: FormatText, immediateAllowed: true}
	initiatorBinary = layoutOptions{format: FormatBinary, immediateAllowed: true}
	targetNone      = layoutOptions{format: FormatNone}
	targetText      = layoutOptions{format: FormatText}
	targetBinary    = layoutOptions{format: FormatBinary}
)

func init() {
	register(newEntry[NopOut](initiatorBinary,
		fixedBit[NopOut](1, 0x80),
		reservedBits[NopOut](1, 0x7f),
		reserved[NopOut](2, 4),
		u64(8, func(m *NopOut) *uint64 { return &m.LUN }),
		u32(20, func(m *NopOut) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *NopOut) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *NopOut) *serial.Number { return &m.ExpStatSN }),
		reserved[NopOut](32, 48),
	))
	register(newEntry[SCSICommand](layoutOptions{format: FormatBinary, immediateAllowed: true, ahsAllowed: true},
		flag(1, 0x80, func(m *SCSICommand) *bool { return &m.Final }),
		flag(1, 0x40, func(m *SCSICommand) *bool { return &m.Read }),
		flag(1, 0x20, func(m *SCSICommand) *bool { return &m.Write }),
		reservedBits[SCSICommand](1, 0x18),
		bitField(1, 0x07, "ATTR", func(m *SCSICommand) *TaskAttribute { return &m.Attribute }),
		reserved[SCSICommand](2, 4),
		u64(8, func(m *SCSICommand) *uint64 { return &m.LUN }),
		u32(20, func(m *SCSICommand) *uint32 { return &m.ExpectedDataTransferLength }),
		u32(24, func(m *SCSICommand) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *SCSICommand) *serial.Number { return &m.ExpStatSN }),
		raw(32, func(m *SCSICommand) *[16]byte { return &m.CDB }),
	))
	register(newEntry[TaskManagementRequest](initiatorNone,
		fixedBit[TaskManagementRequest](1, 0x80),
		bitField(1, 0x7f, "Function", func(m *TaskManagementRequest) *TaskFunction { return &m.Function }),
		reserved[TaskManagementRequest](2, 4),
		u64(8, func(m *TaskManagementRequest) *uint64 { return &m.LUN }),
		u32(20, func(m *TaskManagementRequest) *uint32 { return &m.ReferencedTaskTag }),
		u32(24, func(m *TaskManagementRequest) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *TaskManagementRequest) *serial.Number { return &m.ExpStatSN }),
		u32(32, func(m *TaskManagementRequest) *serial.Number { return &m.RefCmdSN }),
		u32(36, func(m *TaskManagementRequest) *serial.Number { return &m.ExpDataSN }),
		reserved[TaskManagementRequest](40, 48),
	))
	register(newEntry[LoginRequest](initiatorText,
		flag(1, 0x80, func(m *LoginRequest) *bool { return &m.Transit }),
		flag(1, 0x40, func(m *LoginRequest) *bool { return &m.Continue }),
		reservedBits[LoginRequest](1, 0x30),
		bitField(1, 0x0c, "CSG", func(m *LoginRequest) *Stage { return &m.CurrentStage }),
		bitField(1, 0x03, "NSG", func(m *LoginRequest) *Stage { return &m.NextStage }),
		u8(2, func(m *LoginRequest) *uint8 { return &m.VersionMax }),
		u8(3, func(m *LoginRequest) *uint8 { return &m.VersionMin }),
		isid(8, func(m *LoginRequest) *uint64 { return &m.ISID }),
		u16(14, func(m *LoginRequest) *uint16 { return &m.TSIH }),
		u16(20, func(m *LoginRequest) *uint16 { return &m.CID }),
		reserved[LoginRequest](22, 24),
		u32(24, func(m *LoginRequest) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *LoginRequest) *serial.Number { return &m.ExpStatSN }),
		reserved[LoginRequest](32, 48),
	))
	register(newEntry[TextRequest](initiatorText,
		flag(1, 0x80, func(m *TextRequest) *bool { return &m.Final }),
		flag(1, 0x40, func(m *TextRequest) *bool { return &m.Continue }),
		reservedBits[TextRequest](1, 0x3f),
		reserved[TextRequest](2, 4),
		u64(8, func(m *TextRequest) *uint64 { return &m.LUN }),
		u32(20, func(m *TextRequest) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *TextRequest) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *TextRequest) *serial.Number { return &m.ExpStatSN }),
		reserved[TextRequest](32, 48),
	))
	register(newEntry[DataOut](layoutOptions{format: FormatBinary},
		flag(1, 0x80, func(m *DataOut) *bool { return &m.Final }),
		reservedBits[DataOut](1, 0x7f),
		reserved[DataOut](2, 4),
		u64(8, func(m *DataOut) *uint64 { return &m.LUN }),
		u32(20, func(m *DataOut) *uint32 { return &m.TargetTransferTag }),
		reserved[DataOut](24, 28),
		u32(28, func(m *DataOut) *serial.Number { return &m.ExpStatSN }),
		reserved[DataOut](32, 36),
		u32(36, func(m *DataOut) *serial.Number { return &m.DataSN }),
		u32(40, func(m *DataOut) *uint32 { return &m.BufferOffset }),
		reserved[DataOut](44, 48),
	))
	register(newEntry[LogoutRequest](initiatorNone,
		fixedBit[LogoutRequest](1, 0x80),
		bitField(1, 0x7f, "ReasonCode", func(m *LogoutRequest) *LogoutReason { return &m.Reason }),
		reserved[LogoutRequest](2, 4),
		reserved[LogoutRequest](8, 16),
		u16(20, func(m *LogoutRequest) *uint16 { return &m.CID }),
		reserved[LogoutRequest](22, 24),
		u32(24, func(m *LogoutRequest) *serial.Number { return &m.CmdSN }),
		u32(28, func(m *LogoutRequest) *serial.Number { return &m.ExpStatSN }),
		reserved[LogoutRequest](32, 48),
	))
	register(newEntry[SNACKRequest](layoutOptions{format: FormatNone},
		fixedBit[SNACKRequest](1, 0x80),
		reservedBits[SNACKRequest](1, 0x70),
		bitField(1, 0x0f, "Type", func(m *SNACKRequest) *SNACKType { return &m.Type }),
		reserved[SNACKRequest](2, 4),
		u64(8, func(m *SNACKRequest) *uint64 { return &m.LUN }),
		u32(20, func(m *SNACKRequest) *uint32 { return &m.TargetTransferTag }),
		reserved[SNACKRequest](24, 28),
		u32(28, func(m *SNACKRequest) *serial.Number { return &m.ExpStatSN }),
		reserved[SNACKRequest](32, 40),
		u32(40, func(m *SNACKRequest) *uint32 { return &m.BegRun }),
		u32(44, func(m *SNACKRequest) *uint32 { return &m.RunLength }),
	))
	register(newEntry[NopIn](targetBinary,
		fixedBit[NopIn](1, 0x80),
		reservedBits[NopIn](1, 0x7f),
		reserved[NopIn](2, 4),
		u64(8, func(m *NopIn) *uint64 { return &m.LUN }),
		u32(20, func(m *NopIn) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *NopIn) *serial.Number { return &m.StatSN }),
		u32(28, func(m *NopIn) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *NopIn) *serial.Number { return &m.MaxCmdSN }),
		reserved[NopIn](36, 48),
	))
	register(newEntry[SCSIResponse](targetBinary,
		fixedBit[SCSIResponse](1, 0x80),
		reservedBits[SCSIResponse](1, 0x60),
		flag(1, 0x10, func(m *SCSIResponse) *bool { return &m.BidiOverflow }),
		flag(1, 0x08, func(m *SCSIResponse) *bool { return &m.BidiUnderflow }),
		flag(1, 0x04, func(m *SCSIResponse) *bool { return &m.Overflow }),
		flag(1, 0x02, func(m *SCSIResponse) *bool { return &m.Underflow }),
		reservedBits[SCSIResponse](1, 0x01),
		u8(2, func(m *SCSIResponse) *uint8 { return &m.Response }),
		u8(3, func(m *SCSIResponse) *uint8 { return &m.Status }),
		reserved[SCSIResponse](8, 16),
		u32(20, func(m *SCSIResponse) *uint32 { return &m.SNACKTag }),
		u32(24, func(m *SCSIResponse) *serial.Number { return &m.StatSN }),
		u32(28, func(m *SCSIResponse) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *SCSIResponse) *serial.Number { return &m.MaxCmdSN }),
		u32(36, func(m *SCSIResponse) *serial.Number { return &m.ExpDataSN }),
		u32(40, func(m *SCSIResponse) *uint32 { return &m.BidiResidualCount }),
		u32(44, func(m *SCSIResponse) *uint32 { return &m.ResidualCount }),
	))
	register(newEntry[TaskManagementResponse](targetNone,
		fixedBit[TaskManagementResponse](1, 0x80),
		reservedBits[TaskManagementResponse](1, 0x7f),
		u8(2, func(m *TaskManagementResponse) *TaskResponse { return &m.Response }),
		reserved[TaskManagementResponse](3, 4),
		reserved[TaskManagementResponse](8, 16),
		reserved[TaskManagementResponse](20, 24),
		u32(24, func(m *TaskManagementResponse) *serial.Number { return &m.StatSN }),
		u32(28, func(m *TaskManagementResponse) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *TaskManagementResponse) *serial.Number { return &m.MaxCmdSN }),
		reserved[TaskManagementResponse](36, 48),
	))
	register(newEntry[LoginResponse](targetText,
		flag(1, 0x80, func(m *LoginResponse) *bool { return &m.Transit }),
		flag(1, 0x40, func(m *LoginResponse) *bool { return &m.Continue }),
		reservedBits[LoginResponse](1, 0x30),
		bitField(1, 0x0c, "CSG", func(m *LoginResponse) *Stage { return &m.CurrentStage }),
		bitField(1, 0x03, "NSG", func(m *LoginResponse) *Stage { return &m.NextStage }),
		u8(2, func(m *LoginResponse) *uint8 { return &m.VersionMax }),
		u8(3, func(m *LoginResponse) *uint8 { return &m.VersionActive }),
		isid(8, func(m *LoginResponse) *uint64 { return &m.ISID }),
		u16(14, func(m *LoginResponse) *uint16 { return &m.TSIH }),
		reserved[LoginResponse](20, 24),
		u32(24, func(m *LoginResponse) *serial.Number { return &m.StatSN }),
		u32(28, func(m *LoginResponse) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *LoginResponse) *serial.Number { return &m.MaxCmdSN }),
		u8(36, func(m *LoginResponse) *uint8 { return &m.StatusClass }),
		u8(37, func(m *LoginResponse) *uint8 { return &m.StatusDetail }),
		reserved[LoginResponse](38, 48),
	))
	register(newEntry[TextResponse](targetText,
		flag(1, 0x80, func(m *TextResponse) *bool { return &m.Final }),
		flag(1, 0x40, func(m *TextResponse) *bool { return &m.Continue }),
		reservedBits[TextResponse](1, 0x3f),
		reserved[TextResponse](2, 4),
		u64(8, func(m *TextResponse) *uint64 { return &m.LUN }),
		u32(20, func(m *TextResponse) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *TextResponse) *serial.Number { return &m.StatSN }),
		u32(28, func(m *TextResponse) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *TextResponse) *serial.Number { return &m.MaxCmdSN }),
		reserved[TextResponse](36, 48),
	))
	register(newEntry[DataIn](targetBinary,
		flag(1, 0x80, func(m *DataIn) *bool { return &m.Final }),
		flag(1, 0x40, func(m *DataIn) *bool { return &m.Acknowledge }),
		reservedBits[DataIn](1, 0x38),
		flag(1, 0x04, func(m *DataIn) *bool { return &m.Overflow }),
		flag(1, 0x02, func(m *DataIn) *bool { return &m.Underflow }),
		flag(1, 0x01, func(m *DataIn) *bool { return &m.HasStatus }),
		reserved[DataIn](2, 3),
		u8(3, func(m *DataIn) *uint8 { return &m.Status }),
		u64(8, func(m *DataIn) *uint64 { return &m.LUN }),
		u32(20, func(m *DataIn) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *DataIn) *serial.Number { return &m.StatSN }),
		u32(28, func(m *DataIn) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *DataIn) *serial.Number { return &m.MaxCmdSN }),
		u32(36, func(m *DataIn) *serial.Number { return &m.DataSN }),
		u32(40, func(m *DataIn) *uint32 { return &m.BufferOffset }),
		u32(44, func(m *DataIn) *uint32 { return &m.ResidualCount }),
	))
	register(newEntry[LogoutResponse](targetNone,
		fixedBit[LogoutResponse](1, 0x80),
		reservedBits[LogoutResponse](1, 0x7f),
		u8(2, func(m *LogoutResponse) *LogoutResponseCode { return &m.Response }),
		reserved[LogoutResponse](3, 4),
		reserved[LogoutResponse](8, 16),
		reserved[LogoutResponse](20, 24),
		u32(24, func(m *LogoutResponse) *serial.Number { return &m.StatSN }),
		u32(28, func(m *LogoutResponse) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *LogoutResponse) *serial.Number { return &m.MaxCmdSN }),
		reserved[LogoutResponse](36, 40),
		u16(40, func(m *LogoutResponse) *uint16 { return &m.Time2Wait }),
		u16(42, func(m *LogoutResponse) *uint16 { return &m.Time2Retain }),
		reserved[LogoutResponse](44, 48),
	))
	register(newEntry[ReadyToTransfer](targetNone,
		fixedBit[ReadyToTransfer](1, 0x80),
		reservedBits[ReadyToTransfer](1, 0x7f),
		reserved[ReadyToTransfer](2, 4),
		u64(8, func(m *ReadyToTransfer) *uint64 { return &m.LUN }),
		u32(20, func(m *ReadyToTransfer) *uint32 { return &m.TargetTransferTag }),
		u32(24, func(m *ReadyToTransfer) *serial.Number { return &m.StatSN }),
		u32(28, func(m *ReadyToTransfer) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *ReadyToTransfer) *serial.Number { return &m.MaxCmdSN }),
		u32(36, func(m *ReadyToTransfer) *serial.Number { return &m.R2TSN }),
		u32(40, func(m *ReadyToTransfer) *uint32 { return &m.BufferOffset }),
		u32(44, func(m *ReadyToTransfer) *uint32 { return &m.DesiredDataTransferLength }),
	))
	register(newEntry[AsyncMessage](targetBinary,
		fixedBit[AsyncMessage](1, 0x80),
		reservedBits[AsyncMessage](1, 0x7f),
		reserved[AsyncMessage](2, 4),
		u64(8, func(m *AsyncMessage) *uint64 { return &m.LUN }),
		reserved[AsyncMessage](20, 24),
		u32(24, func(m *AsyncMessage) *serial.Number { return &m.StatSN }),
		u32(28, func(m *AsyncMessage) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *AsyncMessage) *serial.Number { return &m.MaxCmdSN }),
		u8(36, func(m *AsyncMessage) *AsyncEvent { return &m.Event }),
		u8(37, func(m *AsyncMessage) *uint8 { return &m.VendorCode }),
		u16(38, func(m *AsyncMessage) *uint16 { return &m.Parameter1 }),
		u16(40, func(m *AsyncMessage) *uint16 { return &m.Parameter2 }),
		u16(42, func(m *AsyncMessage) *uint16 { return &m.Parameter3 }),
		reserved[AsyncMessage](44, 48),
	))
	register(newEntry[Reject](targetBinary,
		fixedBit[Reject](1, 0x80),
		reservedBits[Reject](1, 0x7f),
		u8(2, func(m *Reject) *RejectReason { return &m.Reason }),
		reserved[Reject](3, 4),
		reserved[Reject](8, 16),
		reserved[Reject](20, 24),
		u32(24, func(m *Reject) *serial.Number { return &m.StatSN }),
		u32(28, func(m *Reject) *serial.Number { return &m.ExpCmdSN }),
		u32(32, func(m *Reject) *serial.Number { return &m.MaxCmdSN }),
		u32(36, func(m *Reject) *serial.Number { return &m.DataSN }),
		reserved[Reject](40, 48),
	))
}
