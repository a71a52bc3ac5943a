// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

// CheckIntegrity validates the relations between fields that the byte
// layouts cannot express on their own. The first violation is returned.
func CheckIntegrity(header *PDU) error {
	if header == nil || header.Message == nil {
		return &UnknownOpcode{Opcode: opcodeMask}
	}
	return header.Message.check(header, header.DataSegmentLength())
}

func violation(opcode OpCode, field string, value uint64, reason string) error {
	return &FieldValueViolation{Opcode: opcode, Field: field, Value: value, Reason: reason}
}

func checkStages(opcode OpCode, transit, continueFlag bool, current, next Stage) error {
	if transit && continueFlag {
		return violation(opcode, "T/C", 3, "transit and continue are mutually exclusive")
	}
	if current == 2 {
		return violation(opcode, "CSG", uint64(current), "stage 2 is reserved")
	}
	if !transit {
		return nil
	}
	if next == 2 {
		return violation(opcode, "NSG", uint64(next), "stage 2 is reserved")
	}
	if next <= current {
		return violation(opcode, "NSG", uint64(next), "transit must move to a later stage")
	}
	return nil
}

func (message *NopOut) check(header *PDU, _ int) error {
	if message.TargetTransferTag != ReservedTag && header.InitiatorTaskTag != ReservedTag {
		return violation(OpNoopOut, "InitiatorTaskTag", uint64(header.InitiatorTaskTag),
			"must be 0xffffffff when answering a NOP-In")
	}
	if header.InitiatorTaskTag == ReservedTag && !header.Immediate {
		return violation(OpNoopOut, "I", 0, "NOP-Out without response must be immediate")
	}
	return nil
}

func (message *SCSICommand) check(_ *PDU, dataLength int) error {
	if dataLength > 0 && !message.Write {
		return violation(OpSCSICmd, "W", 0, "data segment without write flag")
	}
	if message.Attribute > TaskACA {
		return violation(OpSCSICmd, "ATTR", uint64(message.Attribute), "reserved task attribute")
	}
	return nil
}

func (message *TaskManagementRequest) check(_ *PDU, _ int) error {
	if message.Function < TaskAbortTask || message.Function > TaskReassign {
		return violation(OpSCSITaskReq, "Function", uint64(message.Function), "unknown task management function")
	}
	return nil
}

func (message *LoginRequest) check(_ *PDU, _ int) error {
	if message.VersionMin > message.VersionMax {
		return violation(OpLoginReq, "VersionMin", uint64(message.VersionMin), "greater than VersionMax")
	}
	return checkStages(OpLoginReq, message.Transit, message.Continue, message.CurrentStage, message.NextStage)
}

func (message *TextRequest) check(_ *PDU, _ int) error {
	if message.Final && message.Continue {
		return violation(OpTextReq, "F/C", 3, "final and continue are mutually exclusive")
	}
	return nil
}

func (message *DataOut) check(_ *PDU, _ int) error {
	return nil
}

func (message *LogoutRequest) check(_ *PDU, _ int) error {
	if message.Reason > LogoutRemoveConnectionForRecovery {
		return violation(OpLogoutReq, "ReasonCode", uint64(message.Reason), "reserved reason code")
	}
	if message.Reason == LogoutCloseSession && message.CID != 0 {
		// CID is reserved when the whole session is closed.
		offset, value := 20, byte(message.CID>>8)
		if value == 0 {
			offset, value = 21, byte(message.CID)
		}
		return &ReservedFieldViolation{Opcode: OpLogoutReq, Offset: offset, Mask: 0xff, Value: value}
	}
	return nil
}

func (message *SNACKRequest) check(_ *PDU, _ int) error {
	if message.Type > SNACKRDataSNACK {
		return violation(OpSNACKReq, "Type", uint64(message.Type), "reserved SNACK type")
	}
	return nil
}

func (message *NopIn) check(header *PDU, _ int) error {
	if header.InitiatorTaskTag != ReservedTag && message.TargetTransferTag != ReservedTag {
		return violation(OpNoopIn, "TargetTransferTag", uint64(message.TargetTransferTag),
			"a NOP-In answers a NOP-Out or pings, never both")
	}
	return nil
}

func (message *SCSIResponse) check(_ *PDU, _ int) error {
	if message.BidiOverflow && message.BidiUnderflow {
		return violation(OpSCSIResp, "o/u", 3, "bidirectional overflow and underflow are mutually exclusive")
	}
	if message.Overflow && message.Underflow {
		return violation(OpSCSIResp, "O/U", 3, "overflow and underflow are mutually exclusive")
	}
	return nil
}

func (message *TaskManagementResponse) check(_ *PDU, _ int) error {
	if message.Response > TaskAuthorizationFailed && message.Response != TaskFunctionRejected {
		return violation(OpSCSITaskResp, "Response", uint64(message.Response), "reserved response code")
	}
	return nil
}

func (message *LoginResponse) check(_ *PDU, _ int) error {
	return checkStages(OpLoginResp, message.Transit, message.Continue, message.CurrentStage, message.NextStage)
}

func (message *TextResponse) check(_ *PDU, _ int) error {
	if message.Final && message.Continue {
		return violation(OpTextResp, "F/C", 3, "final and continue are mutually exclusive")
	}
	return nil
}

func (message *DataIn) check(_ *PDU, _ int) error {
	if message.HasStatus && !message.Final {
		return violation(OpSCSIIn, "S", 1, "status requires the final flag")
	}
	if !message.HasStatus && (message.Status != 0 || message.Overflow || message.Underflow) {
		return violation(OpSCSIIn, "Status", uint64(message.Status), "status and residual flags require the S flag")
	}
	if message.Overflow && message.Underflow {
		return violation(OpSCSIIn, "O/U", 3, "overflow and underflow are mutually exclusive")
	}
	return nil
}

func (message *LogoutResponse) check(_ *PDU, _ int) error {
	if message.Response > LogoutCleanupFailed {
		return violation(OpLogoutResp, "Response", uint64(message.Response), "reserved response code")
	}
	if message.Response == LogoutCIDNotFound && (message.Time2Wait != 0 || message.Time2Retain != 0) {
		return violation(OpLogoutResp, "Time2Wait/Time2Retain",
			uint64(message.Time2Wait)<<16|uint64(message.Time2Retain), "must be zero when the CID was not found")
	}
	return nil
}

func (message *ReadyToTransfer) check(_ *PDU, _ int) error {
	if message.DesiredDataTransferLength == 0 {
		return violation(OpReady, "DesiredDataTransferLength", 0, "must not be zero")
	}
	if message.TargetTransferTag == ReservedTag {
		return violation(OpReady, "TargetTransferTag", uint64(ReservedTag), "must not be reserved")
	}
	return nil
}

func (message *AsyncMessage) check(header *PDU, _ int) error {
	if header.InitiatorTaskTag != ReservedTag {
		return violation(OpAsync, "InitiatorTaskTag", uint64(header.InitiatorTaskTag), "must be 0xffffffff")
	}
	if message.Event > AsyncParameterNegotiation && message.Event != AsyncVendorSpecific {
		return violation(OpAsync, "AsyncEvent", uint64(message.Event), "reserved event code")
	}
	return nil
}

func (message *Reject) check(header *PDU, _ int) error {
	if header.InitiatorTaskTag != ReservedTag {
		return violation(OpReject, "InitiatorTaskTag", uint64(header.InitiatorTaskTag), "must be 0xffffffff")
	}
	if message.Reason != RejectProtocolError && message.DataSN != 0 {
		return violation(OpReject, "DataSN/R2TSN", uint64(message.DataSN), "only meaningful for protocol errors")
	}
	return nil
}
