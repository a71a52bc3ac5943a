// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import "fmt"

type OpCode uint8

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

const opcodeMask = 0x3f

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management Function Request",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (opcode OpCode) String() string {
	name, ok := opCodeMap[opcode]
	if !ok {
		return fmt.Sprintf("Unknown opcode 0x%02x", uint8(opcode))
	}
	return name
}

// Initiator reports whether the opcode is sent by initiators.
func (opcode OpCode) Initiator() bool {
	return opcode < OpNoopIn
}
