// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

const (
	BHSLength = 48
	// ReservedTag is the value of task tags that do not refer to a task.
	ReservedTag uint32 = 0xffffffff
	// MaxDataSegmentLength is the largest value the 24-bit length field holds.
	MaxDataSegmentLength = 1<<24 - 1
	DigestLength         = 4
	padding              = 4
)

type Stage uint8

const (
	StageSecurityNegotiation         Stage = 0
	StageLoginOperationalNegotiation Stage = 1
	StageFullFeaturePhase            Stage = 3
)

func (stage Stage) String() string {
	switch stage {
	case StageSecurityNegotiation:
		return "SecurityNegotiation"
	case StageLoginOperationalNegotiation:
		return "LoginOperationalNegotiation"
	case StageFullFeaturePhase:
		return "FullFeaturePhase"
	}
	return "Reserved"
}

// Login status classes (RFC 3720 10.13.5).
const (
	LoginStatusSuccess       uint8 = 0x00
	LoginStatusRedirection   uint8 = 0x01
	LoginStatusInitiatorErr  uint8 = 0x02
	LoginStatusTargetErr     uint8 = 0x03
	LoginDetailNone          uint8 = 0x00
	LoginDetailTargetMoved   uint8 = 0x01
	LoginDetailAuthFailed    uint8 = 0x01
	LoginDetailForbidden     uint8 = 0x02
	LoginDetailNotFound      uint8 = 0x03
	LoginDetailRemoved       uint8 = 0x04
	LoginDetailVersion       uint8 = 0x05
	LoginDetailTooManyConns  uint8 = 0x06
	LoginDetailMissingParam  uint8 = 0x07
	LoginDetailNoSessionSpan uint8 = 0x08
	LoginDetailSessionType   uint8 = 0x09
	LoginDetailSessionAbsent uint8 = 0x0a
	LoginDetailInvalidReq    uint8 = 0x0b
	LoginDetailTargetError   uint8 = 0x00
	LoginDetailUnavailable   uint8 = 0x01
	LoginDetailNoResources   uint8 = 0x02
)

type TaskAttribute uint8

const (
	TaskUntagged TaskAttribute = iota
	TaskSimple
	TaskOrdered
	TaskHeadOfQueue
	TaskACA
)

type TaskFunction uint8

const (
	TaskAbortTask TaskFunction = iota + 1
	TaskAbortTaskSet
	TaskClearACA
	TaskClearTaskSet
	TaskLogicalUnitReset
	TaskTargetWarmReset
	TaskTargetColdReset
	TaskReassign
)

type TaskResponse uint8

const (
	TaskFunctionComplete     TaskResponse = 0
	TaskDoesNotExist         TaskResponse = 1
	TaskLUNDoesNotExist      TaskResponse = 2
	TaskStillAllegiant       TaskResponse = 3
	TaskReassignNotSupported TaskResponse = 4
	TaskFunctionNotSupported TaskResponse = 5
	TaskAuthorizationFailed  TaskResponse = 6
	TaskFunctionRejected     TaskResponse = 255
)

type LogoutReason uint8

const (
	LogoutCloseSession LogoutReason = iota
	LogoutCloseConnection
	LogoutRemoveConnectionForRecovery
)

type LogoutResponseCode uint8

const (
	LogoutSuccess LogoutResponseCode = iota
	LogoutCIDNotFound
	LogoutRecoveryNotSupported
	LogoutCleanupFailed
)

type SNACKType uint8

const (
	SNACKDataR2T SNACKType = iota
	SNACKStatus
	SNACKDataAck
	SNACKRDataSNACK
)

type AsyncEvent uint8

const (
	AsyncSCSIEvent AsyncEvent = iota
	AsyncLogoutRequest
	AsyncConnectionDrop
	AsyncSessionDrop
	AsyncParameterNegotiation
	AsyncVendorSpecific AsyncEvent = 255
)

type RejectReason uint8

const (
	RejectDataDigestError        RejectReason = 0x02
	RejectSNACKReject            RejectReason = 0x03
	RejectProtocolError          RejectReason = 0x04
	RejectCommandNotSupported    RejectReason = 0x05
	RejectImmediateCommandReject RejectReason = 0x06
	RejectTaskInProgress         RejectReason = 0x07
	RejectInvalidDataAck         RejectReason = 0x08
	RejectInvalidPDUField        RejectReason = 0x09
	RejectLongOperationReject    RejectReason = 0x0a
	RejectNegotiationReset       RejectReason = 0x0b
	RejectWaitingForLogout       RejectReason = 0x0c
)

// SCSI Response codes of the Response field.
const (
	CommandCompletedAtTarget uint8 = 0x00
	TargetFailure            uint8 = 0x01
)
