// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/serial"
)

func hexBytes(t *testing.T, text string) []byte {
	t.Helper()
	data, err := hex.DecodeString(strings.ReplaceAll(text, " ", ""))
	require.NoError(t, err)
	return data
}

func textSettings(t *testing.T, pairs ...string) *negotiation.Settings {
	t.Helper()
	settings := negotiation.NewSettings()
	for i := 0; i+1 < len(pairs); i += 2 {
		require.NoError(t, settings.Add(negotiation.Key(pairs[i]), pairs[i+1]))
	}
	return settings
}

const logoutResponseHex = "26 80 00 00 00 00 00 00 00 00 00 00 00 00 00 00" +
	"00 01 a2 cc 00 00 00 00 00 01 a2 cd 00 01 a2 cc" +
	"00 01 a2 ec 00 00 00 00 00 00 00 00 00 00 00 00"

func TestDecodeLogoutResponse(t *testing.T) {
	wire := hexBytes(t, logoutResponseHex)
	codec := NewCodec(Options{})
	header, consumed, err := codec.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, 48, consumed)
	assert.Equal(t, OpLogoutResp, header.Opcode())
	assert.Equal(t, uint32(0x0001a2cc), header.InitiatorTaskTag)

	response, ok := header.Message.(*LogoutResponse)
	require.True(t, ok)
	assert.Equal(t, LogoutSuccess, response.Response)
	assert.Equal(t, serial.Number(0x0001a2cd), response.StatSN)
	assert.Equal(t, serial.Number(0x0001a2cc), response.ExpCmdSN)
	assert.Equal(t, serial.Number(0x0001a2ec), response.MaxCmdSN)
	assert.Zero(t, response.Time2Wait)
	assert.Zero(t, response.Time2Retain)

	encoded, err := codec.Encode(header)
	require.NoError(t, err)
	assert.Equal(t, wire, encoded)
}

func TestDecodeSendTargetsTextRequest(t *testing.T) {
	wire := hexBytes(t, "44 80 00 00 00 00 00 10 00 00 00 00 00 00 00 00"+
		"00 00 00 01 ff ff ff ff 00 00 00 01 00 00 00 01"+
		"00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00")
	wire = append(wire, []byte("SendTargets=all\x00")...)
	header, consumed, err := NewCodec(Options{}).Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), consumed)

	request, ok := header.Message.(*TextRequest)
	require.True(t, ok)
	assert.True(t, request.Final)
	assert.Equal(t, ReservedTag, request.TargetTransferTag)
	require.NotNil(t, header.Settings)
	assert.Equal(t, 1, header.Settings.Len())
	assert.Equal(t, "all", header.Settings.Value(negotiation.KeySendTargets))
}

func TestLogoutRequestCloseSessionWithCID(t *testing.T) {
	wire := hexBytes(t, "46 80 00 00 00 00 00 00 00 00 00 00 00 00 00 00"+
		"00 00 00 02 00 01 00 00 00 00 00 05 00 00 00 03"+
		"00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00")
	header, _, err := NewCodec(Options{}).Decode(wire)
	assert.Nil(t, header)
	var reservedField *ReservedFieldViolation
	require.True(t, errors.As(err, &reservedField))
	assert.Equal(t, OpLogoutReq, reservedField.Opcode)
	assert.Equal(t, 21, reservedField.Offset)

	_, err = NewCodec(Options{}).Encode(&PDU{
		Immediate: true,
		Message:   &LogoutRequest{Reason: LogoutCloseSession, CID: 1},
	})
	assert.True(t, errors.As(err, &reservedField))
}

func samplePDUs(t *testing.T) map[string]*PDU {
	loginSettings := textSettings(t,
		"InitiatorName", "iqn.1993-08.org.debian:01:host",
		"TargetName", "iqn.2018-01.com.example:disk",
		"SessionType", "Normal",
	)
	textResponse := textSettings(t, "TargetName", "iqn.2018-01.com.example:disk", "TargetAddress", "10.0.0.1:3260,1")
	cdb := [16]byte{0x2a, 0, 0, 0, 0, 8, 0, 0, 1, 0}
	return map[string]*PDU{
		"nop-out": {
			Immediate: true, InitiatorTaskTag: ReservedTag,
			Message: &NopOut{LUN: 1 << 48, TargetTransferTag: 0x10, CmdSN: 9, ExpStatSN: 4},
			Data:    []byte("ping"),
		},
		"scsi command": {
			InitiatorTaskTag: 7,
			AHS:              []byte{0, 4, 1, 0, 0, 0, 0x10, 0},
			Message: &SCSICommand{
				Final: true, Write: true, Attribute: TaskSimple, LUN: 1 << 48,
				ExpectedDataTransferLength: 4096, CmdSN: 0xffffffff, ExpStatSN: 3, CDB: cdb,
			},
			Data: bytes.Repeat([]byte{0x5a}, 509),
		},
		"task management request": {
			Immediate: true, InitiatorTaskTag: 8,
			Message: &TaskManagementRequest{
				Function: TaskAbortTask, LUN: 1 << 48, ReferencedTaskTag: 7,
				CmdSN: 10, ExpStatSN: 4, RefCmdSN: 9, ExpDataSN: 2,
			},
		},
		"login request": {
			Immediate: true, InitiatorTaskTag: 1,
			Message: &LoginRequest{
				Transit: true, CurrentStage: StageLoginOperationalNegotiation, NextStage: StageFullFeaturePhase,
				ISID: 0x400001370000, CID: 1, CmdSN: 1, ExpStatSN: 0,
			},
			Data:     loginSettings.Marshal(),
			Settings: loginSettings,
		},
		"text request": {
			Immediate: true, InitiatorTaskTag: 2,
			Message:  &TextRequest{Final: true, TargetTransferTag: ReservedTag, CmdSN: 2, ExpStatSN: 1},
			Data:     []byte("SendTargets=all\x00"),
			Settings: textSettings(t, "SendTargets", "all"),
		},
		"data out": {
			InitiatorTaskTag: 7,
			Message:          &DataOut{Final: true, LUN: 1 << 48, TargetTransferTag: 0x55, ExpStatSN: 4, DataSN: 1, BufferOffset: 8192},
			Data:             bytes.Repeat([]byte{1, 2, 3}, 100),
		},
		"logout request": {
			Immediate: true, InitiatorTaskTag: 11,
			Message: &LogoutRequest{Reason: LogoutCloseConnection, CID: 1, CmdSN: 20, ExpStatSN: 18},
		},
		"snack": {
			InitiatorTaskTag: 12,
			Message:          &SNACKRequest{Type: SNACKStatus, TargetTransferTag: ReservedTag, ExpStatSN: 3, BegRun: 2, RunLength: 1},
		},
		"nop-in": {
			InitiatorTaskTag: 13,
			Message:          &NopIn{TargetTransferTag: ReservedTag, StatSN: 5, ExpCmdSN: 10, MaxCmdSN: 41},
			Data:             []byte("ping"),
		},
		"scsi response": {
			InitiatorTaskTag: 7,
			Message: &SCSIResponse{
				Underflow: true, Status: 0x02, StatSN: 6, ExpCmdSN: 11, MaxCmdSN: 42, ResidualCount: 100,
			},
			Data: SenseSegment([]byte{0x70, 0, 0x05, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, 0x20, 0, 0, 0, 0, 0}),
		},
		"task management response": {
			InitiatorTaskTag: 8,
			Message:          &TaskManagementResponse{Response: TaskDoesNotExist, StatSN: 7, ExpCmdSN: 11, MaxCmdSN: 42},
		},
		"login response": {
			InitiatorTaskTag: 1,
			Message: &LoginResponse{
				Transit: true, CurrentStage: StageLoginOperationalNegotiation, NextStage: StageFullFeaturePhase,
				ISID: 0x400001370000, TSIH: 7, StatSN: 0, ExpCmdSN: 1, MaxCmdSN: 32,
			},
			Data:     textSettings(t, "HeaderDigest", "None").Marshal(),
			Settings: textSettings(t, "HeaderDigest", "None"),
		},
		"text response": {
			InitiatorTaskTag: 2,
			Message:          &TextResponse{Final: true, TargetTransferTag: ReservedTag, StatSN: 1, ExpCmdSN: 3, MaxCmdSN: 34},
			Data:             textResponse.Marshal(),
			Settings:         textResponse,
		},
		"data in": {
			InitiatorTaskTag: 7,
			Message: &DataIn{
				Final: true, HasStatus: true, Underflow: true, LUN: 1 << 48, TargetTransferTag: ReservedTag,
				StatSN: 8, ExpCmdSN: 12, MaxCmdSN: 43, DataSN: 3, BufferOffset: 24576, ResidualCount: 512,
			},
			Data: bytes.Repeat([]byte{0xa5}, 1022),
		},
		"logout response": {
			InitiatorTaskTag: 11,
			Message:          &LogoutResponse{Response: LogoutSuccess, StatSN: 9, ExpCmdSN: 21, MaxCmdSN: 52, Time2Wait: 2, Time2Retain: 20},
		},
		"r2t": {
			InitiatorTaskTag: 7,
			Message: &ReadyToTransfer{
				LUN: 1 << 48, TargetTransferTag: 0x55, StatSN: 9, ExpCmdSN: 12, MaxCmdSN: 43,
				R2TSN: 1, BufferOffset: 8192, DesiredDataTransferLength: 65536,
			},
		},
		"async": {
			InitiatorTaskTag: ReservedTag,
			Message: &AsyncMessage{
				LUN: 1 << 48, StatSN: 10, ExpCmdSN: 12, MaxCmdSN: 43,
				Event: AsyncLogoutRequest, Parameter1: 0, Parameter2: 0, Parameter3: 5,
			},
		},
		"reject": {
			InitiatorTaskTag: ReservedTag,
			Message:          &Reject{Reason: RejectProtocolError, StatSN: 11, ExpCmdSN: 12, MaxCmdSN: 43, DataSN: 3},
			Data:             RejectHeader(hexBytes(t, logoutResponseHex)),
		},
	}
}

func TestRoundTripEveryOpcode(t *testing.T) {
	codecs := map[string]*Codec{
		"plain":   NewCodec(Options{}),
		"digests": NewCodec(Options{HeaderDigest: true, DataDigest: true}),
	}
	seen := make(map[OpCode]bool)
	for codecName, codec := range codecs {
		for name, original := range samplePDUs(t) {
			t.Run(codecName+"/"+name, func(t *testing.T) {
				seen[original.Opcode()] = true
				wire, err := codec.Encode(original)
				require.NoError(t, err)
				require.Zero(t, len(wire)%4)
				assert.Equal(t, codec.WireLength(original), len(wire))

				decoded, consumed, err := codec.Decode(wire)
				require.NoError(t, err)
				assert.Equal(t, len(wire), consumed)

				reencoded, err := codec.Encode(decoded)
				require.NoError(t, err)
				assert.Equal(t, wire, reencoded)

				decoded.HeaderDigest, decoded.DataDigest = 0, 0
				assert.Equal(t, original, decoded)
			})
		}
	}
	for _, slot := range dispatch {
		if slot != nil {
			assert.True(t, seen[slot.opcode], "no sample for %s", slot.opcode)
		}
	}
}

func TestDecodeReportsShortBuffer(t *testing.T) {
	codec := NewCodec(Options{DataDigest: true})
	original := samplePDUs(t)["data out"]
	wire, err := codec.Encode(original)
	require.NoError(t, err)

	var tooSmall *BufferTooSmall
	_, _, err = codec.Decode(wire[:20])
	require.True(t, errors.As(err, &tooSmall))
	assert.Equal(t, BHSLength, tooSmall.Need)

	_, _, err = codec.Decode(wire[:BHSLength])
	require.True(t, errors.As(err, &tooSmall))
	assert.Equal(t, len(wire), tooSmall.Need)
	var decodeError *DecodeError
	require.True(t, errors.As(err, &decodeError))
	assert.Equal(t, Rejected, decodeError.State)
	assert.Equal(t, AwaitingDataSegment, decodeError.FailedIn)

	frameLength, err := codec.FrameLength(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), frameLength)
}

func TestEncodeToShortBuffer(t *testing.T) {
	codec := NewCodec(Options{})
	original := samplePDUs(t)["nop-in"]
	buf := make([]byte, BHSLength)
	_, err := codec.EncodeTo(buf, original)
	var tooSmall *BufferTooSmall
	require.True(t, errors.As(err, &tooSmall))
	assert.Equal(t, BHSLength+4, tooSmall.Need)
	assert.Equal(t, make([]byte, BHSLength), buf)
}

func TestDecodeIgnoresPadBytes(t *testing.T) {
	codec := NewCodec(Options{})
	wire, err := codec.Encode(&PDU{
		InitiatorTaskTag: 3,
		Message:          &NopIn{TargetTransferTag: ReservedTag},
		Data:             []byte{1, 2, 3},
	})
	require.NoError(t, err)
	wire[len(wire)-1] = 0xff
	decoded, _, err := codec.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, decoded.Data)
}

func TestDataDigestMismatchKeepsPDU(t *testing.T) {
	codec := NewCodec(Options{HeaderDigest: true, DataDigest: true})
	wire, err := codec.Encode(samplePDUs(t)["data out"])
	require.NoError(t, err)
	wire[BHSLength+DigestLength] ^= 0xff

	decoded, consumed, err := codec.Decode(wire)
	var mismatch *DigestMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, DataDigest, mismatch.Kind)
	require.NotNil(t, decoded)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, OpSCSIOut, decoded.Opcode())

	reason, ok := RejectReasonFor(err)
	assert.True(t, ok)
	assert.Equal(t, RejectDataDigestError, reason)
}

func TestHeaderDigestMismatch(t *testing.T) {
	codec := NewCodec(Options{HeaderDigest: true})
	wire, err := codec.Encode(samplePDUs(t)["logout response"])
	require.NoError(t, err)
	wire[BHSLength] ^= 0x01

	decoded, _, err := codec.Decode(wire)
	var mismatch *DigestMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, HeaderDigest, mismatch.Kind)
	assert.NotNil(t, decoded)

	_, ok := RejectReasonFor(err)
	assert.False(t, ok)
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	wire := make([]byte, BHSLength)
	wire[0] = 0x1c
	_, _, err := NewCodec(Options{}).Decode(wire)
	var unknown *UnknownOpcode
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, OpCode(0x1c), unknown.Opcode)
}

func TestDecodeRejectsReservedBits(t *testing.T) {
	base := hexBytes(t, logoutResponseHex)
	tests := []struct {
		name   string
		offset int
		value  byte
	}{
		{"byte 0 bit 7", 0, 0xa6},
		{"immediate on target opcode", 0, 0x66},
		{"byte 1 low bits", 1, 0x81},
		{"byte 3", 3, 0x01},
		{"lun bytes", 12, 0x01},
		{"bytes 20-23", 22, 0x01},
		{"bytes 36-39", 36, 0x01},
		{"bytes 44-47", 47, 0x01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := append([]byte(nil), base...)
			wire[tt.offset] = tt.value
			header, _, err := NewCodec(Options{}).Decode(wire)
			assert.Nil(t, header)
			var reservedField *ReservedFieldViolation
			require.True(t, errors.As(err, &reservedField), "got %v", err)
			assert.Equal(t, tt.offset, reservedField.Offset)
		})
	}
}

func TestDecodeRejectsMissingFixedBit(t *testing.T) {
	wire := hexBytes(t, logoutResponseHex)
	wire[1] = 0x00
	_, _, err := NewCodec(Options{}).Decode(wire)
	var fieldValue *FieldValueViolation
	assert.True(t, errors.As(err, &fieldValue))
}

func TestDecodeRejectsDataOnNoneFormat(t *testing.T) {
	wire := hexBytes(t, logoutResponseHex)
	wire[7] = 4
	wire = append(wire, 0, 0, 0, 0)
	_, _, err := NewCodec(Options{}).Decode(wire)
	var fieldValue *FieldValueViolation
	require.True(t, errors.As(err, &fieldValue))
	assert.Equal(t, "DataSegmentLength", fieldValue.Field)
}

func TestDecodeRejectsOversizedSegment(t *testing.T) {
	codec := NewCodec(Options{MaxRecvDataSegmentLength: 512})
	wire, err := NewCodec(Options{}).Encode(samplePDUs(t)["data in"])
	require.NoError(t, err)
	_, _, err = codec.Decode(wire)
	var fieldValue *FieldValueViolation
	assert.True(t, errors.As(err, &fieldValue))

	_, err = NewCodec(Options{MaxXmitDataSegmentLength: 512}).Encode(samplePDUs(t)["data in"])
	assert.True(t, errors.As(err, &fieldValue))
}

func TestFrameLengthRefusesOversizedSegment(t *testing.T) {
	bhs := make([]byte, BHSLength)
	bhs[0] = byte(OpSCSIOut)
	bhs[1] = 0x80
	bhs[5], bhs[6], bhs[7] = 0xff, 0xff, 0xff

	_, err := NewCodec(Options{MaxRecvDataSegmentLength: 8192}).FrameLength(bhs)
	var fieldValue *FieldValueViolation
	require.True(t, errors.As(err, &fieldValue))
	assert.Equal(t, "DataSegmentLength", fieldValue.Field)
	assert.Equal(t, uint64(0xffffff), fieldValue.Value)
	var decodeError *DecodeError
	require.True(t, errors.As(err, &decodeError))
	assert.Equal(t, Rejected, decodeError.State)
	assert.Equal(t, AwaitingHeader, decodeError.FailedIn)

	_, err = NewCodec(Options{MaxRecvDataSegmentLength: 8192}).ReadPDU(bytes.NewReader(bhs))
	assert.True(t, errors.As(err, &fieldValue))

	length, err := NewCodec(Options{}).FrameLength(bhs)
	require.NoError(t, err)
	assert.Equal(t, BHSLength+PaddedLength(0xffffff), length)
}

func TestDecodeRejectsAHSOnOtherOpcodes(t *testing.T) {
	wire := hexBytes(t, logoutResponseHex)
	wire[4] = 1
	wire = append(wire, 0, 0, 0, 0)
	_, _, err := NewCodec(Options{}).Decode(wire)
	var fieldValue *FieldValueViolation
	require.True(t, errors.As(err, &fieldValue))
	assert.Equal(t, "TotalAHSLength", fieldValue.Field)
}

func TestTextSegmentWithRepeatedKeys(t *testing.T) {
	pairs := negotiation.Pairs{
		{Key: negotiation.KeyTargetName, Value: "iqn.a"},
		{Key: negotiation.KeyTargetName, Value: "iqn.b"},
	}
	codec := NewCodec(Options{})
	wire, err := codec.Encode(&PDU{
		InitiatorTaskTag: 2,
		Message:          &TextResponse{Final: true, TargetTransferTag: ReservedTag},
		Data:             pairs.Marshal(),
	})
	require.NoError(t, err)
	decoded, _, err := codec.Decode(wire)
	require.NoError(t, err)
	assert.Nil(t, decoded.Settings)
	parsed, err := negotiation.ParsePairs(decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, pairs, parsed)
}

func TestMalformedTextSegmentIsLeftUnparsed(t *testing.T) {
	codec := NewCodec(Options{})
	wire, err := codec.Encode(&PDU{
		Immediate:        true,
		InitiatorTaskTag: 2,
		Message:          &TextRequest{Final: true, TargetTransferTag: ReservedTag},
		Data:             []byte("SendTargets\x00"),
	})
	require.NoError(t, err)
	decoded, _, err := codec.Decode(wire)
	require.NoError(t, err)
	assert.Nil(t, decoded.Settings)
	_, err = negotiation.ParsePairs(decoded.Data)
	assert.Error(t, err)
}

func TestTextSplitMidPairDecodes(t *testing.T) {
	settings := textSettings(t,
		"InitiatorName", "iqn.2024-01.com.example:host",
		"MaxBurstLength", "262144",
	)
	codec := NewCodec(Options{MaxRecvDataSegmentLength: 16, MaxXmitDataSegmentLength: 16})
	chunks := TextChunks(settings, 16)
	require.Greater(t, len(chunks), 2)

	assembler := NewAssembler(FormatText, 0)
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		wire, err := codec.Encode(&PDU{
			Immediate:        true,
			InitiatorTaskTag: 3,
			Message: &TextRequest{
				Final: last, Continue: !last, TargetTransferTag: ReservedTag,
				CmdSN: 1, ExpStatSN: 1,
			},
			Data: chunk,
		})
		require.NoError(t, err)
		decoded, _, err := codec.Decode(wire)
		require.NoError(t, err, "chunk %d", i)
		if !last {
			assert.Nil(t, decoded.Settings, "chunk %d", i)
		}
		_, err = assembler.Append(decoded.Data)
		require.NoError(t, err)
	}
	parsed, err := assembler.Settings()
	require.NoError(t, err)
	assert.True(t, settings.Equal(parsed))
}

func TestEncodeUsesSettingsWhenDataIsNil(t *testing.T) {
	codec := NewCodec(Options{})
	wire, err := codec.Encode(&PDU{
		Immediate:        true,
		InitiatorTaskTag: 2,
		Message:          &TextRequest{Final: true, TargetTransferTag: ReservedTag},
		Settings:         textSettings(t, "SendTargets", "all"),
	})
	require.NoError(t, err)
	assert.Equal(t, byte(16), wire[7])
	assert.Equal(t, []byte("SendTargets=all\x00"), wire[BHSLength:])
}

func TestReadWritePDU(t *testing.T) {
	codec := NewCodec(Options{HeaderDigest: true, DataDigest: true})
	var stream bytes.Buffer
	samples := samplePDUs(t)
	require.NoError(t, codec.WritePDU(&stream, samples["login request"]))
	require.NoError(t, codec.WritePDU(&stream, samples["scsi command"]))

	first, err := codec.ReadPDU(&stream)
	require.NoError(t, err)
	assert.Equal(t, OpLoginReq, first.Opcode())
	second, err := codec.ReadPDU(&stream)
	require.NoError(t, err)
	assert.Equal(t, OpSCSICmd, second.Opcode())
	assert.Equal(t, samples["scsi command"].AHS, second.AHS)
	assert.Zero(t, stream.Len())
}
