// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
	"iscsikit/pkg/serial"
)

const (
	testTargetName    = "iqn.2018-01.com.example:disk"
	testOtherTarget   = "iqn.2018-01.com.example:spare"
	testInitiatorName = "iqn.2018-01.com.example:initiator"
	testISID          = uint64(0x400001370000)
	testBlockSize     = 512
)

type testTarget struct {
	driver  *ISCSITargetDriver
	address string
}

func startTarget(t *testing.T, options Options) *testTarget {
	t.Helper()
	driver := NewISCSITargetDriver(scsi.NewTargetService(), options)
	require.NoError(t, driver.NewTarget(testTargetName, "disk"))
	require.NoError(t, driver.NewTarget(testOtherTarget, ""))
	lun, err := driver.AddLun(testTargetName, scsi.MemoryPath, 1024*testBlockSize, testBlockSize)
	require.NoError(t, err)
	require.Equal(t, uint16(0), lun)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = driver.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &testTarget{driver: driver, address: listener.Addr().String()}
}

func testOptions() Options {
	options := DefaultOptions()
	options.NopInterval = 0
	return options
}

// rawInitiator speaks the protocol PDU by PDU.
type rawInitiator struct {
	t     *testing.T
	conn  net.Conn
	codec *pdu.Codec
	tag   uint32
	cmdSN serial.Number
}

func dial(t *testing.T, target *testTarget) *rawInitiator {
	t.Helper()
	conn, err := net.Dial("tcp", target.address)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawInitiator{t: t, conn: conn, codec: pdu.NewCodec(loginCodecOptions), cmdSN: 1}
}

func (initiator *rawInitiator) nextTag() uint32 {
	initiator.tag++
	return initiator.tag
}

func (initiator *rawInitiator) send(header *pdu.PDU) {
	initiator.t.Helper()
	require.NoError(initiator.t, initiator.codec.WritePDU(initiator.conn, header))
}

func (initiator *rawInitiator) receive() *pdu.PDU {
	initiator.t.Helper()
	require.NoError(initiator.t, initiator.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header, err := initiator.codec.ReadPDU(initiator.conn)
	require.NoError(initiator.t, err)
	return header
}

// requireClosed waits for the target to drop the connection.
func (initiator *rawInitiator) requireClosed() {
	initiator.t.Helper()
	require.NoError(initiator.t, initiator.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := initiator.codec.ReadPDU(initiator.conn)
	require.Error(initiator.t, err)
	var netError net.Error
	if errors.As(err, &netError) {
		require.False(initiator.t, netError.Timeout(), "connection was not closed")
	}
}

func loginRequest(settings *negotiation.Settings) *pdu.PDU {
	header := pdu.NewPDU(&pdu.LoginRequest{
		Transit:      true,
		CurrentStage: pdu.StageLoginOperationalNegotiation,
		NextStage:    pdu.StageFullFeaturePhase,
		ISID:         testISID,
		CID:          1,
		CmdSN:        1,
	}, 0)
	header.Immediate = true
	header.Settings = settings
	return header
}

func proposals(sessionType, targetName string) *negotiation.Settings {
	parameters := negotiation.DefaultParameters()
	parameters.SessionType = sessionType
	parameters.InitiatorName = testInitiatorName
	parameters.TargetName = targetName
	return parameters.Proposals()
}

// login completes a single-PDU login and switches to full feature phase.
func (initiator *rawInitiator) login(sessionType, targetName string) (*pdu.LoginResponse, *negotiation.Settings) {
	initiator.t.Helper()
	initiator.send(loginRequest(proposals(sessionType, targetName)))
	reply := initiator.receive()
	response, ok := reply.Message.(*pdu.LoginResponse)
	require.True(initiator.t, ok, "got %s", reply)
	require.Equal(initiator.t, pdu.LoginStatusSuccess, response.StatusClass)
	require.True(initiator.t, response.Transit)
	require.Equal(initiator.t, pdu.StageFullFeaturePhase, response.NextStage)
	settings, err := negotiation.Unmarshal(reply.Data)
	require.NoError(initiator.t, err)
	initiator.codec = pdu.NewCodec(pdu.Options{MaxRecvDataSegmentLength: 8192, MaxXmitDataSegmentLength: 8192})
	return response, settings
}

func (initiator *rawInitiator) command(cdb []byte, read, write bool, expected uint32, data []byte) uint32 {
	initiator.t.Helper()
	message := &pdu.SCSICommand{
		Final:                      true,
		Read:                       read,
		Write:                      write,
		Attribute:                  pdu.TaskSimple,
		LUN:                        scsi.EncodeLUN(0),
		ExpectedDataTransferLength: expected,
		CmdSN:                      initiator.cmdSN,
	}
	copy(message.CDB[:], cdb)
	initiator.cmdSN = initiator.cmdSN.Next()
	tag := initiator.nextTag()
	header := pdu.NewPDU(message, tag)
	header.Data = data
	initiator.send(header)
	return tag
}

func (initiator *rawInitiator) textRequest(settings *negotiation.Settings) {
	initiator.t.Helper()
	header := pdu.NewPDU(&pdu.TextRequest{
		Final:             true,
		TargetTransferTag: pdu.ReservedTag,
		CmdSN:             initiator.cmdSN,
	}, initiator.nextTag())
	header.Settings = settings
	initiator.cmdSN = initiator.cmdSN.Next()
	initiator.send(header)
}

func (initiator *rawInitiator) logout(reason pdu.LogoutReason, cid uint16) *pdu.LogoutResponse {
	initiator.t.Helper()
	header := pdu.NewPDU(&pdu.LogoutRequest{Reason: reason, CID: cid, CmdSN: initiator.cmdSN}, initiator.nextTag())
	header.Immediate = true
	initiator.send(header)
	reply := initiator.receive()
	response, ok := reply.Message.(*pdu.LogoutResponse)
	require.True(initiator.t, ok, "got %s", reply)
	return response
}

func TestDiscoverySendTargets(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	response, settings := initiator.login(negotiation.SessionTypeDiscovery, "")
	assert.NotZero(t, response.TSIH)
	assert.Equal(t, "8192", settings.Value(negotiation.KeyMaxRecvDataSegmentLength))
	assert.False(t, settings.Has(negotiation.KeyTargetPortalGroupTag))

	sendTargets := negotiation.NewSettings()
	sendTargets.Set(negotiation.KeySendTargets, "All")
	initiator.textRequest(sendTargets)
	reply := initiator.receive()
	text, ok := reply.Message.(*pdu.TextResponse)
	require.True(t, ok, "got %s", reply)
	assert.True(t, text.Final)
	assert.Equal(t, pdu.ReservedTag, text.TargetTransferTag)
	pairs, err := negotiation.ParsePairs(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{testTargetName, testOtherTarget}, pairs.Values(negotiation.KeyTargetName))
	assert.Contains(t, pairs.Values(negotiation.KeyTargetAddress), target.address+",1")

	require.Len(t, target.driver.Sessions(), 1)
	assert.Equal(t, negotiation.SessionTypeDiscovery, target.driver.Sessions()[0].Type)

	logout := initiator.logout(pdu.LogoutCloseSession, 0)
	assert.Equal(t, pdu.LogoutSuccess, logout.Response)
	initiator.requireClosed()
	assert.Eventually(t, func() bool { return len(target.driver.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSendTargetsReplySpansPDUs(t *testing.T) {
	target := startTarget(t, testOptions())
	names := []string{testTargetName, testOtherTarget}
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("iqn.2018-01.com.example:shelf-%03d-%s", i, strings.Repeat("x", 80))
		require.NoError(t, target.driver.NewTarget(name, ""))
		names = append(names, name)
	}
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeDiscovery, "")

	sendTargets := negotiation.NewSettings()
	sendTargets.Set(negotiation.KeySendTargets, "All")
	initiator.textRequest(sendTargets)
	reply := pdu.NewAssembler(pdu.FormatText, 0)
	for fragments := 1; ; fragments++ {
		header := initiator.receive()
		text, ok := header.Message.(*pdu.TextResponse)
		require.True(t, ok, "got %s", header)
		require.LessOrEqual(t, len(header.Data), 8192)
		_, err := reply.Append(header.Data)
		require.NoError(t, err)
		if !text.Continue {
			assert.True(t, text.Final)
			assert.Greater(t, fragments, 1)
			break
		}
		next := pdu.NewPDU(&pdu.TextRequest{
			Final:             true,
			TargetTransferTag: text.TargetTransferTag,
			CmdSN:             initiator.cmdSN,
		}, header.InitiatorTaskTag)
		initiator.cmdSN = initiator.cmdSN.Next()
		initiator.send(next)
	}
	pairs, err := negotiation.ParsePairs(reply.Bytes())
	require.NoError(t, err)
	assert.ElementsMatch(t, names, pairs.Values(negotiation.KeyTargetName))
}

func TestLoginTextSpanningPDUs(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	chunks := pdu.TextChunks(proposals(negotiation.SessionTypeNormal, testTargetName), 48)
	require.Greater(t, len(chunks), 2)
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		header := loginRequest(nil)
		request := header.Message.(*pdu.LoginRequest)
		request.Transit = last
		request.Continue = !last
		header.Data = chunk
		initiator.send(header)
		reply := initiator.receive()
		response, ok := reply.Message.(*pdu.LoginResponse)
		require.True(t, ok, "got %s", reply)
		require.Equal(t, pdu.LoginStatusSuccess, response.StatusClass, "chunk %d", i)
		assert.Equal(t, last, response.Transit)
	}
	require.Len(t, target.driver.Sessions(), 1)
	assert.Equal(t, testInitiatorName, target.driver.Sessions()[0].InitiatorName)
}

func TestDiscoverySessionRejectsSCSICommands(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeDiscovery, "")
	initiator.command(scsi.TestUnitReadyCDB(), false, false, 0, nil)
	reply := initiator.receive()
	reject, ok := reply.Message.(*pdu.Reject)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, pdu.RejectProtocolError, reject.Reason)
	assert.Len(t, reply.Data, pdu.BHSLength)
}

func TestLoginFailures(t *testing.T) {
	target := startTarget(t, testOptions())
	noName := proposals(negotiation.SessionTypeNormal, testTargetName)
	require.NoError(t, noName.Remove(negotiation.KeyInitiatorName))
	noTarget := proposals(negotiation.SessionTypeNormal, "")
	badType := proposals(negotiation.SessionTypeNormal, testTargetName)
	badType.Set(negotiation.KeySessionType, "Bogus")

	for _, testCase := range []struct {
		name     string
		settings *negotiation.Settings
		class    uint8
		detail   uint8
	}{
		{"UnknownTarget", proposals(negotiation.SessionTypeNormal, "iqn.2018-01.com.example:missing"), pdu.LoginStatusInitiatorErr, pdu.LoginDetailNotFound},
		{"MissingInitiatorName", noName, pdu.LoginStatusInitiatorErr, pdu.LoginDetailMissingParam},
		{"MissingTargetName", noTarget, pdu.LoginStatusInitiatorErr, pdu.LoginDetailMissingParam},
		{"UnknownSessionType", badType, pdu.LoginStatusInitiatorErr, pdu.LoginDetailSessionType},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			initiator := dial(t, target)
			initiator.send(loginRequest(testCase.settings))
			reply := initiator.receive()
			response, ok := reply.Message.(*pdu.LoginResponse)
			require.True(t, ok, "got %s", reply)
			assert.Equal(t, testCase.class, response.StatusClass)
			assert.Equal(t, testCase.detail, response.StatusDetail)
			assert.False(t, response.Transit)
			initiator.requireClosed()
		})
	}
	assert.Empty(t, target.driver.Sessions())
}

func TestLoginUnsupportedVersion(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	request := loginRequest(proposals(negotiation.SessionTypeNormal, testTargetName))
	login := request.Message.(*pdu.LoginRequest)
	login.VersionMin = 2
	login.VersionMax = 2
	initiator.send(request)
	response := initiator.receive().Message.(*pdu.LoginResponse)
	assert.Equal(t, pdu.LoginStatusInitiatorErr, response.StatusClass)
	assert.Equal(t, pdu.LoginDetailVersion, response.StatusDetail)
	initiator.requireClosed()
}

func TestLoginThroughSecurityStage(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	security := negotiation.NewSettings()
	security.Set(negotiation.KeyInitiatorName, testInitiatorName)
	security.Set(negotiation.KeyTargetName, testTargetName)
	security.Set(negotiation.KeySessionType, negotiation.SessionTypeNormal)
	security.Set(negotiation.KeyAuthMethod, "CHAP,None")
	header := pdu.NewPDU(&pdu.LoginRequest{
		Transit:      true,
		CurrentStage: pdu.StageSecurityNegotiation,
		NextStage:    pdu.StageLoginOperationalNegotiation,
		ISID:         testISID,
		CID:          1,
		CmdSN:        1,
	}, 0)
	header.Immediate = true
	header.Settings = security
	initiator.send(header)
	reply := initiator.receive()
	response := reply.Message.(*pdu.LoginResponse)
	require.Equal(t, pdu.LoginStatusSuccess, response.StatusClass)
	assert.Equal(t, pdu.StageLoginOperationalNegotiation, response.NextStage)
	answer, err := negotiation.Unmarshal(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, negotiation.None, answer.Value(negotiation.KeyAuthMethod))
	assert.Equal(t, "1", answer.Value(negotiation.KeyTargetPortalGroupTag))
	assert.Equal(t, "disk", answer.Value(negotiation.KeyTargetAlias))

	operational := proposals(negotiation.SessionTypeNormal, testTargetName)
	next := loginRequest(operational)
	initiator.send(next)
	final := initiator.receive()
	require.Equal(t, pdu.LoginStatusSuccess, final.Message.(*pdu.LoginResponse).StatusClass)
	require.True(t, final.Message.(*pdu.LoginResponse).Transit)
	assert.Equal(t, response.StatSN.Next(), final.Message.(*pdu.LoginResponse).StatSN)

	sessions := target.driver.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, testTargetName, sessions[0].TargetName)
	assert.Equal(t, testInitiatorName, sessions[0].InitiatorName)
	assert.Equal(t, "0x400001370000", sessions[0].ISID)
	require.True(t, target.driver.List()[testTargetName].HasConnections)
}

func TestLoginWithoutCommonAuthMethodFails(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	security := proposals(negotiation.SessionTypeNormal, testTargetName)
	security.Set(negotiation.KeyAuthMethod, "CHAP")
	header := pdu.NewPDU(&pdu.LoginRequest{
		Transit:      true,
		CurrentStage: pdu.StageSecurityNegotiation,
		NextStage:    pdu.StageLoginOperationalNegotiation,
		ISID:         testISID,
		CID:          1,
		CmdSN:        1,
	}, 0)
	header.Immediate = true
	header.Settings = security
	initiator.send(header)
	response := initiator.receive().Message.(*pdu.LoginResponse)
	assert.Equal(t, pdu.LoginStatusInitiatorErr, response.StatusClass)
	assert.Equal(t, pdu.LoginDetailAuthFailed, response.StatusDetail)
	initiator.requireClosed()
}

func TestNonLoginPDUDuringLoginIsRejected(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	ping := pdu.NewPDU(&pdu.NopOut{TargetTransferTag: pdu.ReservedTag, CmdSN: 1}, 1)
	initiator.send(ping)
	reply := initiator.receive()
	reject, ok := reply.Message.(*pdu.Reject)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, pdu.RejectProtocolError, reject.Reason)
	initiator.requireClosed()
}

func TestWriteWithR2TThenRead(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	payload := make([]byte, 32*testBlockSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	immediate := payload[:8192]
	tag := initiator.command(scsi.Write10CDB(10, 32), false, true, uint32(len(payload)), immediate)

	reply := initiator.receive()
	ready, ok := reply.Message.(*pdu.ReadyToTransfer)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, tag, reply.InitiatorTaskTag)
	assert.Equal(t, uint32(8192), ready.BufferOffset)
	assert.Equal(t, uint32(8192), ready.DesiredDataTransferLength)
	assert.Equal(t, serial.Number(0), ready.R2TSN)
	assert.NotEqual(t, pdu.ReservedTag, ready.TargetTransferTag)

	dataOut := pdu.NewPDU(&pdu.DataOut{
		Final:             true,
		LUN:               scsi.EncodeLUN(0),
		TargetTransferTag: ready.TargetTransferTag,
		BufferOffset:      ready.BufferOffset,
	}, tag)
	dataOut.Data = payload[8192:]
	initiator.send(dataOut)

	reply = initiator.receive()
	response, ok := reply.Message.(*pdu.SCSIResponse)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, scsi.StatusGood, response.Status)
	assert.False(t, response.Underflow)
	assert.Equal(t, ready.StatSN, response.StatSN)

	readTag := initiator.command(scsi.Read10CDB(10, 32), true, false, uint32(len(payload)), nil)
	var received []byte
	var dataSN serial.Number
	for {
		reply = initiator.receive()
		dataIn, ok := reply.Message.(*pdu.DataIn)
		require.True(t, ok, "got %s", reply)
		assert.Equal(t, readTag, reply.InitiatorTaskTag)
		assert.Equal(t, dataSN, dataIn.DataSN)
		assert.Equal(t, uint32(len(received)), dataIn.BufferOffset)
		dataSN = dataSN.Next()
		received = append(received, reply.Data...)
		if dataIn.Final {
			assert.True(t, dataIn.HasStatus)
			assert.Equal(t, scsi.StatusGood, dataIn.Status)
			break
		}
		assert.False(t, dataIn.HasStatus)
	}
	assert.Equal(t, serial.Number(2), dataSN)
	assert.True(t, bytes.Equal(payload, received))
}

func TestUnsolicitedDataOut(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	payload := bytes.Repeat([]byte{0x5a}, 2*testBlockSize)
	message := &pdu.SCSICommand{
		Write:                      true,
		Attribute:                  pdu.TaskSimple,
		ExpectedDataTransferLength: uint32(len(payload)),
		CmdSN:                      initiator.cmdSN,
	}
	copy(message.CDB[:], scsi.Write10CDB(0, 2))
	header := pdu.NewPDU(message, 77)
	header.Data = payload[:testBlockSize]
	initiator.send(header)

	dataOut := pdu.NewPDU(&pdu.DataOut{
		Final:             true,
		TargetTransferTag: pdu.ReservedTag,
		BufferOffset:      testBlockSize,
	}, 77)
	dataOut.Data = payload[testBlockSize:]
	initiator.send(dataOut)

	reply := initiator.receive()
	response, ok := reply.Message.(*pdu.SCSIResponse)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, scsi.StatusGood, response.Status)
}

func TestDataOutForUnknownTaskIsRejected(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)
	dataOut := pdu.NewPDU(&pdu.DataOut{Final: true, TargetTransferTag: 1234}, 99)
	dataOut.Data = make([]byte, 512)
	initiator.send(dataOut)
	reject, ok := initiator.receive().Message.(*pdu.Reject)
	require.True(t, ok)
	assert.Equal(t, pdu.RejectInvalidPDUField, reject.Reason)
}

func TestBidirectionalCommandFails(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)
	initiator.command(scsi.Read10CDB(0, 1), true, true, 512, nil)
	reply := initiator.receive()
	response, ok := reply.Message.(*pdu.SCSIResponse)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, scsi.StatusCheckCondition, response.Status)
	sense, err := pdu.ParseSenseSegment(reply.Data)
	require.NoError(t, err)
	parsed, err := scsi.ParseFixedSense(sense)
	require.NoError(t, err)
	assert.Equal(t, scsi.IllegalRequest, parsed.SenseKey)
	assert.Equal(t, scsi.AscInvalidFieldInCdb, parsed.AdditionalSenseCode)
}

func TestCommandsRunInCmdSNOrder(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	send := func(cmdSN serial.Number, tag uint32) {
		message := &pdu.SCSICommand{Final: true, Attribute: pdu.TaskSimple, CmdSN: cmdSN}
		copy(message.CDB[:], scsi.TestUnitReadyCDB())
		initiator.send(pdu.NewPDU(message, tag))
	}
	send(3, 30)
	send(2, 20)
	// Outside [ExpCmdSN, MaxCmdSN]; dropped silently.
	send(1000, 1000)
	send(1, 10)

	var statSN serial.Number
	for i, tag := range []uint32{10, 20, 30} {
		reply := initiator.receive()
		response, ok := reply.Message.(*pdu.SCSIResponse)
		require.True(t, ok, "got %s", reply)
		assert.Equal(t, tag, reply.InitiatorTaskTag)
		assert.Equal(t, scsi.StatusGood, response.Status)
		if i > 0 {
			assert.Equal(t, statSN.Next(), response.StatSN)
		}
		statSN = response.StatSN
	}

	ping := pdu.NewPDU(&pdu.NopOut{TargetTransferTag: pdu.ReservedTag, CmdSN: 4}, 40)
	ping.Data = []byte("ping")
	initiator.send(ping)
	reply := initiator.receive()
	pong, ok := reply.Message.(*pdu.NopIn)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, uint32(40), reply.InitiatorTaskTag)
	assert.Equal(t, []byte("ping"), reply.Data)
	assert.Equal(t, serial.Number(5), pong.ExpCmdSN)
	assert.Equal(t, serial.Number(5).Add(DefaultOptions().MaxQueueCommands-1), pong.MaxCmdSN)
}

func TestMalformedPDUIsRejected(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	frame := make([]byte, pdu.BHSLength)
	frame[0] = 0x0f
	frame[16] = 0xde
	_, err := initiator.conn.Write(frame)
	require.NoError(t, err)
	reply := initiator.receive()
	reject, ok := reply.Message.(*pdu.Reject)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, pdu.RejectCommandNotSupported, reject.Reason)
	assert.Equal(t, pdu.ReservedTag, reply.InitiatorTaskTag)
	assert.Equal(t, frame, reply.Data)

	snack := pdu.NewPDU(&pdu.SNACKRequest{Type: pdu.SNACKStatus}, 5)
	initiator.send(snack)
	reject, ok = initiator.receive().Message.(*pdu.Reject)
	require.True(t, ok)
	assert.Equal(t, pdu.RejectSNACKReject, reject.Reason)

	// The connection survives both.
	initiator.command(scsi.TestUnitReadyCDB(), false, false, 0, nil)
	_, ok = initiator.receive().Message.(*pdu.SCSIResponse)
	assert.True(t, ok)
}

func TestOversizedSegmentClosesConnection(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	bhs := make([]byte, pdu.BHSLength)
	bhs[0] = byte(pdu.OpSCSIOut)
	bhs[1] = 0x80
	bhs[5], bhs[6], bhs[7] = 0xff, 0xff, 0xff
	_, err := initiator.conn.Write(bhs)
	require.NoError(t, err)
	reply := initiator.receive()
	reject, ok := reply.Message.(*pdu.Reject)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, pdu.RejectInvalidPDUField, reject.Reason)
	assert.Equal(t, bhs, reply.Data)
	initiator.requireClosed()
}

func TestTaskManagement(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	tmf := func(function pdu.TaskFunction, lun uint16, referenced uint32, refCmdSN serial.Number) pdu.TaskResponse {
		header := pdu.NewPDU(&pdu.TaskManagementRequest{
			Function:          function,
			LUN:               scsi.EncodeLUN(lun),
			ReferencedTaskTag: referenced,
			CmdSN:             initiator.cmdSN,
			RefCmdSN:          refCmdSN,
		}, initiator.nextTag())
		header.Immediate = true
		initiator.send(header)
		reply := initiator.receive()
		response, ok := reply.Message.(*pdu.TaskManagementResponse)
		require.True(t, ok, "got %s", reply)
		return response.Response
	}

	initiator.command(scsi.TestUnitReadyCDB(), false, false, 0, nil)
	initiator.receive()
	assert.Equal(t, pdu.TaskFunctionComplete, tmf(pdu.TaskAbortTask, 0, 1, 1))
	assert.Equal(t, pdu.TaskDoesNotExist, tmf(pdu.TaskAbortTask, 0, 0x55, 9))
	assert.Equal(t, pdu.TaskFunctionComplete, tmf(pdu.TaskAbortTaskSet, 0, pdu.ReservedTag, 0))
	assert.Equal(t, pdu.TaskFunctionComplete, tmf(pdu.TaskLogicalUnitReset, 0, pdu.ReservedTag, 0))
	assert.Equal(t, pdu.TaskLUNDoesNotExist, tmf(pdu.TaskLogicalUnitReset, 7, pdu.ReservedTag, 0))
	assert.Equal(t, pdu.TaskFunctionNotSupported, tmf(pdu.TaskTargetColdReset, 0, pdu.ReservedTag, 0))
	assert.Equal(t, pdu.TaskReassignNotSupported, tmf(pdu.TaskReassign, 0, 1, 0))
}

func TestAbortTaskWaitingForData(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	tag := initiator.command(scsi.Write10CDB(0, 32), false, true, 32*testBlockSize, nil)
	_, ok := initiator.receive().Message.(*pdu.ReadyToTransfer)
	require.True(t, ok)

	header := pdu.NewPDU(&pdu.TaskManagementRequest{
		Function:          pdu.TaskAbortTask,
		ReferencedTaskTag: tag,
		CmdSN:             initiator.cmdSN,
		RefCmdSN:          1,
	}, initiator.nextTag())
	header.Immediate = true
	initiator.send(header)
	response, ok := initiator.receive().Message.(*pdu.TaskManagementResponse)
	require.True(t, ok)
	assert.Equal(t, pdu.TaskFunctionComplete, response.Response)

	dataOut := pdu.NewPDU(&pdu.DataOut{Final: true, TargetTransferTag: 1}, tag)
	dataOut.Data = make([]byte, 512)
	initiator.send(dataOut)
	reject, ok := initiator.receive().Message.(*pdu.Reject)
	require.True(t, ok)
	assert.Equal(t, pdu.RejectInvalidPDUField, reject.Reason)
}

func TestLogoutCloseConnection(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	missing := initiator.logout(pdu.LogoutCloseConnection, 9)
	assert.Equal(t, pdu.LogoutCIDNotFound, missing.Response)
	assert.Zero(t, missing.Time2Wait)
	assert.Zero(t, missing.Time2Retain)

	recovery := initiator.logout(pdu.LogoutRemoveConnectionForRecovery, 1)
	assert.Equal(t, pdu.LogoutRecoveryNotSupported, recovery.Response)

	done := initiator.logout(pdu.LogoutCloseConnection, 1)
	assert.Equal(t, pdu.LogoutSuccess, done.Response)
	assert.Equal(t, uint16(2), done.Time2Wait)
	assert.Equal(t, uint16(20), done.Time2Retain)
	initiator.requireClosed()
	assert.Eventually(t, func() bool { return len(target.driver.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSessionReinstatement(t *testing.T) {
	target := startTarget(t, testOptions())
	first := dial(t, target)
	firstResponse, _ := first.login(negotiation.SessionTypeNormal, testTargetName)

	second := dial(t, target)
	secondResponse, _ := second.login(negotiation.SessionTypeNormal, testTargetName)
	first.requireClosed()

	sessions := target.driver.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, secondResponse.TSIH, sessions[0].TSIH)
	assert.Equal(t, firstResponse.TSIH, secondResponse.TSIH, "the released TSIH is handed out again")
}

func TestConnectionReinstatement(t *testing.T) {
	target := startTarget(t, testOptions())
	first := dial(t, target)
	response, _ := first.login(negotiation.SessionTypeNormal, testTargetName)

	second := dial(t, target)
	request := loginRequest(proposals(negotiation.SessionTypeNormal, testTargetName))
	request.Message.(*pdu.LoginRequest).TSIH = response.TSIH
	second.send(request)
	reply := second.receive().Message.(*pdu.LoginResponse)
	require.Equal(t, pdu.LoginStatusSuccess, reply.StatusClass)
	assert.Equal(t, response.TSIH, reply.TSIH)
	first.requireClosed()

	second.codec = pdu.NewCodec(pdu.Options{MaxRecvDataSegmentLength: 8192, MaxXmitDataSegmentLength: 8192})
	second.command(scsi.TestUnitReadyCDB(), false, false, 0, nil)
	_, ok := second.receive().Message.(*pdu.SCSIResponse)
	assert.True(t, ok)
	require.Len(t, target.driver.Sessions(), 1)
}

func TestLoginToMissingSessionFails(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	request := loginRequest(proposals(negotiation.SessionTypeNormal, testTargetName))
	request.Message.(*pdu.LoginRequest).TSIH = 0x1234
	initiator.send(request)
	response := initiator.receive().Message.(*pdu.LoginResponse)
	assert.Equal(t, pdu.LoginStatusInitiatorErr, response.StatusClass)
	assert.Equal(t, pdu.LoginDetailSessionAbsent, response.StatusDetail)
}

func TestNopPingTimeout(t *testing.T) {
	options := DefaultOptions()
	options.NopInterval = 100 * time.Millisecond
	options.NopTimeout = 200 * time.Millisecond
	target := startTarget(t, options)
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)

	reply := initiator.receive()
	ping, ok := reply.Message.(*pdu.NopIn)
	require.True(t, ok, "got %s", reply)
	assert.Equal(t, pdu.ReservedTag, reply.InitiatorTaskTag)
	assert.NotEqual(t, pdu.ReservedTag, ping.TargetTransferTag)

	// Answering keeps the connection alive until the next ping.
	answer := pdu.NewPDU(&pdu.NopOut{TargetTransferTag: ping.TargetTransferTag, CmdSN: initiator.cmdSN}, pdu.ReservedTag)
	answer.Immediate = true
	initiator.send(answer)
	next, ok := initiator.receive().Message.(*pdu.NopIn)
	require.True(t, ok)
	assert.Equal(t, ping.StatSN, next.StatSN)

	initiator.requireClosed()
}

func TestDeleteTargetWithSessionFails(t *testing.T) {
	target := startTarget(t, testOptions())
	initiator := dial(t, target)
	initiator.login(negotiation.SessionTypeNormal, testTargetName)
	assert.Error(t, target.driver.DeleteTarget(testTargetName))
	assert.NoError(t, target.driver.DeleteTarget(testOtherTarget))
	assert.Error(t, target.driver.DeleteTarget(testOtherTarget))
}

func TestTSIHPool(t *testing.T) {
	driver := NewISCSITargetDriver(scsi.NewTargetService(), testOptions())
	first := driver.AllocTSIH()
	second := driver.AllocTSIH()
	assert.Equal(t, uint16(1), first)
	assert.Equal(t, uint16(2), second)
	driver.ReleaseTSIH(first)
	assert.Equal(t, first, driver.AllocTSIH())
	driver.ReleaseTSIH(IscsiUnspecifiedTargetSessionIdentifierHandler)
	assert.NotEqual(t, IscsiUnspecifiedTargetSessionIdentifierHandler, driver.AllocTSIH())
}

func TestServeStopsWithContext(t *testing.T) {
	driver := NewISCSITargetDriver(scsi.NewTargetService(), testOptions())
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- driver.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
