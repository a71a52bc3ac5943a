// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/metrics"
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/serial"
)

type connectionState int32

const (
	ConnectionStateLogin connectionState = iota
	ConnectionStateFullFeature
	ConnectionStateLoggedOut
)

func (state connectionState) String() string {
	switch state {
	case ConnectionStateLogin:
		return "login"
	case ConnectionStateFullFeature:
		return "full feature"
	case ConnectionStateLoggedOut:
		return "logged out"
	}
	return "unknown"
}

var errConnectionClosed = errors.New("connection already closed")

type nopThreadState byte

const (
	noRequestReceived = nopThreadState(iota)
	waitingForRequest
	waitingForPingResponse
)

type NoOperationCounters struct {
	targetTransferTag       uint32
	lastReceivedRequestTime time.Time
	pingSentTime            time.Time
	state                   nopThreadState
}

type iscsiConnection struct {
	driver            *ISCSITargetDriver
	ConnectionId      uint32
	cid               uint16
	networkConnection net.Conn
	port              TargetPort
	log               *logger.Logger
	ctx               context.Context

	state *atomic.Int32
	login *loginState
	// session and parameters are set once, when login completes.
	session    *session
	parameters negotiation.Parameters

	codecLock    sync.RWMutex
	currentCodec *pdu.Codec

	writeLock sync.Mutex
	statSN    *serial.Counter

	// Text exchanges spanning several PDUs, only touched by the reader.
	textRequest *pdu.Assembler
	textReplies map[uint32][][]byte

	noOperationCounters     NoOperationCounters
	noOperationCounterMutex sync.Mutex

	closed *atomic.Bool
	done   chan struct{}
}

func newISCSIConnection(driver *ISCSITargetDriver, networkConnection net.Conn) *iscsiConnection {
	id := driver.connectionIds.Inc()
	connection := &iscsiConnection{
		driver:            driver,
		ConnectionId:      id,
		networkConnection: networkConnection,
		port:              driver.targetPortGroup.Resolve(networkConnection.LocalAddr().String()),
		log:               logger.GetLogger().WithField("connection", id),
		ctx:               context.Background(),
		state:             atomic.NewInt32(int32(ConnectionStateLogin)),
		login:             newLoginState(),
		parameters:        negotiation.DefaultParameters(),
		currentCodec:      pdu.NewCodec(loginCodecOptions),
		statSN:            serial.NewCounter(0),
		textReplies:       map[uint32][][]byte{},
		closed:            atomic.NewBool(false),
		done:              make(chan struct{}),
	}
	metrics.ConnectionGauge.Inc()
	return connection
}

func (connection *iscsiConnection) State() connectionState {
	return connectionState(connection.state.Load())
}

func (connection *iscsiConnection) setState(state connectionState) {
	connection.state.Store(int32(state))
}

func (connection *iscsiConnection) codec() *pdu.Codec {
	connection.codecLock.RLock()
	defer connection.codecLock.RUnlock()
	return connection.currentCodec
}

func (connection *iscsiConnection) setCodec(codec *pdu.Codec) {
	connection.codecLock.Lock()
	defer connection.codecLock.Unlock()
	connection.currentCodec = codec
}

func (connection *iscsiConnection) remoteAddress() string {
	return connection.networkConnection.RemoteAddr().String()
}

func (connection *iscsiConnection) serve(ctx context.Context) {
	connection.ctx = ctx
	stop := context.AfterFunc(ctx, connection.close)
	defer stop()
	defer connection.finish()
	connection.log.Infof("iscsi connection from %s", connection.remoteAddress())
	for !connection.closed.Load() {
		header, frame, err := connection.readPDU()
		if err != nil {
			if !connection.recover(frame, err) {
				return
			}
			continue
		}
		connection.onReceivedHeader()
		metrics.PDUReceivedCounter.WithLabelValues(header.Opcode().String()).Inc()
		connection.log.Debugf("received %s", header)
		if err := connection.dispatch(header, frame); err != nil {
			if !errors.Is(err, errConnectionClosed) {
				connection.log.Warningf("closing connection: %v", err)
			}
			return
		}
		if connection.State() == ConnectionStateLoggedOut {
			return
		}
	}
}

// finish closes the connection and ends the session with it when no
// other connection is left.
func (connection *iscsiConnection) finish() {
	connection.close()
	if s := connection.session; s != nil {
		if s.detach(connection) == 0 {
			connection.driver.UnBindISCSISession(s)
		}
	}
	connection.log.Infof("iscsi connection[%d] closed", connection.ConnectionId)
}

func (connection *iscsiConnection) close() {
	if !connection.closed.CompareAndSwap(false, true) {
		return
	}
	_ = connection.networkConnection.Close()
	close(connection.done)
	metrics.ConnectionGauge.Dec()
}

// readPDU reads one frame and decodes it. The frame is returned whenever
// it was read completely, so that a Reject can quote its header.
func (connection *iscsiConnection) readPDU() (*pdu.PDU, []byte, error) {
	codec := connection.codec()
	bhs := make([]byte, pdu.BHSLength)
	if _, err := io.ReadFull(connection.networkConnection, bhs); err != nil {
		return nil, nil, err
	}
	total, err := codec.FrameLength(bhs)
	if err != nil {
		return nil, bhs, &unreadSegment{err: err}
	}
	frame := make([]byte, total)
	copy(frame, bhs)
	if _, err := io.ReadFull(connection.networkConnection, frame[pdu.BHSLength:]); err != nil {
		return nil, nil, err
	}
	header, _, err := codec.Decode(frame)
	return header, frame, err
}

// unreadSegment is a header whose data segment was left on the wire, so
// the next PDU boundary is unknown.
type unreadSegment struct {
	err error
}

func (err *unreadSegment) Error() string {
	return err.err.Error()
}

func (err *unreadSegment) Unwrap() error {
	return err.err
}

func errorKind(err error) string {
	var (
		mismatch      *pdu.DigestMismatch
		unknown       *pdu.UnknownOpcode
		reservedField *pdu.ReservedFieldViolation
		fieldValue    *pdu.FieldValueViolation
	)
	switch {
	case errors.As(err, &mismatch):
		if mismatch.Kind == pdu.HeaderDigest {
			return "header_digest"
		}
		return "data_digest"
	case errors.As(err, &unknown):
		return "unknown_opcode"
	case errors.As(err, &reservedField):
		return "reserved_field"
	case errors.As(err, &fieldValue):
		return "field_value"
	}
	return "other"
}

// recover answers a PDU that failed to decode and reports whether the
// connection can go on.
func (connection *iscsiConnection) recover(frame []byte, err error) bool {
	var decodeError *pdu.DecodeError
	if !errors.As(err, &decodeError) {
		if !errors.Is(err, io.EOF) && !connection.closed.Load() {
			connection.log.Warningf("read failed: %v", err)
		}
		return false
	}
	metrics.CodecErrorCounter.WithLabelValues(errorKind(err)).Inc()
	reason, ok := pdu.RejectReasonFor(err)
	if !ok {
		connection.log.Errorf("dropping connection: %v", err)
		return false
	}
	connection.log.Warningf("rejecting PDU: %v", err)
	if err := connection.reject(reason, frame); err != nil {
		return false
	}
	var unread *unreadSegment
	if errors.As(err, &unread) {
		connection.log.Errorf("dropping connection: %v", err)
		return false
	}
	// Errors during login are fatal.
	return connection.State() == ConnectionStateFullFeature
}

func (connection *iscsiConnection) dispatch(header *pdu.PDU, frame []byte) error {
	if connection.State() == ConnectionStateLogin {
		if _, ok := header.Message.(*pdu.LoginRequest); !ok {
			_ = connection.reject(pdu.RejectProtocolError, frame)
			return fmt.Errorf("%s received before login completed", header.Opcode())
		}
		return connection.handleLogin(header)
	}
	switch message := header.Message.(type) {
	case *pdu.NopOut:
		if header.InitiatorTaskTag == pdu.ReservedTag {
			connection.pong(message.TargetTransferTag)
			return nil
		}
	case *pdu.DataOut:
		return connection.dataOut(header, message, frame)
	case *pdu.SNACKRequest:
		return connection.reject(pdu.RejectSNACKReject, frame)
	case *pdu.SCSICommand, *pdu.TaskManagementRequest:
		if connection.session.discovery() {
			return connection.reject(pdu.RejectProtocolError, frame)
		}
	case *pdu.TextRequest, *pdu.LogoutRequest:
	default:
		return connection.reject(pdu.RejectProtocolError, frame)
	}
	return connection.session.submit(connection, header, frame)
}

// execute runs a request whose turn in CmdSN order has come.
func (connection *iscsiConnection) execute(header *pdu.PDU, frame []byte) error {
	switch message := header.Message.(type) {
	case *pdu.SCSICommand:
		return connection.scsiCommand(header, message)
	case *pdu.TaskManagementRequest:
		return connection.taskManagement(header, message)
	case *pdu.TextRequest:
		return connection.text(header, message, frame)
	case *pdu.LogoutRequest:
		return connection.logout(header, message)
	case *pdu.NopOut:
		return connection.nopOut(header, message)
	}
	return connection.reject(pdu.RejectProtocolError, frame)
}

// sequence fills StatSN, ExpCmdSN and MaxCmdSN of an outgoing PDU. It
// runs under the write lock, so StatSN grows in wire order.
func (connection *iscsiConnection) sequence(header *pdu.PDU) {
	var expected, maximum serial.Number
	windowKnown := connection.session != nil
	if windowKnown {
		expected, maximum = connection.session.window()
	}
	stamp := func(statSN, expCmdSN, maxCmdSN *serial.Number, advance bool) {
		if statSN != nil {
			if advance {
				*statSN = connection.statSN.Next()
			} else {
				*statSN = connection.statSN.Load()
			}
		}
		if windowKnown {
			*expCmdSN = expected
			*maxCmdSN = maximum
		}
	}
	switch message := header.Message.(type) {
	case *pdu.SCSIResponse:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.TaskManagementResponse:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.LoginResponse:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.TextResponse:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.LogoutResponse:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.Reject:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.AsyncMessage:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
	case *pdu.NopIn:
		// Only a NOP-In answering a NOP-Out consumes a StatSN.
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, header.InitiatorTaskTag != pdu.ReservedTag)
	case *pdu.ReadyToTransfer:
		stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, false)
	case *pdu.DataIn:
		if message.HasStatus {
			stamp(&message.StatSN, &message.ExpCmdSN, &message.MaxCmdSN, true)
		} else {
			stamp(nil, &message.ExpCmdSN, &message.MaxCmdSN, false)
		}
	}
}

func (connection *iscsiConnection) send(header *pdu.PDU) error {
	connection.writeLock.Lock()
	defer connection.writeLock.Unlock()
	if connection.closed.Load() {
		return errConnectionClosed
	}
	connection.sequence(header)
	frame, err := connection.codec().Encode(header)
	if err != nil {
		return fmt.Errorf("encode %s: %w", header.Opcode(), err)
	}
	if _, err := connection.networkConnection.Write(frame); err != nil {
		return err
	}
	metrics.PDUSentCounter.WithLabelValues(header.Opcode().String()).Inc()
	connection.log.Debugf("sent %s", header)
	return nil
}

func rejectReasonName(reason pdu.RejectReason) string {
	return fmt.Sprintf("0x%02x", uint8(reason))
}

// reject answers the PDU in frame with a Reject quoting its header.
func (connection *iscsiConnection) reject(reason pdu.RejectReason, frame []byte) error {
	header := pdu.NewPDU(&pdu.Reject{Reason: reason}, pdu.ReservedTag)
	header.Data = pdu.RejectHeader(frame)
	metrics.RejectSentCounter.WithLabelValues(rejectReasonName(reason)).Inc()
	return connection.send(header)
}

func (connection *iscsiConnection) nopOut(header *pdu.PDU, request *pdu.NopOut) error {
	response := pdu.NewPDU(&pdu.NopIn{LUN: request.LUN, TargetTransferTag: pdu.ReservedTag}, header.InitiatorTaskTag)
	response.Data = header.Data
	return connection.send(response)
}

func (connection *iscsiConnection) onReceivedHeader() {
	connection.noOperationCounterMutex.Lock()
	defer connection.noOperationCounterMutex.Unlock()
	connection.noOperationCounters.lastReceivedRequestTime = time.Now()
	connection.noOperationCounters.state = waitingForRequest
}

// pong handles the NOP-Out answering a ping. Receiving it already reset
// the ping state.
func (connection *iscsiConnection) pong(targetTransferTag uint32) {
	connection.noOperationCounterMutex.Lock()
	expected := connection.noOperationCounters.targetTransferTag
	connection.noOperationCounterMutex.Unlock()
	if targetTransferTag != expected {
		connection.log.Debugf("NOP-Out answers ping 0x%08x, the last ping was 0x%08x", targetTransferTag, expected)
	}
}

func (connection *iscsiConnection) sendNoOperationPing() error {
	connection.noOperationCounterMutex.Lock()
	defer connection.noOperationCounterMutex.Unlock()
	tag := connection.driver.nextTransferTag()
	ping := pdu.NewPDU(&pdu.NopIn{TargetTransferTag: tag}, pdu.ReservedTag)
	if err := connection.send(ping); err != nil {
		return err
	}
	connection.noOperationCounters.targetTransferTag = tag
	connection.noOperationCounters.state = waitingForPingResponse
	connection.noOperationCounters.pingSentTime = time.Now()
	return nil
}

type ErrInitiatorConnectionTimeout struct{}

func (err ErrInitiatorConnectionTimeout) Error() string {
	return "no heartbeat received"
}

func computeSleepDuration(timeout, sleepDuration time.Duration, futureTimestamp time.Time) time.Duration {
	elapsedTime := time.Since(futureTimestamp)
	if actualSleepDuration := timeout - elapsedTime; actualSleepDuration < sleepDuration {
		return actualSleepDuration
	}
	return sleepDuration
}

// probeInitiatorWithPings sends a NOP-In after nopInterval without
// traffic and fails when the initiator stays silent for nopTimeout after
// it.
func (connection *iscsiConnection) probeInitiatorWithPings(ctx context.Context, nopInterval, nopTimeout time.Duration) error {
	sleepDuration := time.Millisecond * 50
	for {
		wait := sleepDuration
		connection.noOperationCounterMutex.Lock()
		counters := connection.noOperationCounters
		connection.noOperationCounterMutex.Unlock()
		switch counters.state {
		case waitingForRequest:
			if time.Since(counters.lastReceivedRequestTime) >= nopInterval {
				if err := connection.sendNoOperationPing(); err != nil {
					return err
				}
				continue
			}
			wait = computeSleepDuration(nopInterval, sleepDuration, counters.lastReceivedRequestTime)
		case waitingForPingResponse:
			if time.Since(counters.pingSentTime) >= nopTimeout {
				return ErrInitiatorConnectionTimeout{}
			}
			wait = computeSleepDuration(nopTimeout, sleepDuration, counters.pingSentTime)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-connection.done:
			return nil
		case <-time.After(wait):
		}
	}
}

func (connection *iscsiConnection) startNopPingWorker() {
	interval := connection.driver.options.NopInterval
	if interval <= 0 {
		return
	}
	timeout := connection.driver.options.NopTimeout
	go func() {
		err := connection.probeInitiatorWithPings(connection.ctx, interval, timeout)
		if err != nil {
			if !errors.Is(err, errConnectionClosed) {
				connection.log.Warningf("%v, closing connection to %s", err, connection.remoteAddress())
			}
			connection.close()
		}
	}()
}
