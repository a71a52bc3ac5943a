// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package initiator is a small iSCSI initiator: discovery, login and SCSI
// commands over a single connection session.
package initiator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/serial"
)

var loginCodecOptions = pdu.Options{
	MaxRecvDataSegmentLength: 8192,
	MaxXmitDataSegmentLength: 8192,
}

var ErrSessionClosed = errors.New("session closed")

// RejectError is a request the target answered with a Reject PDU.
type RejectError struct {
	Reason pdu.RejectReason
}

func (err *RejectError) Error() string {
	return fmt.Sprintf("request rejected with reason 0x%02x", uint8(err.Reason))
}

// Session is a logged in iSCSI session with one connection. Its methods
// may be called from several goroutines.
type Session struct {
	conn       net.Conn
	log        *logger.Logger
	stage      *fsm.FSM
	codec      *pdu.Codec
	parameters negotiation.Parameters
	isid       uint64
	tsih       uint16
	cid        uint16
	loginTag   uint32

	writeLock sync.Mutex
	cmdSN     *serial.Counter
	expStatSN *serial.Counter
	tags      *atomic.Uint32

	// maxCmdSN is the last CmdSN the target queues. windowMoved is
	// closed and replaced whenever it advances.
	maxCmdSN    *serial.Counter
	windowLock  sync.Mutex
	windowMoved chan struct{}

	pendingLock sync.Mutex
	pending     map[uint32]chan *pdu.PDU

	closed  *atomic.Bool
	done    chan struct{}
	errLock sync.Mutex
	err     error
}

func newSession(conn net.Conn, config Config) *Session {
	isid := config.ISID
	if isid == 0 {
		isid = randomISID()
	}
	session := &Session{
		conn:        conn,
		log:         logger.GetLogger().WithField("target", conn.RemoteAddr().String()),
		codec:       pdu.NewCodec(loginCodecOptions),
		parameters:  config.Parameters,
		isid:        isid,
		cid:         1,
		cmdSN:       serial.NewCounter(1),
		expStatSN:   serial.NewCounter(0),
		tags:        atomic.NewUint32(0),
		maxCmdSN:    serial.NewCounter(0),
		windowMoved: make(chan struct{}),
		pending:     map[uint32]chan *pdu.PDU{},
		closed:      atomic.NewBool(false),
		done:        make(chan struct{}),
	}
	session.stage = newStageMachine(fsm.Callbacks{
		"enter_" + stageFullFeature: session.enterFullFeaturePhase,
	})
	return session
}

func (session *Session) TSIH() uint16 {
	return session.tsih
}

func (session *Session) ISID() uint64 {
	return session.isid
}

// Parameters returns the values agreed at login.
func (session *Session) Parameters() negotiation.Parameters {
	return session.parameters
}

// Close drops the connection without logging out.
func (session *Session) Close() error {
	session.fail(ErrSessionClosed)
	return nil
}

func (session *Session) fail(err error) {
	if !session.closed.CompareAndSwap(false, true) {
		return
	}
	session.errLock.Lock()
	session.err = err
	session.errLock.Unlock()
	_ = session.conn.Close()
	close(session.done)
}

func (session *Session) failure() error {
	session.errLock.Lock()
	defer session.errLock.Unlock()
	return session.err
}

// bindContext applies the deadline of ctx to the connection and
// interrupts blocked I/O when ctx is cancelled.
func (session *Session) bindContext(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = session.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = session.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = session.conn.SetDeadline(time.Time{})
	}
}

func (session *Session) nextTag() uint32 {
	for {
		if tag := session.tags.Inc(); tag != pdu.ReservedTag && tag != session.loginTag {
			return tag
		}
	}
}

// acknowledge advances ExpStatSN past replies that carry a status and
// moves the command window.
func (session *Session) acknowledge(reply *pdu.PDU) {
	var statSN, expCmdSN, maxCmdSN serial.Number
	hasStatus := true
	switch message := reply.Message.(type) {
	case *pdu.SCSIResponse:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.TaskManagementResponse:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.LoginResponse:
		if message.StatusClass != pdu.LoginStatusSuccess {
			return
		}
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.TextResponse:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.LogoutResponse:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.Reject:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.AsyncMessage:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
	case *pdu.ReadyToTransfer:
		expCmdSN, maxCmdSN = message.ExpCmdSN, message.MaxCmdSN
		hasStatus = false
	case *pdu.DataIn:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
		hasStatus = message.HasStatus
	case *pdu.NopIn:
		statSN, expCmdSN, maxCmdSN = message.StatSN, message.ExpCmdSN, message.MaxCmdSN
		hasStatus = reply.InitiatorTaskTag != pdu.ReservedTag
	default:
		return
	}
	if hasStatus {
		session.expStatSN.Store(statSN.Next())
	}
	session.moveWindow(expCmdSN, maxCmdSN)
}

// moveWindow advances MaxCmdSN. A MaxCmdSN below ExpCmdSN-1 is invalid
// and ignored.
func (session *Session) moveWindow(expCmdSN, maxCmdSN serial.Number) {
	if maxCmdSN.Less(expCmdSN - 1) {
		return
	}
	if !session.maxCmdSN.Advance(maxCmdSN) {
		return
	}
	session.windowLock.Lock()
	close(session.windowMoved)
	session.windowMoved = make(chan struct{})
	session.windowLock.Unlock()
}

func (session *Session) window() <-chan struct{} {
	session.windowLock.Lock()
	defer session.windowLock.Unlock()
	return session.windowMoved
}

// numbered reports whether header takes a CmdSN of its own.
func numbered(header *pdu.PDU) bool {
	if header.Immediate {
		return false
	}
	_, dataOut := header.Message.(*pdu.DataOut)
	return !dataOut
}

// send numbers and writes a request. A request that takes a CmdSN waits
// until the target's window admits it.
func (session *Session) send(ctx context.Context, header *pdu.PDU) error {
	for {
		moved := session.window()
		sent, err := session.trySend(header)
		if sent || err != nil {
			return err
		}
		select {
		case <-moved:
		case <-ctx.Done():
			return ctx.Err()
		case <-session.done:
			return session.failure()
		}
	}
}

// trySend writes header unless its CmdSN lies beyond MaxCmdSN. CmdSN is
// assigned under the write lock so that the target sees commands in CmdSN
// order.
func (session *Session) trySend(header *pdu.PDU) (bool, error) {
	session.writeLock.Lock()
	defer session.writeLock.Unlock()
	if session.closed.Load() {
		return false, session.failure()
	}
	cmdSN := session.cmdSN.Load()
	if numbered(header) {
		if cmdSN.Greater(session.maxCmdSN.Load()) {
			return false, nil
		}
		session.cmdSN.Next()
	}
	expStatSN := session.expStatSN.Load()
	switch message := header.Message.(type) {
	case *pdu.SCSICommand:
		message.CmdSN, message.ExpStatSN = cmdSN, expStatSN
	case *pdu.TaskManagementRequest:
		message.CmdSN, message.ExpStatSN = cmdSN, expStatSN
	case *pdu.TextRequest:
		message.CmdSN, message.ExpStatSN = cmdSN, expStatSN
	case *pdu.LogoutRequest:
		message.CmdSN, message.ExpStatSN = cmdSN, expStatSN
	case *pdu.NopOut:
		message.CmdSN, message.ExpStatSN = cmdSN, expStatSN
	case *pdu.DataOut:
		message.ExpStatSN = expStatSN
	}
	return true, session.codec.WritePDU(session.conn, header)
}

// readLoop delivers replies to the exchanges waiting for them and
// answers pings of the target.
func (session *Session) readLoop() {
	for {
		reply, err := session.codec.ReadPDU(session.conn)
		if err != nil {
			if !session.closed.Load() {
				session.log.Warningf("connection lost: %v", err)
			}
			session.fail(err)
			return
		}
		session.acknowledge(reply)
		switch message := reply.Message.(type) {
		case *pdu.NopIn:
			if reply.InitiatorTaskTag == pdu.ReservedTag {
				if message.TargetTransferTag != pdu.ReservedTag {
					session.answerPing(message)
				}
				continue
			}
		case *pdu.AsyncMessage:
			session.log.Infof("asynchronous event %d", message.Event)
			continue
		case *pdu.Reject:
			// The rejected header names the task.
			if len(reply.Data) >= pdu.BHSLength {
				reply.InitiatorTaskTag = binary.BigEndian.Uint32(reply.Data[16:20])
			}
		}
		session.deliver(reply)
	}
}

func (session *Session) answerPing(ping *pdu.NopIn) {
	answer := pdu.NewPDU(&pdu.NopOut{LUN: ping.LUN, TargetTransferTag: ping.TargetTransferTag}, pdu.ReservedTag)
	answer.Immediate = true
	if err := session.send(context.Background(), answer); err != nil {
		session.log.Warningf("answering ping failed: %v", err)
	}
}

func (session *Session) deliver(reply *pdu.PDU) {
	session.pendingLock.Lock()
	replies, ok := session.pending[reply.InitiatorTaskTag]
	session.pendingLock.Unlock()
	if !ok {
		session.log.Warningf("dropping %s for unknown task 0x%08x", reply.Opcode(), reply.InitiatorTaskTag)
		return
	}
	select {
	case replies <- reply:
	case <-session.done:
	}
}

// exchange sends request, then the PDUs of follow, and passes every reply
// for the task to handle until handle reports the task finished.
func (session *Session) exchange(ctx context.Context, request *pdu.PDU, follow []*pdu.PDU, handle func(reply *pdu.PDU) (bool, error)) error {
	tag := request.InitiatorTaskTag
	replies := make(chan *pdu.PDU, 16)
	session.pendingLock.Lock()
	session.pending[tag] = replies
	session.pendingLock.Unlock()
	defer func() {
		session.pendingLock.Lock()
		delete(session.pending, tag)
		session.pendingLock.Unlock()
	}()

	if err := session.send(ctx, request); err != nil {
		return err
	}
	for _, header := range follow {
		if err := session.send(ctx, header); err != nil {
			return err
		}
	}
	accept := func(reply *pdu.PDU) (bool, error) {
		if reject, ok := reply.Message.(*pdu.Reject); ok {
			return true, &RejectError{Reason: reject.Reason}
		}
		return handle(reply)
	}
	for {
		select {
		case reply := <-replies:
			if done, err := accept(reply); err != nil || done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-session.done:
			// Replies read before the connection dropped still count.
			for {
				select {
				case reply := <-replies:
					if done, err := accept(reply); err != nil || done {
						return err
					}
				default:
					return session.failure()
				}
			}
		}
	}
}

// Nop sends a NOP-Out and waits for the echo.
func (session *Session) Nop(ctx context.Context) error {
	payload := []byte("ping")
	request := pdu.NewPDU(&pdu.NopOut{TargetTransferTag: pdu.ReservedTag}, session.nextTag())
	request.Data = payload
	return session.exchange(ctx, request, nil, func(reply *pdu.PDU) (bool, error) {
		if _, ok := reply.Message.(*pdu.NopIn); !ok {
			return false, fmt.Errorf("unexpected %s", reply.Opcode())
		}
		if string(reply.Data) != string(payload) {
			return false, fmt.Errorf("NOP-In echoed %q", reply.Data)
		}
		return true, nil
	})
}

// Logout closes the session and its connection.
func (session *Session) Logout(ctx context.Context) error {
	request := pdu.NewPDU(&pdu.LogoutRequest{Reason: pdu.LogoutCloseSession}, session.nextTag())
	request.Immediate = true
	err := session.exchange(ctx, request, nil, func(reply *pdu.PDU) (bool, error) {
		response, ok := reply.Message.(*pdu.LogoutResponse)
		if !ok {
			return false, fmt.Errorf("unexpected %s", reply.Opcode())
		}
		if response.Response != pdu.LogoutSuccess {
			return false, fmt.Errorf("logout failed with response %d", response.Response)
		}
		return true, nil
	})
	if err == nil {
		_ = session.stage.Event(ctx, eventLogout)
	}
	session.fail(ErrSessionClosed)
	return err
}
