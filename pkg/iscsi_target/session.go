// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"sort"
	"sync"

	"iscsikit/pkg/logger"
	"iscsikit/pkg/metrics"
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
	"iscsikit/pkg/serial"
)

type session struct {
	driver *ISCSITargetDriver
	// target is nil for discovery sessions.
	target         *iscsiTarget
	tsih           uint16
	isid           uint64
	initiatorName  string
	initiatorAlias string
	port           TargetPort
	nexus          *scsi.ITNexus
	parameters     negotiation.Parameters
	maxQueue       uint32

	lock        sync.Mutex
	expCmdSN    serial.Number
	pending     *taskQueue
	tasks       map[uint32]*task
	connections map[uint16]*iscsiConnection
}

type SessionRepresentation struct {
	TSIH           uint16
	ISID           string
	InitiatorName  string
	InitiatorAlias string
	TargetName     string
	Type           string
	Portal         string
	Connections    []string
	ExpCmdSN       uint32
	HeaderDigest   bool
	DataDigest     bool
}

func newSession(
	driver *ISCSITargetDriver,
	target *iscsiTarget,
	state *loginState,
	port TargetPort,
	parameters negotiation.Parameters,
) *session {
	return &session{
		driver:         driver,
		target:         target,
		isid:           state.isid,
		initiatorName:  state.initiatorName,
		initiatorAlias: state.initiatorAlias,
		port:           port,
		parameters:     parameters,
		maxQueue:       driver.options.MaxQueueCommands,
		expCmdSN:       state.cmdSN,
		pending:        newTaskQueue(),
		tasks:          map[uint32]*task{},
		connections:    map[uint16]*iscsiConnection{},
	}
}

func formatISID(isid uint64) string {
	return fmt.Sprintf("0x%012x", isid&0xffffffffffff)
}

// GeneraterIscsiItNexusID names the I_T nexus as RFC 3720 defines it:
// initiator name + ",i," + ISID, target name + ",t," + portal group tag.
func GeneraterIscsiItNexusID(s *session) string {
	return fmt.Sprintf("%s,i,%s,%s,t,0x%04x",
		s.initiatorName, formatISID(s.isid),
		s.targetName(),
		s.driver.targetPortGroup.Tag())
}

func (s *session) discovery() bool {
	return s.target == nil
}

func (s *session) targetName() string {
	if s.target == nil {
		return ""
	}
	return s.target.Name
}

func (s *session) sessionType() string {
	if s.discovery() {
		return negotiation.SessionTypeDiscovery
	}
	return negotiation.SessionTypeNormal
}

// opened registers the I_T nexus of a normal session.
func (s *session) opened() {
	if !s.discovery() {
		s.nexus = scsi.NewITNexus(GeneraterIscsiItNexusID(s))
		s.target.AddITNexus(s.nexus)
	}
	metrics.SessionGauge.WithLabelValues(s.sessionType()).Inc()
}

func (s *session) closed() {
	if s.nexus != nil {
		s.target.RemoveITNexus(s.nexus)
	}
	s.lock.Lock()
	s.pending.Clear()
	s.tasks = map[uint32]*task{}
	connections := make([]*iscsiConnection, 0, len(s.connections))
	for _, connection := range s.connections {
		connections = append(connections, connection)
	}
	s.connections = map[uint16]*iscsiConnection{}
	s.lock.Unlock()
	for _, connection := range connections {
		connection.close()
	}
	metrics.SessionGauge.WithLabelValues(s.sessionType()).Dec()
}

// window returns ExpCmdSN and MaxCmdSN as announced to the initiator.
func (s *session) window() (serial.Number, serial.Number) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.expCmdSN, s.expCmdSN.Add(s.maxQueue - 1)
}

func (s *session) LookupConnection(cid uint16) *iscsiConnection {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connections[cid]
}

// attach binds connection under its CID and returns the connection it
// replaces, if any.
func (s *session) attach(connection *iscsiConnection) *iscsiConnection {
	s.lock.Lock()
	defer s.lock.Unlock()
	previous := s.connections[connection.cid]
	s.connections[connection.cid] = connection
	return previous
}

// detach removes connection and returns how many connections are left.
// A connection that was already replaced leaves the session untouched.
func (s *session) detach(connection *iscsiConnection) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.connections[connection.cid] == connection {
		delete(s.connections, connection.cid)
	}
	return len(s.connections)
}

func commandSN(message pdu.Message) (serial.Number, bool) {
	switch request := message.(type) {
	case *pdu.SCSICommand:
		return request.CmdSN, true
	case *pdu.TaskManagementRequest:
		return request.CmdSN, true
	case *pdu.TextRequest:
		return request.CmdSN, true
	case *pdu.LogoutRequest:
		return request.CmdSN, true
	case *pdu.NopOut:
		return request.CmdSN, true
	}
	return 0, false
}

// submit runs a request in CmdSN order. Immediate requests bypass the
// ordering, requests outside the command window are dropped and requests
// ahead of ExpCmdSN wait until the gap is filled.
func (s *session) submit(connection *iscsiConnection, header *pdu.PDU, frame []byte) error {
	cmdSN, ok := commandSN(header.Message)
	if !ok {
		return connection.execute(header, frame)
	}
	if header.Immediate {
		return connection.execute(header, frame)
	}
	log := logger.GetLogger()
	s.lock.Lock()
	expected := s.expCmdSN
	maximum := expected.Add(s.maxQueue - 1)
	if !serial.InWindow(cmdSN, expected, maximum) {
		s.lock.Unlock()
		log.Warningf("dropping %s with CmdSN %s outside [%s, %s]", header.Opcode(), cmdSN, expected, maximum)
		return nil
	}
	if cmdSN != expected {
		queued := s.pending.Push(&queuedCommand{cmdSN: cmdSN, header: header, frame: frame, connection: connection})
		s.lock.Unlock()
		if !queued {
			log.Warningf("dropping duplicate CmdSN %s", cmdSN)
		} else {
			log.Debugf("queued CmdSN %s while waiting for %s", cmdSN, expected)
		}
		return nil
	}
	s.expCmdSN = expected.Next()
	s.lock.Unlock()
	if err := connection.execute(header, frame); err != nil {
		return err
	}
	return s.drain()
}

// drain runs queued requests that have become next in order.
func (s *session) drain() error {
	for {
		s.lock.Lock()
		next, ok := s.pending.PopExpected(s.expCmdSN)
		if !ok {
			s.lock.Unlock()
			return nil
		}
		s.expCmdSN = s.expCmdSN.Next()
		s.lock.Unlock()
		if err := next.connection.execute(next.header, next.frame); err != nil {
			return err
		}
	}
}

func (s *session) addTask(t *task) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tasks[t.tag] = t
}

func (s *session) task(tag uint32) *task {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.tasks[tag]
}

func (s *session) removeTask(tag uint32) *task {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := s.tasks[tag]
	delete(s.tasks, tag)
	return t
}

func (s *session) Representation() SessionRepresentation {
	expected, _ := s.window()
	representation := SessionRepresentation{
		TSIH:           s.tsih,
		ISID:           formatISID(s.isid),
		InitiatorName:  s.initiatorName,
		InitiatorAlias: s.initiatorAlias,
		TargetName:     s.targetName(),
		Type:           s.sessionType(),
		Portal:         s.port.TargetPortName,
		ExpCmdSN:       uint32(expected),
		HeaderDigest:   s.parameters.HeaderDigest,
		DataDigest:     s.parameters.DataDigest,
	}
	s.lock.Lock()
	for _, connection := range s.connections {
		representation.Connections = append(representation.Connections, connection.remoteAddress())
	}
	s.lock.Unlock()
	sort.Strings(representation.Connections)
	return representation
}
