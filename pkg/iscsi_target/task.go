// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// iSCSI task management
package iscsi_target

import (
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
)

func (connection *iscsiConnection) taskManagement(header *pdu.PDU, request *pdu.TaskManagementRequest) error {
	response := connection.manageTasks(request)
	connection.log.Infof("task management function %d on LUN %d answered %d", request.Function, scsi.DecodeLUN(request.LUN), response)
	return connection.send(pdu.NewPDU(&pdu.TaskManagementResponse{Response: response}, header.InitiatorTaskTag))
}

func (connection *iscsiConnection) manageTasks(request *pdu.TaskManagementRequest) pdu.TaskResponse {
	s := connection.session
	switch request.Function {
	case pdu.TaskAbortTask:
		return s.abortTask(request)
	case pdu.TaskAbortTaskSet, pdu.TaskLogicalUnitReset:
		unit, ok := s.target.LogicalUnit(scsi.DecodeLUN(request.LUN))
		if !ok {
			return pdu.TaskLUNDoesNotExist
		}
		aborted := s.abortTasks(func(lun uint64) bool { return lun == request.LUN })
		if request.Function == pdu.TaskLogicalUnitReset {
			unit.Reset()
		}
		connection.log.Debugf("%d tasks aborted on LUN %d", aborted, scsi.DecodeLUN(request.LUN))
		return pdu.TaskFunctionComplete
	case pdu.TaskReassign:
		return pdu.TaskReassignNotSupported
	}
	return pdu.TaskFunctionNotSupported
}

// abortTask drops the referenced task without answering it. A task the
// target never saw is reported complete when its CmdSN was already
// consumed, as the command was then answered before.
func (s *session) abortTask(request *pdu.TaskManagementRequest) pdu.TaskResponse {
	s.lock.Lock()
	defer s.lock.Unlock()
	if t, ok := s.tasks[request.ReferencedTaskTag]; ok {
		delete(s.tasks, t.tag)
		return pdu.TaskFunctionComplete
	}
	if s.pending.RemoveByTag(request.ReferencedTaskTag) != nil {
		return pdu.TaskFunctionComplete
	}
	if request.RefCmdSN.Less(s.expCmdSN) {
		return pdu.TaskFunctionComplete
	}
	return pdu.TaskDoesNotExist
}

// abortTasks drops the tasks and queued commands addressed to the LUNs
// matching and returns how many were dropped.
func (s *session) abortTasks(matching func(lun uint64) bool) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	aborted := 0
	for tag, t := range s.tasks {
		if matching(t.lun) {
			delete(s.tasks, tag)
			aborted++
		}
	}
	aborted += s.pending.RemoveIf(func(command *queuedCommand) bool {
		request, ok := command.header.Message.(*pdu.SCSICommand)
		return ok && matching(request.LUN)
	})
	return aborted
}
