// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"github.com/google/btree"

	"iscsikit/pkg/pdu"
	"iscsikit/pkg/serial"
)

// queuedCommand is a non-immediate request that arrived ahead of ExpCmdSN.
type queuedCommand struct {
	cmdSN      serial.Number
	header     *pdu.PDU
	frame      []byte
	connection *iscsiConnection
}

// taskQueue orders waiting commands by CmdSN. Every CmdSN held lies in
// the command window, which is far narrower than 2^31, so serial
// comparison is a total order over the queue.
type taskQueue struct {
	tree *btree.BTreeG[*queuedCommand]
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tree: btree.NewG[*queuedCommand](8, func(a, b *queuedCommand) bool {
			return a.cmdSN.Less(b.cmdSN)
		}),
	}
}

func (tq *taskQueue) Len() int { return tq.tree.Len() }

// Push queues command and reports false for a CmdSN already waiting.
func (tq *taskQueue) Push(command *queuedCommand) bool {
	if tq.tree.Has(command) {
		return false
	}
	tq.tree.ReplaceOrInsert(command)
	return true
}

// PopExpected removes and returns the command numbered expected.
func (tq *taskQueue) PopExpected(expected serial.Number) (*queuedCommand, bool) {
	head, ok := tq.tree.Min()
	if !ok || head.cmdSN != expected {
		return nil, false
	}
	tq.tree.DeleteMin()
	return head, true
}

func (tq *taskQueue) GetByTag(tag uint32) *queuedCommand {
	var found *queuedCommand
	tq.tree.Ascend(func(command *queuedCommand) bool {
		if command.header.InitiatorTaskTag == tag {
			found = command
			return false
		}
		return true
	})
	return found
}

func (tq *taskQueue) RemoveByTag(tag uint32) *queuedCommand {
	found := tq.GetByTag(tag)
	if found != nil {
		tq.tree.Delete(found)
	}
	return found
}

// RemoveIf drops every queued command matching predicate and returns
// how many were dropped.
func (tq *taskQueue) RemoveIf(predicate func(command *queuedCommand) bool) int {
	var doomed []*queuedCommand
	tq.tree.Ascend(func(command *queuedCommand) bool {
		if predicate(command) {
			doomed = append(doomed, command)
		}
		return true
	})
	for _, command := range doomed {
		tq.tree.Delete(command)
	}
	return len(doomed)
}

func (tq *taskQueue) Clear() {
	tq.tree.Clear(false)
}
