// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/scsi"
	"iscsikit/pkg/serial"
)

// task is a SCSI command waiting for its write data.
type task struct {
	tag        uint32
	lun        uint64
	cmdSN      serial.Number
	connection *iscsiConnection
	command    *scsi.Command

	received uint32
	// unsolicited is set while the initiator may still send data without
	// an R2T.
	unsolicited bool
	transferTag uint32
	r2tSN       serial.Number
}

func (t *task) remaining() uint32 {
	return t.command.ExpectedLength - t.received
}

func (connection *iscsiConnection) newSCSICommand(request *pdu.SCSICommand) *scsi.Command {
	s := connection.session
	command := &scsi.Command{
		CDB:            append([]byte(nil), request.CDB[:]...),
		LUN:            request.LUN,
		PortGroup:      connection.driver.targetPortGroup.Tag(),
		RelativePortID: connection.port.RelativeTargetPortID,
		PortName:       connection.port.TargetPortName,
		ExpectedLength: request.ExpectedDataTransferLength,
	}
	if s.nexus != nil {
		command.NexusID = s.nexus.ID
	}
	return command
}

func (connection *iscsiConnection) scsiCommand(header *pdu.PDU, request *pdu.SCSICommand) error {
	s := connection.session
	command := connection.newSCSICommand(request)
	if request.Read && request.Write {
		// Bidirectional commands need an AHS for the read length.
		command.Status = scsi.StatusCheckCondition
		command.Sense = scsi.FixedSense(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
		return connection.respond(header.InitiatorTaskTag, request.LUN, command, false)
	}
	if !request.Write || request.ExpectedDataTransferLength == 0 {
		s.target.Execute(command)
		return connection.respond(header.InitiatorTaskTag, request.LUN, command, request.Read)
	}

	if s.task(header.InitiatorTaskTag) != nil {
		connection.log.Warningf("task 0x%08x is already in progress", header.InitiatorTaskTag)
		return connection.reject(pdu.RejectTaskInProgress, connection.encodeFrame(header))
	}
	command.DataOut = make([]byte, request.ExpectedDataTransferLength)
	t := &task{
		tag:         header.InitiatorTaskTag,
		lun:         request.LUN,
		cmdSN:       request.CmdSN,
		connection:  connection,
		command:     command,
		received:    uint32(copy(command.DataOut, header.Data)),
		unsolicited: !request.Final,
	}
	if t.unsolicited {
		s.addTask(t)
		return nil
	}
	if t.remaining() == 0 {
		return connection.complete(t)
	}
	s.addTask(t)
	return connection.solicit(t)
}

// encodeFrame renders a PDU that was decoded successfully so that it can
// be quoted in a Reject.
func (connection *iscsiConnection) encodeFrame(header *pdu.PDU) []byte {
	frame, err := pdu.NewCodec(pdu.Options{}).Encode(&pdu.PDU{
		Immediate:        header.Immediate,
		InitiatorTaskTag: header.InitiatorTaskTag,
		Message:          header.Message,
	})
	if err != nil {
		return nil
	}
	return frame
}

// solicit asks for the next burst of write data.
func (connection *iscsiConnection) solicit(t *task) error {
	t.transferTag = connection.driver.nextTransferTag()
	desired := min(t.remaining(), connection.parameters.MaxBurstLength)
	ready := &pdu.ReadyToTransfer{
		LUN:                       t.lun,
		TargetTransferTag:         t.transferTag,
		R2TSN:                     t.r2tSN,
		BufferOffset:              t.received,
		DesiredDataTransferLength: desired,
	}
	t.r2tSN = t.r2tSN.Next()
	return connection.send(pdu.NewPDU(ready, t.tag))
}

func (connection *iscsiConnection) dataOut(header *pdu.PDU, message *pdu.DataOut, frame []byte) error {
	s := connection.session
	if s.discovery() {
		return connection.reject(pdu.RejectProtocolError, frame)
	}
	t := s.task(header.InitiatorTaskTag)
	if t == nil {
		connection.log.Warningf("Data-Out for unknown task 0x%08x", header.InitiatorTaskTag)
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	expectedTag := t.transferTag
	if t.unsolicited {
		expectedTag = pdu.ReservedTag
	}
	if message.TargetTransferTag != expectedTag {
		connection.log.Warningf("Data-Out of task 0x%08x carries TTT 0x%08x, expected 0x%08x", t.tag, message.TargetTransferTag, expectedTag)
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	end := uint64(message.BufferOffset) + uint64(len(header.Data))
	if end > uint64(t.command.ExpectedLength) {
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	copy(t.command.DataOut[message.BufferOffset:], header.Data)
	t.received += uint32(len(header.Data))
	if !message.Final {
		return nil
	}
	t.unsolicited = false
	if t.received >= t.command.ExpectedLength {
		s.removeTask(t.tag)
		return connection.complete(t)
	}
	return connection.solicit(t)
}

// complete executes a write whose data has arrived.
func (connection *iscsiConnection) complete(t *task) error {
	connection.session.target.Execute(t.command)
	return connection.respond(t.tag, t.lun, t.command, false)
}

// respond returns the outcome of command, either as a SCSI Response or,
// for successful reads, as Data-In PDUs with the status in the last one.
func (connection *iscsiConnection) respond(tag uint32, lun uint64, command *scsi.Command, read bool) error {
	overflow, underflow, residual := command.Residual()
	if read && command.Status == scsi.StatusGood && len(command.DataIn) > 0 {
		chunks := pdu.Split(command.DataIn, int(connection.parameters.MaxXmitDataSegmentLength))
		offset := uint32(0)
		for i, chunk := range chunks {
			message := &pdu.DataIn{
				LUN:               lun,
				TargetTransferTag: pdu.ReservedTag,
				DataSN:            serial.Number(i),
				BufferOffset:      offset,
			}
			if i == len(chunks)-1 {
				message.Final = true
				message.HasStatus = true
				message.Status = command.Status
				message.Overflow = overflow
				message.Underflow = underflow
				if overflow || underflow {
					message.ResidualCount = residual
				}
			}
			dataIn := pdu.NewPDU(message, tag)
			dataIn.Data = chunk
			if err := connection.send(dataIn); err != nil {
				return err
			}
			offset += uint32(len(chunk))
		}
		return nil
	}
	response := &pdu.SCSIResponse{
		Response: pdu.CommandCompletedAtTarget,
		Status:   command.Status,
	}
	if command.Status == scsi.StatusGood && (overflow || underflow) {
		response.Overflow = overflow
		response.Underflow = underflow
		response.ResidualCount = residual
	}
	reply := pdu.NewPDU(response, tag)
	reply.Data = pdu.SenseSegment(command.Sense)
	return connection.send(reply)
}
