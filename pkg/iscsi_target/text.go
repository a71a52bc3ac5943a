// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
)

func (connection *iscsiConnection) text(header *pdu.PDU, request *pdu.TextRequest, frame []byte) error {
	if request.TargetTransferTag != pdu.ReservedTag {
		return connection.continueTextReply(header, request, frame)
	}
	if connection.textRequest == nil {
		connection.textRequest = pdu.NewAssembler(pdu.FormatText, 0)
	}
	if consumed, _ := connection.textRequest.Append(header.Data); consumed < len(header.Data) {
		connection.textRequest.Reset()
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	if request.Continue {
		// Acknowledge the fragment, the rest of the request follows.
		ack := &pdu.TextResponse{LUN: request.LUN, TargetTransferTag: connection.driver.nextTransferTag()}
		return connection.send(pdu.NewPDU(ack, header.InitiatorTaskTag))
	}
	pairs, err := negotiation.ParsePairs(connection.textRequest.Bytes())
	connection.textRequest.Reset()
	if err != nil {
		connection.log.Warningf("malformed text request: %v", err)
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	return connection.sendTextReply(header.InitiatorTaskTag, request.LUN, connection.answerText(pairs))
}

// answerText answers SendTargets and refuses renegotiation of the other
// keys in full feature phase.
func (connection *iscsiConnection) answerText(request negotiation.Pairs) []byte {
	var answer negotiation.Pairs
	for _, pair := range request {
		switch {
		case pair.Key == negotiation.KeySendTargets:
			for _, target := range connection.sendTargets(pair.Value) {
				answer = append(answer, target.sendTargets()...)
			}
		case !negotiation.IsKnown(pair.Key):
			answer = append(answer, negotiation.Pair{Key: pair.Key, Value: negotiation.NotUnderstood})
		default:
			answer = append(answer, negotiation.Pair{Key: pair.Key, Value: negotiation.Reject})
		}
	}
	return answer.Marshal()
}

// sendTargets selects the targets a SendTargets value asks for. An empty
// value names the target of the session.
func (connection *iscsiConnection) sendTargets(value string) []*iscsiTarget {
	switch value {
	case negotiation.SendTargetsAll:
		if connection.session.discovery() {
			return connection.driver.targets()
		}
		return []*iscsiTarget{connection.session.target}
	case "":
		if connection.session.discovery() {
			return nil
		}
		return []*iscsiTarget{connection.session.target}
	}
	if target, ok := connection.driver.target(value); ok {
		return []*iscsiTarget{target}
	}
	return nil
}

// sendTextReply sends the first chunk of reply and keeps the rest for the
// initiator to fetch with the returned target transfer tag.
func (connection *iscsiConnection) sendTextReply(tag uint32, lun uint64, reply []byte) error {
	chunks := pdu.Split(reply, int(connection.parameters.MaxXmitDataSegmentLength))
	response := &pdu.TextResponse{LUN: lun, TargetTransferTag: pdu.ReservedTag, Final: true}
	if len(chunks) > 1 {
		response.Final = false
		response.Continue = true
		response.TargetTransferTag = connection.driver.nextTransferTag()
		connection.textReplies[response.TargetTransferTag] = chunks[1:]
	}
	message := pdu.NewPDU(response, tag)
	message.Data = chunks[0]
	return connection.send(message)
}

func (connection *iscsiConnection) continueTextReply(header *pdu.PDU, request *pdu.TextRequest, frame []byte) error {
	chunks, ok := connection.textReplies[request.TargetTransferTag]
	if !ok {
		return connection.reject(pdu.RejectInvalidPDUField, frame)
	}
	delete(connection.textReplies, request.TargetTransferTag)
	response := &pdu.TextResponse{LUN: request.LUN, TargetTransferTag: pdu.ReservedTag, Final: true}
	if len(chunks) > 1 {
		response.Final = false
		response.Continue = true
		response.TargetTransferTag = connection.driver.nextTransferTag()
		connection.textReplies[response.TargetTransferTag] = chunks[1:]
	}
	message := pdu.NewPDU(response, header.InitiatorTaskTag)
	message.Data = chunks[0]
	return connection.send(message)
}
