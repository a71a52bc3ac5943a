// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package initiator

import (
	"context"
	"fmt"

	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
)

// DiscoveredTarget is one record of a SendTargets answer.
type DiscoveredTarget struct {
	Name string
	// Addresses are "host:port,tpgt" portals.
	Addresses []string
}

// Discover opens a discovery session and lists the targets of a portal.
func Discover(ctx context.Context, address, initiatorName string) ([]DiscoveredTarget, error) {
	session, err := Dial(ctx, address, DefaultConfig(initiatorName, ""))
	if err != nil {
		return nil, err
	}
	targets, err := session.SendTargets(ctx, negotiation.SendTargetsAll)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Logout(ctx); err != nil {
		session.log.Warningf("logout after discovery failed: %v", err)
	}
	return targets, nil
}

// SendTargets asks the target for its records. value is All, a target
// name or empty for the target of the session.
func (session *Session) SendTargets(ctx context.Context, value string) ([]DiscoveredTarget, error) {
	query := negotiation.NewSettings()
	query.Set(negotiation.KeySendTargets, value)
	reply := pdu.NewAssembler(pdu.FormatText, 0)

	request := pdu.NewPDU(&pdu.TextRequest{Final: true, TargetTransferTag: pdu.ReservedTag}, session.nextTag())
	request.Data = query.Marshal()
	for {
		var response *pdu.TextResponse
		err := session.exchange(ctx, request, nil, func(answer *pdu.PDU) (bool, error) {
			message, ok := answer.Message.(*pdu.TextResponse)
			if !ok {
				return false, fmt.Errorf("unexpected %s for a text request", answer.Opcode())
			}
			response = message
			_, err := reply.Append(answer.Data)
			return true, err
		})
		if err != nil {
			return nil, err
		}
		if !response.Continue {
			break
		}
		// Fetch the rest of the answer with empty requests.
		request = pdu.NewPDU(&pdu.TextRequest{Final: true, TargetTransferTag: response.TargetTransferTag}, request.InitiatorTaskTag)
	}
	pairs, err := negotiation.ParsePairs(reply.Bytes())
	if err != nil {
		return nil, err
	}
	return parseSendTargets(pairs)
}

func parseSendTargets(pairs negotiation.Pairs) ([]DiscoveredTarget, error) {
	var targets []DiscoveredTarget
	for _, pair := range pairs {
		switch pair.Key {
		case negotiation.KeyTargetName:
			targets = append(targets, DiscoveredTarget{Name: pair.Value})
		case negotiation.KeyTargetAddress:
			if len(targets) == 0 {
				return nil, fmt.Errorf("TargetAddress %q before any TargetName", pair.Value)
			}
			last := &targets[len(targets)-1]
			last.Addresses = append(last.Addresses, pair.Value)
		}
	}
	return targets, nil
}
