// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import (
	"errors"
	"strconv"
)

// Negotiator answers the operational keys of a login or text exchange on
// behalf of the responding side and accumulates the agreed Parameters.
type Negotiator struct {
	local      *Settings
	parameters Parameters
	declared   bool
}

// NewNegotiator uses local as the responder's own values; keys missing
// from local fall back to RFC 3720 defaults.
func NewNegotiator(local *Settings, parameters Parameters) *Negotiator {
	if local == nil {
		local = NewSettings()
	}
	return &Negotiator{local: local, parameters: parameters}
}

func (negotiator *Negotiator) Parameters() Parameters {
	return negotiator.parameters
}

func (negotiator *Negotiator) localValue(key Key) string {
	if value, err := negotiator.local.Get(key); err == nil {
		return value
	}
	value, _ := Default(key)
	return value
}

func isAnswer(value string) bool {
	return value == NotUnderstood || value == Irrelevant || value == Reject
}

// Respond processes the proposals in request and returns the keys to send
// back. Identity keys (names, aliases, session type) are recorded without
// an answer. Unknown keys are answered with NotUnderstood, keys that do not
// apply to a discovery session with Irrelevant and unacceptable values
// with Reject.
func (negotiator *Negotiator) Respond(request *Settings) *Settings {
	response := NewSettings()
	if value, err := request.Get(KeySessionType); err == nil {
		negotiator.parameters.SessionType = value
	}
	for _, key := range request.Keys() {
		proposed := request.Value(key)
		if isAnswer(proposed) {
			continue
		}
		definition, known := knownKeys[key]
		if !known {
			response.Set(key, NotUnderstood)
			continue
		}
		if definition.normalOnly && negotiator.parameters.Discovery() {
			response.Set(key, Irrelevant)
			continue
		}
		switch key {
		case KeyInitiatorName, KeyInitiatorAlias, KeyTargetName, KeySessionType:
			_ = negotiator.parameters.Set(key, proposed)
			continue
		case KeySendTargets, KeyTargetAddress, KeyTargetPortalGroupTag, KeyTargetAlias:
			continue
		case KeyMaxRecvDataSegmentLength:
			if err := negotiator.parameters.Set(key, proposed); err != nil {
				response.Set(key, Reject)
			}
			continue
		}
		if definition.numeric() {
			if _, err := checkRange(key, proposed); err != nil {
				response.Set(key, Reject)
				continue
			}
		}
		agreed, err := Negotiate(key, proposed, negotiator.localValue(key), definition.merge)
		if err != nil {
			response.Set(key, Reject)
			continue
		}
		if err := negotiator.parameters.Set(key, agreed); err != nil {
			response.Set(key, Reject)
			continue
		}
		response.Set(key, agreed)
	}
	negotiator.clampFirstBurst(response)
	if !negotiator.declared {
		local := negotiator.localValue(KeyMaxRecvDataSegmentLength)
		if number, err := ParseNumber(local); err == nil {
			negotiator.parameters.MaxRecvDataSegmentLength = uint32(number)
		}
		response.Set(KeyMaxRecvDataSegmentLength, local)
		negotiator.declared = true
	}
	return response
}

// FirstBurstLength can never exceed MaxBurstLength.
func (negotiator *Negotiator) clampFirstBurst(response *Settings) {
	if negotiator.parameters.FirstBurstLength <= negotiator.parameters.MaxBurstLength {
		return
	}
	negotiator.parameters.FirstBurstLength = negotiator.parameters.MaxBurstLength
	if response.Has(KeyFirstBurstLength) {
		response.Set(KeyFirstBurstLength, strconv.FormatUint(uint64(negotiator.parameters.FirstBurstLength), 10))
	}
}

// Accept applies the responder's answers to the proposals the originator
// sent. Answers that contradict the merge function for the key are
// reported as errors.
func Accept(parameters *Parameters, proposals, response *Settings) error {
	var result error
	for _, key := range response.Keys() {
		answer := response.Value(key)
		if isAnswer(answer) {
			continue
		}
		if key == KeyMaxRecvDataSegmentLength {
			result = errors.Join(result, parameters.Set(key, answer))
			continue
		}
		definition, known := knownKeys[key]
		if !known || definition.scope == scopeDeclarative {
			result = errors.Join(result, parameters.Set(key, answer))
			continue
		}
		proposed, err := proposals.Get(key)
		if err != nil {
			// Responder-originated key; take its value.
			result = errors.Join(result, parameters.Set(key, answer))
			continue
		}
		agreed, err := Negotiate(key, proposed, answer, definition.merge)
		if err != nil {
			result = errors.Join(result, err)
			continue
		}
		if agreed != answer {
			result = errors.Join(result, &InvalidValue{Key: key, Value: answer, Reason: "expected " + agreed})
			continue
		}
		result = errors.Join(result, parameters.Set(key, answer))
	}
	if parameters.FirstBurstLength > parameters.MaxBurstLength {
		parameters.FirstBurstLength = parameters.MaxBurstLength
	}
	return result
}
