// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package initiator

import (
	"time"

	uuid "github.com/satori/go.uuid"

	"iscsikit/pkg/negotiation"
)

// Config describes the session an initiator asks for.
type Config struct {
	// Parameters are the values proposed during login. InitiatorName,
	// SessionType and, for normal sessions, TargetName must be set.
	Parameters negotiation.Parameters
	// ISID identifies the session on the initiator side. Zero picks a
	// random one.
	ISID        uint64
	DialTimeout time.Duration
}

func DefaultConfig(initiatorName, targetName string) Config {
	parameters := negotiation.DefaultParameters()
	parameters.InitiatorName = initiatorName
	parameters.TargetName = targetName
	if targetName == "" {
		parameters.SessionType = negotiation.SessionTypeDiscovery
	}
	return Config{
		Parameters:  parameters,
		DialTimeout: 10 * time.Second,
	}
}

// randomISID builds an ISID of the random type: qualifier bits 10, 24
// random bits and a zero qualifier.
func randomISID() uint64 {
	id := uuid.NewV4()
	return 0x80<<40 | uint64(id[0])<<32 | uint64(id[1])<<24 | uint64(id[2])<<16
}
