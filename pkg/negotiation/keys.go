// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import "strings"

type Key string

const (
	KeyHeaderDigest             Key = "HeaderDigest"
	KeyDataDigest               Key = "DataDigest"
	KeyMaxConnections           Key = "MaxConnections"
	KeySendTargets              Key = "SendTargets"
	KeyTargetName               Key = "TargetName"
	KeyInitiatorName            Key = "InitiatorName"
	KeyTargetAlias              Key = "TargetAlias"
	KeyInitiatorAlias           Key = "InitiatorAlias"
	KeyTargetAddress            Key = "TargetAddress"
	KeyTargetPortalGroupTag     Key = "TargetPortalGroupTag"
	KeyInitialR2T               Key = "InitialR2T"
	KeyImmediateData            Key = "ImmediateData"
	KeyMaxRecvDataSegmentLength Key = "MaxRecvDataSegmentLength"
	KeyMaxBurstLength           Key = "MaxBurstLength"
	KeyFirstBurstLength         Key = "FirstBurstLength"
	KeyDefaultTime2Wait         Key = "DefaultTime2Wait"
	KeyDefaultTime2Retain       Key = "DefaultTime2Retain"
	KeyMaxOutstandingR2T        Key = "MaxOutstandingR2T"
	KeyDataPDUInOrder           Key = "DataPDUInOrder"
	KeyDataSequenceInOrder      Key = "DataSequenceInOrder"
	KeyErrorRecoveryLevel       Key = "ErrorRecoveryLevel"
	KeySessionType              Key = "SessionType"
	KeyAuthMethod               Key = "AuthMethod"
	KeyIFMarker                 Key = "IFMarker"
	KeyOFMarker                 Key = "OFMarker"
)

const (
	Yes           = "Yes"
	No            = "No"
	None          = "None"
	CRC32C        = "CRC32C"
	NotUnderstood = "NotUnderstood"
	Irrelevant    = "Irrelevant"
	Reject        = "Reject"

	SessionTypeNormal    = "Normal"
	SessionTypeDiscovery = "Discovery"

	// SendTargetsAll asks for every target the portal knows.
	SendTargetsAll = "All"
)

type keyScope int

const (
	// Negotiated once per session, during the leading login.
	scopeSession keyScope = iota
	scopeConnection
	// Declared by one side, never merged.
	scopeDeclarative
)

type keyDefinition struct {
	merge        MergeFunc
	defaultValue string
	minimum      uint64
	maximum      uint64
	scope        keyScope
	// Only valid in a Normal session.
	normalOnly bool
}

func (definition keyDefinition) numeric() bool {
	return definition.maximum != 0
}

// knownKeys is built once and only read afterwards.
var knownKeys = map[Key]keyDefinition{
	KeyHeaderDigest:             {merge: Choose, defaultValue: None, scope: scopeConnection},
	KeyDataDigest:               {merge: Choose, defaultValue: None, scope: scopeConnection},
	KeyMaxConnections:           {merge: Min, defaultValue: "1", minimum: 1, maximum: 65535},
	KeySendTargets:              {merge: Declare, scope: scopeDeclarative},
	KeyTargetName:               {merge: Declare, scope: scopeDeclarative},
	KeyInitiatorName:            {merge: Declare, scope: scopeDeclarative},
	KeyTargetAlias:              {merge: Declare, scope: scopeDeclarative},
	KeyInitiatorAlias:           {merge: Declare, scope: scopeDeclarative},
	KeyTargetAddress:            {merge: Declare, scope: scopeDeclarative},
	KeyTargetPortalGroupTag:     {merge: Declare, scope: scopeDeclarative, minimum: 0, maximum: 65535},
	KeyInitialR2T:               {merge: Or, defaultValue: Yes, normalOnly: true},
	KeyImmediateData:            {merge: And, defaultValue: Yes, normalOnly: true},
	KeyMaxRecvDataSegmentLength: {merge: Declare, defaultValue: "8192", minimum: 512, maximum: 16777215, scope: scopeDeclarative},
	KeyMaxBurstLength:           {merge: Min, defaultValue: "262144", minimum: 512, maximum: 16777215, normalOnly: true},
	KeyFirstBurstLength:         {merge: Min, defaultValue: "65536", minimum: 512, maximum: 16777215, normalOnly: true},
	KeyDefaultTime2Wait:         {merge: Max, defaultValue: "2", minimum: 0, maximum: 3600},
	KeyDefaultTime2Retain:       {merge: Min, defaultValue: "20", minimum: 0, maximum: 3600},
	KeyMaxOutstandingR2T:        {merge: Min, defaultValue: "1", minimum: 1, maximum: 65535, normalOnly: true},
	KeyDataPDUInOrder:           {merge: Or, defaultValue: Yes, normalOnly: true},
	KeyDataSequenceInOrder:      {merge: Or, defaultValue: Yes, normalOnly: true},
	KeyErrorRecoveryLevel:       {merge: Min, defaultValue: "0", minimum: 0, maximum: 2},
	KeySessionType:              {merge: Declare, defaultValue: SessionTypeNormal, scope: scopeDeclarative},
	KeyAuthMethod:               {merge: Choose, defaultValue: None, scope: scopeConnection},
	KeyIFMarker:                 {merge: And, defaultValue: No, scope: scopeConnection},
	KeyOFMarker:                 {merge: And, defaultValue: No, scope: scopeConnection},
}

// IsKnown reports whether key is defined by RFC 3720.
func IsKnown(key Key) bool {
	_, ok := knownKeys[key]
	return ok
}

// Default returns the RFC 3720 default for key, if it has one.
func Default(key Key) (string, bool) {
	definition, ok := knownKeys[key]
	if !ok || definition.defaultValue == "" {
		return "", false
	}
	return definition.defaultValue, true
}

// MergeFor returns the function used to reconcile two proposals for key.
func MergeFor(key Key) (MergeFunc, bool) {
	definition, ok := knownKeys[key]
	if !ok {
		return nil, false
	}
	return definition.merge, true
}

// validKeyName checks the RFC 3720 5.1 key syntax: letters, digits,
// '.', '-', '+', '@', '_', at most 63 bytes.
func validKeyName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for _, character := range name {
		switch {
		case character >= 'a' && character <= 'z':
		case character >= 'A' && character <= 'Z':
		case character >= '0' && character <= '9':
		case strings.ContainsRune(".-+@_", character):
		default:
			return false
		}
	}
	return true
}
