// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import "strconv"

// Parameters is the typed result of a completed negotiation.
type Parameters struct {
	SessionType    string
	InitiatorName  string
	InitiatorAlias string
	TargetName     string
	TargetAlias    string
	HeaderDigest   bool
	DataDigest     bool
	MaxConnections uint32
	InitialR2T     bool
	ImmediateData  bool
	// MaxRecvDataSegmentLength is the local receive limit, declared to the peer.
	MaxRecvDataSegmentLength uint32
	// MaxXmitDataSegmentLength is the receive limit declared by the peer.
	MaxXmitDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	DefaultTime2Wait         uint32
	DefaultTime2Retain       uint32
	MaxOutstandingR2T        uint32
	DataPDUInOrder           bool
	DataSequenceInOrder      bool
	ErrorRecoveryLevel       uint32
}

func DefaultParameters() Parameters {
	return Parameters{
		SessionType:              SessionTypeNormal,
		MaxConnections:           1,
		InitialR2T:               true,
		ImmediateData:            true,
		MaxRecvDataSegmentLength: 8192,
		MaxXmitDataSegmentLength: 8192,
		MaxBurstLength:           262144,
		FirstBurstLength:         65536,
		DefaultTime2Wait:         2,
		DefaultTime2Retain:       20,
		MaxOutstandingR2T:        1,
		DataPDUInOrder:           true,
		DataSequenceInOrder:      true,
	}
}

func (parameters Parameters) Discovery() bool {
	return parameters.SessionType == SessionTypeDiscovery
}

// Set stores an agreed value. Keys without a typed field are ignored.
// MaxRecvDataSegmentLength is taken to be the peer's declaration.
func (parameters *Parameters) Set(key Key, value string) error {
	switch key {
	case KeySessionType:
		parameters.SessionType = value
	case KeyInitiatorName:
		parameters.InitiatorName = value
	case KeyInitiatorAlias:
		parameters.InitiatorAlias = value
	case KeyTargetName:
		parameters.TargetName = value
	case KeyTargetAlias:
		parameters.TargetAlias = value
	case KeyHeaderDigest:
		parameters.HeaderDigest = value == CRC32C
	case KeyDataDigest:
		parameters.DataDigest = value == CRC32C
	case KeyInitialR2T, KeyImmediateData, KeyDataPDUInOrder, KeyDataSequenceInOrder:
		flag, err := parseBool(value)
		if err != nil {
			return &InvalidValue{Key: key, Value: value, Reason: "expected Yes or No"}
		}
		*parameters.boolField(key) = flag
	case KeyMaxConnections, KeyMaxRecvDataSegmentLength, KeyMaxBurstLength, KeyFirstBurstLength,
		KeyDefaultTime2Wait, KeyDefaultTime2Retain, KeyMaxOutstandingR2T, KeyErrorRecoveryLevel:
		number, err := checkRange(key, value)
		if err != nil {
			return err
		}
		*parameters.numberField(key) = uint32(number)
	}
	return nil
}

func (parameters *Parameters) boolField(key Key) *bool {
	switch key {
	case KeyInitialR2T:
		return &parameters.InitialR2T
	case KeyImmediateData:
		return &parameters.ImmediateData
	case KeyDataPDUInOrder:
		return &parameters.DataPDUInOrder
	default:
		return &parameters.DataSequenceInOrder
	}
}

func (parameters *Parameters) numberField(key Key) *uint32 {
	switch key {
	case KeyMaxConnections:
		return &parameters.MaxConnections
	case KeyMaxRecvDataSegmentLength:
		return &parameters.MaxXmitDataSegmentLength
	case KeyMaxBurstLength:
		return &parameters.MaxBurstLength
	case KeyFirstBurstLength:
		return &parameters.FirstBurstLength
	case KeyDefaultTime2Wait:
		return &parameters.DefaultTime2Wait
	case KeyDefaultTime2Retain:
		return &parameters.DefaultTime2Retain
	case KeyMaxOutstandingR2T:
		return &parameters.MaxOutstandingR2T
	default:
		return &parameters.ErrorRecoveryLevel
	}
}

func checkRange(key Key, value string) (uint64, error) {
	number, err := ParseNumber(value)
	if err != nil {
		return 0, &InvalidValue{Key: key, Value: value, Reason: "expected a number"}
	}
	definition, ok := knownKeys[key]
	if ok && definition.numeric() && (number < definition.minimum || number > definition.maximum) {
		return 0, &InvalidValue{
			Key:    key,
			Value:  value,
			Reason: "out of range " + strconv.FormatUint(definition.minimum, 10) + ".." + strconv.FormatUint(definition.maximum, 10),
		}
	}
	return number, nil
}

// Proposals renders the parameters an initiator offers in its login.
func (parameters Parameters) Proposals() *Settings {
	settings := NewSettings()
	settings.Set(KeyInitiatorName, parameters.InitiatorName)
	if parameters.InitiatorAlias != "" {
		settings.Set(KeyInitiatorAlias, parameters.InitiatorAlias)
	}
	if parameters.TargetName != "" && !parameters.Discovery() {
		settings.Set(KeyTargetName, parameters.TargetName)
	}
	settings.Set(KeySessionType, parameters.SessionType)
	settings.Set(KeyHeaderDigest, digestProposal(parameters.HeaderDigest))
	settings.Set(KeyDataDigest, digestProposal(parameters.DataDigest))
	settings.Set(KeyMaxRecvDataSegmentLength, strconv.FormatUint(uint64(parameters.MaxRecvDataSegmentLength), 10))
	if !parameters.Discovery() {
		settings.Set(KeyInitialR2T, formatBool(parameters.InitialR2T))
		settings.Set(KeyImmediateData, formatBool(parameters.ImmediateData))
		settings.Set(KeyMaxBurstLength, strconv.FormatUint(uint64(parameters.MaxBurstLength), 10))
		settings.Set(KeyFirstBurstLength, strconv.FormatUint(uint64(parameters.FirstBurstLength), 10))
		settings.Set(KeyMaxOutstandingR2T, strconv.FormatUint(uint64(parameters.MaxOutstandingR2T), 10))
		settings.Set(KeyDataPDUInOrder, formatBool(parameters.DataPDUInOrder))
		settings.Set(KeyDataSequenceInOrder, formatBool(parameters.DataSequenceInOrder))
	}
	settings.Set(KeyDefaultTime2Wait, strconv.FormatUint(uint64(parameters.DefaultTime2Wait), 10))
	settings.Set(KeyDefaultTime2Retain, strconv.FormatUint(uint64(parameters.DefaultTime2Retain), 10))
	settings.Set(KeyErrorRecoveryLevel, strconv.FormatUint(uint64(parameters.ErrorRecoveryLevel), 10))
	return settings
}

func digestProposal(enabled bool) string {
	if enabled {
		return CRC32C + "," + None
	}
	return None
}
