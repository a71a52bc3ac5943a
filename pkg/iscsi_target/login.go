// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"strconv"

	"iscsikit/pkg/common"
	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
	"iscsikit/pkg/serial"
)

var loginCodecOptions = pdu.Options{
	MaxRecvDataSegmentLength: 8192,
	MaxXmitDataSegmentLength: 8192,
}

// maxLoginTextLength bounds the text of one login request reassembled
// from Continue PDUs.
const maxLoginTextLength = 64 * 1024

// loginState follows one connection through the login phase.
type loginState struct {
	started    bool
	identified bool
	stage      pdu.Stage

	isid   uint64
	tsih   uint16
	cmdSN  serial.Number
	target *iscsiTarget

	initiatorName  string
	initiatorAlias string
	targetName     string
	sessionType    string

	negotiator    *negotiation.Negotiator
	assembler     *pdu.Assembler
	portalTagSent bool
}

func newLoginState() *loginState {
	return &loginState{
		stage:     pdu.StageSecurityNegotiation,
		assembler: pdu.NewAssembler(pdu.FormatText, maxLoginTextLength),
	}
}

// loginFailure is a login that ends with a non-success status.
type loginFailure struct {
	class  uint8
	detail uint8
	reason string
}

func (failure *loginFailure) Error() string {
	return fmt.Sprintf("login failed with status 0x%02x%02x: %s", failure.class, failure.detail, failure.reason)
}

func initiatorError(detail uint8, format string, args ...any) *loginFailure {
	return &loginFailure{class: pdu.LoginStatusInitiatorErr, detail: detail, reason: fmt.Sprintf(format, args...)}
}

func targetError(detail uint8, format string, args ...any) *loginFailure {
	return &loginFailure{class: pdu.LoginStatusTargetErr, detail: detail, reason: fmt.Sprintf(format, args...)}
}

func (connection *iscsiConnection) handleLogin(header *pdu.PDU) error {
	request := header.Message.(*pdu.LoginRequest)
	state := connection.login
	if failure := connection.checkLoginRequest(request); failure != nil {
		return connection.failLogin(header, failure)
	}
	if consumed, _ := state.assembler.Append(header.Data); consumed < len(header.Data) {
		return connection.failLogin(header, initiatorError(pdu.LoginDetailInvalidReq, "login text exceeds %d bytes", maxLoginTextLength))
	}
	if request.Continue {
		// The initiator owes us the rest of the text.
		return connection.sendLoginResponse(header, &pdu.LoginResponse{
			CurrentStage: request.CurrentStage,
		}, nil)
	}
	settings, err := state.assembler.Settings()
	state.assembler.Reset()
	if err != nil {
		return connection.failLogin(header, initiatorError(pdu.LoginDetailInvalidReq, "%v", err))
	}
	if !state.identified {
		if failure := connection.identify(settings); failure != nil {
			return connection.failLogin(header, failure)
		}
	}

	var answer *negotiation.Settings
	switch request.CurrentStage {
	case pdu.StageSecurityNegotiation:
		answer, err = securityNegotiation(settings)
		if err != nil {
			return connection.failLogin(header, initiatorError(pdu.LoginDetailAuthFailed, "%v", err))
		}
	case pdu.StageLoginOperationalNegotiation:
		answer = state.negotiator.Respond(settings)
	default:
		return connection.failLogin(header, initiatorError(pdu.LoginDetailInvalidReq, "login in stage %s", request.CurrentStage))
	}
	if !state.portalTagSent && state.target != nil {
		answer.Set(negotiation.KeyTargetPortalGroupTag, strconv.Itoa(int(connection.driver.targetPortGroup.Tag())))
		if state.target.Alias != "" {
			answer.Set(negotiation.KeyTargetAlias, state.target.Alias)
		}
		state.portalTagSent = true
	}

	response := &pdu.LoginResponse{CurrentStage: request.CurrentStage}
	if request.Transit {
		response.Transit = true
		response.NextStage = request.NextStage
		state.stage = request.NextStage
	} else {
		state.stage = request.CurrentStage
	}
	if response.Transit && response.NextStage == pdu.StageFullFeaturePhase {
		connection.parameters = state.negotiator.Parameters()
		if failure := connection.bindSession(); failure != nil {
			return connection.failLogin(header, failure)
		}
	}
	if err := connection.sendLoginResponse(header, response, answer); err != nil {
		return err
	}
	if connection.session != nil {
		connection.enterFullFeaturePhase()
	}
	return nil
}

// checkLoginRequest validates the fields that must stay the same across
// the PDUs of a login.
func (connection *iscsiConnection) checkLoginRequest(request *pdu.LoginRequest) *loginFailure {
	state := connection.login
	if !state.started {
		if request.VersionMin > 0 {
			return initiatorError(pdu.LoginDetailVersion, "unsupported version range %d-%d", request.VersionMin, request.VersionMax)
		}
		state.started = true
		state.isid = request.ISID
		state.tsih = request.TSIH
		state.cmdSN = request.CmdSN
		connection.cid = request.CID
		connection.statSN.Store(request.ExpStatSN)
		return nil
	}
	if request.ISID != state.isid || request.TSIH != state.tsih || request.CID != connection.cid {
		return initiatorError(pdu.LoginDetailInvalidReq, "ISID, TSIH or CID changed during login")
	}
	if request.CurrentStage < state.stage {
		return initiatorError(pdu.LoginDetailInvalidReq, "login went back to stage %s", request.CurrentStage)
	}
	return nil
}

// identify reads the identity keys of the first complete login request.
func (connection *iscsiConnection) identify(settings *negotiation.Settings) *loginFailure {
	state := connection.login
	name, err := settings.Get(negotiation.KeyInitiatorName)
	if err != nil || name == "" {
		return initiatorError(pdu.LoginDetailMissingParam, "InitiatorName is missing")
	}
	state.initiatorName = name
	state.initiatorAlias = settings.Value(negotiation.KeyInitiatorAlias)
	state.sessionType = negotiation.SessionTypeNormal
	if settings.Has(negotiation.KeySessionType) {
		state.sessionType = settings.Value(negotiation.KeySessionType)
	}
	switch state.sessionType {
	case negotiation.SessionTypeDiscovery:
	case negotiation.SessionTypeNormal:
		targetName, err := settings.Get(negotiation.KeyTargetName)
		if err != nil || targetName == "" {
			return initiatorError(pdu.LoginDetailMissingParam, "TargetName is missing")
		}
		target, ok := connection.driver.target(targetName)
		if !ok {
			return initiatorError(pdu.LoginDetailNotFound, "target %s does not exist", targetName)
		}
		state.targetName = targetName
		state.target = target
	default:
		return initiatorError(pdu.LoginDetailSessionType, "unsupported session type %q", state.sessionType)
	}

	parameters := negotiation.DefaultParameters()
	parameters.SessionType = state.sessionType
	parameters.InitiatorName = state.initiatorName
	parameters.InitiatorAlias = state.initiatorAlias
	parameters.TargetName = state.targetName
	if state.target != nil {
		parameters.TargetAlias = state.target.Alias
	}
	state.negotiator = negotiation.NewNegotiator(connection.driver.options.Negotiation, parameters)
	state.identified = true
	connection.log = connection.log.WithField("initiator", state.initiatorName)
	return nil
}

// securityNegotiation answers the keys of the security stage. Only
// AuthMethod=None is supported.
func securityNegotiation(request *negotiation.Settings) (*negotiation.Settings, error) {
	response := negotiation.NewSettings()
	if !request.Has(negotiation.KeyAuthMethod) {
		return response, nil
	}
	method, err := negotiation.Negotiate(negotiation.KeyAuthMethod, request.Value(negotiation.KeyAuthMethod), negotiation.None, negotiation.Choose)
	if err != nil {
		return nil, err
	}
	response.Set(negotiation.KeyAuthMethod, method)
	return response, nil
}

// bindSession creates the session of a leading login or adds the
// connection to an existing one.
func (connection *iscsiConnection) bindSession() *loginFailure {
	state := connection.login
	driver := connection.driver
	if state.tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
		if previous := driver.findSession(state.initiatorName, state.isid, state.targetName); previous != nil {
			connection.log.Infof("reinstating session 0x%04x", previous.tsih)
			driver.UnBindISCSISession(previous)
		}
		tsih := driver.AllocTSIH()
		if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
			return targetError(pdu.LoginDetailNoResources, "no free TSIH")
		}
		s := newSession(driver, state.target, state, connection.port, connection.parameters)
		s.tsih = tsih
		state.tsih = tsih
		connection.session = s
		s.attach(connection)
		driver.registerSession(s)
		connection.log.Infof("%s session 0x%04x opened for target %q", s.sessionType(), tsih, s.targetName())
		return nil
	}

	s := driver.lookupSession(state.tsih)
	if s == nil || s.isid != state.isid || s.initiatorName != state.initiatorName || s.targetName() != state.targetName {
		return initiatorError(pdu.LoginDetailSessionAbsent, "session 0x%04x does not exist", state.tsih)
	}
	if existing := s.LookupConnection(connection.cid); existing != nil {
		connection.session = s
		previous := s.attach(connection)
		s.lock.Lock()
		dropped := s.pending.RemoveIf(func(command *queuedCommand) bool { return command.connection == previous })
		s.lock.Unlock()
		connection.log.Infof("connection %d of session 0x%04x reinstated, %d queued commands dropped", connection.cid, s.tsih, dropped)
		previous.close()
		return nil
	}
	s.lock.Lock()
	count := len(s.connections)
	s.lock.Unlock()
	if uint32(count) >= s.parameters.MaxConnections {
		return initiatorError(pdu.LoginDetailTooManyConns, "session 0x%04x already has %d connections", s.tsih, count)
	}
	connection.session = s
	s.attach(connection)
	return nil
}

func (connection *iscsiConnection) sendLoginResponse(header *pdu.PDU, response *pdu.LoginResponse, answer *negotiation.Settings) error {
	state := connection.login
	response.ISID = state.isid
	response.TSIH = state.tsih
	response.ExpCmdSN = state.cmdSN
	response.MaxCmdSN = state.cmdSN.Add(connection.driver.options.MaxQueueCommands - 1)
	reply := pdu.NewPDU(response, header.InitiatorTaskTag)
	if answer != nil && answer.Len() > 0 {
		reply.Data = answer.Marshal()
	}
	return connection.send(reply)
}

// failLogin reports failure to the initiator and returns it, which ends
// the connection.
func (connection *iscsiConnection) failLogin(header *pdu.PDU, failure *loginFailure) error {
	request := header.Message.(*pdu.LoginRequest)
	connection.log.Warning(common.RaiseFrom(failure, fmt.Errorf("login from %s rejected", connection.remoteAddress())))
	response := &pdu.LoginResponse{
		CurrentStage: request.CurrentStage,
		StatusClass:  failure.class,
		StatusDetail: failure.detail,
	}
	if err := connection.sendLoginResponse(header, response, nil); err != nil {
		return err
	}
	return failure
}

// enterFullFeaturePhase switches the connection to the negotiated
// digests and segment lengths.
func (connection *iscsiConnection) enterFullFeaturePhase() {
	parameters := connection.parameters
	connection.setCodec(pdu.NewCodec(pdu.Options{
		HeaderDigest:             parameters.HeaderDigest,
		DataDigest:               parameters.DataDigest,
		MaxRecvDataSegmentLength: parameters.MaxRecvDataSegmentLength,
		MaxXmitDataSegmentLength: parameters.MaxXmitDataSegmentLength,
	}))
	connection.login = nil
	connection.setState(ConnectionStateFullFeature)
	connection.onReceivedHeader()
	if !parameters.Discovery() {
		connection.startNopPingWorker()
	}
}
