// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package initiator

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"iscsikit/pkg/negotiation"
	"iscsikit/pkg/pdu"
)

const (
	stageSecurity    = "security"
	stageOperational = "operational"
	stageFullFeature = "full_feature"
	stageLoggedOut   = "logged_out"

	eventSecurityDone    = "security_done"
	eventOperationalDone = "operational_done"
	eventLogout          = "logout"
)

// maxLoginExchanges bounds the PDUs of one login stage.
const maxLoginExchanges = 16

// LoginError is a login the target refused.
type LoginError struct {
	StatusClass  uint8
	StatusDetail uint8
}

func (err *LoginError) Error() string {
	return fmt.Sprintf("login refused with status class 0x%02x detail 0x%02x", err.StatusClass, err.StatusDetail)
}

// Retryable reports whether trying again may succeed; initiator errors
// repeat on every attempt.
func (err *LoginError) Retryable() bool {
	return err.StatusClass != pdu.LoginStatusInitiatorErr
}

func newStageMachine(callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		stageSecurity,
		fsm.Events{
			{Name: eventSecurityDone, Src: []string{stageSecurity}, Dst: stageOperational},
			{Name: eventOperationalDone, Src: []string{stageSecurity, stageOperational}, Dst: stageFullFeature},
			{Name: eventLogout, Src: []string{stageFullFeature}, Dst: stageLoggedOut},
		},
		callbacks,
	)
}

func stageOf(name string) pdu.Stage {
	switch name {
	case stageSecurity:
		return pdu.StageSecurityNegotiation
	case stageOperational:
		return pdu.StageLoginOperationalNegotiation
	}
	return pdu.StageFullFeaturePhase
}

// login runs the security and operational stages. It is called before the
// reader starts, so it reads replies itself.
func (session *Session) login(ctx context.Context) error {
	proposals := session.parameters.Proposals()
	security := negotiation.NewSettings()
	for _, key := range []negotiation.Key{
		negotiation.KeyInitiatorName, negotiation.KeyInitiatorAlias, negotiation.KeyTargetName, negotiation.KeySessionType,
	} {
		if proposals.Has(key) {
			security.Set(key, proposals.Value(key))
			_ = proposals.Remove(key)
		}
	}
	security.Set(negotiation.KeyAuthMethod, negotiation.None)

	if err := session.loginStage(ctx, security, pdu.StageLoginOperationalNegotiation); err != nil {
		return err
	}
	if session.stage.Current() == stageFullFeature {
		return nil
	}
	return session.loginStage(ctx, proposals, pdu.StageFullFeaturePhase)
}

// loginStage sends proposals in the current stage and asks to move to
// next, repeating empty requests until the target agrees.
func (session *Session) loginStage(ctx context.Context, proposals *negotiation.Settings, next pdu.Stage) error {
	current := stageOf(session.stage.Current())
	chunks := pdu.TextChunks(proposals, int(loginCodecOptions.MaxXmitDataSegmentLength))
	assembler := pdu.NewAssembler(pdu.FormatText, 0)
	for exchange := 0; exchange < maxLoginExchanges+len(chunks); exchange++ {
		request := &pdu.LoginRequest{
			CurrentStage: current,
			ISID:         session.isid,
			TSIH:         session.tsih,
			CID:          session.cid,
			CmdSN:        session.cmdSN.Load(),
			ExpStatSN:    session.expStatSN.Load(),
		}
		var data []byte
		if len(chunks) > 0 {
			data, chunks = chunks[0], chunks[1:]
		}
		if len(chunks) > 0 {
			request.Continue = true
		} else {
			request.Transit = true
			request.NextStage = next
		}
		header := pdu.NewPDU(request, session.loginTag)
		header.Immediate = true
		header.Data = data
		reply, err := session.loginExchange(ctx, header)
		if err != nil {
			return err
		}
		response, ok := reply.Message.(*pdu.LoginResponse)
		if !ok {
			return fmt.Errorf("unexpected %s during login", reply.Opcode())
		}
		if response.StatusClass != pdu.LoginStatusSuccess {
			return &LoginError{StatusClass: response.StatusClass, StatusDetail: response.StatusDetail}
		}
		session.tsih = response.TSIH
		if _, err := assembler.Append(reply.Data); err != nil {
			return err
		}
		if response.Continue || len(chunks) > 0 {
			continue
		}
		answer, err := assembler.Settings()
		if err != nil {
			return err
		}
		assembler.Reset()
		if err := negotiation.Accept(&session.parameters, proposals, answer); err != nil {
			return fmt.Errorf("negotiation failed: %w", err)
		}
		if !response.Transit {
			continue
		}
		switch response.NextStage {
		case pdu.StageLoginOperationalNegotiation:
			return session.stage.Event(ctx, eventSecurityDone)
		case pdu.StageFullFeaturePhase:
			return session.stage.Event(ctx, eventOperationalDone)
		}
		return fmt.Errorf("target moved to stage %s", response.NextStage)
	}
	return fmt.Errorf("login stage %s did not complete", current)
}

func (session *Session) loginExchange(ctx context.Context, header *pdu.PDU) (*pdu.PDU, error) {
	stop := session.bindContext(ctx)
	defer stop()
	if err := session.codec.WritePDU(session.conn, header); err != nil {
		return nil, err
	}
	reply, err := session.codec.ReadPDU(session.conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	session.acknowledge(reply)
	return reply, nil
}

// enterFullFeaturePhase applies the negotiated digests and segment
// lengths.
func (session *Session) enterFullFeaturePhase(_ context.Context, _ *fsm.Event) {
	parameters := session.parameters
	session.codec = pdu.NewCodec(pdu.Options{
		HeaderDigest:             parameters.HeaderDigest,
		DataDigest:               parameters.DataDigest,
		MaxRecvDataSegmentLength: parameters.MaxRecvDataSegmentLength,
		MaxXmitDataSegmentLength: parameters.MaxXmitDataSegmentLength,
	})
	session.log.Infof("logged in to %q, TSIH 0x%04x", parameters.TargetName, session.tsih)
}
