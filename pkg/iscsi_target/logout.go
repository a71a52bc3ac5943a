// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsikit/pkg/pdu"
)

func (connection *iscsiConnection) logout(header *pdu.PDU, request *pdu.LogoutRequest) error {
	s := connection.session
	response := &pdu.LogoutResponse{
		Response:    pdu.LogoutSuccess,
		Time2Wait:   uint16(connection.parameters.DefaultTime2Wait),
		Time2Retain: uint16(connection.parameters.DefaultTime2Retain),
	}
	var closing *iscsiConnection
	switch request.Reason {
	case pdu.LogoutCloseSession:
	case pdu.LogoutCloseConnection:
		if request.CID != connection.cid {
			closing = s.LookupConnection(request.CID)
			if closing == nil {
				response.Response = pdu.LogoutCIDNotFound
			}
		}
	case pdu.LogoutRemoveConnectionForRecovery:
		response.Response = pdu.LogoutRecoveryNotSupported
	}
	if response.Response == pdu.LogoutCIDNotFound {
		response.Time2Wait = 0
		response.Time2Retain = 0
	}
	if err := connection.send(pdu.NewPDU(response, header.InitiatorTaskTag)); err != nil {
		return err
	}
	if response.Response != pdu.LogoutSuccess {
		return nil
	}
	connection.log.Infof("logout from %s, reason %d", connection.remoteAddress(), request.Reason)
	switch {
	case request.Reason == pdu.LogoutCloseSession:
		connection.setState(ConnectionStateLoggedOut)
		connection.driver.UnBindISCSISession(s)
	case closing != nil:
		closing.close()
	default:
		connection.setState(ConnectionStateLoggedOut)
	}
	return nil
}
