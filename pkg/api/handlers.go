// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"sync"

	"iscsikit/pkg/iscsi_target"
)

type DemonApiHandler struct {
	iscsiTargetDriver *iscsi_target.ISCSITargetDriver
	apiLock           sync.Mutex
}

func (handler *DemonApiHandler) Attach(request AttachRequest) (*AttachResponse, error) {
	if request.DiskPath == "" || request.TargetName == "" {
		return nil, ErrInconsistentRequestParameters{}
	}
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	logicalUnitId, err := handler.iscsiTargetDriver.AddLun(
		request.TargetName,
		request.DiskPath,
		request.Size,
		request.BlockSize,
	)
	if err != nil {
		return nil, err
	}
	response := &AttachResponse{LogicalUnitId: logicalUnitId}
	if target, ok := handler.iscsiTargetDriver.SCSI.Target(request.TargetName); ok {
		if unit, ok := target.LogicalUnit(logicalUnitId); ok {
			response.Size = unit.Store.Size()
		}
	}
	return response, nil
}

func (handler *DemonApiHandler) DetachLun(request DetachLunRequest) (*DetachLunResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	LogicalUnitFilePath, err := handler.iscsiTargetDriver.RemoveLun(request.TargetName, request.LunId)
	if err != nil {
		return nil, err
	}
	return &DetachLunResponse{
		FilePath: LogicalUnitFilePath,
	}, nil
}

func (handler *DemonApiHandler) AddTarget(request AddTargetRequest) error {
	if request.TargetName == "" {
		return ErrInconsistentRequestParameters{}
	}
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.iscsiTargetDriver.NewTarget(request.TargetName, request.Alias)
}

func (handler *DemonApiHandler) DeleteTarget(request DeleteTargetRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.iscsiTargetDriver.DeleteTarget(request.TargetName)
}

func (handler *DemonApiHandler) ClearTarget(request ClearTargetRequest) (*ClearTargetResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	LogicalUnitFilePaths, err := handler.iscsiTargetDriver.Clear(request.TargetName)
	if err != nil {
		return nil, err
	}
	return &ClearTargetResponse{
		FreedLogicalUnitPaths: LogicalUnitFilePaths,
	}, nil
}

func (handler *DemonApiHandler) ListTargets() ListResponse {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	response := make(ListResponse)
	for key, value := range handler.iscsiTargetDriver.List() {
		targetRepresentation := TargetRepresentation{
			TargetId:       value.TargetId,
			LogicalUnits:   make([]LunRepresentation, len(value.LogicalUnits)),
			HasConnections: value.HasConnections,
			ITNexus:        value.ITNexus,
		}
		for index, value := range value.LogicalUnits {
			targetRepresentation.LogicalUnits[index] = LunRepresentation{
				LogicalUnitId: value.LogicalUnitId,
				FilePath:      value.FilePath,
				Size:          value.Size,
			}
		}
		response[key] = targetRepresentation
	}
	return response
}

func (handler *DemonApiHandler) ListSessions() SessionsResponse {
	sessions := handler.iscsiTargetDriver.Sessions()
	response := make(SessionsResponse, len(sessions))
	for index, value := range sessions {
		response[index] = SessionRepresentation{
			TSIH:           value.TSIH,
			ISID:           value.ISID,
			InitiatorName:  value.InitiatorName,
			InitiatorAlias: value.InitiatorAlias,
			TargetName:     value.TargetName,
			Type:           value.Type,
			Portal:         value.Portal,
			Connections:    value.Connections,
			ExpCmdSN:       value.ExpCmdSN,
			HeaderDigest:   value.HeaderDigest,
			DataDigest:     value.DataDigest,
		}
	}
	return response
}

// resultResponse runs a request whose command decodes into Command and
// whose result is marshalled into the response.
func resultResponse[Command, Result any](
	request *Request,
	perform func(Command) (Result, error),
) Response {
	command := new(Command)
	err := json.Unmarshal(request.Command, command)
	if err != nil {
		return ErrorResponse(err)
	}
	result, err := perform(*command)
	if err != nil {
		return ErrorResponse(err)
	}
	response := Response{Type: request.Type}
	response.Result, err = json.Marshal(result)
	if err != nil {
		return ErrorResponse(err)
	}
	return response
}

func emptyResultResponse[Command any](request *Request, perform func(Command) error) Response {
	command := new(Command)
	err := json.Unmarshal(request.Command, command)
	if err != nil {
		return ErrorResponse(err)
	}
	err = perform(*command)
	if err != nil {
		return ErrorResponse(err)
	}
	return emptyResponse()
}

func (handler *DemonApiHandler) HandleRequest(request *Request) Response {
	switch request.Type {
	case TypeAttach:
		return resultResponse(request, handler.Attach)
	case TypeDetachLun:
		return resultResponse(request, handler.DetachLun)
	case TypeAddTarget:
		return emptyResultResponse(request, handler.AddTarget)
	case TypeDeleteTarget:
		return emptyResultResponse(request, handler.DeleteTarget)
	case TypeClearTarget:
		return resultResponse(request, handler.ClearTarget)
	case TypeList:
		return plainResponse(request.Type, handler.ListTargets())
	case TypeSessions:
		return plainResponse(request.Type, handler.ListSessions())
	default:
		return ErrorResponse(ErrUnknownRequestType{requestType: request.Type})
	}
}

func plainResponse(responseType string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(fmt.Errorf("encoding %s result: %w", responseType, err))
	}
	return Response{Type: responseType, Result: data}
}

func emptyResponse() Response {
	return Response{Error: "", Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}

func ErrorResponse(err error) Response {
	return Response{Error: err.Error(), Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}
