// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

type ErrApiRequestFailed struct {
	errorMessage string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return strings.Replace(
		apiErr.errorMessage, `\n`, "\n", -1)
}

type ErrUnexpectedResponseType struct {
	responseType string
}

func (err ErrUnexpectedResponseType) Error() string {
	return fmt.Sprintf("Unknown response type %s", err.responseType)
}

func unmarshal[T any](response *Response) (*T, error) {
	result := new(T)
	err := json.Unmarshal(response.Result, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ClientRequester struct {
	socketPath string
	timeout    time.Duration
}

func NewApiRequester(socketPath string) ClientRequester {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return ClientRequester{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (api ClientRequester) performUnixSocketRequest(data []byte) ([]byte, error) {
	connection, err := net.DialTimeout("unix", api.socketPath, api.timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = connection.Close()
	}()
	if err := connection.SetDeadline(time.Now().Add(api.timeout)); err != nil {
		return nil, err
	}
	_, err = connection.Write(append(data, delimiter))
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(connection)
	return reader.ReadBytes(delimiter)
}

func (api ClientRequester) request(request Request) (*Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	responseBytes, err := api.performUnixSocketRequest(data)
	if err != nil {
		return nil, err
	}
	response := &Response{}
	err = json.Unmarshal(responseBytes, response)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, &ErrApiRequestFailed{errorMessage: response.Error}
	}
	return response, nil
}

func specificRequest[ReqType, RespType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) (*RespType, error) {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != typeName {
		return nil, &ErrUnexpectedResponseType{responseType: response.Type}
	}
	return unmarshal[RespType](response)
}

func emptyResponseRequest[ReqType any](
	api ClientRequester,
	command ReqType,
	typeName string,
) error {
	jsonCommand, err := json.Marshal(command)
	if err != nil {
		return err
	}
	request := Request{Type: typeName, Command: jsonCommand}
	response, err := api.request(request)
	if err != nil {
		return err
	}
	if response.Type != TypeEmptyResponse {
		return &ErrUnexpectedResponseType{responseType: response.Type}
	}
	return nil
}

// PerformAttach attaches diskPath to the target. A missing file is
// created with size bytes.
func (api ClientRequester) PerformAttach(
	diskPath string,
	targetName string,
	size uint64,
	blockSize uint32,
) (*AttachResponse, error) {
	command := AttachRequest{
		DiskPath:   diskPath,
		TargetName: targetName,
		Size:       size,
		BlockSize:  blockSize,
	}
	return specificRequest[AttachRequest, AttachResponse](
		api,
		command,
		TypeAttach,
	)
}

func (api ClientRequester) PerformDetachLun(
	targetName string,
	logicalUnitId int,
) (*DetachLunResponse, error) {
	if logicalUnitId < 0 || logicalUnitId > 0x3fff {
		return nil, fmt.Errorf("logical unit id must be between 0 and 16383")
	}
	command := DetachLunRequest{
		LunId:      uint16(logicalUnitId),
		TargetName: targetName,
	}
	return specificRequest[DetachLunRequest, DetachLunResponse](
		api,
		command,
		TypeDetachLun,
	)
}

func (api ClientRequester) PerformAddTarget(targetName, alias string) error {
	command := AddTargetRequest{
		TargetName: targetName,
		Alias:      alias,
	}
	return emptyResponseRequest[AddTargetRequest](
		api,
		command,
		TypeAddTarget,
	)
}

func (api ClientRequester) PerformDeleteTarget(targetName string) error {
	command := DeleteTargetRequest{
		TargetName: targetName,
	}
	return emptyResponseRequest[DeleteTargetRequest](
		api,
		command,
		TypeDeleteTarget,
	)
}

func (api ClientRequester) PerformClearTarget(targetName string) (*ClearTargetResponse, error) {
	command := ClearTargetRequest{
		TargetName: targetName,
	}
	return specificRequest[ClearTargetRequest, ClearTargetResponse](
		api,
		command,
		TypeClearTarget,
	)
}

func (api ClientRequester) PerformList() (*ListResponse, error) {
	return specificRequest[struct{}, ListResponse](api, struct{}{}, TypeList)
}

func (api ClientRequester) PerformSessions() (*SessionsResponse, error) {
	return specificRequest[struct{}, SessionsResponse](api, struct{}{}, TypeSessions)
}
