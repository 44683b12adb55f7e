// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

type ErrApiRequestFailed struct {
	errorMessage string
}

func (apiErr ErrApiRequestFailed) Error() string {
	return strings.Replace(
		apiErr.errorMessage, `\n`, "\n", -1)
}

type ErrUnxpectedResponseType struct {
	responseType string
}

func (err ErrUnxpectedResponseType) Error() string {
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
}

func NewApiRequester(socketPath string) ClientRequester {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return ClientRequester{
		socketPath: socketPath,
	}
}

func (api ClientRequester) sendRequest(request Request) (net.Conn, *bufio.Reader, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, nil, err
	}
	connection, err := net.Dial("unix", api.socketPath)
	if err != nil {
		return nil, nil, err
	}
	if _, err := connection.Write(append(data, delimiter)); err != nil {
		_ = connection.Close()
		return nil, nil, err
	}
	return connection, bufio.NewReader(connection), nil
}

func readResponse(reader *bufio.Reader) (*Response, error) {
	responseBytes, err := reader.ReadBytes(delimiter)
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

func (api ClientRequester) request(request Request) (*Response, error) {
	connection, reader, err := api.sendRequest(request)
	if err != nil {
		return nil, err
	}
	defer connection.Close()
	return readResponse(reader)
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
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
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
		return &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return nil
}

func (api ClientRequester) PerformAttach(
	backing string,
	targetName string,
) (*AttachResponse, error) {
	command := AttachRequest{
		Backing:    backing,
		TargetName: targetName,
	}
	return specificRequest[AttachRequest, AttachResponse](api, command, TypeAttach)
}

func (api ClientRequester) PerformDetachLun(
	targetName string,
	logicalUnitId int,
) (*DetachLunResponse, error) {
	if logicalUnitId < 0 || logicalUnitId > 0xff {
		return nil, fmt.Errorf("logical unit id must be in 0..255")
	}
	command := DetachLunRequest{
		LunId:      byte(logicalUnitId),
		TargetName: targetName,
	}
	return specificRequest[DetachLunRequest, DetachLunResponse](api, command, TypeDetachLun)
}

func (api ClientRequester) PerformAddTarget(targetName string) error {
	command := AddTargetRequest{
		TargetName: targetName,
	}
	return emptyResponseRequest[AddTargetRequest](api, command, TypeAddTarget)
}

func (api ClientRequester) PerformDeleteTarget(targetName string) error {
	command := DeleteTargetRequest{
		TargetName: targetName,
	}
	return emptyResponseRequest[DeleteTargetRequest](api, command, TypeDeleteTarget)
}

func (api ClientRequester) PerformClearTarget(targetName string) (*ClearTargetResponse, error) {
	command := ClearTargetRequest{
		TargetName: targetName,
	}
	return specificRequest[ClearTargetRequest, ClearTargetResponse](api, command, TypeClearTarget)
}

func (api ClientRequester) PerformCloseConnection(connectionId string) error {
	command := CloseConnectionRequest{ConnectionId: connectionId}
	return emptyResponseRequest[CloseConnectionRequest](api, command, TypeCloseConnection)
}

func (api ClientRequester) PerformList() (*ListResponse, error) {
	request := Request{Type: TypeList, Command: json.RawMessage{'{', '}'}}
	response, err := api.request(request)
	if err != nil {
		return nil, err
	}
	if response.Type != TypeList {
		return nil, &ErrUnxpectedResponseType{responseType: response.Type}
	}
	return unmarshal[ListResponse](response)
}

// Watch calls onEvent for every connection-closed event until onEvent
// fails or the server goes away.
func (api ClientRequester) Watch(onEvent func(ConnectionClosedEvent) error) error {
	connection, reader, err := api.sendRequest(Request{Type: TypeWatch, Command: json.RawMessage{'{', '}'}})
	if err != nil {
		return err
	}
	defer connection.Close()
	response, err := readResponse(reader)
	if err != nil {
		return err
	}
	if response.Type != TypeEmptyResponse {
		return &ErrUnxpectedResponseType{responseType: response.Type}
	}
	for {
		response, err := readResponse(reader)
		if err != nil {
			return err
		}
		if response.Type != TypeEvent {
			return &ErrUnxpectedResponseType{responseType: response.Type}
		}
		event, err := unmarshal[ConnectionClosedEvent](response)
		if err != nil {
			return err
		}
		if err := onEvent(*event); err != nil {
			return err
		}
	}
}
