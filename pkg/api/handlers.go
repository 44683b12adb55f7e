// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"encoding/json"
	"fmt"
	"iscsitarget/pkg/iscsi_target"
	"sync"
)

// TargetDriver is the part of the iSCSI driver the API controls.
type TargetDriver interface {
	AddTarget(name string) error
	DeleteTarget(name string) error
	AddLun(targetName string, backing string) (byte, error)
	RemoveLun(targetName string, logicalUnitId byte) (string, error)
	Clear(targetName string) ([]string, error)
	List() []iscsi_target.TargetInfo
	CloseConnection(id string) error
}

type DemonApiHandler struct {
	driver  TargetDriver
	apiLock sync.Mutex
}

func (handler *DemonApiHandler) Attach(request AttachRequest) (*AttachResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	logicalUnitId, err := handler.driver.AddLun(request.TargetName, request.Backing)
	if err != nil {
		return nil, err
	}
	return &AttachResponse{
		LogicalUnitId: logicalUnitId,
	}, nil
}

func (handler *DemonApiHandler) DetachLun(request DetachLunRequest) (*DetachLunResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	backing, err := handler.driver.RemoveLun(request.TargetName, request.LunId)
	if err != nil {
		return nil, err
	}
	return &DetachLunResponse{Backing: backing}, nil
}

func (handler *DemonApiHandler) AddTarget(request AddTargetRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.driver.AddTarget(request.TargetName)
}

func (handler *DemonApiHandler) DeleteTarget(request DeleteTargetRequest) error {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.driver.DeleteTarget(request.TargetName)
}

func (handler *DemonApiHandler) ClearTarget(request ClearTargetRequest) (*ClearTargetResponse, error) {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	backings, err := handler.driver.Clear(request.TargetName)
	if err != nil {
		return nil, err
	}
	return &ClearTargetResponse{FreedBackings: backings}, nil
}

// CloseConnection only starts the close, watchers learn when it is done.
func (handler *DemonApiHandler) CloseConnection(request CloseConnectionRequest) error {
	return handler.driver.CloseConnection(request.ConnectionId)
}

func (handler *DemonApiHandler) ListTargets() ListResponse {
	handler.apiLock.Lock()
	defer handler.apiLock.Unlock()
	return handler.driver.List()
}

func decodeCommand[T any](request *Request) (*T, error) {
	command := new(T)
	if err := json.Unmarshal(request.Command, command); err != nil {
		return nil, err
	}
	return command, nil
}

func resultResponse(responseType string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(err)
	}
	return Response{Type: responseType, Result: data}
}

func (handler *DemonApiHandler) HandleRequest(request *Request) Response {
	switch request.Type {
	case TypeAttach:
		command, err := decodeCommand[AttachRequest](request)
		if err == nil {
			err = command.validate()
		}
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.Attach(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeDetachLun:
		command, err := decodeCommand[DetachLunRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.DetachLun(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeAddTarget:
		command, err := decodeCommand[AddTargetRequest](request)
		if err == nil {
			err = command.validate()
		}
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.AddTarget(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeDeleteTarget:
		command, err := decodeCommand[DeleteTargetRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.DeleteTarget(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeClearTarget:
		command, err := decodeCommand[ClearTargetRequest](request)
		if err != nil {
			return ErrorResponse(err)
		}
		result, err := handler.ClearTarget(*command)
		if err != nil {
			return ErrorResponse(err)
		}
		return resultResponse(request.Type, result)
	case TypeCloseConnection:
		command, err := decodeCommand[CloseConnectionRequest](request)
		if err == nil {
			err = command.validate()
		}
		if err != nil {
			return ErrorResponse(err)
		}
		if err := handler.CloseConnection(*command); err != nil {
			return ErrorResponse(err)
		}
		return emptyResponse()
	case TypeList:
		return resultResponse(request.Type, handler.ListTargets())
	default:
		return ErrorResponse(fmt.Errorf("unknown request type %s", request.Type))
	}
}

func emptyResponse() Response {
	return Response{Error: "", Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}

func ErrorResponse(err error) Response {
	return Response{Error: err.Error(), Result: json.RawMessage{'{', '}'}, Type: TypeEmptyResponse}
}
