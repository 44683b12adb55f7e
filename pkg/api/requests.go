// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "encoding/json"

const (
	TypeEmptyResponse   = "EMPTY"
	TypeAttach          = "ATTACH"
	TypeDetachLun       = "DETACHLUN"
	TypeAddTarget       = "ADDTARGET"
	TypeDeleteTarget    = "DELETETARGET"
	TypeClearTarget     = "CLEARTARGET"
	TypeList            = "LIST"
	TypeCloseConnection = "CLOSECONNECTION"
	// TypeWatch keeps the socket open and streams TypeEvent responses.
	TypeWatch = "WATCH"
	TypeEvent = "EVENT"
)

type Request struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type AttachRequest struct {
	// "memory:<size>" or a path to a regular file
	Backing    string `json:"backing"`
	TargetName string `json:"target_name"`
}

type DetachLunRequest struct {
	LunId      byte   `json:"lun_id"`
	TargetName string `json:"target_name"`
}

type AddTargetRequest struct {
	TargetName string `json:"target_name"`
}

type DeleteTargetRequest struct {
	TargetName string `json:"target_name"`
}

type ClearTargetRequest struct {
	TargetName string `json:"target_name"`
}

type CloseConnectionRequest struct {
	ConnectionId string `json:"connection_id"`
}

func (request AttachRequest) validate() error {
	if err := requireField("target_name", request.TargetName); err != nil {
		return err
	}
	return requireField("backing", request.Backing)
}

func (request AddTargetRequest) validate() error {
	return requireField("target_name", request.TargetName)
}

func (request CloseConnectionRequest) validate() error {
	return requireField("connection_id", request.ConnectionId)
}

func ParseRequest(data []byte) (*Request, error) {
	request := &Request{}
	err := json.Unmarshal(data, request)
	if err != nil {
		return nil, err
	}
	return request, nil
}
