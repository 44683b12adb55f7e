// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "encoding/binary"

// Target PDU flag bits.
const (
	dataInAcknowledge byte = 0x40
	residualOverflow  byte = 0x04
	residualUnderflow byte = 0x02
	dataInStatus      byte = 0x01
)

// Reject reasons.
const (
	RejectDataDigestError     byte = 0x02
	RejectSnackReject         byte = 0x03
	RejectProtocolError       byte = 0x04
	RejectCommandNotSupported byte = 0x05
	RejectInvalidPduField     byte = 0x09
)

// Logout response codes.
const (
	LogoutClosedSuccessfully byte = 0x00
	LogoutCidNotFound        byte = 0x01
)

// NewControlResponse allocates a response with an engine-owned data
// segment that answers req.
func (conn *Connection) NewControlResponse(req *Command, opcode OpCode, data []byte) *Command {
	rsp := conn.NewResponse(req)
	rsp.bhs[0] = byte(opcode)
	rsp.bhs[1] = flagFinal
	rsp.putUint32(16, req.ITT())
	if len(data) > 0 {
		rsp.SetData(data)
	}
	return rsp
}

// carriesStatus tells whether sending rsp advances StatSN.
func (rsp *Command) carriesStatus() bool {
	switch rsp.Opcode() {
	case OpSCSIResp, OpSCSITaskResp, OpLogoutResp, OpTextResp, OpReject, OpLoginResp:
		return true
	case OpSCSIIn:
		return rsp.bhs[1]&dataInStatus != 0
	case OpNoopIn:
		return rsp.ITT() != ReservedTag
	}
	return false
}

// stampSequenceNumbers fills StatSN, ExpCmdSN and MaxCmdSN right before a
// response goes out.
func (conn *Connection) stampSequenceNumbers(rsp *Command) {
	session := conn.session
	if rsp.carriesStatus() {
		rsp.putUint32(24, conn.statSN)
		conn.statSN += 1
	} else if rsp.Opcode() != OpSCSIIn {
		rsp.putUint32(24, conn.statSN)
	}
	rsp.putUint32(28, session.ExpCmdSN())
	rsp.putUint32(32, session.MaxCmdSN())
}

func setResidual(rsp *Command, residual int64) {
	switch {
	case residual > 0:
		rsp.bhs[1] |= residualUnderflow
		rsp.putUint32(44, uint32(residual))
	case residual < 0:
		rsp.bhs[1] |= residualOverflow
		rsp.putUint32(44, uint32(-residual))
	}
}

func buildScsiResponse(rsp *Command, req *Command, status byte, sense []byte, residual int64) {
	rsp.bhs[0] = byte(OpSCSIResp)
	rsp.bhs[1] = flagFinal
	rsp.bhs[3] = status
	rsp.putUint32(16, req.ITT())
	setResidual(rsp, residual)
	if len(sense) > 0 {
		data := make([]byte, 2+len(sense))
		binary.BigEndian.PutUint16(data, uint16(len(sense)))
		copy(data[2:], sense)
		rsp.SetData(data)
	}
}

// buildDataIn describes one Data-In PDU. The data itself is attached by
// the caller.
func buildDataIn(rsp *Command, req *Command, dataSN, offset uint32, final bool) {
	rsp.bhs[0] = byte(OpSCSIIn)
	if final {
		rsp.bhs[1] = flagFinal
	}
	rsp.bhs[9] = req.LUN()
	rsp.putUint32(16, req.ITT())
	rsp.putUint32(20, ReservedTag)
	rsp.putUint32(36, dataSN)
	rsp.putUint32(40, offset)
}

// collapseStatus puts the command status into the last Data-In PDU.
func collapseStatus(rsp *Command, status byte, residual int64) {
	rsp.bhs[1] |= flagFinal | dataInStatus
	rsp.bhs[3] = status
	setResidual(rsp, residual)
}

func buildR2T(rsp *Command, req *Command, ttt, r2tSN, offset, length uint32) {
	rsp.bhs[0] = byte(OpReady)
	rsp.bhs[1] = flagFinal
	rsp.bhs[9] = req.LUN()
	rsp.putUint32(16, req.ITT())
	rsp.putUint32(20, ttt)
	rsp.putUint32(36, r2tSN)
	rsp.putUint32(40, offset)
	rsp.putUint32(44, length)
}

func buildNopIn(rsp *Command, itt, ttt uint32, data []byte) {
	rsp.bhs[0] = byte(OpNoopIn)
	rsp.bhs[1] = flagFinal
	rsp.putUint32(16, itt)
	rsp.putUint32(20, ttt)
	if len(data) > 0 {
		rsp.SetData(data)
	}
}

func buildTaskMgmtResponse(rsp *Command, req *Command, response TaskResponse) {
	rsp.bhs[0] = byte(OpSCSITaskResp)
	rsp.bhs[1] = flagFinal
	rsp.bhs[2] = byte(response)
	rsp.putUint32(16, req.ITT())
}

func buildLogoutResponse(rsp *Command, req *Command, response byte) {
	rsp.bhs[0] = byte(OpLogoutResp)
	rsp.bhs[1] = flagFinal
	rsp.bhs[2] = response
	rsp.putUint32(16, req.ITT())
}

// buildReject returns the offending header to the initiator.
func buildReject(rsp *Command, req *Command, reason byte) {
	rsp.bhs[0] = byte(OpReject)
	rsp.bhs[1] = flagFinal
	rsp.bhs[2] = reason
	rsp.putUint32(16, ReservedTag)
	header := req.Header()
	rsp.SetData(header[:])
}

func buildTextResponse(rsp *Command, req *Command, data []byte) {
	rsp.bhs[0] = byte(OpTextResp)
	rsp.bhs[1] = flagFinal
	rsp.putUint32(16, req.ITT())
	rsp.putUint32(20, ReservedTag)
	rsp.SetData(data)
}
