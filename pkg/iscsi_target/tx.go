// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"

	"github.com/pkg/errors"
)

type sendResult int

const (
	sendDone sendResult = iota
	sendBlocked
	// sendFailed leaves the state machine in END with nothing to write.
	sendFailed
)

// processWriteIO is the transmit pool unit. It sends at most one response.
func (conn *Connection) processWriteIO() unitResult {
	conn.Get()
	defer conn.Put()
	return conn.transmit()
}

// initTransmit stamps the response and encodes everything that is sent
// in front of and after the data.
func (conn *Connection) initTransmit(rsp *Command) {
	conn.backend().TxStart(rsp)
	if rsp.parent != nil {
		conn.addToWriteTimeoutList(rsp.parent)
	}
	header := make([]byte, 0, BasicHeaderSegmentSize+len(rsp.ahs)+DigestSize)
	header = append(header, rsp.bhs[:]...)
	header = append(header, rsp.ahs...)
	if conn.hdigest {
		rsp.hdigest = headerDigest(rsp.bhs[:], rsp.ahs)
		var digest [DigestSize]byte
		putDigest(digest[:], rsp.hdigest)
		header = append(header, digest[:]...)
	}
	length := rsp.DataLen()
	if conn.ddigest && length > 0 {
		rsp.ddigest = dataDigest(rsp.dataSegments(0, length), pad4(length))
		putDigest(rsp.ddigestBuffer[:], rsp.ddigest)
	}
	conn.writeHeader = header
	conn.writeTotal = len(header) + length
	conn.writeSize = conn.writeTotal
	conn.writeTail = nil
}

// pendingIovecs returns what is left of the current segment.
func (conn *Connection) pendingIovecs(rsp *Command) [][]byte {
	if conn.txState != txStateBHSData {
		return [][]byte{conn.writeTail[len(conn.writeTail)-conn.writeSize:]}
	}
	offset := conn.writeTotal - conn.writeSize
	headerLength := len(conn.writeHeader)
	if offset < headerLength {
		iov := [][]byte{conn.writeHeader[offset:]}
		return append(iov, rsp.dataSegments(0, rsp.DataLen())...)
	}
	return rsp.dataSegments(offset-headerLength, conn.writeSize)
}

func (conn *Connection) sendFill(rsp *Command) sendResult {
	for conn.writeSize > 0 {
		count, err := conn.transport.Sendv(conn.pendingIovecs(rsp))
		conn.writeSize -= count
		bugOn(conn.writeSize < 0, "connection %s sent %d bytes past the end of %s",
			conn.id, -conn.writeSize, rsp.Opcode())
		switch {
		case err == nil && count > 0:
			continue
		case errors.Is(err, ErrInterrupted):
			continue
		case err == nil || errors.Is(err, ErrWouldBlock):
			conn.transport.WantWrite()
			return sendBlocked
		}
		if !conn.closing.Load() {
			logger.GetLogger().Errorf("connection %s: send of %s failed: %v", conn.id, rsp.Opcode(), err)
		}
		conn.writeSize = 0
		conn.txState = txStateEnd
		conn.markClosing(false)
		return sendFailed
	}
	return sendDone
}

// transmit advances the transmit state machine until it suspends or one
// response is sent.
func (conn *Connection) transmit() unitResult {
	for {
		rsp := conn.writeCmnd
		switch conn.txState {
		case txStateInit:
			rsp = conn.popWriteList()
			if rsp == nil {
				return unitIdle
			}
			conn.writeCmnd = rsp
			conn.initTransmit(rsp)
			conn.txState = txStateBHSData
			fallthrough

		case txStateBHSData:
			switch conn.sendFill(rsp) {
			case sendBlocked:
				return unitBlocked
			case sendFailed:
				continue
			}
			conn.txState = txStateInitPadding

		case txStateInitPadding:
			length := rsp.DataLen()
			if padding := pad4(length); padding > 0 {
				conn.writeTail = zeroPadding[:padding]
				conn.writeSize = padding
				conn.txState = txStatePadding
			} else if conn.ddigest && length > 0 {
				conn.txState = txStateInitDDigest
			} else {
				conn.txState = txStateEnd
			}

		case txStatePadding:
			switch conn.sendFill(rsp) {
			case sendBlocked:
				return unitBlocked
			case sendFailed:
				continue
			}
			if conn.ddigest {
				conn.txState = txStateInitDDigest
			} else {
				conn.txState = txStateEnd
			}

		case txStateInitDDigest:
			conn.writeTail = rsp.ddigestBuffer[:]
			conn.writeSize = DigestSize
			conn.txState = txStateDDigest
			fallthrough

		case txStateDDigest:
			switch conn.sendFill(rsp) {
			case sendBlocked:
				return unitBlocked
			case sendFailed:
				continue
			}
			conn.txState = txStateEnd

		case txStateEnd:
			bugOn(conn.writeSize != 0, "connection %s finished %s with %d unsent bytes",
				conn.id, rsp.Opcode(), conn.writeSize)
			conn.backend().TxEnd(rsp)
			conn.writeCmnd = nil
			conn.writeHeader = nil
			conn.writeTail = nil
			conn.txState = txStateInit
			conn.pdusSent.Add(1)
			rsp.Put()
			if conn.writeListEmpty() {
				return unitIdle
			}
			return unitMore
		}
	}
}
