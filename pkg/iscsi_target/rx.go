// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"io"
	"iscsitarget/pkg/logger"

	"github.com/pkg/errors"
)

// processReadIO is the receive pool unit. It parses at most one PDU.
func (conn *Connection) processReadIO() unitResult {
	if conn.closing.Load() {
		conn.closeOnce.Do(conn.startCloseConnection)
		return unitClosed
	}
	result := conn.receive()
	if conn.closing.Load() {
		conn.closeOnce.Do(conn.startCloseConnection)
		return unitClosed
	}
	return result
}

func (conn *Connection) setReadBuffer(buffer []byte) {
	conn.readBuffer = buffer
	conn.readOffset = 0
	conn.readSize = len(buffer)
}

// setReadData points the reader at the scatter list of the current command.
func (conn *Connection) setReadData(size int) {
	conn.readBuffer = nil
	conn.readOffset = 0
	conn.readSize = size
}

// readFill reads until the current segment is complete. It returns false
// when receive has to suspend.
func (conn *Connection) readFill() bool {
	for conn.readSize > 0 {
		if conn.closing.Load() {
			return false
		}
		var buffer []byte
		if conn.readBuffer != nil {
			buffer = conn.readBuffer[conn.readOffset : conn.readOffset+conn.readSize]
		} else {
			buffer = conn.readCmnd.sg.iovecs(conn.readOffset, conn.readSize)[0]
		}
		count, err := conn.transport.Recv(buffer)
		conn.readOffset += count
		conn.readSize -= count
		switch {
		case err == nil && count > 0:
			continue
		case errors.Is(err, ErrInterrupted):
			continue
		case errors.Is(err, ErrWouldBlock):
			conn.transport.WantRead()
			return false
		case err == nil || errors.Cause(err) == io.EOF:
			logger.GetLogger().Infof("connection %s: peer closed the stream", conn.id)
		default:
			logger.GetLogger().Errorf("connection %s: receive failed: %v", conn.id, err)
		}
		conn.markClosing(false)
		return false
	}
	return true
}

func (conn *Connection) afterHeaderState() rxState {
	if conn.hdigest {
		return rxStateInitHDigest
	}
	return rxStateCmdStart
}

func (conn *Connection) afterDataState(cmnd *Command) rxState {
	if pad4(cmnd.DataLen()) != 0 {
		return rxStatePadding
	}
	if conn.ddigest {
		return rxStateInitDDigest
	}
	return rxStateEnd
}

// setupData prepares the data phase once the backend saw the header. It
// returns false when the connection has to close.
func (conn *Connection) setupData(cmnd *Command) bool {
	length := cmnd.DataLen()
	if length == 0 {
		conn.rxState = rxStateEnd
		return true
	}
	maxRecv := int(conn.params.MaxRecvDataSegmentLength)
	if maxRecv > 0 && length > maxRecv {
		logger.GetLogger().Errorf(
			"connection %s: data segment of %d bytes exceeds MaxRecvDataSegmentLength %d",
			conn.id, length, maxRecv,
		)
		conn.markClosing(false)
		return false
	}
	if cmnd.sg == nil {
		cmnd.sg = NewScatterList(length)
	} else if cmnd.sg.Len() < length {
		logger.GetLogger().Errorf(
			"connection %s: %s carries %d bytes, only %d expected",
			conn.id, cmnd.Opcode(), length, cmnd.sg.Len(),
		)
		conn.markClosing(false)
		return false
	}
	conn.setReadData(length)
	conn.rxState = rxStateData
	return true
}

func (conn *Connection) handleRxStatus(cmnd *Command, status RxStatus) bool {
	switch status {
	case RxFatal:
		logger.GetLogger().Errorf("connection %s: backend rejected %s", conn.id, cmnd.Opcode())
		conn.markClosing(false)
		return false
	}
	return conn.setupData(cmnd)
}

// retryUnit ends the unit of a command the backend could not take yet. A
// busy command waits for BackendReady, any other is polled again on the
// next turn of the receive pool.
func retryUnit(cmnd *Command) unitResult {
	if cmnd.BackendBusy() {
		return unitIdle
	}
	return unitMore
}

func (conn *Connection) checkDataDigest(cmnd *Command) {
	length := cmnd.DataLen()
	cmnd.ddigest = getDigest(conn.rxDigest[:])
	if cmnd.Opcode() == OpSCSICmd && length > conn.driver.params.InlineDigestThreshold {
		cmnd.ddigestDeferred = true
		return
	}
	computed := dataDigest(cmnd.dataSegments(0, length), pad4(length))
	if computed != cmnd.ddigest {
		conn.dataDigestFailed(cmnd, &ErrDataDigest{
			taskTag:  cmnd.ITT(),
			expected: computed,
			received: cmnd.ddigest,
		})
	}
}

// receive advances the receive state machine until it suspends or one
// PDU is complete.
func (conn *Connection) receive() unitResult {
	for {
		cmnd := conn.readCmnd
		switch conn.rxState {
		case rxStateInitBHS:
			cmnd = conn.backend().AllocCommand(conn, nil)
			conn.readCmnd = cmnd
			conn.setReadBuffer(cmnd.bhs[:])
			conn.rxState = rxStateBHS
			fallthrough

		case rxStateBHS:
			if !conn.readFill() {
				return unitIdle
			}
			if length := cmnd.AHSLen(); length > 0 {
				cmnd.ahs = make([]byte, length)
				conn.setReadBuffer(cmnd.ahs)
				conn.rxState = rxStateAHS
			} else {
				conn.rxState = conn.afterHeaderState()
			}

		case rxStateAHS:
			if !conn.readFill() {
				return unitIdle
			}
			conn.rxState = conn.afterHeaderState()

		case rxStateInitHDigest:
			conn.setReadBuffer(conn.rxDigest[:])
			conn.rxState = rxStateCheckHDigest
			fallthrough

		case rxStateCheckHDigest:
			if !conn.readFill() {
				return unitIdle
			}
			cmnd.hdigest = getDigest(conn.rxDigest[:])
			if computed := headerDigest(cmnd.bhs[:], cmnd.ahs); computed != cmnd.hdigest {
				logger.GetLogger().Errorf(
					"connection %s: header digest mismatch, computed %08x, received %08x",
					conn.id, computed, cmnd.hdigest,
				)
				conn.markClosing(false)
				return unitIdle
			}
			conn.rxState = rxStateCmdStart

		case rxStateCmdStart:
			status := conn.backend().RxStart(cmnd)
			if status == RxNeedsRetry {
				conn.rxState = rxStateCmdContinue
				return retryUnit(cmnd)
			}
			if !conn.handleRxStatus(cmnd, status) {
				return unitIdle
			}

		case rxStateCmdContinue:
			if cmnd.BackendBusy() {
				return unitIdle
			}
			status := conn.backend().RxContinue(cmnd)
			if status == RxNeedsRetry {
				return retryUnit(cmnd)
			}
			if !conn.handleRxStatus(cmnd, status) {
				return unitIdle
			}

		case rxStateData:
			if !conn.readFill() {
				return unitIdle
			}
			conn.rxState = conn.afterDataState(cmnd)

		case rxStatePadding:
			if conn.readBuffer == nil {
				conn.setReadBuffer(conn.rxPadding[:pad4(cmnd.DataLen())])
			}
			if !conn.readFill() {
				return unitIdle
			}
			conn.readBuffer = nil
			if conn.ddigest {
				conn.rxState = rxStateInitDDigest
			} else {
				conn.rxState = rxStateEnd
			}

		case rxStateInitDDigest:
			conn.setReadBuffer(conn.rxDigest[:])
			conn.rxState = rxStateCheckDDigest
			fallthrough

		case rxStateCheckDDigest:
			if !conn.readFill() {
				return unitIdle
			}
			conn.checkDataDigest(cmnd)
			conn.rxState = rxStateEnd

		case rxStateEnd:
			bugOn(conn.readSize != 0, "connection %s finished %s with %d unread bytes",
				conn.id, cmnd.Opcode(), conn.readSize)
			conn.readCmnd = nil
			conn.readBuffer = nil
			conn.rxState = rxStateInitBHS
			conn.pdusReceived.Add(1)
			conn.session.push(cmnd)
			return unitMore
		}
	}
}
