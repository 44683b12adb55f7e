// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"time"
)

// startCloseConnection hands the connection to the close protocol. It runs
// on its own goroutine unless too many closes are in flight.
func (conn *Connection) startCloseConnection() {
	driver := conn.driver
	if driver.closeSlots.TryAcquire(1) {
		go func() {
			defer driver.closeSlots.Release(1)
			conn.closeConnection()
		}()
		return
	}
	logger.GetLogger().Warningf("no close slot available, closing connection %s inline", conn.id)
	conn.closeConnection()
}

func (conn *Connection) closeConnection() {
	log := logger.GetLogger()
	driver := conn.driver
	session := conn.session
	target := session.target
	timeouts := driver.params.Close
	log.Infof("closing connection %s (cid %d) of session %x, %d references",
		conn.id, conn.cid, session.ID(), conn.refCount.Load())

	how := ShutdownBoth
	if conn.activeClose.Load() {
		how = ShutdownRecv
	}
	if err := conn.transport.Shutdown(how); err != nil {
		log.Debugf("connection %s: shutdown %s: %v", conn.id, how, err)
	}
	target.mutex.Lock()
	if len(session.connections) <= 1 {
		session.shuttingDown = true
	}
	target.mutex.Unlock()

	driver.backend.NexusLoss(conn)

	conn.releaseReadCommand()

	conn.abortConnection()
	conn.drainReferences(timeouts)

	conn.transport.ResetCallbacks()
	for {
		state := driver.writePool.state(conn)
		writeIdle := state == schedIdle || state == schedSpaceWait || state == schedClosed
		if writeIdle && conn.refCount.Load() == 0 && conn.transport.WriteIdle() {
			break
		}
		time.Sleep(timeouts.IdlePoll)
	}
	driver.writePool.detach(conn)

	<-conn.readyToFree

	conn.freeConnection()
	log.Infof("connection %s (cid %d) closed", conn.id, conn.cid)
	driver.notifier.ConnectionClosed(target.TargetId, session.ID(), conn.cid)
	close(conn.closed)
}

// releaseReadCommand abandons a half received PDU. The backend only hears
// about commands it has already seen.
func (conn *Connection) releaseReadCommand() {
	if conn.rxState == rxStateInitBHS {
		return
	}
	cmnd := conn.readCmnd
	state := conn.rxState
	conn.readCmnd = nil
	conn.readBuffer = nil
	conn.readSize = 0
	conn.rxState = rxStateInitBHS
	if cmnd == nil {
		return
	}
	if state < rxStateCmdStart {
		cmnd.Put()
		return
	}
	for cmnd.BackendBusy() {
		time.Sleep(conn.driver.params.Close.IdlePoll)
	}
	conn.releaseForced(cmnd, ReasonConnectionClosed)
	cmnd.Put()
}

// drainReferences pushes every command of the connection to completion,
// escalating the transport shutdown as time passes.
func (conn *Connection) drainReferences(timeouts CloseTimeouts) {
	log := logger.GetLogger()
	session := conn.session
	deleting := conn.deleting.Load()
	shutTimeout := timeouts.RegShut
	sleep := timeouts.Sleep
	if deleting {
		shutTimeout = timeouts.DelShut
		sleep = timeouts.DelSleep
	}
	start := time.Now()
	// the abort deadline runs from the send shutdown
	var sendShutAt time.Time
	sendShut := false
	aborted := false
	for conn.refCount.Load() != 0 {
		if conn.isTMActive() {
			conn.checkTaskMgmtDataWaitTimeouts()
		}
		session.dropTaskMgmtResponse(conn)
		if !session.pendingEmpty() {
			session.freePendingCommands(conn)
			if time.Since(start) > timeouts.Pending {
				session.freeOrphanedPendingCommands(conn)
			}
		}
		conn.makeWriteActive()

		if !sendShut && time.Since(start) > timeouts.Wait {
			log.Infof("connection %s: %d references left, shutting down send", conn.id, conn.refCount.Load())
			if err := conn.transport.Shutdown(ShutdownSend); err != nil {
				log.Debugf("connection %s: shutdown send: %v", conn.id, err)
			}
			sendShut = true
			sendShutAt = time.Now()
		}
		if sendShut && !aborted && time.Since(sendShutAt) > shutTimeout {
			log.Warningf("connection %s: %d references left, aborting the stream", conn.id, conn.refCount.Load())
			if err := conn.transport.Shutdown(ShutdownAbort); err != nil {
				log.Debugf("connection %s: abort: %v", conn.id, err)
			}
			aborted = true
		}
		if conn.refCount.Load() == 0 {
			break
		}
		time.Sleep(sleep)
		conn.writeSpaceReady()
	}
}

// freeConnection unregisters the connection and drops the session along
// with its last connection.
func (conn *Connection) freeConnection() {
	log := logger.GetLogger()
	driver := conn.driver
	session := conn.session
	target := session.target

	conn.writeListMutex.Lock()
	bugOn(!conn.writeList.empty(), "freeing connection %s with %d queued responses",
		conn.id, conn.writeList.len())
	conn.writeListMutex.Unlock()
	conn.cmdListMutex.Lock()
	bugOn(!conn.cmdList.empty(), "freeing connection %s with %d live commands",
		conn.id, conn.cmdList.len())
	conn.cmdListMutex.Unlock()

	target.mutex.Lock()
	if session.connections[conn.cid] == conn {
		delete(session.connections, conn.cid)
	}
	sessionGone := len(session.connections) == 0
	if sessionGone && target.sessions[session.tsih] == session {
		delete(target.sessions, session.tsih)
	}
	driver.unregisterConnection(conn)
	target.mutex.Unlock()

	if sessionGone {
		log.Infof("session %x of %s is gone", session.ID(), session.initiator)
		driver.ReleaseTSIH(session.tsih)
	}
	conn.rspTimer.cancel()
	if err := conn.transport.Close(); err != nil {
		log.Debugf("connection %s: close: %v", conn.id, err)
	}
	driver.readPool.detach(conn)
	driver.writePool.detach(conn)
}
