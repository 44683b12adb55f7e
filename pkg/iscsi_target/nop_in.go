// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"time"
)

// startNopIn arms the target initiated keep-alive.
func (conn *Connection) startNopIn() {
	interval := conn.driver.params.NopInInterval
	if interval <= 0 {
		return
	}
	conn.cmdListMutex.Lock()
	conn.nopInTimer = time.AfterFunc(interval, conn.nopInTimerExpired)
	conn.cmdListMutex.Unlock()
}

func (conn *Connection) nopInTimerExpired() {
	if conn.closing.Load() {
		return
	}
	conn.sendNopIn()
	conn.cmdListMutex.Lock()
	if conn.nopInTimer != nil {
		conn.nopInTimer.Reset(conn.driver.params.NopInInterval)
	}
	conn.cmdListMutex.Unlock()
}

// sendNopIn pings the initiator unless a ping is still unanswered. The
// request is never sent, it only carries the reply deadline.
func (conn *Connection) sendNopIn() {
	conn.cmdListMutex.Lock()
	skip := conn.nopInStopped || !conn.keepAliveList.empty()
	conn.cmdListMutex.Unlock()
	if skip {
		return
	}

	req := NewCommand(conn, nil)
	req.keepAlive = true
	req.bhs[0] = byte(OpNoopOut) | flagImmediate
	req.bhs[1] = flagFinal
	req.putUint32(16, ReservedTag)

	conn.cmdListMutex.Lock()
	// stopNopIn may have drained the list since the check above
	if conn.nopInStopped {
		conn.cmdListMutex.Unlock()
		req.Put()
		return
	}
	conn.nextTTT += 1
	if conn.nextTTT == ReservedTag {
		conn.nextTTT = 1
	}
	ttt := conn.nextTTT
	req.putUint32(20, ttt)
	req.keepAliveCell = conn.keepAliveList.addRear(req)
	conn.cmdListMutex.Unlock()

	logger.GetLogger().Debugf("connection %s: NOP-In ping, TTT %x", conn.id, ttt)
	rsp := conn.NewResponse(req)
	buildNopIn(rsp, ReservedTag, ttt, nil)
	conn.QueueResponse(rsp)
}

// releaseKeepAlive ends the ping answered by a NOP-Out carrying ttt.
func (conn *Connection) releaseKeepAlive(ttt uint32) bool {
	var found *Command
	conn.cmdListMutex.Lock()
	for cell := conn.keepAliveList.front(); cell != nil; cell = cell.next {
		if cell.value.TTT() == ttt {
			found = cell.value
			conn.keepAliveList.removeByPointer(cell)
			found.keepAliveCell = nil
			break
		}
	}
	conn.cmdListMutex.Unlock()
	if found == nil {
		return false
	}
	found.Put()
	return true
}

func (conn *Connection) stopNopIn() {
	conn.cmdListMutex.Lock()
	conn.nopInStopped = true
	if conn.nopInTimer != nil {
		conn.nopInTimer.Stop()
		conn.nopInTimer = nil
	}
	var outstanding []*Command
	for !conn.keepAliveList.empty() {
		req, _ := conn.keepAliveList.removeFront()
		req.keepAliveCell = nil
		outstanding = append(outstanding, req)
	}
	conn.cmdListMutex.Unlock()
	for _, req := range outstanding {
		conn.dropResponsesOf(req)
		req.Put()
	}
}
