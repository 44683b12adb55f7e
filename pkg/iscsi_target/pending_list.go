// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "iscsitarget/pkg/logger"

func (session *Session) deliver(cmnd *Command) {
	cmnd.conn.backend().RxEnd(cmnd)
}

// push delivers commands to the backend in CmdSN order. Commands ahead of
// ExpCmdSN wait on the pending list, those beyond MaxCmdSN are dropped.
// Pending commands of a closing connection are released when their turn
// comes.
func (session *Session) push(cmnd *Command) {
	if !cmnd.hasCmdSN() || cmnd.Immediate() {
		session.deliver(cmnd)
		return
	}
	cmdSN := cmnd.CmdSN()
	session.mutex.Lock()
	maxCmdSN := session.expCmdSN + session.maxQueueCommand - 1
	switch {
	case cmdSN == session.expCmdSN:
		session.expCmdSN += 1
		ready := []*Command{cmnd}
		var abandoned []*Command
		for {
			next := session.popPendingLocked(session.expCmdSN)
			if next == nil {
				break
			}
			session.expCmdSN += 1
			if next.conn.closing.Load() {
				abandoned = append(abandoned, next)
				continue
			}
			ready = append(ready, next)
		}
		session.mutex.Unlock()
		for _, next := range abandoned {
			next.conn.releaseForced(next, ReasonConnectionClosed)
			next.Put()
		}
		for _, next := range ready {
			session.deliver(next)
		}
	case serialBefore(maxCmdSN, cmdSN):
		session.mutex.Unlock()
		logger.GetLogger().Warningf(
			"connection %s: dropping %s with CmdSN %d beyond MaxCmdSN %d",
			cmnd.conn.id, cmnd.Opcode(), cmdSN, maxCmdSN,
		)
		cmnd.conn.releaseForced(cmnd, ReasonCmdSNOutOfWindow)
		cmnd.Put()
	case serialBefore(session.expCmdSN, cmdSN):
		cmnd.pending = true
		cmnd.pendingCell = session.pending.addRear(cmnd)
		expected := session.expCmdSN
		session.mutex.Unlock()
		logger.GetLogger().Debugf("CmdSN %d queued, expecting %d", cmdSN, expected)
	default:
		expected := session.expCmdSN
		session.mutex.Unlock()
		logger.GetLogger().Warningf(
			"connection %s: dropping %s with stale CmdSN %d, expecting %d",
			cmnd.conn.id, cmnd.Opcode(), cmdSN, expected,
		)
		cmnd.conn.releaseForced(cmnd, ReasonStaleCmdSN)
		cmnd.Put()
	}
}

func (session *Session) popPendingLocked(cmdSN uint32) *Command {
	for cell := session.pending.front(); cell != nil; cell = cell.next {
		if cell.value.CmdSN() == cmdSN {
			return session.unlinkPendingLocked(cell.value)
		}
	}
	return nil
}

func (session *Session) unlinkPendingLocked(cmnd *Command) *Command {
	_, err := session.pending.removeByPointer(cmnd.pendingCell)
	bugOn(err != nil, "unlinking pending CmdSN %d: %v", cmnd.CmdSN(), err)
	cmnd.pendingCell = nil
	cmnd.pending = false
	return cmnd
}

func (session *Session) pendingEmpty() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.pending.empty()
}

func (session *Session) pendingCount() int {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.pending.len()
}

// freePendingCommands releases the commands of conn that became next in
// line, one CmdSN at a time.
func (session *Session) freePendingCommands(conn *Connection) {
	for {
		session.mutex.Lock()
		var found *Command
		for cell := session.pending.front(); cell != nil; cell = cell.next {
			cmnd := cell.value
			if cmnd.conn == conn && cmnd.CmdSN() == session.expCmdSN {
				found = session.unlinkPendingLocked(cmnd)
				session.expCmdSN += 1
				break
			}
		}
		session.mutex.Unlock()
		if found == nil {
			return
		}
		conn.releaseForced(found, ReasonConnectionClosed)
		found.Put()
	}
}

// freeOrphanedPendingCommands releases every pending command of conn,
// whether or not the gap in front of it was ever filled.
func (session *Session) freeOrphanedPendingCommands(conn *Connection) {
	for {
		session.mutex.Lock()
		var found *Command
		for cell := session.pending.front(); cell != nil; cell = cell.next {
			cmnd := cell.value
			if cmnd.conn == conn {
				found = session.unlinkPendingLocked(cmnd)
				if cmnd.CmdSN() == session.expCmdSN {
					session.expCmdSN += 1
				}
				break
			}
		}
		session.mutex.Unlock()
		if found == nil {
			return
		}
		logger.GetLogger().Debugf("releasing orphaned CmdSN %d of connection %s", found.CmdSN(), conn.id)
		conn.releaseForced(found, ReasonConnectionClosed)
		found.Put()
	}
}

func (session *Session) hasPendingOf(conn *Connection) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	for cell := session.pending.front(); cell != nil; cell = cell.next {
		if cell.value.conn == conn {
			return true
		}
	}
	return false
}
