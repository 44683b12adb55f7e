// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"time"
)

// requestDeadline is when a request with response bytes in flight times
// out. Aborted requests only get the data wait grace period.
func (conn *Connection) requestDeadline(req *Command) time.Time {
	params := conn.driver.params
	timeout := params.RspTimeout
	if req.keepAlive {
		timeout = params.NopInTimeout
	}
	if req.Aborted() && params.TMDataWaitTimeout < timeout {
		timeout = params.TMDataWaitTimeout
	}
	return req.writeStart.Add(timeout)
}

// addToWriteTimeoutList starts tracking req once its first response is
// about to be sent.
func (conn *Connection) addToWriteTimeoutList(req *Command) {
	params := conn.driver.params
	tmActive := conn.isTMActive()
	markTMActive := false

	conn.writeListMutex.Lock()
	if req.writeTimeoutCell != nil {
		conn.writeListMutex.Unlock()
		return
	}
	now := time.Now()
	req.writeStart = now
	var timeout time.Time
	if req.keepAlive {
		timeout = now.Add(params.NopInTimeout)
		var mark *linkedListCell[*Command]
		for cell := conn.writeTimeoutList.front(); cell != nil; cell = cell.next {
			if conn.requestDeadline(cell.value).After(timeout) {
				mark = cell
				break
			}
		}
		req.writeTimeoutCell = conn.writeTimeoutList.insertBefore(mark, req)
		if conn.rspTimer.pending() && conn.rspTimer.expiresAt().After(timeout.Add(params.AddSchedTime)) {
			conn.rspTimer.arm(timeout.Add(params.AddSchedTime))
		}
	} else {
		timeout = now.Add(params.RspTimeout)
		req.writeTimeoutCell = conn.writeTimeoutList.addRear(req)
	}

	if !conn.rspTimer.pending() {
		at := timeout
		if tmActive || req.Aborted() {
			at = now.Add(params.TMDataWaitTimeout)
			markTMActive = true
		}
		conn.rspTimer.arm(at.Add(params.AddSchedTime))
	} else if req.Aborted() {
		conn.rspTimer.armIfEarlier(now.Add(params.TMDataWaitTimeout + params.AddSchedTime))
		markTMActive = true
	}
	conn.writeListMutex.Unlock()

	// The pool mutex is outer to writeListMutex.
	if markTMActive {
		conn.setTMActive(true)
	}
}

func (conn *Connection) delFromWriteTimeoutList(req *Command) {
	conn.writeListMutex.Lock()
	defer conn.writeListMutex.Unlock()
	if req.writeTimeoutCell == nil {
		return
	}
	_, err := conn.writeTimeoutList.removeByPointer(req.writeTimeoutCell)
	bugOn(err != nil, "removing ITT %x from the write timeout list: %v", req.ITT(), err)
	req.writeTimeoutCell = nil
	if conn.writeTimeoutList.empty() {
		conn.rspTimer.cancel()
	}
}

// earliestDeadlineLocked scans the list since aborted entries break the
// insertion order.
func (conn *Connection) earliestDeadlineLocked() (time.Time, bool) {
	var earliest time.Time
	found := false
	for cell := conn.writeTimeoutList.front(); cell != nil; cell = cell.next {
		deadline := conn.requestDeadline(cell.value)
		if !found || deadline.Before(earliest) {
			earliest = deadline
			found = true
		}
	}
	return earliest, found
}

// rspTimerExpired never frees anything. It hands expired entries over to
// the receive path.
func (conn *Connection) rspTimerExpired() {
	params := conn.driver.params
	conn.writeListMutex.Lock()
	earliest, found := conn.earliestDeadlineLocked()
	if !found {
		conn.writeListMutex.Unlock()
		return
	}
	if time.Now().Before(earliest) {
		conn.rspTimer.arm(earliest.Add(params.AddSchedTime))
		conn.writeListMutex.Unlock()
		return
	}
	conn.writeListMutex.Unlock()
	conn.setTMActive(true)
	conn.makeReadActive()
}

// checkTaskMgmtDataWaitTimeouts releases aborted requests whose grace
// period ran out and closes the connection on a plain timeout.
func (conn *Connection) checkTaskMgmtDataWaitTimeouts() {
	params := conn.driver.params
	now := time.Now()
	var expiredAborted []*Command
	timedOut := false
	abortedPending := false
	var earliest time.Time
	haveEarliest := false

	conn.writeListMutex.Lock()
	for cell := conn.writeTimeoutList.front(); cell != nil; cell = cell.next {
		req := cell.value
		deadline := conn.requestDeadline(req)
		if !now.Before(deadline) {
			if !req.Aborted() {
				timedOut = true
			} else if req.tryGet() {
				expiredAborted = append(expiredAborted, req)
			}
			continue
		}
		if req.Aborted() {
			abortedPending = true
		}
		if !haveEarliest || deadline.Before(earliest) {
			earliest = deadline
			haveEarliest = true
		}
	}
	conn.writeListMutex.Unlock()

	for _, req := range expiredAborted {
		conn.releaseForced(req, ReasonTaskAborted)
		req.Put()
	}
	if timedOut && !conn.closing.Load() {
		logger.GetLogger().Errorf("connection %s: timeout sending data/waiting for reply", conn.id)
		conn.markClosing(false)
	}
	if haveEarliest {
		conn.rspTimer.arm(earliest.Add(params.AddSchedTime))
	}
	if !abortedPending {
		conn.setTMActive(false)
	}
}
