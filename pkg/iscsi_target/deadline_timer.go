// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"sync"
	"time"
)

// deadlineTimer is a single-shot timer that can be moved while pending.
// A callback scheduled before the last arm or cancel never runs.
type deadlineTimer struct {
	mutex      sync.Mutex
	timer      *time.Timer
	expires    time.Time
	armed      bool
	generation uint64
	callback   func()
}

func newDeadlineTimer(callback func()) *deadlineTimer {
	return &deadlineTimer{callback: callback}
}

// arm schedules the callback at deadline, replacing any pending schedule.
func (deadline *deadlineTimer) arm(at time.Time) {
	deadline.mutex.Lock()
	defer deadline.mutex.Unlock()
	deadline.armLocked(at)
}

func (deadline *deadlineTimer) armLocked(at time.Time) {
	if deadline.timer != nil {
		deadline.timer.Stop()
	}
	deadline.generation += 1
	generation := deadline.generation
	deadline.expires = at
	deadline.armed = true
	deadline.timer = time.AfterFunc(time.Until(at), func() { deadline.fire(generation) })
}

// armIfEarlier arms the timer when it is idle or due after at.
func (deadline *deadlineTimer) armIfEarlier(at time.Time) {
	deadline.mutex.Lock()
	defer deadline.mutex.Unlock()
	if !deadline.armed || deadline.expires.After(at) {
		deadline.armLocked(at)
	}
}

func (deadline *deadlineTimer) cancel() bool {
	deadline.mutex.Lock()
	defer deadline.mutex.Unlock()
	wasArmed := deadline.armed
	deadline.armed = false
	deadline.generation += 1
	if deadline.timer != nil {
		deadline.timer.Stop()
		deadline.timer = nil
	}
	return wasArmed
}

func (deadline *deadlineTimer) pending() bool {
	deadline.mutex.Lock()
	defer deadline.mutex.Unlock()
	return deadline.armed
}

func (deadline *deadlineTimer) expiresAt() time.Time {
	deadline.mutex.Lock()
	defer deadline.mutex.Unlock()
	return deadline.expires
}

func (deadline *deadlineTimer) fire(generation uint64) {
	deadline.mutex.Lock()
	if generation != deadline.generation || !deadline.armed {
		deadline.mutex.Unlock()
		return
	}
	deadline.armed = false
	deadline.mutex.Unlock()
	deadline.callback()
}
