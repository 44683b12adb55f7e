// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type poolKind int

const (
	readPool poolKind = iota
	writePool
)

func (kind poolKind) String() string {
	if kind == readPool {
		return "rd"
	}
	return "wr"
}

type schedState int

const (
	schedIdle schedState = iota
	schedInList
	schedProcessing
	schedSpaceWait
	// schedClosed is terminal for the receive side, the close
	// orchestrator owns the connection from there on.
	schedClosed
)

func (state schedState) String() string {
	switch state {
	case schedIdle:
		return "idle"
	case schedInList:
		return "in list"
	case schedProcessing:
		return "processing"
	case schedSpaceWait:
		return "space wait"
	case schedClosed:
		return "closed"
	}
	return "invalid"
}

// schedEntry is the per-pool scheduling state of a connection. It is
// guarded by the pool mutex.
type schedEntry struct {
	state schedState
	ready bool
	cell  *linkedListCell[*Connection]
}

type unitResult int

const (
	// unitIdle means the unit suspended with nothing to do right now.
	unitIdle unitResult = iota
	// unitMore means more work is immediately available.
	unitMore
	// unitBlocked means the transport has no room for more bytes.
	unitBlocked
	// unitClosed means the connection is closing.
	unitClosed
)

type unitFunc func(conn *Connection) unitResult

// ThreadPool runs one bounded unit of FSM work per ready connection on a
// fixed set of OS-thread-bound workers. Connections are served in FIFO
// order and go back to the tail after each unit.
type ThreadPool struct {
	kind      poolKind
	workers   int
	cpus      []int
	unit      unitFunc
	mutex     sync.Mutex
	cond      *sync.Cond
	readyList linkedList[*Connection]
	stopping  bool
	started   bool
	group     errgroup.Group
}

func NewThreadPool(kind poolKind, workers int, cpus []int, unit unitFunc) *ThreadPool {
	pool := &ThreadPool{kind: kind, workers: workers, cpus: cpus, unit: unit}
	pool.cond = sync.NewCond(&pool.mutex)
	return pool
}

func (pool *ThreadPool) Start() {
	pool.mutex.Lock()
	bugOn(pool.started, "%s pool started twice", pool.kind)
	pool.started = true
	pool.mutex.Unlock()
	for i := 0; i < pool.workers; i += 1 {
		index := i
		pool.group.Go(func() error {
			return pool.worker(index)
		})
	}
}

// Stop waits for the workers. Connections must be detached first.
func (pool *ThreadPool) Stop() error {
	pool.mutex.Lock()
	bugOn(!pool.readyList.empty(), "%s pool stopped with %d ready connections",
		pool.kind, pool.readyList.len())
	pool.stopping = true
	pool.cond.Broadcast()
	pool.mutex.Unlock()
	return pool.group.Wait()
}

func (pool *ThreadPool) pinThread() error {
	runtime.LockOSThread()
	if len(pool.cpus) == 0 {
		return nil
	}
	var mask unix.CPUSet
	for _, cpu := range pool.cpus {
		mask.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return errors.Wrapf(err, "pinning %s worker to cpus %v", pool.kind, pool.cpus)
	}
	return nil
}

func (pool *ThreadPool) worker(index int) error {
	log := logger.GetLogger()
	if err := pool.pinThread(); err != nil {
		log.Warning(err)
	}
	defer runtime.UnlockOSThread()
	log.Debugf("%s worker %d started", pool.kind, index)

	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	for {
		for pool.readyList.empty() && !pool.stopping {
			pool.cond.Wait()
		}
		if pool.readyList.empty() && pool.stopping {
			log.Debugf("%s worker %d stopped", pool.kind, index)
			return nil
		}
		conn, _ := pool.readyList.removeFront()
		entry := conn.schedEntry(pool.kind)
		bugOn(entry.state != schedInList, "%s pool popped connection %s in state %s",
			pool.kind, conn.id, entry.state)
		entry.cell = nil
		entry.state = schedProcessing
		entry.ready = false

		pool.mutex.Unlock()
		result := pool.unit(conn)
		pool.mutex.Lock()

		if pool.kind == readPool {
			pool.afterReadUnit(conn, entry, result)
		} else {
			pool.afterWriteUnit(conn, entry, result)
		}
	}
}

// afterReadUnit runs with the pool mutex held.
func (pool *ThreadPool) afterReadUnit(conn *Connection, entry *schedEntry, result unitResult) {
	if result == unitClosed {
		entry.state = schedClosed
		entry.ready = false
		return
	}
	if conn.tmActive {
		pool.mutex.Unlock()
		conn.checkTaskMgmtDataWaitTimeouts()
		pool.mutex.Lock()
	}
	if result == unitMore || entry.ready {
		pool.enqueueLocked(conn, entry)
	} else {
		entry.state = schedIdle
	}
}

// afterWriteUnit runs with the pool mutex held.
func (pool *ThreadPool) afterWriteUnit(conn *Connection, entry *schedEntry, result unitResult) {
	switch {
	case entry.ready:
		pool.enqueueLocked(conn, entry)
	case result == unitBlocked:
		entry.state = schedSpaceWait
	case result == unitMore:
		pool.enqueueLocked(conn, entry)
	default:
		entry.state = schedIdle
	}
}

func (pool *ThreadPool) enqueueLocked(conn *Connection, entry *schedEntry) {
	bugOn(entry.cell != nil, "connection %s is already in the %s ready list", conn.id, pool.kind)
	entry.state = schedInList
	entry.ready = false
	entry.cell = pool.readyList.addRear(conn)
	pool.cond.Signal()
}

// makeActive queues an idle connection, or records readiness for one that
// is being processed.
func (pool *ThreadPool) makeActive(conn *Connection) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	entry := conn.schedEntry(pool.kind)
	switch entry.state {
	case schedIdle:
		pool.enqueueLocked(conn, entry)
	case schedProcessing:
		entry.ready = true
	}
}

// spaceReady wakes a connection waiting for transport space.
func (pool *ThreadPool) spaceReady(conn *Connection) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	entry := conn.schedEntry(pool.kind)
	switch entry.state {
	case schedSpaceWait:
		pool.enqueueLocked(conn, entry)
	case schedProcessing:
		entry.ready = true
	}
}

// detach drops a connection from the ready list. The close orchestrator
// calls it once the connection can no longer be scheduled.
func (pool *ThreadPool) detach(conn *Connection) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	entry := conn.schedEntry(pool.kind)
	if entry.cell != nil {
		_, err := pool.readyList.removeByPointer(entry.cell)
		bugOn(err != nil, "detaching %s from the %s ready list: %v", conn.id, pool.kind, err)
		entry.cell = nil
	}
	entry.state = schedClosed
	entry.ready = false
}

func (pool *ThreadPool) state(conn *Connection) schedState {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return conn.schedEntry(pool.kind).state
}
