// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

// RxStatus is the outcome of header processing by the backend.
type RxStatus int

const (
	RxDone RxStatus = iota
	// RxNeedsRetry means the backend keeps the command busy and calls
	// Command.BackendReady once receive may continue.
	RxNeedsRetry
	// RxFatal closes the connection.
	RxFatal
)

func (status RxStatus) String() string {
	switch status {
	case RxDone:
		return "done"
	case RxNeedsRetry:
		return "needs retry"
	case RxFatal:
		return "fatal"
	}
	return "invalid"
}

// Backend executes commands on behalf of the engine. RxStart, RxContinue
// and RxEnd run on receive workers, TxStart and TxEnd on transmit workers.
type Backend interface {
	AllocCommand(conn *Connection, parent *Command) *Command
	RxStart(cmnd *Command) RxStatus
	RxContinue(cmnd *Command) RxStatus
	// RxEnd takes over the reference of a fully received command.
	RxEnd(cmnd *Command)
	TxStart(rsp *Command)
	TxEnd(rsp *Command)
	// ReleaseForced is told about a request the engine abandons. The
	// engine drops its own reference afterwards.
	ReleaseForced(cmnd *Command, reason ReleaseReason)
	// NexusLoss must eventually be answered with
	// Connection.TaskMgmtAffectedCmdsDone.
	NexusLoss(conn *Connection)
}

// Notifier learns about connections leaving the engine.
type Notifier interface {
	ConnectionClosed(targetId int, sessionId uint64, cid uint16)
}

type NotifierFunc func(targetId int, sessionId uint64, cid uint16)

func (notifier NotifierFunc) ConnectionClosed(targetId int, sessionId uint64, cid uint16) {
	notifier(targetId, sessionId, cid)
}
