// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func receiveAll(t *testing.T, params ConnectionParams, stream []byte, byteByByte bool, count int) []received {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	if byteByByte {
		for index := range stream {
			transport.feed(stream[index : index+1])
		}
	} else {
		transport.feed(stream)
	}
	require.Eventually(t, func() bool { return backend.receivedCount() == count }, eventually, tick)
	return backend.receivedCommands()
}

func TestReceiveSplitStream(t *testing.T) {
	stream := encodeAll(
		nopOut(1, 1, "hello"),
		nopOut(2, 2, ""),
		nopOut(3, 3, "thirteen byte"),
		nopOut(4, 4, "four"),
	)
	expected := []received{
		{CID: 1, Opcode: OpNoopOut, ITT: 1, CmdSN: 1, Data: "hello"},
		{CID: 1, Opcode: OpNoopOut, ITT: 2, CmdSN: 2, Data: ""},
		{CID: 1, Opcode: OpNoopOut, ITT: 3, CmdSN: 3, Data: "thirteen byte"},
		{CID: 1, Opcode: OpNoopOut, ITT: 4, CmdSN: 4, Data: "four"},
	}
	whole := receiveAll(t, testConnectionParams(1), stream, false, len(expected))
	if diff := pretty.Compare(expected, whole); diff != "" {
		t.Fatalf("whole stream: diff (-want +got)\n%s", diff)
	}
	split := receiveAll(t, testConnectionParams(1), stream, true, len(expected))
	if diff := pretty.Compare(whole, split); diff != "" {
		t.Fatalf("byte by byte differs from whole stream: diff (-whole +split)\n%s", diff)
	}
}

func TestReceiveSplitStreamWithDigests(t *testing.T) {
	params := testConnectionParams(1)
	params.HeaderDigest = true
	params.DataDigest = true
	var stream []byte
	for _, pdu := range []testPDU{
		nopOut(1, 1, "hello"),
		nopOut(2, 2, ""),
		nopOut(3, 3, "thirteen byte"),
	} {
		stream = append(stream, pdu.encode(true, true)...)
	}
	expected := []received{
		{CID: 1, Opcode: OpNoopOut, ITT: 1, CmdSN: 1, Data: "hello"},
		{CID: 1, Opcode: OpNoopOut, ITT: 2, CmdSN: 2, Data: ""},
		{CID: 1, Opcode: OpNoopOut, ITT: 3, CmdSN: 3, Data: "thirteen byte"},
	}
	whole := receiveAll(t, params, stream, false, len(expected))
	if diff := pretty.Compare(expected, whole); diff != "" {
		t.Fatalf("whole stream: diff (-want +got)\n%s", diff)
	}
	split := receiveAll(t, params, stream, true, len(expected))
	if diff := pretty.Compare(whole, split); diff != "" {
		t.Fatalf("byte by byte differs from whole stream: diff (-whole +split)\n%s", diff)
	}
}

func TestReceiveShortReads(t *testing.T) {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	transport.recvChunk = 3
	conn := attach(t, driver, transport, 0x1, 1, testConnectionParams(1))
	conn.start()
	transport.feed(encodeAll(nopOut(1, 1, "thirteen byte"), nopOut(2, 2, "x")))
	require.Eventually(t, func() bool { return backend.receivedCount() == 2 }, eventually, tick)
	commands := backend.receivedCommands()
	require.Equal(t, "thirteen byte", commands[0].Data)
	require.Equal(t, "x", commands[1].Data)
	require.Equal(t, uint64(2), conn.pdusReceived.Load())
	require.False(t, conn.Closing())
}

func TestReceiveOrdersByCmdSN(t *testing.T) {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 5, testConnectionParams(1))
	conn.start()

	transport.feed(encodeAll(nopOut(16, 6, "")))
	require.Eventually(t, func() bool { return conn.session.pendingCount() == 1 }, eventually, tick)
	require.Equal(t, 0, backend.receivedCount())

	immediate := nopOut(20, 5, "")
	immediate.immediate = true
	transport.feed(encodeAll(immediate))
	require.Eventually(t, func() bool { return backend.receivedCount() == 1 }, eventually, tick)
	require.Equal(t, uint32(5), conn.session.ExpCmdSN())

	transport.feed(encodeAll(nopOut(15, 5, ""), nopOut(17, 7, "")))
	require.Eventually(t, func() bool { return backend.receivedCount() == 4 }, eventually, tick)
	var order []uint32
	for _, command := range backend.receivedCommands() {
		order = append(order, command.ITT)
	}
	require.Equal(t, []uint32{20, 15, 16, 17}, order)
	require.Equal(t, uint32(8), conn.session.ExpCmdSN())
	require.Equal(t, 0, conn.session.pendingCount())
}

func TestReceiveDropsStaleCmdSN(t *testing.T) {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 10, testConnectionParams(1))
	conn.start()
	transport.feed(encodeAll(nopOut(1, 9, ""), nopOut(2, 10, "")))
	require.Eventually(t, func() bool { return backend.receivedCount() == 1 }, eventually, tick)
	require.Equal(t, []released{{CmdSN: 9, Reason: ReasonStaleCmdSN}}, backend.releasedCommands())
	require.Equal(t, uint32(2), backend.receivedCommands()[0].ITT)
}

func TestReceiveDataDigestFailureKeepsConnection(t *testing.T) {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	params := testConnectionParams(1)
	params.DataDigest = true
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()

	corrupted := nopOut(1, 1, "ping").encode(false, true)
	corrupted[len(corrupted)-1] ^= 0xff
	transport.feed(corrupted)
	transport.feed(nopOut(2, 2, "pong").encode(false, true))
	require.Eventually(t, func() bool { return backend.receivedCount() == 2 }, eventually, tick)

	expected := []received{
		{CID: 1, Opcode: OpNoopOut, ITT: 1, CmdSN: 1, Data: "ping", PrelimCompleted: true},
		{CID: 1, Opcode: OpNoopOut, ITT: 2, CmdSN: 2, Data: "pong"},
	}
	if diff := pretty.Compare(expected, backend.receivedCommands()); diff != "" {
		t.Fatalf("diff (-want +got)\n%s", diff)
	}
	require.False(t, conn.Closing())
}

func TestReceiveHeaderDigestFailureClosesConnection(t *testing.T) {
	backend := &recordingBackend{}
	notifier := newCloseRecorder()
	driver := newTestDriver(t, testEngineParams(), backend, notifier)
	driver.Start()
	transport := newPipeTransport(-1)
	params := testConnectionParams(3)
	params.HeaderDigest = true
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()

	corrupted := nopOut(1, 1, "").encode(true, false)
	corrupted[BasicHeaderSegmentSize] ^= 0xff
	transport.feed(corrupted)

	closed := notifier.wait(t)
	require.Equal(t, uint16(3), closed.cid)
	require.Equal(t, 0, backend.receivedCount())
	require.True(t, transport.isClosed())
	require.Equal(t, []ShutdownHow{ShutdownBoth}, transport.shutdownModes())
}

func TestReceiveOversizedSegmentClosesConnection(t *testing.T) {
	backend := &recordingBackend{}
	notifier := newCloseRecorder()
	driver := newTestDriver(t, testEngineParams(), backend, notifier)
	driver.Start()
	transport := newPipeTransport(-1)
	params := testConnectionParams(1)
	params.MaxRecvDataSegmentLength = 8
	conn := attach(t, driver, transport, 0x1, 1, params)
	conn.start()
	transport.feed(encodeAll(nopOut(1, 1, "nine byte")))
	notifier.wait(t)
	require.Equal(t, 0, backend.receivedCount())
}

// retryBackend answers RxNeedsRetry until its retries run out. A busy
// backend also marks the command, so only BackendReady resumes it.
type retryBackend struct {
	recordingBackend
	retries   int
	busy      bool
	starts    int
	continues int
}

func (backend *retryBackend) retry(cmnd *Command) RxStatus {
	if backend.retries == 0 {
		return RxDone
	}
	backend.retries -= 1
	if backend.busy {
		cmnd.MarkBackendBusy()
	}
	return RxNeedsRetry
}

func (backend *retryBackend) RxStart(cmnd *Command) RxStatus {
	backend.starts += 1
	return backend.retry(cmnd)
}

func (backend *retryBackend) RxContinue(cmnd *Command) RxStatus {
	backend.continues += 1
	return backend.retry(cmnd)
}

// newUnscheduledConnection attaches a connection whose receive units the
// test runs itself.
func newUnscheduledConnection(t *testing.T, backend Backend) (*Connection, *pipeTransport) {
	t.Helper()
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 1, testConnectionParams(1))
	return conn, transport
}

func TestReceiveRetryYieldsTheWorker(t *testing.T) {
	backend := &retryBackend{retries: 3}
	conn, transport := newUnscheduledConnection(t, backend)
	transport.feed(encodeAll(nopOut(1, 1, "x")))

	require.Equal(t, unitMore, conn.processReadIO())
	require.Equal(t, 1, backend.starts)
	require.Equal(t, 0, backend.continues)
	for continues := 1; continues <= 2; continues++ {
		require.Equal(t, unitMore, conn.processReadIO())
		require.Equal(t, continues, backend.continues)
		require.Equal(t, 0, backend.receivedCount())
	}
	require.Equal(t, unitMore, conn.processReadIO())
	require.Equal(t, 3, backend.continues)
	require.Equal(t, []received{{CID: 1, Opcode: OpNoopOut, ITT: 1, CmdSN: 1, Data: "x"}}, backend.receivedCommands())
	require.Equal(t, unitIdle, conn.processReadIO())
}

func TestReceiveBusyBackendWaitsForReady(t *testing.T) {
	backend := &retryBackend{retries: 1, busy: true}
	conn, transport := newUnscheduledConnection(t, backend)
	transport.feed(encodeAll(nopOut(1, 1, "")))

	require.Equal(t, unitIdle, conn.processReadIO())
	cmnd := conn.readCmnd
	require.True(t, cmnd.BackendBusy())
	require.Equal(t, unitIdle, conn.processReadIO())
	require.Equal(t, 0, backend.continues)

	cmnd.BackendReady()
	require.Equal(t, schedInList, conn.driver.readPool.state(conn))
	require.Equal(t, unitMore, conn.processReadIO())
	require.Equal(t, 1, backend.continues)
	require.Equal(t, 1, backend.receivedCount())
}

func TestReceiveDropsCmdSNBeyondWindow(t *testing.T) {
	backend := &recordingBackend{}
	driver := newTestDriver(t, testEngineParams(), backend, nil)
	driver.Start()
	transport := newPipeTransport(-1)
	conn := attach(t, driver, transport, 0x1, 1, testConnectionParams(1))
	conn.start()
	session := conn.session
	require.Equal(t, uint32(32), session.MaxCmdSN())

	transport.feed(encodeAll(nopOut(1, 33, ""), nopOut(2, 32, ""), nopOut(3, 1, "")))
	require.Eventually(t, func() bool { return backend.receivedCount() == 1 }, eventually, tick)
	require.Equal(t, []released{{CmdSN: 33, Reason: ReasonCmdSNOutOfWindow}}, backend.releasedCommands())
	require.Equal(t, 1, session.pendingCount())
	require.Equal(t, uint32(2), session.ExpCmdSN())
	require.Equal(t, uint32(33), session.MaxCmdSN())
	require.Equal(t, "CmdSN beyond MaxCmdSN", ReasonCmdSNOutOfWindow.String())
}
