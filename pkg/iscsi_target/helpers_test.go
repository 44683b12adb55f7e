// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"iscsitarget/pkg/scsi"
	"sync"
	"testing"
	"time"

	"github.com/someonegg/gocontainer/rbuf"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// pipeTransport is an in-memory transport. The test plays the initiator by
// feeding bytes in and granting send space.
type pipeTransport struct {
	mutex      sync.Mutex
	input      rbuf.RingBuf
	eof        bool
	output     bytes.Buffer
	recvChunk  int
	sendBudget int
	sendShut   bool
	closed     bool
	shutdowns  []ShutdownHow
	shutTimes  []time.Time
	callbacks  TransportCallbacks
}

// newPipeTransport accepts every byte sent unless budget is not negative.
func newPipeTransport(budget int) *pipeTransport {
	return &pipeTransport{sendBudget: budget}
}

func (pipe *pipeTransport) feed(data []byte) {
	pipe.mutex.Lock()
	pipe.input.Write(data)
	callback := pipe.callbacks.DataReady
	pipe.mutex.Unlock()
	if callback != nil {
		callback()
	}
}

// hangUp is the initiator closing its side of the stream.
func (pipe *pipeTransport) hangUp() {
	pipe.mutex.Lock()
	pipe.eof = true
	callback := pipe.callbacks.StateChange
	pipe.mutex.Unlock()
	if callback != nil {
		callback()
	}
}

func (pipe *pipeTransport) grant(count int) {
	pipe.mutex.Lock()
	pipe.sendBudget += count
	callback := pipe.callbacks.WriteSpace
	pipe.mutex.Unlock()
	if callback != nil {
		callback()
	}
}

func (pipe *pipeTransport) sent() []byte {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	return append([]byte(nil), pipe.output.Bytes()...)
}

func (pipe *pipeTransport) sentLen() int {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	return pipe.output.Len()
}

func (pipe *pipeTransport) shutdownModes() []ShutdownHow {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	return append([]ShutdownHow(nil), pipe.shutdowns...)
}

// shutdownTime is when the first shutdown of the given kind happened.
func (pipe *pipeTransport) shutdownTime(how ShutdownHow) (time.Time, bool) {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	for index, mode := range pipe.shutdowns {
		if mode == how {
			return pipe.shutTimes[index], true
		}
	}
	return time.Time{}, false
}

func (pipe *pipeTransport) isClosed() bool {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	return pipe.closed
}

func (pipe *pipeTransport) Recv(buffer []byte) (int, error) {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	if pipe.closed {
		return 0, ErrTransportClosed
	}
	if pipe.input.Len() == 0 {
		if pipe.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	if pipe.recvChunk > 0 && len(buffer) > pipe.recvChunk {
		buffer = buffer[:pipe.recvChunk]
	}
	count, _ := pipe.input.Read(buffer)
	return count, nil
}

func (pipe *pipeTransport) Sendv(iov [][]byte) (int, error) {
	pipe.mutex.Lock()
	defer pipe.mutex.Unlock()
	if pipe.closed {
		return 0, ErrTransportClosed
	}
	if pipe.sendShut {
		return 0, errBrokenPipe
	}
	count := 0
	for _, segment := range iov {
		if pipe.sendBudget >= 0 && len(segment) > pipe.sendBudget {
			segment = segment[:pipe.sendBudget]
		}
		pipe.output.Write(segment)
		count += len(segment)
		if pipe.sendBudget >= 0 {
			pipe.sendBudget -= len(segment)
			if pipe.sendBudget == 0 {
				break
			}
		}
	}
	total := 0
	for _, segment := range iov {
		total += len(segment)
	}
	if count < total {
		return count, ErrWouldBlock
	}
	return count, nil
}

func (pipe *pipeTransport) Shutdown(how ShutdownHow) error {
	pipe.mutex.Lock()
	pipe.shutdowns = append(pipe.shutdowns, how)
	pipe.shutTimes = append(pipe.shutTimes, time.Now())
	if how&ShutdownRecv != 0 || how == ShutdownAbort {
		pipe.eof = true
	}
	if how&ShutdownSend != 0 || how == ShutdownAbort {
		pipe.sendShut = true
	}
	pipe.mutex.Unlock()
	return nil
}

func (pipe *pipeTransport) SetCallbacks(callbacks TransportCallbacks) {
	pipe.mutex.Lock()
	pipe.callbacks = callbacks
	pipe.mutex.Unlock()
}

func (pipe *pipeTransport) ResetCallbacks() {
	pipe.SetCallbacks(TransportCallbacks{})
}

func (pipe *pipeTransport) WantRead() {}

func (pipe *pipeTransport) WantWrite() {}

func (pipe *pipeTransport) WriteIdle() bool {
	return true
}

func (pipe *pipeTransport) RemoteAddr() string {
	return "192.0.2.1:50000"
}

func (pipe *pipeTransport) LocalAddr() string {
	return "192.0.2.2:3260"
}

func (pipe *pipeTransport) Close() error {
	pipe.mutex.Lock()
	pipe.closed = true
	pipe.mutex.Unlock()
	return nil
}

type received struct {
	CID             uint16
	Opcode          OpCode
	ITT             uint32
	CmdSN           uint32
	Data            string
	PrelimCompleted bool
}

type released struct {
	CmdSN  uint32
	Reason ReleaseReason
}

// recordingBackend remembers what the engine delivered. NOP-Outs are
// answered with a NOP-In echo when respond is set, otherwise the backend
// holds them until the nexus is lost.
type recordingBackend struct {
	respond bool

	mutex       sync.Mutex
	received    []received
	released    []released
	held        []*Command
	nexusLosses int
}

func (backend *recordingBackend) AllocCommand(conn *Connection, parent *Command) *Command {
	return NewCommand(conn, parent)
}

func (backend *recordingBackend) RxStart(cmnd *Command) RxStatus {
	return RxDone
}

func (backend *recordingBackend) RxContinue(cmnd *Command) RxStatus {
	return RxDone
}

func (backend *recordingBackend) RxEnd(cmnd *Command) {
	backend.mutex.Lock()
	backend.received = append(backend.received, received{
		CID:             cmnd.conn.cid,
		Opcode:          cmnd.Opcode(),
		ITT:             cmnd.ITT(),
		CmdSN:           cmnd.CmdSN(),
		Data:            string(cmnd.Data()),
		PrelimCompleted: cmnd.PrelimCompleted(),
	})
	if !backend.respond {
		backend.held = append(backend.held, cmnd)
		backend.mutex.Unlock()
		return
	}
	backend.mutex.Unlock()
	rsp := cmnd.conn.NewControlResponse(cmnd, OpNoopIn, cmnd.Data())
	rsp.putUint32(20, ReservedTag)
	cmnd.conn.QueueResponse(rsp)
	cmnd.Put()
}

func (backend *recordingBackend) TxStart(rsp *Command) {
	rsp.conn.stampSequenceNumbers(rsp)
}

func (backend *recordingBackend) TxEnd(rsp *Command) {}

func (backend *recordingBackend) ReleaseForced(cmnd *Command, reason ReleaseReason) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.released = append(backend.released, released{CmdSN: cmnd.CmdSN(), Reason: reason})
}

func (backend *recordingBackend) NexusLoss(conn *Connection) {
	backend.mutex.Lock()
	backend.nexusLosses += 1
	var dropped []*Command
	kept := backend.held[:0]
	for _, cmnd := range backend.held {
		if cmnd.conn == conn {
			dropped = append(dropped, cmnd)
		} else {
			kept = append(kept, cmnd)
		}
	}
	backend.held = kept
	backend.mutex.Unlock()
	for _, cmnd := range dropped {
		cmnd.Put()
	}
	go conn.TaskMgmtAffectedCmdsDone()
}

func (backend *recordingBackend) receivedCommands() []received {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return append([]received(nil), backend.received...)
}

func (backend *recordingBackend) receivedCount() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return len(backend.received)
}

func (backend *recordingBackend) nexusLossCount() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.nexusLosses
}

func (backend *recordingBackend) releasedCommands() []released {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return append([]released(nil), backend.released...)
}

type closedConnection struct {
	targetId  int
	sessionId uint64
	cid       uint16
}

// closeRecorder collects close notifications.
type closeRecorder struct {
	closed chan closedConnection
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{closed: make(chan closedConnection, 16)}
}

func (recorder *closeRecorder) ConnectionClosed(targetId int, sessionId uint64, cid uint16) {
	recorder.closed <- closedConnection{targetId: targetId, sessionId: sessionId, cid: cid}
}

func (recorder *closeRecorder) wait(t *testing.T) closedConnection {
	t.Helper()
	select {
	case closed := <-recorder.closed:
		return closed
	case <-time.After(5 * time.Second):
		t.Fatal("no close notification")
	}
	return closedConnection{}
}

func (recorder *closeRecorder) count() int {
	return len(recorder.closed)
}

const (
	testTargetName    = "iqn.2018-01.com.example:disk"
	testInitiatorName = "iqn.1993-08.org.debian:01:initiator"
)

func testEngineParams() EngineParams {
	return EngineParams{
		ReadWorkers:           2,
		WriteWorkers:          2,
		InlineDigestThreshold: 16 * 1024,
		RspTimeout:            30 * time.Second,
		NopInTimeout:          5 * time.Second,
		TMDataWaitTimeout:     50 * time.Millisecond,
		AddSchedTime:          10 * time.Millisecond,
		MaxConcurrentCloses:   4,
		MaxQueueCommand:       32,
		Close: CloseTimeouts{
			Pending:  50 * time.Millisecond,
			Wait:     200 * time.Millisecond,
			RegShut:  400 * time.Millisecond,
			DelShut:  100 * time.Millisecond,
			Sleep:    5 * time.Millisecond,
			DelSleep: 5 * time.Millisecond,
			IdlePoll: time.Millisecond,
		},
	}
}

// newTestDriver builds a driver with one target and unstarted pools. The
// cleanup starts the pools if needed so that Stop can close every
// connection.
func newTestDriver(t *testing.T, params EngineParams, backend Backend, notifier Notifier) *Driver {
	t.Helper()
	driver := newDriver(params, backend, notifier)
	service := scsi.NewSCSITargetService()
	scsiTarget, err := service.NewSCSITarget(testTargetName)
	require.NoError(t, err)
	_, err = driver.addTarget(scsiTarget)
	require.NoError(t, err)
	t.Cleanup(func() {
		driver.Start()
		require.NoError(t, driver.Stop())
	})
	return driver
}

func testConnectionParams(cid uint16) ConnectionParams {
	return ConnectionParams{
		CID:                      cid,
		MaxRecvDataSegmentLength: 65536,
		MaxXmitDataSegmentLength: 8192,
		MaxBurstLength:           262144,
		FirstBurstLength:         65536,
		InitialR2T:               true,
		ImmediateData:            true,
		StatSN:                   100,
	}
}

func attach(t *testing.T, driver *Driver, transport Transport, isid uint64, cmdSN uint32, params ConnectionParams) *Connection {
	t.Helper()
	conn, err := driver.AttachConnection(transport, SessionParams{
		TargetName: testTargetName,
		Initiator:  testInitiatorName,
		ISID:       isid,
		CmdSN:      cmdSN,
	}, params)
	require.NoError(t, err)
	return conn
}

// testPDU encodes an initiator PDU with a one-segment data payload. For
// SCSI commands ttt carries the expected data transfer length.
type testPDU struct {
	opcode    OpCode
	immediate bool
	flags     byte
	itt       uint32
	ttt       uint32
	cmdSN     uint32
	cdb       []byte
	data      []byte
}

func nopOut(itt, cmdSN uint32, data string) testPDU {
	return testPDU{opcode: OpNoopOut, itt: itt, ttt: ReservedTag, cmdSN: cmdSN, data: []byte(data)}
}

func (pdu testPDU) encode(withHeaderDigest, withDataDigest bool) []byte {
	bhs := make([]byte, BasicHeaderSegmentSize)
	bhs[0] = byte(pdu.opcode)
	if pdu.immediate {
		bhs[0] |= flagImmediate
	}
	bhs[1] = flagFinal | pdu.flags
	length := len(pdu.data)
	bhs[5] = byte(length >> 16)
	bhs[6] = byte(length >> 8)
	bhs[7] = byte(length)
	binary.BigEndian.PutUint32(bhs[16:], pdu.itt)
	binary.BigEndian.PutUint32(bhs[20:], pdu.ttt)
	binary.BigEndian.PutUint32(bhs[24:], pdu.cmdSN)
	copy(bhs[32:], pdu.cdb)
	result := bhs
	var digest [DigestSize]byte
	if withHeaderDigest {
		putDigest(digest[:], headerDigest(bhs, nil))
		result = append(result, digest[:]...)
	}
	if length == 0 {
		return result
	}
	result = append(result, pdu.data...)
	result = append(result, make([]byte, pad4(length))...)
	if withDataDigest {
		putDigest(digest[:], dataDigest([][]byte{pdu.data}, pad4(length)))
		result = append(result, digest[:]...)
	}
	return result
}

func encodeAll(pdus ...testPDU) []byte {
	var result []byte
	for _, pdu := range pdus {
		result = append(result, pdu.encode(false, false)...)
	}
	return result
}

const eventually = 5 * time.Second
const tick = time.Millisecond
