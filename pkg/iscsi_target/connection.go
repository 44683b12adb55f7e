// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
)

// ConnectionParams are the values negotiated during login.
type ConnectionParams struct {
	CID                      uint16
	HeaderDigest             bool
	DataDigest               bool
	MaxRecvDataSegmentLength uint32
	MaxXmitDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	InitialR2T               bool
	ImmediateData            bool
	// StatSN of the first full feature phase response.
	StatSN uint32
}

// Connection is one TCP stream of a session in full feature phase.
type Connection struct {
	id        uuid.UUID
	cid       uint16
	session   *Session
	driver    *Driver
	transport Transport
	params    ConnectionParams
	hdigest   bool
	ddigest   bool
	createdAt time.Time

	refCount    atomic.Int32
	closing     atomic.Bool
	activeClose atomic.Bool
	deleting    atomic.Bool
	closeOnce   sync.Once

	// owned by the receive unit
	rxState      rxState
	readCmnd     *Command
	readBuffer   []byte
	readSize     int
	readOffset   int
	rxDigest     [DigestSize]byte
	rxPadding    [PadSize]byte
	pdusReceived atomic.Uint64

	// owned by the transmit unit
	txState     txState
	writeCmnd   *Command
	writeHeader []byte
	writeSize   int
	writeTotal  int
	writeTail   []byte
	statSN      uint32
	pdusSent    atomic.Uint64

	// writeListMutex guards writeList and the write timeout list. It is
	// inner to the receive pool mutex.
	writeListMutex   sync.Mutex
	writeList        linkedList[*Command]
	writeTimeoutList linkedList[*Command]
	rspTimer         *deadlineTimer

	// guarded by the receive pool mutex
	tmActive bool
	rdSched  schedEntry
	// guarded by the transmit pool mutex
	wrSched schedEntry

	cmdListMutex  sync.Mutex
	cmdList       linkedList[*Command]
	keepAliveList linkedList[*Command]
	nopInTimer    *time.Timer
	nopInStopped  bool
	nextTTT       uint32

	readyToFree     chan struct{}
	readyToFreeOnce sync.Once
	// closed is closed once the connection left the engine
	closed chan struct{}
}

func newConnection(driver *Driver, session *Session, transport Transport, params ConnectionParams) *Connection {
	conn := &Connection{
		id:          uuid.NewV4(),
		cid:         params.CID,
		session:     session,
		driver:      driver,
		transport:   transport,
		params:      params,
		hdigest:     params.HeaderDigest,
		ddigest:     params.DataDigest,
		statSN:      params.StatSN,
		createdAt:   time.Now(),
		readyToFree: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	conn.rspTimer = newDeadlineTimer(conn.rspTimerExpired)
	return conn
}

// start hands a registered connection to the worker pools.
func (conn *Connection) start() {
	conn.transport.SetCallbacks(conn.callbacks())
	conn.startNopIn()
	conn.makeReadActive()
}

// Done is closed after the connection was freed.
func (conn *Connection) Done() <-chan struct{} {
	return conn.closed
}

func (conn *Connection) ID() uuid.UUID {
	return conn.id
}

func (conn *Connection) CID() uint16 {
	return conn.cid
}

func (conn *Connection) Session() *Session {
	return conn.session
}

func (conn *Connection) Params() ConnectionParams {
	return conn.params
}

func (conn *Connection) RemoteAddr() string {
	return conn.transport.RemoteAddr()
}

func (conn *Connection) LocalAddr() string {
	return conn.transport.LocalAddr()
}

func (conn *Connection) Closing() bool {
	return conn.closing.Load()
}

func (conn *Connection) backend() Backend {
	return conn.driver.backend
}

func (conn *Connection) Get() {
	conn.refCount.Add(1)
}

func (conn *Connection) Put() {
	references := conn.refCount.Add(-1)
	bugOn(references < 0, "connection %s reference count dropped below zero", conn.id)
}

func (conn *Connection) schedEntry(kind poolKind) *schedEntry {
	if kind == readPool {
		return &conn.rdSched
	}
	return &conn.wrSched
}

func (conn *Connection) callbacks() TransportCallbacks {
	return TransportCallbacks{
		DataReady:   conn.makeReadActive,
		WriteSpace:  conn.writeSpaceReady,
		StateChange: conn.makeReadActive,
	}
}

func (conn *Connection) makeReadActive() {
	conn.driver.readPool.makeActive(conn)
}

func (conn *Connection) makeWriteActive() {
	conn.driver.writePool.makeActive(conn)
}

func (conn *Connection) writeSpaceReady() {
	conn.driver.writePool.spaceReady(conn)
}

// Close starts closing the connection. An active close is initiated by the
// target, a passive one follows the initiator going away.
func (conn *Connection) Close(active bool) {
	conn.markClosing(active)
}

// CloseForDelete closes the connection with the short timeouts used when
// its session is being deleted.
func (conn *Connection) CloseForDelete() {
	conn.deleting.Store(true)
	conn.markClosing(true)
}

func (conn *Connection) markClosing(active bool) {
	if active {
		conn.activeClose.Store(true)
	}
	if conn.closing.Swap(true) {
		return
	}
	logger.GetLogger().Infof("closing connection %s (cid %d, active %v)", conn.id, conn.cid, active)
	conn.makeReadActive()
}

func (conn *Connection) linkCommand(cmnd *Command) {
	conn.cmdListMutex.Lock()
	cmnd.cmdListCell = conn.cmdList.addRear(cmnd)
	conn.cmdListMutex.Unlock()
}

func (conn *Connection) unlinkCommand(cmnd *Command) {
	conn.cmdListMutex.Lock()
	defer conn.cmdListMutex.Unlock()
	if cmnd.cmdListCell != nil {
		_, err := conn.cmdList.removeByPointer(cmnd.cmdListCell)
		bugOn(err != nil, "unlinking command: %v", err)
		cmnd.cmdListCell = nil
	}
	bugOn(cmnd.keepAliveCell != nil, "freeing an outstanding keep-alive request")
}

// QueueResponse appends a response to the transmit FIFO. The engine takes
// over the caller's reference.
func (conn *Connection) QueueResponse(rsp *Command) {
	conn.writeListMutex.Lock()
	conn.writeList.addRear(rsp)
	conn.writeListMutex.Unlock()
	conn.makeWriteActive()
}

// NewResponse allocates a response to req.
func (conn *Connection) NewResponse(req *Command) *Command {
	return NewCommand(conn, req)
}

func (conn *Connection) popWriteList() *Command {
	conn.writeListMutex.Lock()
	defer conn.writeListMutex.Unlock()
	if conn.writeList.empty() {
		return nil
	}
	rsp, _ := conn.writeList.removeFront()
	return rsp
}

func (conn *Connection) writeListEmpty() bool {
	conn.writeListMutex.Lock()
	defer conn.writeListMutex.Unlock()
	return conn.writeList.empty()
}

// dropResponsesOf removes queued responses of req from the transmit FIFO.
func (conn *Connection) dropResponsesOf(req *Command) {
	var dropped []*Command
	conn.writeListMutex.Lock()
	for cell := conn.writeList.front(); cell != nil; {
		next := cell.next
		if cell.value.parent == req {
			conn.writeList.removeByPointer(cell)
			dropped = append(dropped, cell.value)
		}
		cell = next
	}
	conn.writeListMutex.Unlock()
	for _, rsp := range dropped {
		rsp.Put()
	}
}

// releaseForced abandons req outside the normal completion path. The
// caller keeps its own reference and drops it afterwards.
func (conn *Connection) releaseForced(req *Command, reason ReleaseReason) {
	logger.GetLogger().Debugf("forced release of ITT %x on %s: %s", req.ITT(), conn.id, reason)
	req.prelimComplete()
	conn.delFromWriteTimeoutList(req)
	conn.dropResponsesOf(req)
	conn.backend().ReleaseForced(req, reason)
}

// dataDigestFailed completes the governing command with a CRC error check
// condition. The connection stays open.
func (conn *Connection) dataDigestFailed(cmnd *Command, err error) {
	log := logger.GetLogger()
	log.Warningf("connection %s: %v", conn.id, err)
	switch cmnd.Opcode() {
	case OpSCSICmd:
		cmnd.SetCheckCondition(scsi.AbortedCommand, scsi.AscProtocolServiceCRCError)
	case OpSCSIOut:
		if cmnd.parent != nil {
			cmnd.parent.SetCheckCondition(scsi.AbortedCommand, scsi.AscProtocolServiceCRCError)
		}
	}
	cmnd.prelimComplete()
}

// abortCommand marks req aborted. Its write timeout shrinks to the data
// wait grace period.
func (conn *Connection) abortCommand(req *Command) {
	if req.aborted.Swap(true) {
		return
	}
	params := conn.driver.params
	listed := false
	conn.writeListMutex.Lock()
	if req.writeTimeoutCell != nil {
		listed = true
		conn.rspTimer.armIfEarlier(time.Now().Add(params.TMDataWaitTimeout + params.AddSchedTime))
	}
	conn.writeListMutex.Unlock()
	if listed {
		conn.setTMActive(true)
	}
}

// abortConnection stops timeout activity and aborts every live request.
func (conn *Connection) abortConnection() {
	conn.rspTimer.cancel()
	conn.stopNopIn()
	conn.cmdListMutex.Lock()
	for cell := conn.cmdList.front(); cell != nil; cell = cell.next {
		cell.value.aborted.Store(true)
	}
	conn.cmdListMutex.Unlock()
}

func (conn *Connection) setTMActive(active bool) {
	pool := conn.driver.readPool
	pool.mutex.Lock()
	conn.tmActive = active
	pool.mutex.Unlock()
}

func (conn *Connection) isTMActive() bool {
	pool := conn.driver.readPool
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	return conn.tmActive
}

// TaskMgmtAffectedCmdsDone is called by the backend once every command
// affected by a nexus loss has drained.
func (conn *Connection) TaskMgmtAffectedCmdsDone() {
	conn.readyToFreeOnce.Do(func() { close(conn.readyToFree) })
}

// ConnectionInfo is a snapshot of a connection for the management API.
type ConnectionInfo struct {
	ID            string `json:"id"`
	CID           uint16 `json:"cid"`
	RemoteAddr    string `json:"remote_addr"`
	LocalAddr     string `json:"local_addr"`
	HeaderDigest  bool   `json:"header_digest"`
	DataDigest    bool   `json:"data_digest"`
	Closing       bool   `json:"closing"`
	References    int32  `json:"references"`
	PdusReceived  uint64 `json:"pdus_received"`
	PdusSent      uint64 `json:"pdus_sent"`
	ConnectedTime string `json:"connected_time"`
}

func (conn *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:            conn.id.String(),
		CID:           conn.cid,
		RemoteAddr:    conn.transport.RemoteAddr(),
		LocalAddr:     conn.transport.LocalAddr(),
		HeaderDigest:  conn.hdigest,
		DataDigest:    conn.ddigest,
		Closing:       conn.closing.Load(),
		References:    conn.refCount.Load(),
		PdusReceived:  conn.pdusReceived.Load(),
		PdusSent:      conn.pdusSent.Load(),
		ConnectedTime: time.Since(conn.createdAt).Round(time.Second).String(),
	}
}
