// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"encoding/binary"
	"fmt"
	"iscsitarget/pkg/scsi"
	"strings"
	"sync/atomic"
	"time"
)

type OpCode byte

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management Function Request",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (opCode OpCode) String() string {
	if name, ok := opCodeMap[opCode]; ok {
		return name
	}
	return fmt.Sprintf("opcode 0x%02x", byte(opCode))
}

const (
	BasicHeaderSegmentSize      = 48
	IscsiOpcodeMask        byte = 0x3f
	// ReservedTag marks PDUs that expect no reply.
	ReservedTag uint32 = 0xffffffff
)

const (
	flagImmediate byte = 0x40
	flagFinal     byte = 0x80
	flagRead      byte = 0x40
	flagWrite     byte = 0x20
)

type ReleaseReason int

const (
	ReasonConnectionClosed ReleaseReason = iota
	ReasonTaskAborted
	ReasonStaleCmdSN
	ReasonCmdSNOutOfWindow
)

func (reason ReleaseReason) String() string {
	switch reason {
	case ReasonConnectionClosed:
		return "connection closed"
	case ReasonTaskAborted:
		return "task aborted"
	case ReasonStaleCmdSN:
		return "stale CmdSN"
	case ReasonCmdSNOutOfWindow:
		return "CmdSN beyond MaxCmdSN"
	}
	return "unknown"
}

type ErrDataDigest struct {
	taskTag  uint32
	expected uint32
	received uint32
}

func (err ErrDataDigest) Error() string {
	return fmt.Sprintf(
		"data digest mismatch for ITT %x: computed %08x, received %08x",
		err.taskTag, err.expected, err.received,
	)
}

// Command is one PDU in flight, either a request read from the initiator
// or a response built for it. The last Put frees it.
type Command struct {
	conn     *Connection
	parent   *Command
	refCount atomic.Int32

	bhs     [BasicHeaderSegmentSize]byte
	ahs     []byte
	sg      *ScatterList
	ownData []byte

	hdigest       uint32
	ddigest       uint32
	ddigestBuffer [DigestSize]byte

	// guarded by the session lock
	pending     bool
	pendingCell *linkedListCell[*Command]

	aborted         atomic.Bool
	prelimCompleted atomic.Bool
	backendBusy     atomic.Bool
	ddigestDeferred bool
	keepAlive       bool

	// guarded by conn.cmdListMutex
	cmdListCell   *linkedListCell[*Command]
	keepAliveCell *linkedListCell[*Command]

	// guarded by conn.writeListMutex
	writeTimeoutCell *linkedListCell[*Command]
	writeStart       time.Time

	status byte
	sense  []byte

	private   interface{}
	createdAt time.Time
}

// NewCommand allocates a command holding one reference. It pins the
// connection until freed. Commands without a parent are requests and are
// tracked on the connection command list.
func NewCommand(conn *Connection, parent *Command) *Command {
	cmnd := &Command{conn: conn, createdAt: time.Now()}
	cmnd.refCount.Store(1)
	conn.Get()
	if parent != nil {
		cmnd.parent = parent.Get()
	} else {
		conn.linkCommand(cmnd)
	}
	return cmnd
}

func (cmnd *Command) Get() *Command {
	references := cmnd.refCount.Add(1)
	bugOn(references <= 1, "get on a released command %s", cmnd.Opcode())
	return cmnd
}

// tryGet takes a reference unless the command is already being freed.
func (cmnd *Command) tryGet() bool {
	for {
		references := cmnd.refCount.Load()
		if references <= 0 {
			return false
		}
		if cmnd.refCount.CompareAndSwap(references, references+1) {
			return true
		}
	}
}

func (cmnd *Command) Put() {
	references := cmnd.refCount.Add(-1)
	bugOn(references < 0, "command %s released twice", cmnd.Opcode())
	if references == 0 {
		cmnd.free()
	}
}

func (cmnd *Command) free() {
	conn := cmnd.conn
	bugOn(cmnd.pending, "freeing pending command CmdSN %d", cmnd.CmdSN())
	conn.delFromWriteTimeoutList(cmnd)
	conn.unlinkCommand(cmnd)
	if cmnd.parent != nil {
		cmnd.parent.Put()
		cmnd.parent = nil
	}
	conn.Put()
}

func (cmnd *Command) Connection() *Connection {
	return cmnd.conn
}

func (cmnd *Command) Parent() *Command {
	return cmnd.parent
}

// SetParent makes cmnd a continuation of parent, for example a Data-Out
// PDU of a write command.
func (cmnd *Command) SetParent(parent *Command) {
	bugOn(cmnd.parent != nil, "command %s already has a parent", cmnd.Opcode())
	cmnd.parent = parent.Get()
}

func (cmnd *Command) Private() interface{} {
	return cmnd.private
}

func (cmnd *Command) SetPrivate(private interface{}) {
	cmnd.private = private
}

func (cmnd *Command) ScatterList() *ScatterList {
	return cmnd.sg
}

// SetScatterList gives the engine a buffer for the data segment.
func (cmnd *Command) SetScatterList(scatterList *ScatterList) {
	cmnd.sg = scatterList
}

// attachData points a response at a backend-owned buffer.
func (cmnd *Command) attachData(scatterList *ScatterList) {
	cmnd.ownData = nil
	cmnd.sg = scatterList
	cmnd.setDataLen(scatterList.Len())
}

// SetData attaches an engine-owned data segment to a response.
func (cmnd *Command) SetData(data []byte) {
	cmnd.ownData = data
	cmnd.sg = nil
	cmnd.setDataLen(len(data))
}

// Data returns a copy of the data segment.
func (cmnd *Command) Data() []byte {
	if cmnd.sg != nil {
		return cmnd.sg.Bytes()
	}
	return append([]byte(nil), cmnd.ownData...)
}

func (cmnd *Command) dataSegments(from, size int) [][]byte {
	if cmnd.sg != nil {
		return cmnd.sg.iovecs(from, size)
	}
	end := min(len(cmnd.ownData), from+size)
	if from >= end {
		return nil
	}
	return [][]byte{cmnd.ownData[from:end]}
}

// Basic header segment accessors.

func (cmnd *Command) Opcode() OpCode {
	return OpCode(cmnd.bhs[0] & IscsiOpcodeMask)
}

func (cmnd *Command) Immediate() bool {
	return cmnd.bhs[0]&flagImmediate != 0
}

func (cmnd *Command) Final() bool {
	return cmnd.bhs[1]&flagFinal != 0
}

func (cmnd *Command) Flags() byte {
	return cmnd.bhs[1]
}

func (cmnd *Command) ReadFlag() bool {
	return cmnd.bhs[1]&flagRead != 0
}

func (cmnd *Command) WriteFlag() bool {
	return cmnd.bhs[1]&flagWrite != 0
}

func (cmnd *Command) AHSLen() int {
	return int(cmnd.bhs[4]) * 4
}

func (cmnd *Command) DataLen() int {
	return int(cmnd.bhs[5])<<16 | int(cmnd.bhs[6])<<8 | int(cmnd.bhs[7])
}

func (cmnd *Command) setDataLen(length int) {
	cmnd.bhs[5] = byte(length >> 16)
	cmnd.bhs[6] = byte(length >> 8)
	cmnd.bhs[7] = byte(length)
}

// LUN returns the single level LUN of SAM-2 addressing.
func (cmnd *Command) LUN() byte {
	return cmnd.bhs[9]
}

func (cmnd *Command) ITT() uint32 {
	return cmnd.uint32At(16)
}

func (cmnd *Command) TTT() uint32 {
	return cmnd.uint32At(20)
}

func (cmnd *Command) ExpectedDataLen() uint32 {
	return cmnd.uint32At(20)
}

func (cmnd *Command) ReferencedTaskTag() uint32 {
	return cmnd.uint32At(20)
}

func (cmnd *Command) TaskFunction() TaskFunction {
	return TaskFunction(cmnd.bhs[1] & taskFunctionMask)
}

func (cmnd *Command) CmdSN() uint32 {
	return cmnd.uint32At(24)
}

func (cmnd *Command) ExpStatSN() uint32 {
	return cmnd.uint32At(28)
}

func (cmnd *Command) CDB() []byte {
	return cmnd.bhs[32:48]
}

func (cmnd *Command) DataSN() uint32 {
	return cmnd.uint32At(36)
}

func (cmnd *Command) BufferOffset() uint32 {
	return cmnd.uint32At(40)
}

// hasCmdSN tells whether the PDU takes part in command ordering.
func (cmnd *Command) hasCmdSN() bool {
	switch cmnd.Opcode() {
	case OpSCSIOut, OpSNACKReq:
		return false
	}
	return true
}

func (cmnd *Command) uint32At(offset int) uint32 {
	return binary.BigEndian.Uint32(cmnd.bhs[offset : offset+4])
}

func (cmnd *Command) putUint32(offset int, value uint32) {
	binary.BigEndian.PutUint32(cmnd.bhs[offset:offset+4], value)
}

// Header returns a copy of the basic header segment.
func (cmnd *Command) Header() [BasicHeaderSegmentSize]byte {
	return cmnd.bhs
}

// SetHeader loads a raw basic header segment.
func (cmnd *Command) SetHeader(bhs []byte) {
	copy(cmnd.bhs[:], bhs)
}

// Completion state.

func (cmnd *Command) SetCheckCondition(senseKey byte, asc scsi.AdditionalSenseCode) {
	cmnd.status = scsi.SamStatCheckCondition
	cmnd.sense = scsi.BuildSense(senseKey, asc)
}

func (cmnd *Command) Status() byte {
	return cmnd.status
}

func (cmnd *Command) Sense() []byte {
	return cmnd.sense
}

func (cmnd *Command) PrelimCompleted() bool {
	return cmnd.prelimCompleted.Load()
}

func (cmnd *Command) prelimComplete() {
	cmnd.prelimCompleted.Store(true)
}

func (cmnd *Command) Aborted() bool {
	return cmnd.aborted.Load()
}

// Abort marks a request aborted by task management and shortens its
// write timeout to the data wait grace period.
func (cmnd *Command) Abort() {
	cmnd.conn.abortCommand(cmnd)
}

func (cmnd *Command) BackendBusy() bool {
	return cmnd.backendBusy.Load()
}

// MarkBackendBusy is called by a backend before returning RxNeedsRetry.
func (cmnd *Command) MarkBackendBusy() {
	cmnd.backendBusy.Store(true)
}

// BackendReady ends a RxNeedsRetry wait and reschedules receive.
func (cmnd *Command) BackendReady() {
	cmnd.backendBusy.Store(false)
	cmnd.conn.makeReadActive()
}

// DataDigestDeferred tells whether the data digest of a large SCSI
// command still has to be checked by VerifyDataDigest.
func (cmnd *Command) DataDigestDeferred() bool {
	return cmnd.ddigestDeferred
}

// VerifyDataDigest checks a deferred data digest. On mismatch the command
// is completed with a CRC error check condition.
func (cmnd *Command) VerifyDataDigest() error {
	if !cmnd.ddigestDeferred {
		return nil
	}
	cmnd.ddigestDeferred = false
	length := cmnd.DataLen()
	computed := dataDigest(cmnd.sg.iovecs(0, length), pad4(length))
	if computed != cmnd.ddigest {
		err := &ErrDataDigest{taskTag: cmnd.ITT(), expected: computed, received: cmnd.ddigest}
		cmnd.conn.dataDigestFailed(cmnd, err)
		return err
	}
	return nil
}

func (cmnd *Command) String() string {
	var s []string
	s = append(s, fmt.Sprintf("Op: %v", cmnd.Opcode()))
	s = append(s, fmt.Sprintf("Final = %v", cmnd.Final()))
	s = append(s, fmt.Sprintf("Immediate = %v", cmnd.Immediate()))
	s = append(s, fmt.Sprintf("Data Segment Length = %d", cmnd.DataLen()))
	s = append(s, fmt.Sprintf("Task Tag = %x", cmnd.ITT()))
	switch cmnd.Opcode() {
	case OpSCSICmd:
		s = append(s, fmt.Sprintf("LUN = %d", cmnd.LUN()))
		s = append(s, fmt.Sprintf("ExpectedDataLen = %d", cmnd.ExpectedDataLen()))
		s = append(s, fmt.Sprintf("CmdSN = %d", cmnd.CmdSN()))
		s = append(s, fmt.Sprintf("CDB = %x", cmnd.CDB()))
	case OpSCSIOut:
		s = append(s, fmt.Sprintf("DataSN = %d", cmnd.DataSN()))
		s = append(s, fmt.Sprintf("BufferOffset = %d", cmnd.BufferOffset()))
	case OpNoopOut, OpSCSITaskReq, OpLogoutReq, OpTextReq:
		s = append(s, fmt.Sprintf("CmdSN = %d", cmnd.CmdSN()))
	}
	return strings.Join(s, ", ")
}
