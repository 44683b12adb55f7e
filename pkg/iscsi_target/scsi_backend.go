// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"sync/atomic"
)

// defaultMaxXmitDataSegmentLength applies when the initiator did not
// announce its MaxRecvDataSegmentLength.
const defaultMaxXmitDataSegmentLength = 8192

// scsiTask is the backend state of one SCSI command.
type scsiTask struct {
	req      *Command
	ttt      uint32
	buffer   []byte
	expected uint32
	received uint32
	r2tSN    uint32
	failed   bool
}

// ScsiBackend executes iSCSI requests on the SCSI device server.
type ScsiBackend struct {
	service *scsi.TargetService
	nextTTT atomic.Uint32
}

func NewScsiBackend(service *scsi.TargetService) *ScsiBackend {
	return &ScsiBackend{service: service}
}

func (backend *ScsiBackend) AllocCommand(conn *Connection, parent *Command) *Command {
	return NewCommand(conn, parent)
}

func (backend *ScsiBackend) newTTT() uint32 {
	for {
		ttt := backend.nextTTT.Add(1)
		if ttt != ReservedTag {
			return ttt
		}
	}
}

func (backend *ScsiBackend) RxStart(cmnd *Command) RxStatus {
	log := logger.GetLogger()
	switch cmnd.Opcode() {
	case OpSCSICmd:
		task := &scsiTask{req: cmnd, expected: cmnd.ExpectedDataLen()}
		cmnd.SetPrivate(task)
		limit := backend.service.MaxDataLength(cmnd.conn.session.target.TargetId, cmnd.LUN(), cmnd.CDB())
		if uint64(task.expected) > limit {
			log.Warningf("ITT %x: expected data length %d exceeds %d bytes the CDB can transfer",
				cmnd.ITT(), task.expected, limit)
			// immediate data is still received, into a buffer of its own
			cmnd.SetCheckCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
			cmnd.prelimComplete()
			return RxDone
		}
		if !cmnd.WriteFlag() {
			return RxDone
		}
		task.buffer = make([]byte, task.expected)
		if length := cmnd.DataLen(); length > 0 {
			if length > len(task.buffer) {
				log.Errorf("ITT %x: %d bytes of immediate data for a %d byte write",
					cmnd.ITT(), length, len(task.buffer))
				return RxFatal
			}
			cmnd.SetScatterList(ScatterListFromBuffer(task.buffer, 0, length))
		}
		return RxDone
	case OpSCSIOut:
		session := cmnd.conn.session
		session.mutex.Lock()
		task := session.dataWait[cmnd.ITT()]
		session.mutex.Unlock()
		if task == nil {
			log.Errorf("Data-Out for unknown ITT %x", cmnd.ITT())
			return RxFatal
		}
		offset := int(cmnd.BufferOffset())
		if offset+cmnd.DataLen() > len(task.buffer) {
			log.Errorf("ITT %x: Data-Out at offset %d with %d bytes overruns %d byte buffer",
				cmnd.ITT(), offset, cmnd.DataLen(), len(task.buffer))
			return RxFatal
		}
		cmnd.SetParent(task.req)
		cmnd.SetScatterList(ScatterListFromBuffer(task.buffer, offset, cmnd.DataLen()))
	}
	return RxDone
}

func (backend *ScsiBackend) RxContinue(cmnd *Command) RxStatus {
	return RxDone
}

func (backend *ScsiBackend) RxEnd(cmnd *Command) {
	switch cmnd.Opcode() {
	case OpSCSICmd:
		backend.scsiCommandReceived(cmnd)
	case OpSCSIOut:
		backend.dataOutReceived(cmnd)
	case OpNoopOut:
		backend.nopOutReceived(cmnd)
	case OpSCSITaskReq:
		backend.taskMgmtReceived(cmnd)
	case OpLogoutReq:
		backend.logoutReceived(cmnd)
	default:
		logger.GetLogger().Warningf("rejecting unsupported %s", cmnd.Opcode())
		rsp := cmnd.conn.NewResponse(cmnd)
		buildReject(rsp, cmnd, RejectCommandNotSupported)
		cmnd.conn.QueueResponse(rsp)
		cmnd.Put()
	}
}

func (backend *ScsiBackend) sendCheckCondition(req *Command) {
	task, _ := req.Private().(*scsiTask)
	var residual int64
	if task != nil {
		residual = int64(task.expected)
	}
	rsp := req.conn.NewResponse(req)
	buildScsiResponse(rsp, req, req.Status(), req.Sense(), residual)
	req.conn.QueueResponse(rsp)
}

func (backend *ScsiBackend) scsiCommandReceived(req *Command) {
	task := req.Private().(*scsiTask)
	if req.PrelimCompleted() || req.VerifyDataDigest() != nil {
		backend.sendCheckCondition(req)
		req.Put()
		return
	}
	task.received = uint32(req.DataLen())
	if req.WriteFlag() && task.received < task.expected {
		task.ttt = backend.newTTT()
		session := req.conn.session
		session.mutex.Lock()
		session.dataWait[req.ITT()] = task
		session.mutex.Unlock()
		backend.sendR2T(task)
		// the task keeps the reference until all data is in
		return
	}
	backend.execute(task)
	req.Put()
}

// sendR2T asks for the next burst. One R2T is outstanding at a time.
func (backend *ScsiBackend) sendR2T(task *scsiTask) {
	req := task.req
	conn := req.conn
	length := task.expected - task.received
	if maxBurst := conn.params.MaxBurstLength; maxBurst > 0 && length > maxBurst {
		length = maxBurst
	}
	rsp := conn.NewResponse(req)
	buildR2T(rsp, req, task.ttt, task.r2tSN, task.received, length)
	task.r2tSN += 1
	conn.QueueResponse(rsp)
}

// claimTask removes a task from the data wait map. Only the claimer drops
// the reference the task holds.
func (session *Session) claimTask(task *scsiTask) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	itt := task.req.ITT()
	if session.dataWait[itt] != task {
		return false
	}
	delete(session.dataWait, itt)
	return true
}

func (backend *ScsiBackend) dataOutReceived(dataOut *Command) {
	defer dataOut.Put()
	req := dataOut.Parent()
	task := req.Private().(*scsiTask)
	session := req.conn.session
	// After a digest failure the rest of the burst is drained and the
	// command completes with the check condition.
	if dataOut.PrelimCompleted() {
		task.failed = true
	}
	if task.failed {
		if dataOut.Final() && session.claimTask(task) {
			backend.sendCheckCondition(req)
			req.Put()
		}
		return
	}
	task.received += uint32(dataOut.DataLen())
	if task.received >= task.expected {
		if !session.claimTask(task) {
			return
		}
		if req.Aborted() {
			backend.sendHeldTaskMgmtResponse(session, req)
		} else {
			backend.execute(task)
		}
		req.Put()
		return
	}
	if dataOut.Final() && !req.Aborted() {
		backend.sendR2T(task)
	}
}

func (backend *ScsiBackend) execute(task *scsiTask) {
	log := logger.GetLogger()
	req := task.req
	conn := req.conn
	session := conn.session
	cdb := req.CDB()
	command := &scsi.SCSICommand{
		OperationCode: cdb[0],
		SCB:           append([]byte(nil), cdb...),
		LogicalUnit:   req.LUN(),
		ITNexusID:     session.itNexus.ID,
	}
	if req.ReadFlag() {
		command.InSDBBuffer = &scsi.SCSIDataBuffer{
			Buffer: make([]byte, task.expected),
			Length: task.expected,
		}
	}
	if req.WriteFlag() {
		command.OutSDBBuffer = &scsi.SCSIDataBuffer{
			Buffer:         task.buffer,
			Length:         task.expected,
			TransferLength: task.received,
		}
	}
	if err := backend.service.Execute(session.target.TargetId, command); err != nil {
		log.Errorf("ITT %x: %v", req.ITT(), err)
		req.SetCheckCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
		backend.sendCheckCondition(req)
		return
	}

	var sense []byte
	if command.SenseBuffer != nil {
		sense = command.SenseBuffer.Buffer[:command.SenseBuffer.Length]
	}
	if in := command.InSDBBuffer; in != nil && command.Result == scsi.SamStatGood && in.TransferLength > 0 {
		actual := min(in.TransferLength, in.Length)
		backend.sendDataIn(req, in.Buffer[:actual], command.Result, int64(task.expected)-int64(actual))
		return
	}
	var residual int64
	if in := command.InSDBBuffer; in != nil {
		residual = int64(task.expected) - int64(min(in.TransferLength, in.Length))
	} else if !req.WriteFlag() {
		residual = int64(task.expected)
	}
	rsp := conn.NewResponse(req)
	buildScsiResponse(rsp, req, command.Result, sense, residual)
	conn.QueueResponse(rsp)
}

// sendDataIn splits read data at MaxXmitDataSegmentLength. The PDUs point
// into data without copying and the last one carries the status.
func (backend *ScsiBackend) sendDataIn(req *Command, data []byte, status byte, residual int64) {
	conn := req.conn
	maxXmit := int(conn.params.MaxXmitDataSegmentLength)
	if maxXmit == 0 {
		maxXmit = defaultMaxXmitDataSegmentLength
	}
	var dataSN uint32
	for offset := 0; offset < len(data); offset += maxXmit {
		chunk := min(maxXmit, len(data)-offset)
		last := offset+chunk == len(data)
		rsp := conn.NewResponse(req)
		buildDataIn(rsp, req, dataSN, uint32(offset), last)
		if last {
			collapseStatus(rsp, status, residual)
		}
		rsp.attachData(ScatterListFromBuffer(data, offset, chunk))
		conn.QueueResponse(rsp)
		dataSN += 1
	}
}

func (backend *ScsiBackend) nopOutReceived(req *Command) {
	defer req.Put()
	conn := req.conn
	if req.PrelimCompleted() {
		return
	}
	if ttt := req.TTT(); ttt != ReservedTag {
		conn.releaseKeepAlive(ttt)
	}
	if req.ITT() == ReservedTag {
		return
	}
	rsp := conn.NewResponse(req)
	buildNopIn(rsp, req.ITT(), ReservedTag, req.Data())
	rsp.bhs[9] = req.LUN()
	conn.QueueResponse(rsp)
}

// taskMgmtReceived handles ABORT TASK. A write still waiting for data gets
// the grace period to drain, its response is held back until then.
func (backend *ScsiBackend) taskMgmtReceived(req *Command) {
	defer req.Put()
	conn := req.conn
	session := conn.session
	rsp := conn.NewResponse(req)
	if function := req.TaskFunction(); function != TaskAbortTask {
		logger.GetLogger().Warnf("%s is not supported, connection %s", function, conn.id)
		buildTaskMgmtResponse(rsp, req, TaskRspNotSupported)
		conn.QueueResponse(rsp)
		return
	}
	referenced := req.ReferencedTaskTag()
	session.mutex.Lock()
	task := session.dataWait[referenced]
	held := task != nil && session.tmRsp == nil
	if held {
		buildTaskMgmtResponse(rsp, req, TaskRspComplete)
		session.tmRsp = rsp
		session.tmRspFor = task.req
	}
	session.mutex.Unlock()

	switch {
	case held:
		logger.GetLogger().Infof("aborting ITT %x on connection %s", referenced, conn.id)
		task.req.Abort()
	case task != nil:
		// another abort is already in progress
		buildTaskMgmtResponse(rsp, req, TaskRspRejected)
		conn.QueueResponse(rsp)
	default:
		buildTaskMgmtResponse(rsp, req, TaskRspNoTask)
		conn.QueueResponse(rsp)
	}
}

// sendHeldTaskMgmtResponse releases the task management response that
// waited for req to go away.
func (backend *ScsiBackend) sendHeldTaskMgmtResponse(session *Session, req *Command) {
	session.mutex.Lock()
	rsp := session.tmRsp
	if rsp == nil || session.tmRspFor != req {
		session.mutex.Unlock()
		return
	}
	session.tmRsp = nil
	session.tmRspFor = nil
	session.mutex.Unlock()
	rsp.conn.QueueResponse(rsp)
}

func (backend *ScsiBackend) logoutReceived(req *Command) {
	conn := req.conn
	logger.GetLogger().Infof("logout request on connection %s", conn.id)
	rsp := conn.NewResponse(req)
	buildLogoutResponse(rsp, req, LogoutClosedSuccessfully)
	conn.QueueResponse(rsp)
	req.Put()
}

func (backend *ScsiBackend) TxStart(rsp *Command) {
	rsp.conn.stampSequenceNumbers(rsp)
}

func (backend *ScsiBackend) TxEnd(rsp *Command) {
	if rsp.Opcode() == OpLogoutResp {
		rsp.conn.Close(true)
	}
}

func (backend *ScsiBackend) ReleaseForced(cmnd *Command, reason ReleaseReason) {
	logger.GetLogger().Debugf("releasing %s ITT %x: %s", cmnd.Opcode(), cmnd.ITT(), reason)
	if cmnd.Opcode() != OpSCSICmd {
		return
	}
	task, _ := cmnd.Private().(*scsiTask)
	if task == nil {
		return
	}
	session := cmnd.conn.session
	if !session.claimTask(task) {
		return
	}
	if reason == ReasonTaskAborted {
		backend.sendHeldTaskMgmtResponse(session, cmnd)
	}
	task.req.Put()
}

// NexusLoss drops the data wait state of the connection. Commands are
// executed synchronously, so nothing else is outstanding.
func (backend *ScsiBackend) NexusLoss(conn *Connection) {
	session := conn.session
	var tasks []*scsiTask
	session.mutex.Lock()
	for itt, task := range session.dataWait {
		if task.req.conn == conn {
			delete(session.dataWait, itt)
			tasks = append(tasks, task)
		}
	}
	session.mutex.Unlock()
	for _, task := range tasks {
		conn.releaseForced(task.req, ReasonConnectionClosed)
		task.req.Put()
	}

	target := session.target
	target.mutex.Lock()
	last := len(session.connections) <= 1
	target.mutex.Unlock()
	if last {
		scsi.RemoveITNexus(target.SCSITarget, session.itNexus)
	}
	go conn.TaskMgmtAffectedCmdsDone()
}
