// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"fmt"
	"iscsitarget/pkg/scsi"
	"sort"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

type ErrSessionNotFound struct {
	tsih uint16
}

func (err ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session with TSIH %d not found", err.tsih)
}

// Session is an I_T nexus. It orders the commands of all its connections
// by CmdSN.
type Session struct {
	driver         *Driver
	target         *Target
	tsih           uint16
	isid           uint64
	initiator      string
	initiatorAlias string
	itNexus        *scsi.ITNexus
	createdAt      time.Time

	// guarded by target.mutex
	connections  map[uint16]*Connection
	shuttingDown bool

	mutex           sync.Mutex
	expCmdSN        uint32
	maxQueueCommand uint32
	pending         linkedList[*Command]
	// write commands waiting for Data-Out, by ITT
	dataWait map[uint32]*scsiTask
	// a task management response held back until the aborted task is gone
	tmRsp    *Command
	tmRspFor *Command
}

func newSession(driver *Driver, target *Target, tsih uint16, isid uint64, initiator string, expCmdSN uint32) *Session {
	session := &Session{
		driver:          driver,
		target:          target,
		tsih:            tsih,
		isid:            isid,
		initiator:       initiator,
		createdAt:       time.Now(),
		connections:     make(map[uint16]*Connection),
		expCmdSN:        expCmdSN,
		maxQueueCommand: driver.params.MaxQueueCommand,
		dataWait:        make(map[uint32]*scsiTask),
	}
	session.itNexus = &scsi.ITNexus{
		ID:  uuid.NewV1(),
		Tag: itNexusTag(initiator, isid, target.Name),
	}
	return session
}

// itNexusTag follows the iSCSI I_T nexus identifier layout: initiator name,
// 'i', ISID, then target name, 't', portal group tag.
func itNexusTag(initiator string, isid uint64, targetName string) string {
	return fmt.Sprintf("%si0x%012x,%st%d", initiator, isid, targetName, 1)
}

// ID packs ISID and TSIH the way session ids are reported to listeners.
func (session *Session) ID() uint64 {
	return session.isid<<16 | uint64(session.tsih)
}

func (session *Session) TSIH() uint16 {
	return session.tsih
}

func (session *Session) Target() *Target {
	return session.target
}

func (session *Session) ExpCmdSN() uint32 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.expCmdSN
}

// MaxCmdSN is the highest CmdSN the initiator may send right now.
func (session *Session) MaxCmdSN() uint32 {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.expCmdSN + session.maxQueueCommand - 1
}

// dropTaskMgmtResponse releases a held back task management response
// that would go out on conn.
func (session *Session) dropTaskMgmtResponse(conn *Connection) {
	session.mutex.Lock()
	rsp := session.tmRsp
	if rsp == nil || rsp.conn != conn {
		session.mutex.Unlock()
		return
	}
	session.tmRsp = nil
	session.tmRspFor = nil
	session.mutex.Unlock()
	rsp.Put()
}

type SessionInfo struct {
	TSIH        uint16           `json:"tsih"`
	ISID        string           `json:"isid"`
	Initiator   string           `json:"initiator"`
	ITNexus     string           `json:"it_nexus"`
	ExpCmdSN    uint32           `json:"exp_cmd_sn"`
	Pending     int              `json:"pending"`
	Connections []ConnectionInfo `json:"connections"`
}

func (session *Session) Info() SessionInfo {
	session.target.mutex.Lock()
	connections := make([]*Connection, 0, len(session.connections))
	for _, conn := range session.connections {
		connections = append(connections, conn)
	}
	session.target.mutex.Unlock()
	sort.Slice(connections, func(i, j int) bool { return connections[i].cid < connections[j].cid })
	info := SessionInfo{
		TSIH:        session.tsih,
		ISID:        fmt.Sprintf("0x%012x", session.isid),
		Initiator:   session.initiator,
		ITNexus:     session.itNexus.Tag,
		ExpCmdSN:    session.ExpCmdSN(),
		Pending:     session.pendingCount(),
		Connections: make([]ConnectionInfo, 0, len(connections)),
	}
	for _, conn := range connections {
		info.Connections = append(info.Connections, conn.Info())
	}
	return info
}
