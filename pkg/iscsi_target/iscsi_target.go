// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"iscsitarget/pkg/config"
	"iscsitarget/pkg/scsi"
	"sort"
	"sync"
	"time"
)

type rxState int

const (
	rxStateInitBHS rxState = iota
	rxStateBHS
	rxStateAHS
	rxStateInitHDigest
	rxStateCheckHDigest
	rxStateCmdStart
	rxStateCmdContinue
	rxStateData
	rxStatePadding
	rxStateInitDDigest
	rxStateCheckDDigest
	rxStateEnd
)

var rxStateNames = []string{
	"INIT_BHS", "BHS", "AHS", "INIT_HDIGEST", "CHECK_HDIGEST", "CMD_START",
	"CMD_CONTINUE", "DATA", "PADDING", "INIT_DDIGEST", "CHECK_DDIGEST", "END",
}

func (state rxState) String() string {
	return rxStateNames[state]
}

type txState int

const (
	txStateInit txState = iota
	txStateBHSData
	txStateInitPadding
	txStatePadding
	txStateInitDDigest
	txStateDDigest
	txStateEnd
)

var txStateNames = []string{
	"INIT", "BHS_DATA", "INIT_PADDING", "PADDING", "INIT_DDIGEST", "DDIGEST", "END",
}

func (state txState) String() string {
	return txStateNames[state]
}

// CloseTimeouts pace the connection close protocol.
type CloseTimeouts struct {
	Pending  time.Duration
	Wait     time.Duration
	RegShut  time.Duration
	DelShut  time.Duration
	Sleep    time.Duration
	DelSleep time.Duration
	IdlePoll time.Duration
}

type EngineParams struct {
	ReadWorkers           int
	WriteWorkers          int
	ReadCPUs              []int
	WriteCPUs             []int
	InlineDigestThreshold int
	RspTimeout            time.Duration
	NopInInterval         time.Duration
	NopInTimeout          time.Duration
	TMDataWaitTimeout     time.Duration
	AddSchedTime          time.Duration
	MaxConcurrentCloses   int64
	MaxQueueCommand       uint32
	Close                 CloseTimeouts
}

// EngineParamsFromConfig converts the [engine] and [close] sections.
func EngineParamsFromConfig(cfg *config.Config) (EngineParams, error) {
	readCPUs, err := config.ParseCPUList(cfg.Engine.ReadCPUs)
	if err != nil {
		return EngineParams{}, err
	}
	writeCPUs, err := config.ParseCPUList(cfg.Engine.WriteCPUs)
	if err != nil {
		return EngineParams{}, err
	}
	return EngineParams{
		ReadWorkers:           cfg.Engine.ReadWorkers,
		WriteWorkers:          cfg.Engine.WriteWorkers,
		ReadCPUs:              readCPUs,
		WriteCPUs:             writeCPUs,
		InlineDigestThreshold: cfg.Engine.InlineDigestThreshold,
		RspTimeout:            cfg.Engine.RspTimeout.Duration,
		NopInInterval:         cfg.Engine.NopInInterval.Duration,
		NopInTimeout:          cfg.Engine.NopInTimeout.Duration,
		TMDataWaitTimeout:     cfg.Engine.TMDataWaitTimeout.Duration,
		AddSchedTime:          cfg.Engine.AddSchedTime.Duration,
		MaxConcurrentCloses:   cfg.Engine.MaxConcurrentCloses,
		MaxQueueCommand:       cfg.ISCSI.MaxQueueCmd,
		Close: CloseTimeouts{
			Pending:  cfg.Close.PendingTimeout.Duration,
			Wait:     cfg.Close.WaitTimeout.Duration,
			RegShut:  cfg.Close.RegShutTimeout.Duration,
			DelShut:  cfg.Close.DelShutTimeout.Duration,
			Sleep:    cfg.Close.Sleep.Duration,
			DelSleep: cfg.Close.DelSleep.Duration,
			IdlePoll: cfg.Close.IdlePoll.Duration,
		},
	}, nil
}

// Target is an iSCSI target node. Its mutex is the outermost engine lock.
type Target struct {
	*scsi.SCSITarget
	mutex sync.Mutex
	// TSIH is the key
	sessions map[uint16]*Session
}

func newTarget(target *scsi.SCSITarget) *Target {
	return &Target{
		SCSITarget: target,
		sessions:   make(map[uint16]*Session),
	}
}

func (target *Target) session(tsih uint16) (*Session, bool) {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	session, ok := target.sessions[tsih]
	return session, ok
}

// findSession looks up a session for reinstatement checks.
func (target *Target) findSession(initiator string, isid uint64) *Session {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	for _, session := range target.sessions {
		if session.initiator == initiator && session.isid == isid {
			return session
		}
	}
	return nil
}

type TargetInfo struct {
	Tid      int            `json:"tid"`
	Name     string         `json:"name"`
	Luns     []scsi.LunInfo `json:"luns"`
	Sessions []SessionInfo  `json:"sessions"`
}

func (target *Target) Info() TargetInfo {
	target.mutex.Lock()
	sessions := make([]*Session, 0, len(target.sessions))
	for _, session := range target.sessions {
		sessions = append(sessions, session)
	}
	target.mutex.Unlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].tsih < sessions[j].tsih })
	info := TargetInfo{
		Tid:      target.TargetId,
		Name:     target.Name,
		Luns:     target.LunsInfo(),
		Sessions: make([]SessionInfo, 0, len(sessions)),
	}
	for _, session := range sessions {
		info.Sessions = append(info.Sessions, session.Info())
	}
	return info
}
