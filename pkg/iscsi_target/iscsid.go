// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"context"
	"fmt"
	"iscsitarget/pkg/logger"
	"iscsitarget/pkg/scsi"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	IscsiMaxTargetSessionIdentifierHandler         = uint16(0xffff)
	IscsiUnspecifiedTargetSessionIdentifierHandler = uint16(0)
)

type ErrTargetNotFound struct {
	name string
}

func (err ErrTargetNotFound) Error() string {
	return fmt.Sprintf("target '%s' does not exist", err.name)
}

type ErrTargetExists struct {
	name string
}

func (err ErrTargetExists) Error() string {
	return fmt.Sprintf("target '%s' already exists", err.name)
}

type ErrTargetBusy struct {
	name     string
	sessions int
}

func (err ErrTargetBusy) Error() string {
	return fmt.Sprintf("target '%s' has %d sessions", err.name, err.sessions)
}

type ErrConnectionNotFound struct {
	id string
}

func (err ErrConnectionNotFound) Error() string {
	return fmt.Sprintf("connection '%s' not found", err.id)
}

var (
	ErrNoFreeTSIH      = errors.New("no free TSIH left")
	ErrDriverStopping  = errors.New("driver is stopping")
	ErrInitiatorDiffer = errors.New("session belongs to another initiator")
)

// SessionParams identify the session a new connection logs into. A zero
// TSIH asks for a new session.
type SessionParams struct {
	TargetName     string
	Initiator      string
	InitiatorAlias string
	ISID           uint64
	TSIH           uint16
	// CmdSN of the leading login request.
	CmdSN uint32
}

// Driver owns the targets, the worker pools and every connection in full
// feature phase.
type Driver struct {
	SCSI       *scsi.TargetService
	params     EngineParams
	login      LoginSettings
	backend    Backend
	notifier   Notifier
	readPool   *ThreadPool
	writePool  *ThreadPool
	closeSlots *semaphore.Weighted

	targetsMutex sync.RWMutex
	targets      map[string]*Target

	// innermost lock of the engine
	connectionsMutex sync.Mutex
	connections      map[uuid.UUID]*Connection

	TargetSessionIdentifierHandlePool      map[uint16]bool
	TargetSessionIdentifierHandlePoolMutex sync.Mutex

	listenersMutex sync.Mutex
	listeners      []*Listener
	portals        []string

	started  atomic.Bool
	stopping atomic.Bool
}

// NewDriver creates a driver executing commands on the SCSI service.
func NewDriver(params EngineParams, login LoginSettings, service *scsi.TargetService, notifier Notifier) *Driver {
	driver := newDriver(params, NewScsiBackend(service), notifier)
	driver.SCSI = service
	driver.login = login
	return driver
}

func newDriver(params EngineParams, backend Backend, notifier Notifier) *Driver {
	if notifier == nil {
		notifier = NotifierFunc(func(int, uint64, uint16) {})
	}
	closes := params.MaxConcurrentCloses
	if closes < 1 {
		closes = 1
	}
	return &Driver{
		params:                            params,
		login:                             DefaultLoginSettings(),
		backend:                           backend,
		notifier:                          notifier,
		readPool:                          NewThreadPool(readPool, params.ReadWorkers, params.ReadCPUs, (*Connection).processReadIO),
		writePool:                         NewThreadPool(writePool, params.WriteWorkers, params.WriteCPUs, (*Connection).processWriteIO),
		closeSlots:                        semaphore.NewWeighted(closes),
		targets:                           make(map[string]*Target),
		connections:                       make(map[uuid.UUID]*Connection),
		TargetSessionIdentifierHandlePool: map[uint16]bool{0: true, 65535: true},
	}
}

func (driver *Driver) AllocTSIH() uint16 {
	var i uint16
	driver.TargetSessionIdentifierHandlePoolMutex.Lock()
	defer driver.TargetSessionIdentifierHandlePoolMutex.Unlock()
	for i = uint16(0); i < IscsiMaxTargetSessionIdentifierHandler; i++ {
		if !driver.TargetSessionIdentifierHandlePool[i] {
			driver.TargetSessionIdentifierHandlePool[i] = true
			return i
		}
	}
	return IscsiUnspecifiedTargetSessionIdentifierHandler
}

func (driver *Driver) ReleaseTSIH(tsih uint16) {
	if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler || tsih == IscsiMaxTargetSessionIdentifierHandler {
		return
	}
	driver.TargetSessionIdentifierHandlePoolMutex.Lock()
	delete(driver.TargetSessionIdentifierHandlePool, tsih)
	driver.TargetSessionIdentifierHandlePoolMutex.Unlock()
}

func (driver *Driver) registerConnection(conn *Connection) {
	driver.connectionsMutex.Lock()
	driver.connections[conn.id] = conn
	driver.connectionsMutex.Unlock()
}

func (driver *Driver) unregisterConnection(conn *Connection) {
	driver.connectionsMutex.Lock()
	delete(driver.connections, conn.id)
	driver.connectionsMutex.Unlock()
}

func (driver *Driver) connectionList() []*Connection {
	driver.connectionsMutex.Lock()
	defer driver.connectionsMutex.Unlock()
	result := make([]*Connection, 0, len(driver.connections))
	for _, conn := range driver.connections {
		result = append(result, conn)
	}
	return result
}

func (driver *Driver) target(name string) (*Target, error) {
	driver.targetsMutex.RLock()
	defer driver.targetsMutex.RUnlock()
	target, ok := driver.targets[name]
	if !ok {
		return nil, &ErrTargetNotFound{name: name}
	}
	return target, nil
}

// targetList returns the targets ordered by target ID.
func (driver *Driver) targetList() []*Target {
	driver.targetsMutex.RLock()
	result := make([]*Target, 0, len(driver.targets))
	for _, target := range driver.targets {
		result = append(result, target)
	}
	driver.targetsMutex.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].TargetId < result[j].TargetId })
	return result
}

func (driver *Driver) addTarget(scsiTarget *scsi.SCSITarget) (*Target, error) {
	driver.targetsMutex.Lock()
	defer driver.targetsMutex.Unlock()
	if _, ok := driver.targets[scsiTarget.Name]; ok {
		return nil, &ErrTargetExists{name: scsiTarget.Name}
	}
	target := newTarget(scsiTarget)
	driver.targets[scsiTarget.Name] = target
	return target, nil
}

// AttachConnection puts a logged in connection into its session. The
// connection does not move any bytes before Connection.start.
func (driver *Driver) AttachConnection(transport Transport, sessionParams SessionParams, params ConnectionParams) (*Connection, error) {
	if driver.stopping.Load() {
		return nil, ErrDriverStopping
	}
	target, err := driver.target(sessionParams.TargetName)
	if err != nil {
		return nil, err
	}
	if sessionParams.TSIH == IscsiUnspecifiedTargetSessionIdentifierHandler {
		return driver.attachToNewSession(target, transport, sessionParams, params)
	}
	return driver.attachToSession(target, transport, sessionParams, params)
}

func (driver *Driver) attachToNewSession(
	target *Target,
	transport Transport,
	sessionParams SessionParams,
	params ConnectionParams,
) (*Connection, error) {
	log := logger.GetLogger()
	if old := target.findSession(sessionParams.Initiator, sessionParams.ISID); old != nil {
		log.Infof("reinstating session %x of %s", old.ID(), old.initiator)
		target.mutex.Lock()
		old.shuttingDown = true
		for _, conn := range old.connections {
			conn.CloseForDelete()
		}
		target.mutex.Unlock()
	}
	tsih := driver.AllocTSIH()
	if tsih == IscsiUnspecifiedTargetSessionIdentifierHandler {
		return nil, ErrNoFreeTSIH
	}
	session := newSession(driver, target, tsih, sessionParams.ISID, sessionParams.Initiator, sessionParams.CmdSN)
	session.initiatorAlias = sessionParams.InitiatorAlias
	scsi.AddITNexus(target.SCSITarget, session.itNexus)
	conn := newConnection(driver, session, transport, params)

	target.mutex.Lock()
	target.sessions[tsih] = session
	session.connections[params.CID] = conn
	driver.registerConnection(conn)
	target.mutex.Unlock()
	log.Infof("session %x of %s created on target %s", session.ID(), session.initiator, target.Name)
	return conn, nil
}

// attachToSession adds a connection to an existing session. A connection
// with the same CID is closed first and the login waits for it to go.
func (driver *Driver) attachToSession(
	target *Target,
	transport Transport,
	sessionParams SessionParams,
	params ConnectionParams,
) (*Connection, error) {
	log := logger.GetLogger()
	for {
		target.mutex.Lock()
		session, ok := target.sessions[sessionParams.TSIH]
		if !ok || session.shuttingDown || session.isid != sessionParams.ISID {
			target.mutex.Unlock()
			return nil, &ErrSessionNotFound{tsih: sessionParams.TSIH}
		}
		if session.initiator != sessionParams.Initiator {
			target.mutex.Unlock()
			return nil, ErrInitiatorDiffer
		}
		old, exists := session.connections[params.CID]
		if exists {
			target.mutex.Unlock()
			log.Infof("reinstating connection %s (cid %d)", old.id, old.cid)
			old.Close(true)
			<-old.closed
			continue
		}
		conn := newConnection(driver, session, transport, params)
		session.connections[params.CID] = conn
		driver.registerConnection(conn)
		target.mutex.Unlock()
		return conn, nil
	}
}

// Start launches the worker pools.
func (driver *Driver) Start() {
	if driver.started.Swap(true) {
		return
	}
	driver.readPool.Start()
	driver.writePool.Start()
}

// Serve accepts initiators on every portal until ctx is done or a
// listener fails.
func (driver *Driver) Serve(ctx context.Context, portals []string) error {
	log := logger.GetLogger()
	listeners := make([]*Listener, 0, len(portals))
	for _, portal := range portals {
		listener, err := Listen(portal, driver.login.Keepalive)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return err
		}
		listeners = append(listeners, listener)
	}
	driver.listenersMutex.Lock()
	driver.listeners = append(driver.listeners, listeners...)
	driver.portals = append(driver.portals, portals...)
	driver.listenersMutex.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, listener := range listeners {
		listener := listener
		group.Go(func() error {
			return driver.acceptLoop(listener)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		for _, listener := range listeners {
			if err := listener.Close(); err != nil {
				log.Debugf("closing listener %s: %v", listener.Addr(), err)
			}
		}
		return nil
	})
	return group.Wait()
}

func (driver *Driver) acceptLoop(listener *Listener) error {
	log := logger.GetLogger()
	log.Infof("iSCSI service listening on: %v", listener.Addr())
	for {
		connection, err := listener.Accept()
		if err != nil {
			if driver.stopping.Load() || errors.Is(err, errListenerClosed) {
				return nil
			}
			log.Error(err)
			continue
		}
		log.Info("connection establishing at: ", connection.LocalAddr().String())
		go newLoginResponder(driver, connection).run()
	}
}

// advertisedPortals are announced in SendTargets replies.
func (driver *Driver) advertisedPortals() []string {
	driver.listenersMutex.Lock()
	defer driver.listenersMutex.Unlock()
	return append([]string(nil), driver.portals...)
}

// Stop closes the listeners and every connection, then stops the pools.
func (driver *Driver) Stop() error {
	log := logger.GetLogger()
	if driver.stopping.Swap(true) {
		return nil
	}
	driver.listenersMutex.Lock()
	for _, listener := range driver.listeners {
		if err := listener.Close(); err != nil {
			log.Debugf("closing listener %s: %v", listener.Addr(), err)
		}
	}
	driver.listeners = nil
	driver.listenersMutex.Unlock()

	connections := driver.connectionList()
	for _, conn := range connections {
		conn.CloseForDelete()
	}
	for _, conn := range connections {
		<-conn.closed
	}
	if !driver.started.Load() {
		return nil
	}
	readErr := driver.readPool.Stop()
	writeErr := driver.writePool.Stop()
	if readErr != nil {
		return errors.Wrap(readErr, "stopping receive pool")
	}
	if writeErr != nil {
		return errors.Wrap(writeErr, "stopping transmit pool")
	}
	return nil
}

func (driver *Driver) AddTarget(name string) error {
	scsiTarget, err := driver.SCSI.NewSCSITarget(name)
	if err != nil {
		return err
	}
	if _, err := driver.addTarget(scsiTarget); err != nil {
		_ = driver.SCSI.DeleteScsiTarget(name)
		return err
	}
	return nil
}

// DeleteTarget removes a target without sessions and logical units.
func (driver *Driver) DeleteTarget(name string) error {
	driver.targetsMutex.Lock()
	defer driver.targetsMutex.Unlock()
	target, ok := driver.targets[name]
	if !ok {
		return &ErrTargetNotFound{name: name}
	}
	target.mutex.Lock()
	sessions := len(target.sessions)
	target.mutex.Unlock()
	if sessions != 0 {
		return &ErrTargetBusy{name: name, sessions: sessions}
	}
	if err := driver.SCSI.DeleteScsiTarget(name); err != nil {
		return err
	}
	delete(driver.targets, name)
	return nil
}

func (driver *Driver) AddLun(targetName string, backing string) (byte, error) {
	target, err := driver.target(targetName)
	if err != nil {
		return 0, err
	}
	lun, err := driver.SCSI.LunFactory.NewSCSILu(backing)
	if err != nil {
		return 0, err
	}
	lunId, err := target.SCSITarget.AddLun(lun)
	if err != nil {
		if closeErr := lun.BackingStorage.Close(); closeErr != nil {
			logger.GetLogger().Warnf("closing %s: %v", backing, closeErr)
		}
		return 0, err
	}
	return lunId, nil
}

func (driver *Driver) RemoveLun(targetName string, logicalUnitId byte) (string, error) {
	target, err := driver.target(targetName)
	if err != nil {
		return "", err
	}
	return target.SCSITarget.DetachLun(logicalUnitId)
}

func (driver *Driver) Clear(targetName string) ([]string, error) {
	target, err := driver.target(targetName)
	if err != nil {
		return nil, err
	}
	return target.SCSITarget.Clear()
}

func (driver *Driver) List() []TargetInfo {
	targets := driver.targetList()
	result := make([]TargetInfo, 0, len(targets))
	for _, target := range targets {
		result = append(result, target.Info())
	}
	return result
}

// CloseConnection starts an active close of the connection with the given
// ID.
func (driver *Driver) CloseConnection(id string) error {
	connectionId, err := uuid.FromString(id)
	if err != nil {
		return errors.Wrapf(err, "bad connection id '%s'", id)
	}
	driver.connectionsMutex.Lock()
	conn, ok := driver.connections[connectionId]
	driver.connectionsMutex.Unlock()
	if !ok {
		return &ErrConnectionNotFound{id: id}
	}
	conn.Close(true)
	return nil
}
