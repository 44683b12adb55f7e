// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"iscsitarget/pkg/logger"
	"sort"
	"sync"

	uuid "github.com/satori/go.uuid"
)

type availableLunNumbers [256]bool

func (available *availableLunNumbers) nextLun() (byte, error) {
	for index, logicalUnitAvailable := range available {
		if !logicalUnitAvailable {
			continue
		}
		available[index] = false
		return byte(index), nil
	}
	return 0, fmt.Errorf(
		"can't have more than 256 logical " +
			"units allocated to a single target")
}

func (available *availableLunNumbers) deleteLun(lunNumber byte) {
	available[lunNumber] = true
}

func (available *availableLunNumbers) clear() {
	for i := range available {
		available[i] = true
	}
}

type SCSITarget struct {
	Name          string
	TargetId      int
	DevicesLock   sync.RWMutex
	Devices       map[byte]*LogicalUnit
	LUN0          *LogicalUnit
	availableLuns availableLunNumbers
	ITNexusMutex  sync.Mutex
	ITNexus       map[uuid.UUID]*ITNexus
}

// NewSCSITarget registers a target under the next free target ID.
func (targetService *TargetService) NewSCSITarget(name string) (*SCSITarget, error) {
	targetService.mutex.Lock()
	defer targetService.mutex.Unlock()
	if _, ok := targetService.targetByName[name]; ok {
		return nil, fmt.Errorf("target '%s' already exists", name)
	}
	target := &SCSITarget{
		Name:     name,
		TargetId: targetService.nextTid,
		ITNexus:  make(map[uuid.UUID]*ITNexus),
		Devices:  make(map[byte]*LogicalUnit),
		LUN0:     NewLUN0(),
	}
	target.availableLuns.clear()
	targetService.nextTid += 1
	targetService.targetByTid[target.TargetId] = target
	targetService.targetByName[name] = target
	logger.GetLogger().Infof("created target %s with ID %d", name, target.TargetId)
	return target, nil
}

func (targetService *TargetService) DeleteScsiTarget(name string) error {
	targetService.mutex.Lock()
	defer targetService.mutex.Unlock()
	target, ok := targetService.targetByName[name]
	if !ok {
		return &ErrUnknownTarget{name: name}
	}
	if target.hasLogicalUnits() {
		return &ErrTargetBusy{name: name, reason: "has logical units attached"}
	}
	if target.HasConnections() {
		return &ErrTargetBusy{name: name, reason: "has active connections"}
	}
	delete(targetService.targetByName, name)
	delete(targetService.targetByTid, target.TargetId)
	return nil
}

func (target *SCSITarget) device(lun byte) *LogicalUnit {
	target.DevicesLock.RLock()
	defer target.DevicesLock.RUnlock()
	return target.Devices[lun]
}

func (target *SCSITarget) lunNumbers() []byte {
	target.DevicesLock.RLock()
	defer target.DevicesLock.RUnlock()
	result := make([]byte, 0, len(target.Devices))
	for lun := range target.Devices {
		result = append(result, lun)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (target *SCSITarget) AddLun(logicalUnit *LogicalUnit) (byte, error) {
	target.DevicesLock.Lock()
	defer target.DevicesLock.Unlock()
	lunId, err := target.availableLuns.nextLun()
	if err != nil {
		return 0, err
	}
	logicalUnit.TargetLunId = lunId
	target.Devices[lunId] = logicalUnit
	return lunId, nil
}

// DetachLun closes the backing store of a logical unit and returns its
// path.
func (target *SCSITarget) DetachLun(logicalUnitId byte) (string, error) {
	target.DevicesLock.Lock()
	defer target.DevicesLock.Unlock()
	lun, ok := target.Devices[logicalUnitId]
	if !ok {
		return "", &ErrLogicalUnitNotFound{lun: logicalUnitId}
	}
	path := lun.BackingStorage.GetPath()
	if err := lun.BackingStorage.Close(); err != nil {
		return "", err
	}
	delete(target.Devices, logicalUnitId)
	target.availableLuns.deleteLun(logicalUnitId)
	return path, nil
}

// Clear detaches every logical unit of an idle target.
func (target *SCSITarget) Clear() ([]string, error) {
	if target.HasConnections() {
		return nil, &ErrTargetBusy{name: target.Name, reason: "has active connections"}
	}
	result := make([]string, 0, 10)
	for _, lunId := range target.lunNumbers() {
		path, err := target.DetachLun(lunId)
		if err != nil {
			return nil, err
		}
		result = append(result, path)
	}
	return result, nil
}

func (target *SCSITarget) hasLogicalUnits() bool {
	target.DevicesLock.RLock()
	defer target.DevicesLock.RUnlock()
	return len(target.Devices) > 0
}

func (target *SCSITarget) HasConnections() bool {
	target.ITNexusMutex.Lock()
	defer target.ITNexusMutex.Unlock()
	return len(target.ITNexus) > 0
}

type LunInfo struct {
	Lun     byte   `json:"lun"`
	Backing string `json:"backing"`
	Size    uint64 `json:"size"`
}

func (target *SCSITarget) LunsInfo() []LunInfo {
	result := make([]LunInfo, 0)
	for _, lunId := range target.lunNumbers() {
		if device := target.device(lunId); device != nil {
			result = append(result, device.Info())
		}
	}
	return result
}

func (target *SCSITarget) GetItNexus(command *SCSICommand) *ITNexus {
	target.ITNexusMutex.Lock()
	defer target.ITNexusMutex.Unlock()
	return target.ITNexus[command.ITNexusID]
}

func AddITNexus(target *SCSITarget, itnexus *ITNexus) bool {
	target.ITNexusMutex.Lock()
	defer target.ITNexusMutex.Unlock()
	if _, ok := target.ITNexus[itnexus.ID]; ok {
		return false
	}
	target.ITNexus[itnexus.ID] = itnexus
	return true
}

func RemoveITNexus(target *SCSITarget, itnexus *ITNexus) {
	target.ITNexusMutex.Lock()
	defer target.ITNexusMutex.Unlock()
	delete(target.ITNexus, itnexus.ID)
}
