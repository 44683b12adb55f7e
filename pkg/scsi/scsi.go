// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// Package scsi is a SCSI device server for block logical units.
package scsi

import (
	"encoding/binary"
	"iscsitarget/pkg/logger"
	"sort"
	"sync"
)

type TargetService struct {
	mutex        sync.RWMutex
	targetByName map[string]*SCSITarget
	targetByTid  map[int]*SCSITarget
	nextTid      int
	LunFactory   *LogicalUnitFactory
}

func NewSCSITargetService() *TargetService {
	return &TargetService{
		targetByName: make(map[string]*SCSITarget),
		targetByTid:  make(map[int]*SCSITarget),
		nextTid:      1,
		LunFactory:   newLogicalUnitFactory(),
	}
}

func (targetService *TargetService) getTargetByTid(targetId int) (*SCSITarget, bool) {
	targetService.mutex.RLock()
	defer targetService.mutex.RUnlock()
	target, ok := targetService.targetByTid[targetId]
	return target, ok
}

func (targetService *TargetService) TargetByName(name string) (*SCSITarget, error) {
	targetService.mutex.RLock()
	defer targetService.mutex.RUnlock()
	target, ok := targetService.targetByName[name]
	if !ok {
		return nil, &ErrUnknownTarget{name: name}
	}
	return target, nil
}

// Targets returns the targets ordered by target ID.
func (targetService *TargetService) Targets() []*SCSITarget {
	targetService.mutex.RLock()
	result := make([]*SCSITarget, 0, len(targetService.targetByTid))
	for _, target := range targetService.targetByTid {
		result = append(result, target)
	}
	targetService.mutex.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].TargetId < result[j].TargetId })
	return result
}

// Execute runs one command to completion. Failures of the command itself
// are reported through Result and SenseBuffer, the error is only returned
// when the target does not exist.
func (targetService *TargetService) Execute(targetId int, command *SCSICommand) error {
	log := logger.GetLogger()
	target, ok := targetService.getTargetByTid(targetId)
	if !ok {
		return &ErrUnknownTarget{tid: targetId}
	}
	command.Target = target
	command.ITNexus = target.GetItNexus(command)
	device := target.device(command.LogicalUnit)

	log.Debugf(
		"scsi opcode: %s, LUN: %d",
		OperationCodeToString(CommandType(command.OperationCode)),
		command.LogicalUnit,
	)
	if device == nil {
		device = target.LUN0
		if command.LogicalUnit != 0 && CommandType(command.OperationCode) != Inquiry &&
			CommandType(command.OperationCode) != ReportLuns {
			BuildSenseData(command, IllegalRequest, AscLunNotSupported)
			log.Warnf("LUN %d of target %s is not present", command.LogicalUnit, target.Name)
			return nil
		}
	}

	result := device.PerformCommand(command)
	command.Result = result.Stat
	if result != SAMStatGood {
		log.Warnf("opcode: %xh err: %v", command.OperationCode, result.Err)
	}
	return nil
}

const (
	// MaxTransferLength is the largest READ or WRITE accepted, in bytes.
	MaxTransferLength = 16 << 20
	// maxAllocationLength bounds the buffer of any other command.
	maxAllocationLength = 1 << 20
)

// MaxDataLength is the most data cdb can move to or from a logical unit of
// the target. Buffers for a command are never sized beyond it.
func (targetService *TargetService) MaxDataLength(targetId int, lun byte, cdb []byte) uint64 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read10, Write10, Read16, Write16:
	default:
		return maxAllocationLength
	}
	target, ok := targetService.getTargetByTid(targetId)
	if !ok {
		return 0
	}
	device := target.device(lun)
	if device == nil {
		// Execute answers for the missing unit
		return maxAllocationLength
	}
	length := uint64(getSCSIReadWriteCount(cdb)) << device.BlockShift
	return min(length, device.Size, MaxTransferLength)
}

// BuildSense encodes fixed format sense data for the current error.
func BuildSense(key byte, asc AdditionalSenseCode) []byte {
	const additionalLength = 0xa
	sense := make([]byte, 8+additionalLength)
	sense[0] = 0x70
	sense[2] = key
	sense[7] = additionalLength
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

func BuildSenseData(command *SCSICommand, key byte, asc AdditionalSenseCode) {
	sense := BuildSense(key, asc)
	command.Result = SamStatCheckCondition
	command.SenseBuffer = &SenseBuffer{sense, uint32(len(sense))}
}

func getSCSIReadWriteOffset(scb []byte) uint64 {
	switch CommandType(scb[0]) {
	case Read10, Write10, SynchronizeCache10:
		return uint64(binary.BigEndian.Uint32(scb[2:]))
	case Read16, Write16, SynchronizeCache16:
		return binary.BigEndian.Uint64(scb[2:])
	default:
		return uint64(0)
	}
}

func getSCSIReadWriteCount(scb []byte) uint32 {
	switch CommandType(scb[0]) {
	case Read10, Write10, SynchronizeCache10:
		return uint32(binary.BigEndian.Uint16(scb[7:]))
	case Read16, Write16, SynchronizeCache16:
		return binary.BigEndian.Uint32(scb[10:])
	default:
		return uint32(0)
	}
}
