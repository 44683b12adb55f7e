// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// Package scsi block command processing
package scsi

import (
	"encoding/binary"
	"iscsitarget/pkg/logger"
)

func validateOffsetLength(transferLength, logicalBlockAddress, deviceSizeInBlocks uint64) bool {
	log := logger.GetLogger()
	// check for uint64 overflow of the end of the area
	end := logicalBlockAddress + transferLength
	if end < logicalBlockAddress || end > deviceSizeInBlocks {
		log.Warnf(
			"LBA out of range: logicalBlockAddress: %d, tl: %d, size: %d",
			logicalBlockAddress,
			transferLength,
			deviceSizeInBlocks,
		)
		return false
	}
	if transferLength == 0 && logicalBlockAddress >= deviceSizeInBlocks {
		log.Warnf(
			"LBA out of range: logicalBlockAddress: %d, size: %d",
			logicalBlockAddress,
			deviceSizeInBlocks,
		)
		return false
	}
	return true
}

// prepareReadWrite checks the CDB of a READ or WRITE and fills the byte
// offset and length of the transfer.
func prepareReadWrite(device *LogicalUnit, command *SCSICommand) bool {
	const protectBitMask = byte(0xe0)
	if command.SCB[1]&protectBitMask != 0 {
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return false
	}
	if !device.Attrs.Online {
		BuildSenseData(command, NotReady, AscMediumNotPresent)
		return false
	}
	logicalBlockAddress := getSCSIReadWriteOffset(command.SCB)
	transferLength := getSCSIReadWriteCount(command.SCB)
	deviceSizeInBlocks := device.Size >> device.BlockShift
	if !validateOffsetLength(uint64(transferLength), logicalBlockAddress, deviceSizeInBlocks) {
		BuildSenseData(command, IllegalRequest, AscLbaOutOfRange)
		return false
	}
	command.Offset = logicalBlockAddress << device.BlockShift
	command.TransferLength = transferLength << device.BlockShift
	return true
}

func SBCRead(device *LogicalUnit, command *SCSICommand) SAMStat {
	if command.InSDBBuffer == nil {
		return invalidFieldInCdb(command)
	}
	if !prepareReadWrite(device, command) {
		return SAMStatCheckCondition
	}
	if scsiErr := HandleRead(device, command); scsiErr != nil {
		BuildSenseData(command, scsiErr.senseCode, scsiErr.additionalSenseCode)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}

func SbcWrite(device *LogicalUnit, command *SCSICommand) SAMStat {
	if command.OutSDBBuffer == nil {
		return invalidFieldInCdb(command)
	}
	if !prepareReadWrite(device, command) {
		return SAMStatCheckCondition
	}
	if scsiErr := HandleWrite(device, command); scsiErr != nil {
		BuildSenseData(command, scsiErr.senseCode, scsiErr.additionalSenseCode)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}

// SBCReadCapacity Implements SCSI READ CAPACITY(10) command
// Reference : SBC2r16
// 5.10 - READ CAPACITY(10)
func SBCReadCapacity(device *LogicalUnit, command *SCSICommand) SAMStat {
	const partialMediumIndicator = byte(0x1)
	if command.SCB[8]&partialMediumIndicator == 0 && binary.BigEndian.Uint32(command.SCB[2:6]) != 0 {
		return invalidFieldInCdb(command)
	}
	size := device.Size >> device.BlockShift
	lastBlock := uint32(0xffffffff)
	if size>>32 == 0 {
		lastBlock = uint32(size - 1)
	}
	data := binary.BigEndian.AppendUint32(nil, lastBlock)
	data = binary.BigEndian.AppendUint32(data, uint32(1<<device.BlockShift))
	command.setDataIn(data, uint32(len(data)))
	return SAMStatGood
}

// SBCReadCapacity16 Implements SCSI READ CAPACITY(16) command
// Reference : SBC2r16
// 5.11 - READ CAPACITY(16)
func SBCReadCapacity16(device *LogicalUnit, command *SCSICommand) SAMStat {
	size := device.Size >> device.BlockShift
	allocationLength := binary.BigEndian.Uint32(command.SCB[10:14])
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data, size-1)
	binary.BigEndian.PutUint32(data[8:], uint32(1<<device.BlockShift))
	exponent := device.Attrs.LogicalBlocksPerPhysicalBlockExponent
	binary.BigEndian.PutUint32(data[12:], uint32(exponent<<16|device.Attrs.LowestAlignedLBA))
	command.setDataIn(data, allocationLength)
	return SAMStatGood
}

// SbcSyncCache Implements SCSI SYNCHRONIZE CACHE(10) and (16) commands.
// The whole store is flushed whatever range is given.
func SbcSyncCache(device *LogicalUnit, command *SCSICommand) SAMStat {
	if err := HandleSync(device.BackingStorage); err != nil {
		BuildSenseData(command, err.senseCode, err.additionalSenseCode)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}

func SBCStartStop(device *LogicalUnit, command *SCSICommand) SAMStat {
	return SAMStatGood
}
