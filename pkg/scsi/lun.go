// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const memoryBackingPrefix = "memory:"

type LogicalUnitFactory struct {
	mutex   sync.Mutex
	nextId  uint64
	vendor  string
	product string
}

func newLogicalUnitFactory() *LogicalUnitFactory {
	return &LogicalUnitFactory{
		nextId:  1000,
		vendor:  "NX",
		product: "ISCSITARGET",
	}
}

type LogicalUnit struct {
	Size                uint64
	UUID                uint64
	BlockShift          uint
	Attrs               SCSILuPhyAttribute
	ModePages           ModePages
	BackingStorage      BackingStore
	ModeBlockDescriptor []byte

	TargetLunId byte
}

const cachingModePageCode = byte(0x08)

func (logicalUnit *LogicalUnit) Init(deviceType SCSIDeviceType, vendor, product string) {
	logicalUnit.Attrs.DeviceType = deviceType
	logicalUnit.Attrs.VendorID = vendor
	logicalUnit.Attrs.ProductID = product
	logicalUnit.Attrs.ProductRev = "0.1"
	logicalUnit.Attrs.SCSISN = fmt.Sprintf("iscsitarget-%d", logicalUnit.UUID)
	logicalUnit.Attrs.VersionDescription = [16]byte{
		0x03, 0x20, // SBC-2 no version claimed
		0x09, 0x60, // iSCSI no version claimed
		0x03, 0x00, // SPC-3 no version claimed
		0x00, 0x60, // SAM-3 no version claimed
	}
	if logicalUnit.BlockShift == 0 {
		logicalUnit.BlockShift = DefaultBlockShift
	}
	logicalUnit.ModePages = ModePages{
		// Disconnect-Reconnect: buffer full and empty ratios, bus
		// inactivity limit 10, everything else unlimited
		{0x02, 0, []byte{0x80, 0x80, 0x00, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		// Caching: WCE set, read cache enabled
		{cachingModePageCode, 0, []byte{0x14, 0, 0xff, 0xff, 0, 0, 0xff, 0xff, 0xff, 0xff, 0x80, 0x14, 0, 0, 0, 0, 0, 0}},
		// Control
		{0x0a, 0, []byte{2, 0x10, 0, 0, 0, 0, 0, 0, 2, 0}},
		// Control Extensions: TCMOS
		{0x0a, 0x01, append([]byte{0x04}, make([]byte, 27)...)},
		// Informational Exceptions Control
		{0x1c, 0, []byte{8, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	blocks := uint32(0xffffffff)
	if size := logicalUnit.Size >> logicalUnit.BlockShift; size>>32 == 0 {
		blocks = uint32(size)
	}
	descriptor := binary.BigEndian.AppendUint32(nil, blocks)
	logicalUnit.ModeBlockDescriptor = binary.BigEndian.AppendUint32(descriptor, uint32(1<<logicalUnit.BlockShift))
}

func (logicalUnit *LogicalUnit) writeCacheEnabled() bool {
	const writeCacheEnableBitMask = byte(0x04)
	page := logicalUnit.ModePages.findPage(cachingModePageCode, 0)
	return page != nil && page.Data[0]&writeCacheEnableBitMask != 0
}

// parseMemorySize accepts a byte count with an optional K, M or G suffix.
func parseMemorySize(value string) (uint64, error) {
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(value, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(value, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(value, "G"):
		multiplier = 1 << 30
	}
	if multiplier != 1 {
		value = value[:len(value)-1]
	}
	size, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad memory size %q", value)
	}
	return size * multiplier, nil
}

// NewSCSILu opens a disk logical unit. The backing is either
// "memory:<size>" or a path to a regular file.
func (factory *LogicalUnitFactory) NewSCSILu(backing string) (*LogicalUnit, error) {
	var store BackingStore
	if sizeSpec, ok := strings.CutPrefix(backing, memoryBackingPrefix); ok {
		size, err := parseMemorySize(sizeSpec)
		if err != nil {
			return nil, err
		}
		store = NewMemoryBackingStore(size)
	} else {
		fileStore, err := OpenFileBackingStore(backing)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	if store.Size() < 1<<DefaultBlockShift {
		store.Close()
		return nil, fmt.Errorf("backing %s is smaller than one block", backing)
	}

	factory.mutex.Lock()
	id := factory.nextId
	factory.nextId += 1
	factory.mutex.Unlock()

	lu := &LogicalUnit{
		BackingStorage: store,
		BlockShift:     DefaultBlockShift,
		UUID:           id,
		Size:           store.Size(),
	}
	lu.Init(TypeDisk, factory.vendor, factory.product)
	lu.Attrs.Online = true
	lu.Attrs.LogicalBlocksPerPhysicalBlockExponent = 3
	return lu, nil
}

// NewLUN0 is the placeholder answering INQUIRY and REPORT LUNS on a target
// without logical unit 0.
func NewLUN0() *LogicalUnit {
	lu := &LogicalUnit{
		BackingStorage: NewNull(),
		BlockShift:     DefaultBlockShift,
	}
	lu.Init(TypeUnknown, "NX", "ISCSITARGET")
	lu.Attrs.Online = false
	return lu
}

func (logicalUnit *LogicalUnit) Info() LunInfo {
	return LunInfo{
		Lun:     logicalUnit.TargetLunId,
		Backing: logicalUnit.BackingStorage.GetPath(),
		Size:    logicalUnit.Size,
	}
}

func invalidFieldInCdb(command *SCSICommand) SAMStat {
	BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
	return SAMStatCheckCondition
}

func (logicalUnit *LogicalUnit) PerformCommand(command *SCSICommand) SAMStat {
	switch CommandType(command.OperationCode) {
	case TestUnitReady:
		return SPCTestUnit(logicalUnit, command)
	case RequestSense:
		return SPCRequestSense(command)
	case Inquiry:
		return SPCInquiry(logicalUnit, command)
	case StartStop:
		return SBCStartStop(logicalUnit, command)
	case ReadCapacity10:
		return SBCReadCapacity(logicalUnit, command)
	case ModeSense10:
		return SPCModeSense10(logicalUnit, command)
	case ModeSense6:
		return SPCModeSense6(logicalUnit, command)
	case Read10, Read16:
		return SBCRead(logicalUnit, command)
	case Write10, Write16:
		return SbcWrite(logicalUnit, command)
	case SynchronizeCache10, SynchronizeCache16:
		return SbcSyncCache(logicalUnit, command)
	case ReportLuns:
		return SPCReportLuns(command)
	case ServiceActionIn:
		if command.SCB[1]&0x1f == ServiceActionReadCapacity16 {
			return SBCReadCapacity16(logicalUnit, command)
		}
		return invalidFieldInCdb(command)
	default:
		BuildSenseData(command, IllegalRequest, AscInvalidOpCode)
		return SAMStatCheckCondition
	}
}
