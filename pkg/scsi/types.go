// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

type CommandType byte

const (
	TestUnitReady      CommandType = 0x00
	RequestSense       CommandType = 0x03
	Inquiry            CommandType = 0x12
	ModeSense6         CommandType = 0x1a
	StartStop          CommandType = 0x1b
	ReadCapacity10     CommandType = 0x25
	Read10             CommandType = 0x28
	Write10            CommandType = 0x2a
	SynchronizeCache10 CommandType = 0x35
	ModeSense10        CommandType = 0x5a
	Read16             CommandType = 0x88
	Write16            CommandType = 0x8a
	SynchronizeCache16 CommandType = 0x91
	ServiceActionIn    CommandType = 0x9e
	ReportLuns         CommandType = 0xa0
)

const (
	ServiceActionReadCapacity16 byte = 0x10
)

type SenseBuffer struct {
	Buffer []byte
	Length uint32
}

// SCSIDataBuffer is a data-in or data-out buffer. Length is the size the
// initiator expects, TransferLength the number of valid bytes.
type SCSIDataBuffer struct {
	Buffer         []byte
	Length         uint32
	TransferLength uint32
}

type SCSICommand struct {
	OperationCode byte
	Target        *SCSITarget
	InSDBBuffer   *SCSIDataBuffer
	OutSDBBuffer  *SCSIDataBuffer
	// Command ITN ID
	ITNexusID      uuid.UUID
	ITNexus        *ITNexus
	Offset         uint64
	TransferLength uint32
	SCB            []byte
	LogicalUnit    byte
	Result         byte
	SenseBuffer    *SenseBuffer
}

// setDataIn copies data into the data-in buffer, truncated to the
// allocation length, and records how much of it is valid.
func (command *SCSICommand) setDataIn(data []byte, allocationLength uint32) {
	if command.InSDBBuffer == nil {
		return
	}
	length := min(uint32(len(data)), allocationLength, command.InSDBBuffer.Length)
	copy(command.InSDBBuffer.Buffer, data[:length])
	command.InSDBBuffer.TransferLength = length
}

type ITNexus struct {
	// UUID v1
	ID uuid.UUID
	// For protocol spec identifer
	Tag string
}

type SCSILuPhyAttribute struct {
	SCSISN             string
	VendorID           string
	ProductID          string
	ProductRev         string
	VersionDescription [16]byte
	// Peripheral device type
	DeviceType SCSIDeviceType
	// Logical Unit online
	Online                                bool
	LogicalBlocksPerPhysicalBlockExponent int // LBPPBE
	// Lowest aligned LBA
	LowestAlignedLBA int
}

const (
	DefaultBlockShift uint = 9
)

const (
	SamStatGood                byte = 0x00
	SamStatCheckCondition      byte = 0x02
	SamStatBusy                byte = 0x08
	SamStatReservationConflict byte = 0x18
	SamStatTaskAborted         byte = 0x40
)

type SAMStat struct {
	Stat byte
	Err  error
}

var (
	SAMStatGood           = SAMStat{SamStatGood, nil}
	SAMStatCheckCondition = SAMStat{SamStatCheckCondition, errors.New("check condition")}
	SAMStatBusy           = SAMStat{SamStatBusy, errors.New("busy")}
)

type SCSIDeviceType byte

const (
	TypeDisk    SCSIDeviceType = 0x00
	TypeUnknown SCSIDeviceType = 0x1f
)

var operationCodeNames = map[CommandType]string{
	TestUnitReady:      "TestUnitReady",
	RequestSense:       "RequestSense",
	Inquiry:            "Inquiry",
	ModeSense6:         "ModeSense6",
	StartStop:          "StartStop",
	ReadCapacity10:     "ReadCapacity10",
	Read10:             "Read10",
	Write10:            "Write10",
	SynchronizeCache10: "SynchronizeCache10",
	ModeSense10:        "ModeSense10",
	Read16:             "Read16",
	Write16:            "Write16",
	SynchronizeCache16: "SynchronizeCache16",
	ServiceActionIn:    "ServiceActionIn",
	ReportLuns:         "ReportLuns",
}

func OperationCodeToString(commandType CommandType) string {
	result, ok := operationCodeNames[commandType]
	if !ok {
		return fmt.Sprintf("0x%x", int(commandType))
	}
	return result
}
