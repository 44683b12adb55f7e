// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
// SCSI primary command processing
package scsi

import (
	"encoding/binary"
	"iscsitarget/pkg/logger"
)

// SPCReportLuns Implements SCSI REPORT LUNS command
// The REPORT LUNS command requests the device server to return the peripheral Device
// logical unit inventory accessible to the I_T nexus.
//
// Reference : SPC4r11
// 6.33 - REPORT LUNS
func SPCReportLuns(command *SCSICommand) SAMStat {
	allocationLength := binary.BigEndian.Uint32(command.SCB[6:10])
	if allocationLength < 16 {
		logger.GetLogger().Warnf("REPORT LUNS allocation length %d is below 16", allocationLength)
		return invalidFieldInCdb(command)
	}
	luns := command.Target.lunNumbers()
	if len(luns) == 0 || luns[0] != 0 {
		// LUN 0 is always reported
		luns = append([]byte{0}, luns...)
	}
	listLength := uint32(len(luns) * 8)
	response := make([]byte, 8, 8+listLength)
	binary.BigEndian.PutUint32(response, listLength)
	for _, lun := range luns {
		response = append(
			response,
			// single level LUN structure, peripheral device addressing
			0x00, lun,
			0x00, 0x00,
			0x00, 0x00,
			0x00, 0x00,
		)
	}
	command.setDataIn(response, allocationLength)
	return SAMStatGood
}

// SPCTestUnit Implements SCSI TEST UNIT READY command
// Reference : SPC4r11
// 6.47 - TEST UNIT READY
func SPCTestUnit(device *LogicalUnit, command *SCSICommand) SAMStat {
	if device.Attrs.Online {
		return SAMStatGood
	}
	BuildSenseData(command, NotReady, AscBecomingReady)
	return SAMStatCheckCondition
}

type modeSenseRequest struct {
	disableBlockDescriptors bool
	pageCode                byte
	pageControl             byte
	subPageCode             byte
	allocationLength        uint32
}

func parseModeSense(scb []byte, allocationLength uint32) modeSenseRequest {
	const (
		disableBlockDescriptorsBitMask = byte(0x8)
		pageCodeBitMask                = byte(0x3f)
		pageControlBitMask             = byte(0xc0)
	)
	return modeSenseRequest{
		disableBlockDescriptors: scb[1]&disableBlockDescriptorsBitMask != 0,
		pageCode:                scb[2] & pageCodeBitMask,
		pageControl:             (scb[2] & pageControlBitMask) >> 6,
		subPageCode:             scb[3],
		allocationLength:        allocationLength,
	}
}

// modeSenseData returns the block descriptor and the requested pages or
// false when the check condition is already built.
func modeSenseData(device *LogicalUnit, command *SCSICommand, request modeSenseRequest) ([]byte, []byte, bool) {
	const savedValues = 3
	if request.pageControl == savedValues {
		BuildSenseData(command, IllegalRequest, AscSavingParmsUnsup)
		return nil, nil, false
	}
	var blockDescriptor []byte
	if !request.disableBlockDescriptors {
		blockDescriptor = device.ModeBlockDescriptor
	}
	pages, err := device.ModePages.toBytes(request.pageCode, request.subPageCode, request.pageControl)
	if err != nil {
		logger.GetLogger().Warn(err)
		BuildSenseData(command, IllegalRequest, AscInvalidFieldInCdb)
		return nil, nil, false
	}
	return blockDescriptor, pages, true
}

// DPOFUA bit of the device specific parameter, write protect is never set.
const deviceSpecificParameter = byte(0x10)

// SPCModeSense10 Implement SCSI MODE SENSE(10)
// Reference : SPC5r19
// 6.15 - MODE SENSE(10)
func SPCModeSense10(device *LogicalUnit, command *SCSICommand) SAMStat {
	request := parseModeSense(command.SCB, uint32(binary.BigEndian.Uint16(command.SCB[7:9])))
	blockDescriptor, pages, ok := modeSenseData(device, command, request)
	if !ok {
		return SAMStatCheckCondition
	}
	// MODE DATA LENGTH does not count itself
	dataLength := 6 + len(blockDescriptor) + len(pages)
	response := []byte{
		byte(dataLength >> 8), byte(dataLength),
		// MEDIUM TYPE
		0x00,
		deviceSpecificParameter,
		// Reserved
		0x00, 0x00,
		// BLOCK DESCRIPTOR LENGTH
		0x00, byte(len(blockDescriptor)),
	}
	response = append(response, blockDescriptor...)
	response = append(response, pages...)
	command.setDataIn(response, request.allocationLength)
	return SAMStatGood
}

// SPCModeSense6 Implement SCSI MODE SENSE(6)
// Reference : SPC5r19
// 6.14 - MODE SENSE(6)
func SPCModeSense6(device *LogicalUnit, command *SCSICommand) SAMStat {
	request := parseModeSense(command.SCB, uint32(command.SCB[4]))
	blockDescriptor, pages, ok := modeSenseData(device, command, request)
	if !ok {
		return SAMStatCheckCondition
	}
	dataLength := 3 + len(blockDescriptor) + len(pages)
	response := []byte{
		byte(dataLength),
		// MEDIUM TYPE
		0x00,
		deviceSpecificParameter,
		byte(len(blockDescriptor)),
	}
	response = append(response, blockDescriptor...)
	response = append(response, pages...)
	command.setDataIn(response, request.allocationLength)
	return SAMStatGood
}

// SPCRequestSense Implements SCSI REQUEST SENSE command
// Commands complete with autosense, so there is never a pending condition.
// Reference : SPC4r11
// 6.39 - REQUEST SENSE
func SPCRequestSense(command *SCSICommand) SAMStat {
	command.setDataIn(BuildSense(NoSense, NoAdditionalSense), uint32(command.SCB[4]))
	return SAMStatGood
}
