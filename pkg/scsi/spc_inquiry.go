// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtocolIdentifierValueIscsi = byte(0x05)
	VersionSpc3                  = byte(0x05)
)

// Code set of a designator
const (
	InqCodeBin   = byte(1)
	InqCodeAscii = byte(2)
	InqCodeUtf8  = byte(3)
)

// Association of a designator
const (
	AssociatedLogicalUnit = byte(0x00)
	AssociatedTgtPort     = byte(0x01)
	AssociatedTgtDevice   = byte(0x02)
)

const (
	PeripheralQualifierDeviceConnected  = byte(0x00)
	PeripheralQualifierDeviceNotConnect = byte(0x01 << 5)
)

const (
	InquiryHisup          = byte(0x10)
	InquiryStandardFormat = byte(0x02)
	InquiryCmdque         = byte(0x02)
)

const (
	DesignatorTypeVendor = 0
	DesignatorTypeNaa    = 3
	DesignatorTypeScsi   = 8
)

const NaaLocal = uint64(0x3)

const (
	supportedVpdPagesVpdPageCode          = byte(0x00)
	unitSerialNumberVpdPageCode           = byte(0x80)
	deviceIdentificationVpdPageCode       = byte(0x83)
	blockLimitsVpdPageCode                = byte(0xb0)
	blockDeviceCharacteristicsVpdPageCode = byte(0xb1)
)

var supportedVpdPages = []byte{
	supportedVpdPagesVpdPageCode,
	unitSerialNumberVpdPageCode,
	deviceIdentificationVpdPageCode,
	blockLimitsVpdPageCode,
	blockDeviceCharacteristicsVpdPageCode,
}

func peripheralByte(device *LogicalUnit) byte {
	qualifier := PeripheralQualifierDeviceConnected
	if !device.Attrs.Online {
		qualifier = PeripheralQualifierDeviceNotConnect
	}
	return qualifier | byte(device.Attrs.DeviceType)
}

// vpdPage prepends the four byte VPD header to the page payload.
func vpdPage(device *LogicalUnit, pageCode byte, payload []byte) []byte {
	result := make([]byte, 4, 4+len(payload))
	result[0] = peripheralByte(device)
	result[1] = pageCode
	binary.BigEndian.PutUint16(result[2:], uint16(len(payload)))
	return append(result, payload...)
}

func designator(codeSet, association, designatorType byte, value []byte) []byte {
	const protocolIdentifierValid = byte(0x80)
	result := []byte{
		ProtocolIdentifierValueIscsi<<4 | codeSet,
		protocolIdentifierValid | association<<4 | designatorType,
		0x00,
		byte(len(value)),
	}
	return append(result, value...)
}

func unitSerialNumberVpdPage(device *LogicalUnit) []byte {
	return vpdPage(device, unitSerialNumberVpdPageCode, []byte(fmt.Sprintf("%-36s", device.Attrs.SCSISN)))
}

func deviceIdentificationVpdPage(device *LogicalUnit, command *SCSICommand) []byte {
	naa := binary.BigEndian.AppendUint64(nil, device.UUID|NaaLocal<<60)
	payload := designator(InqCodeBin, AssociatedLogicalUnit, DesignatorTypeNaa, naa)
	payload = append(payload, designator(
		InqCodeAscii, AssociatedLogicalUnit, DesignatorTypeVendor,
		[]byte(fmt.Sprintf("%-8s%s", device.Attrs.VendorID, device.Attrs.SCSISN)),
	)...)
	if command.Target != nil {
		payload = append(payload, designator(
			InqCodeUtf8, AssociatedTgtDevice, DesignatorTypeScsi,
			scsiNameString(command.Target.Name),
		)...)
	}
	return vpdPage(device, deviceIdentificationVpdPageCode, payload)
}

func blockLimitsVpdPage(device *LogicalUnit) []byte {
	payload := make([]byte, 0x3c)
	// OPTIMAL TRANSFER LENGTH GRANULARITY in blocks
	binary.BigEndian.PutUint16(payload[2:], uint16(1<<device.Attrs.LogicalBlocksPerPhysicalBlockExponent))
	// MAXIMUM TRANSFER LENGTH in blocks
	binary.BigEndian.PutUint32(payload[4:], uint32(MaxTransferLength>>device.BlockShift))
	return vpdPage(device, blockLimitsVpdPageCode, payload)
}

func blockDeviceCharacteristicsVpdPage(device *LogicalUnit) []byte {
	payload := make([]byte, 0x3c)
	// MEDIUM ROTATION RATE: non-rotating medium
	binary.BigEndian.PutUint16(payload, 0x0001)
	return vpdPage(device, blockDeviceCharacteristicsVpdPageCode, payload)
}

func standardInquiryData(device *LogicalUnit) []byte {
	result := []byte{
		peripheralByte(device),
		// RMB
		0x00,
		VersionSpc3,
		InquiryHisup | InquiryStandardFormat,
		// ADDITIONAL LENGTH, set below
		0x00,
		// SCCS, TPGS, 3PC, PROTECT
		0x00,
		// ENCSERV, MULTIP
		0x00,
		InquiryCmdque,
	}
	result = append(result, fmt.Sprintf("%-8.8s", device.Attrs.VendorID)...)
	result = append(result, fmt.Sprintf("%-16.16s", device.Attrs.ProductID)...)
	result = append(result, fmt.Sprintf("%-4.4s", device.Attrs.ProductRev)...)
	// vendor specific, reserved and obsolete bytes 36 to 57
	result = append(result, make([]byte, 22)...)
	result = append(result, device.Attrs.VersionDescription[:]...)
	result[4] = byte(len(result) - 5)
	return result
}

// SPCInquiry Implements SCSI Inquiry command
// Reference : SPC4r11
// 6.6 - Inquiry
func SPCInquiry(device *LogicalUnit, command *SCSICommand) SAMStat {
	const enableVitalProductDataBitmask = byte(0x01)
	pageCode := command.SCB[2]
	allocationLength := uint32(binary.BigEndian.Uint16(command.SCB[3:5]))

	if command.SCB[1]&enableVitalProductDataBitmask == 0 {
		if pageCode != 0 {
			return invalidFieldInCdb(command)
		}
		command.setDataIn(standardInquiryData(device), allocationLength)
		return SAMStatGood
	}

	var data []byte
	switch pageCode {
	case supportedVpdPagesVpdPageCode:
		data = vpdPage(device, pageCode, supportedVpdPages)
	case unitSerialNumberVpdPageCode:
		data = unitSerialNumberVpdPage(device)
	case deviceIdentificationVpdPageCode:
		data = deviceIdentificationVpdPage(device, command)
	case blockLimitsVpdPageCode:
		data = blockLimitsVpdPage(device)
	case blockDeviceCharacteristicsVpdPageCode:
		data = blockDeviceCharacteristicsVpdPage(device)
	default:
		return invalidFieldInCdb(command)
	}
	command.setDataIn(data, allocationLength)
	return SAMStatGood
}
