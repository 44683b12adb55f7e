// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import "fmt"

// CommandError carries the sense data a failed command reports.
type CommandError struct {
	senseCode           byte
	additionalSenseCode AdditionalSenseCode
}

func (err CommandError) Error() string {
	return fmt.Sprintf("sense key 0x%x, additional sense 0x%04x", err.senseCode, uint16(err.additionalSenseCode))
}

type ErrUnknownTarget struct {
	name string
	tid  int
}

func (err ErrUnknownTarget) Error() string {
	if err.name != "" {
		return fmt.Sprintf("target '%s' does not exist", err.name)
	}
	return fmt.Sprintf("target with ID %d does not exist", err.tid)
}

type ErrTargetBusy struct {
	name   string
	reason string
}

func (err ErrTargetBusy) Error() string {
	return fmt.Sprintf("target '%s' %s", err.name, err.reason)
}

type ErrLogicalUnitNotFound struct {
	lun byte
}

func (err ErrLogicalUnitNotFound) Error() string {
	return fmt.Sprintf("logical unit %d not found", err.lun)
}

const (
	NoSense        byte = 0x00
	NotReady       byte = 0x02
	MediumError    byte = 0x03
	IllegalRequest byte = 0x05
	AbortedCommand byte = 0x0b
)

type AdditionalSenseCode uint16

const (
	// Key 0: No Sense Errors
	NoAdditionalSense AdditionalSenseCode = 0x0000

	// Key 3: Medium errors
	AscWriteError AdditionalSenseCode = 0x0c00
	AscReadError  AdditionalSenseCode = 0x1100

	// Key 2: Not ready
	AscBecomingReady    AdditionalSenseCode = 0x0401
	AscMediumNotPresent AdditionalSenseCode = 0x3a00

	// Key 5: Illegal Request
	AscInvalidOpCode     AdditionalSenseCode = 0x2000
	AscLbaOutOfRange     AdditionalSenseCode = 0x2100
	AscInvalidFieldInCdb AdditionalSenseCode = 0x2400
	AscLunNotSupported   AdditionalSenseCode = 0x2500
	AscSavingParmsUnsup  AdditionalSenseCode = 0x3900

	// Key b: Aborted command
	AscProtocolServiceCRCError AdditionalSenseCode = 0x4705
)
