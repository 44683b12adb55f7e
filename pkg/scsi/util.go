// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

// scsiNameString is the NUL terminated name of a SCSI name string
// designator, zero padded to a multiple of four and cut at 252 bytes.
func scsiNameString(name string) []byte {
	const maxLength = 252
	length := (len(name)/4 + 1) * 4
	if length > maxLength {
		return []byte(name)[:maxLength]
	}
	result := make([]byte, length)
	copy(result, name)
	return result
}
