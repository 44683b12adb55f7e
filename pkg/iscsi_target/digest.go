// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"encoding/binary"
	"hash/crc32"
)

const DigestSize = 4

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var zeroPadding [PadSize]byte

// headerDigest covers the BHS and the AHS.
func headerDigest(bhs, ahs []byte) uint32 {
	crc := crc32.Update(0, castagnoliTable, bhs)
	return crc32.Update(crc, castagnoliTable, ahs)
}

// dataDigest covers the payload and its zero padding.
func dataDigest(segments [][]byte, padding int) uint32 {
	var crc uint32
	for _, segment := range segments {
		crc = crc32.Update(crc, castagnoliTable, segment)
	}
	return crc32.Update(crc, castagnoliTable, zeroPadding[:padding])
}

func putDigest(buffer []byte, digest uint32) {
	binary.LittleEndian.PutUint32(buffer, digest)
}

func getDigest(buffer []byte) uint32 {
	return binary.LittleEndian.Uint32(buffer)
}
