// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

// ScatterBlockSize is the size of one scatter list block.
const ScatterBlockSize = 4096

// ScatterList describes a data segment laid over fixed-size blocks. The
// segment starts offset bytes into the first block. Blocks may be owned by
// the engine or be views into a backend buffer.
type ScatterList struct {
	blocks [][]byte
	offset int
	length int
}

// NewScatterList allocates blocks for length bytes.
func NewScatterList(length int) *ScatterList {
	scatterList := &ScatterList{length: length}
	for remaining := length; remaining > 0; remaining -= ScatterBlockSize {
		scatterList.blocks = append(scatterList.blocks, make([]byte, min(remaining, ScatterBlockSize)))
	}
	return scatterList
}

// ScatterListFromBuffer maps length bytes of buffer starting at offset
// without copying. Blocks are aligned to the start of buffer.
func ScatterListFromBuffer(buffer []byte, offset, length int) *ScatterList {
	bugOn(offset < 0 || length < 0 || offset+length > len(buffer),
		"scatter list [%d:%d] is out of a %d byte buffer", offset, offset+length, len(buffer))
	base := offset - offset%ScatterBlockSize
	scatterList := &ScatterList{offset: offset - base, length: length}
	end := offset + length
	for start := base; start < end; start += ScatterBlockSize {
		scatterList.blocks = append(scatterList.blocks, buffer[start:min(start+ScatterBlockSize, len(buffer))])
	}
	return scatterList
}

func (scatterList *ScatterList) Len() int {
	return scatterList.length
}

// iovecs returns the segments covering at most size bytes starting at
// from. The slices alias the blocks.
func (scatterList *ScatterList) iovecs(from, size int) [][]byte {
	position := scatterList.offset + from
	end := scatterList.offset + min(scatterList.length, from+size)
	var result [][]byte
	for position < end {
		index := position / ScatterBlockSize
		inBlock := position % ScatterBlockSize
		stop := min((index+1)*ScatterBlockSize, end)
		result = append(result, scatterList.blocks[index][inBlock:inBlock+stop-position])
		position = stop
	}
	return result
}

// Bytes copies the segment into one contiguous slice.
func (scatterList *ScatterList) Bytes() []byte {
	result := make([]byte, 0, scatterList.length)
	for _, segment := range scatterList.iovecs(0, scatterList.length) {
		result = append(result, segment...)
	}
	return result
}
