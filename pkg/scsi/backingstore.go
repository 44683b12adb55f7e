// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
	"io"
	"iscsitarget/pkg/logger"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type BackingStore interface {
	Size() uint64
	// ReadAt fills buffer from offset. Bytes past the end read as zeroes.
	ReadAt(buffer []byte, offset uint64) error
	WriteAt(buffer []byte, offset uint64) error
	DataSync() error
	Close() error
	GetPath() string
}

type NullBackingStore struct{}

func NewNull() BackingStore {
	return &NullBackingStore{}
}

func (backingStore *NullBackingStore) Size() uint64 {
	return 0
}

func (backingStore *NullBackingStore) ReadAt(buffer []byte, offset uint64) error {
	logger.GetLogger().Debugf(
		"Called READ on NullBackingStore with transfer length %d and offset %d",
		len(buffer),
		offset,
	)
	clear(buffer)
	return nil
}

func (backingStore *NullBackingStore) WriteAt(buffer []byte, offset uint64) error {
	logger.GetLogger().Debugf(
		"Called WRITE on NullBackingStore with buffer size %d and offset %d",
		len(buffer),
		offset,
	)
	return nil
}

func (backingStore *NullBackingStore) DataSync() error {
	return nil
}

func (backingStore *NullBackingStore) Close() error {
	return nil
}

func (backingStore *NullBackingStore) GetPath() string {
	return ""
}

// MemoryBackingStore keeps the whole logical unit in a byte slice.
type MemoryBackingStore struct {
	mutex sync.RWMutex
	data  []byte
	name  string
}

func NewMemoryBackingStore(size uint64) *MemoryBackingStore {
	return &MemoryBackingStore{
		data: make([]byte, size),
		name: fmt.Sprintf("memory:%d", size),
	}
}

func (backingStore *MemoryBackingStore) Size() uint64 {
	return uint64(len(backingStore.data))
}

func (backingStore *MemoryBackingStore) checkRange(length int, offset uint64) error {
	if offset > uint64(len(backingStore.data)) || uint64(length) > uint64(len(backingStore.data))-offset {
		return fmt.Errorf("range [%d, %d) is out of a %d byte store", offset, offset+uint64(length), len(backingStore.data))
	}
	return nil
}

func (backingStore *MemoryBackingStore) ReadAt(buffer []byte, offset uint64) error {
	backingStore.mutex.RLock()
	defer backingStore.mutex.RUnlock()
	if err := backingStore.checkRange(len(buffer), offset); err != nil {
		return err
	}
	copy(buffer, backingStore.data[offset:])
	return nil
}

func (backingStore *MemoryBackingStore) WriteAt(buffer []byte, offset uint64) error {
	backingStore.mutex.Lock()
	defer backingStore.mutex.Unlock()
	if err := backingStore.checkRange(len(buffer), offset); err != nil {
		return err
	}
	copy(backingStore.data[offset:], buffer)
	return nil
}

func (backingStore *MemoryBackingStore) DataSync() error {
	return nil
}

func (backingStore *MemoryBackingStore) Close() error {
	backingStore.mutex.Lock()
	backingStore.data = nil
	backingStore.mutex.Unlock()
	return nil
}

func (backingStore *MemoryBackingStore) GetPath() string {
	return backingStore.name
}

// FileBackingStore serves a logical unit from a regular file.
type FileBackingStore struct {
	file *os.File
	path string
	size uint64
}

func OpenFileBackingStore(path string) (*FileBackingStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening backing file %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat of backing file %s", path)
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("backing file %s is not a regular file", path)
	}
	// block access is random, read-ahead only wastes page cache
	if err := unix.Fadvise(int(file.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		logger.GetLogger().Debugf("fadvise on %s: %v", path, err)
	}
	return &FileBackingStore{file: file, path: path, size: uint64(info.Size())}, nil
}

func (backingStore *FileBackingStore) Size() uint64 {
	return backingStore.size
}

func (backingStore *FileBackingStore) ReadAt(buffer []byte, offset uint64) error {
	count, err := backingStore.file.ReadAt(buffer, int64(offset))
	if errors.Cause(err) == io.EOF {
		clear(buffer[count:])
		return nil
	}
	return err
}

func (backingStore *FileBackingStore) WriteAt(buffer []byte, offset uint64) error {
	_, err := backingStore.file.WriteAt(buffer, int64(offset))
	return err
}

func (backingStore *FileBackingStore) DataSync() error {
	return unix.Fdatasync(int(backingStore.file.Fd()))
}

func (backingStore *FileBackingStore) Close() error {
	return backingStore.file.Close()
}

func (backingStore *FileBackingStore) GetPath() string {
	return backingStore.path
}

func HandleRead(device *LogicalUnit, command *SCSICommand) *CommandError {
	length := min(command.TransferLength, command.InSDBBuffer.Length)
	err := device.BackingStorage.ReadAt(command.InSDBBuffer.Buffer[:length], command.Offset)
	if err != nil {
		logger.GetLogger().Error(err)
		return &CommandError{
			senseCode:           MediumError,
			additionalSenseCode: AscReadError,
		}
	}
	command.InSDBBuffer.TransferLength = length
	return nil
}

func HandleWrite(device *LogicalUnit, command *SCSICommand) *CommandError {
	log := logger.GetLogger()
	out := command.OutSDBBuffer
	length := min(command.TransferLength, out.TransferLength)
	err := device.BackingStorage.WriteAt(out.Buffer[:length], command.Offset)
	if err != nil {
		log.Error(err)
		return &CommandError{
			senseCode:           MediumError,
			additionalSenseCode: AscWriteError,
		}
	}
	log.Debugf("write data at 0x%x for length %d", command.Offset, length)
	const forceUnitAccessBitMask = byte(0x8)
	if command.SCB[1]&forceUnitAccessBitMask != 0 || !device.writeCacheEnabled() {
		if err = device.BackingStorage.DataSync(); err != nil {
			log.Error(err)
			return &CommandError{
				senseCode:           MediumError,
				additionalSenseCode: AscWriteError,
			}
		}
	}
	return nil
}

func HandleSync(backingStore BackingStore) *CommandError {
	if err := backingStore.DataSync(); err != nil {
		logger.GetLogger().Error(err)
		return &CommandError{
			senseCode:           MediumError,
			additionalSenseCode: AscWriteError,
		}
	}
	return nil
}
