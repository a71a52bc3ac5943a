// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"iscsikit/pkg/logger"
)

// MemoryPath selects the in-memory backing store.
const MemoryPath = ":memory:"

type BackingStore interface {
	Size() uint64
	ReadAt(buffer []byte, offset uint64) error
	WriteAt(data []byte, offset uint64) error
	Sync() error
	Close() error
	Path() string
}

var errOutOfRange = errors.New("access beyond the end of the backing store")

func checkRange(length int, offset, size uint64) error {
	end := offset + uint64(length)
	if end < offset || end > size {
		return errOutOfRange
	}
	return nil
}

// OpenBackingStore opens path as a backing store. A file that does not
// exist is created with size bytes; size zero keeps an existing file's size.
func OpenBackingStore(path string, size uint64) (BackingStore, error) {
	switch path {
	case "":
		return NewNullBackingStore(), nil
	case MemoryPath:
		if size == 0 {
			return nil, fmt.Errorf("in-memory backing store needs a size")
		}
		return NewMemoryBackingStore(size), nil
	}
	return OpenFileBackingStore(path, size)
}

type NullBackingStore struct{}

func NewNullBackingStore() *NullBackingStore {
	return &NullBackingStore{}
}

func (*NullBackingStore) Size() uint64 { return 0 }

func (*NullBackingStore) ReadAt(buffer []byte, offset uint64) error {
	return checkRange(len(buffer), offset, 0)
}

func (*NullBackingStore) WriteAt(data []byte, offset uint64) error {
	return checkRange(len(data), offset, 0)
}

func (*NullBackingStore) Sync() error  { return nil }
func (*NullBackingStore) Close() error { return nil }
func (*NullBackingStore) Path() string { return "" }

type MemoryBackingStore struct {
	lock sync.RWMutex
	data []byte
}

func NewMemoryBackingStore(size uint64) *MemoryBackingStore {
	return &MemoryBackingStore{data: make([]byte, size)}
}

func (store *MemoryBackingStore) Size() uint64 {
	return uint64(len(store.data))
}

func (store *MemoryBackingStore) ReadAt(buffer []byte, offset uint64) error {
	store.lock.RLock()
	defer store.lock.RUnlock()
	if err := checkRange(len(buffer), offset, store.Size()); err != nil {
		return err
	}
	copy(buffer, store.data[offset:])
	return nil
}

func (store *MemoryBackingStore) WriteAt(data []byte, offset uint64) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	if err := checkRange(len(data), offset, store.Size()); err != nil {
		return err
	}
	copy(store.data[offset:], data)
	return nil
}

func (*MemoryBackingStore) Sync() error  { return nil }
func (*MemoryBackingStore) Close() error { return nil }
func (*MemoryBackingStore) Path() string { return MemoryPath }

// FileBackingStore keeps the blocks in a regular, possibly sparse, file.
type FileBackingStore struct {
	file *os.File
	size uint64
	path string
}

func OpenFileBackingStore(path string, size uint64) (*FileBackingStore, error) {
	log := logger.GetLogger()
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size() == 0 && size > 0 {
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, err
		}
		log.Infof("created backing file %s of %d bytes", path, size)
	} else {
		size = uint64(info.Size())
	}
	if size == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("backing file %s is empty", path)
	}
	return &FileBackingStore{file: file, size: size, path: path}, nil
}

func (store *FileBackingStore) Size() uint64 {
	return store.size
}

func (store *FileBackingStore) ReadAt(buffer []byte, offset uint64) error {
	if err := checkRange(len(buffer), offset, store.size); err != nil {
		return err
	}
	_, err := store.file.ReadAt(buffer, int64(offset))
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (store *FileBackingStore) WriteAt(data []byte, offset uint64) error {
	if err := checkRange(len(data), offset, store.size); err != nil {
		return err
	}
	_, err := store.file.WriteAt(data, int64(offset))
	return err
}

func (store *FileBackingStore) Sync() error {
	return store.file.Sync()
}

func (store *FileBackingStore) Close() error {
	return store.file.Close()
}

func (store *FileBackingStore) Path() string {
	return store.path
}
