/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backingstore holds the storage plugins behind disk LUNs.
package backingstore

import (
	"fmt"
	"os"

	"github.com/gostor/goiscsi/pkg/scsi"
	log "github.com/sirupsen/logrus"
)

const (
	FileBackingStorage = "file"
)

func init() {
	scsi.RegisterBackingStore(FileBackingStorage, newFile)
}

type FileBackingStore struct {
	scsi.BaseBackingStore
	file *os.File
}

func newFile() (scsi.BackingStore, error) {
	return &FileBackingStore{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: FileBackingStorage,
		},
	}, nil
}

// Open opens path, creating a sparse file of size bytes when it does not exist.
func (bs *FileBackingStore) Open(path string, size uint64) error {
	if path == "" {
		return fmt.Errorf("file backing store needs a path")
	}
	finfo, err := os.Stat(path)
	if os.IsNotExist(err) && size > 0 {
		log.Infof("creating backing file %s of %d bytes", path, size)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return err
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return err
		}
		bs.file = f
		bs.DataSize = size
		return nil
	}
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	bs.file = f
	bs.DataSize = uint64(finfo.Size())
	return nil
}

func (bs *FileBackingStore) Close() error {
	if bs.file == nil {
		return nil
	}
	return bs.file.Close()
}

func (bs *FileBackingStore) ReadAt(p []byte, off int64) (int, error) {
	if bs.file == nil {
		return 0, fmt.Errorf("backend store is nil")
	}
	return bs.file.ReadAt(p, off)
}

func (bs *FileBackingStore) WriteAt(p []byte, off int64) (int, error) {
	if bs.file == nil {
		return 0, fmt.Errorf("backend store is nil")
	}
	n, err := bs.file.WriteAt(p, off)
	if err == nil && n != len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	return n, err
}

func (bs *FileBackingStore) DataSync() error {
	return bs.file.Sync()
}
