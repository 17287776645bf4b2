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

package backingstore

import (
	"sync"

	"github.com/dypflying/go-qcow2lib/qcow2"
	"github.com/gostor/goiscsi/pkg/scsi"
	log "github.com/sirupsen/logrus"
)

const (
	Qcow2BackingStorage = "qcow2"
)

func init() {
	scsi.RegisterBackingStore(Qcow2BackingStorage, newQcow2)
}

// qcow2Store serializes access, the qcow2 block layer keeps shared
// cluster caches.
type qcow2Store struct {
	scsi.BaseBackingStore
	mu    sync.Mutex
	child *qcow2.BdrvChild
}

func newQcow2() (scsi.BackingStore, error) {
	return &qcow2Store{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: Qcow2BackingStorage,
		},
	}, nil
}

func (bs *qcow2Store) Open(path string, size uint64) error {
	var err error
	var openOpts = map[string]any{
		qcow2.OPT_FILENAME: path,
		qcow2.OPT_FMT:      "qcow2",
	}
	log.Debugf("open qcow2 path = %s", path)
	if bs.child, err = qcow2.Blk_Open(path, openOpts, qcow2.BDRV_O_RDWR); err != nil {
		return err
	}
	if bs.DataSize, err = qcow2.Blk_Getlength(bs.child); err != nil {
		return err
	}
	return nil
}

func (bs *qcow2Store) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.child != nil {
		qcow2.Blk_Close(bs.child)
		bs.child = nil
	}
	return nil
}

func (bs *qcow2Store) ReadAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, err := qcow2.Blk_Pread(bs.child, uint64(off), p, uint64(len(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (bs *qcow2Store) WriteAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, err := qcow2.Blk_Pwrite(bs.child, uint64(off), p, uint64(len(p)), 0); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (bs *qcow2Store) DataSync() error {
	return nil
}
