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
	"github.com/gostor/goiscsi/pkg/scsi"
)

const (
	NullBackingStorage = "null"
)

func init() {
	scsi.RegisterBackingStore(NullBackingStorage, newNull)
}

// NullBackingStore reads zeroes and discards writes.
type NullBackingStore struct {
	scsi.BaseBackingStore
}

func newNull() (scsi.BackingStore, error) {
	return &NullBackingStore{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: NullBackingStorage,
		},
	}, nil
}

func (bs *NullBackingStore) Open(path string, size uint64) error {
	bs.DataSize = size
	return nil
}

func (bs *NullBackingStore) Close() error {
	return nil
}

func (bs *NullBackingStore) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (bs *NullBackingStore) WriteAt(p []byte, off int64) (int, error) {
	return len(p), nil
}

func (bs *NullBackingStore) DataSync() error {
	return nil
}
