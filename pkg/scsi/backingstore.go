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

package scsi

import (
	"fmt"
	"sync"
)

// BackingStore is the storage behind a disk LUN. ReadAt and WriteAt
// must be safe for concurrent use.
type BackingStore interface {
	Open(path string, size uint64) error
	Close() error
	Size() uint64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	DataSync() error
}

type BaseBackingStore struct {
	Name     string
	DataSize uint64
}

func (bs *BaseBackingStore) Size() uint64 {
	return bs.DataSize
}

type BackingStoreFunc func() (BackingStore, error)

var (
	bsMutex             sync.RWMutex
	registeredBSPlugins = map[string]BackingStoreFunc{}
)

func RegisterBackingStore(name string, f BackingStoreFunc) {
	bsMutex.Lock()
	defer bsMutex.Unlock()
	registeredBSPlugins[name] = f
}

func NewBackingStore(name string) (BackingStore, error) {
	bsMutex.RLock()
	f, ok := registeredBSPlugins[name]
	bsMutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend storage %s is not found", name)
	}
	return f()
}
