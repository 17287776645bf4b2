/*
Copyright 2017 The GoStor Authors All rights reserved.

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
	"context"
	"encoding/binary"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps a target's LUNs and operation codes to handlers.
// Operation code handlers apply to every LUN and win over LUN handlers.
type Registry struct {
	mutex    sync.RWMutex
	byOpcode map[byte]Handler
	byLUN    map[uint64]Handler
}

// NewRegistry returns a registry answering REPORT LUNS for its own LUNs.
func NewRegistry() *Registry {
	r := &Registry{
		byOpcode: map[byte]Handler{},
		byLUN:    map[uint64]Handler{},
	}
	r.HandleOpcode(REPORT_LUNS, HandlerFunc(r.reportLUNs))
	return r
}

func (r *Registry) HandleOpcode(op byte, h Handler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.byOpcode[op] = h
}

func (r *Registry) HandleLUN(lun uint64, h Handler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.byLUN[lun] = h
}

// RemoveLUN unmaps lun and closes its handler.
func (r *Registry) RemoveLUN(lun uint64) {
	r.mutex.Lock()
	h, ok := r.byLUN[lun]
	delete(r.byLUN, lun)
	r.mutex.Unlock()
	if c, isCloser := h.(Closer); ok && isCloser {
		if err := c.Close(); err != nil {
			log.Errorf("close LUN %d: %v", lun, err)
		}
	}
}

// Lookup returns the handler for op on lun, nil when there is none.
func (r *Registry) Lookup(lun uint64, op byte) Handler {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if h, ok := r.byOpcode[op]; ok {
		return h
	}
	return r.byLUN[lun]
}

func (r *Registry) HasLUN(lun uint64) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.byLUN[lun]
	return ok
}

// LUNs returns the mapped LUNs in ascending order.
func (r *Registry) LUNs() []uint64 {
	r.mutex.RLock()
	luns := make([]uint64, 0, len(r.byLUN))
	for lun := range r.byLUN {
		luns = append(luns, lun)
	}
	r.mutex.RUnlock()
	sort.Slice(luns, func(i, j int) bool { return luns[i] < luns[j] })
	return luns
}

// Execute looks up and runs the handler for req.
func (r *Registry) Execute(ctx context.Context, req *Request) Result {
	if len(req.CDB) == 0 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	}
	h := r.Lookup(req.LUN, req.CDB[0])
	if h == nil {
		return FunctionRejected
	}
	return h.Execute(ctx, req)
}

// ResetLUN passes a logical unit reset on to the handler of lun.
func (r *Registry) ResetLUN(lun uint64) {
	r.mutex.RLock()
	h := r.byLUN[lun]
	r.mutex.RUnlock()
	if rs, ok := h.(Resetter); ok {
		rs.Reset()
	}
}

// NexusLost tells every LUN handler that itNexus is gone.
func (r *Registry) NexusLost(itNexus string) {
	r.mutex.RLock()
	handlers := make([]Handler, 0, len(r.byLUN))
	for _, h := range r.byLUN {
		handlers = append(handlers, h)
	}
	r.mutex.RUnlock()
	for _, h := range handlers {
		if rs, ok := h.(Resetter); ok {
			rs.NexusLost(itNexus)
		}
	}
}

// Close closes every LUN handler.
func (r *Registry) Close() {
	for _, lun := range r.LUNs() {
		r.RemoveLUN(lun)
	}
}

func (r *Registry) reportLUNs(ctx context.Context, req *Request) Result {
	if len(req.CDB) < 12 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	alloc := binary.BigEndian.Uint32(req.CDB[6:10])
	if alloc < 16 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	luns := r.LUNs()
	data := make([]byte, 8+8*len(luns))
	binary.BigEndian.PutUint32(data[0:4], uint32(8*len(luns)))
	for i, lun := range luns {
		binary.BigEndian.PutUint64(data[8+8*i:], EncodeLUN(lun))
	}
	if uint32(len(data)) > alloc {
		data = data[:alloc]
	}
	return Good(data)
}

// EncodeLUN builds the 8 byte single level LUN field, peripheral
// addressing below 256 and flat addressing above.
func EncodeLUN(lun uint64) uint64 {
	if lun < 256 {
		return lun << 48
	}
	return (0x4000 | (lun & 0x3fff)) << 48
}

// DecodeLUN returns the single level LUN of an 8 byte LUN field.
func DecodeLUN(field uint64) uint64 {
	return (field >> 48) & 0x3fff
}
