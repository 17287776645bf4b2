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

// SCSI reservations: SPC-2 RESERVE/RELEASE and the registration based
// subset of SPC-3 persistent reservations.
package scsi

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	RESERVE_6              byte = 0x16
	RELEASE_6              byte = 0x17
	PERSISTENT_RESERVE_IN  byte = 0x5e
	PERSISTENT_RESERVE_OUT byte = 0x5f

	/* PERSISTENT_RESERVE_IN service action codes */
	PR_IN_READ_KEYS           byte = 0x00
	PR_IN_READ_RESERVATION    byte = 0x01
	PR_IN_REPORT_CAPABILITIES byte = 0x02

	/* PERSISTENT_RESERVE_OUT service action codes */
	PR_OUT_REGISTER                         byte = 0x00
	PR_OUT_RESERVE                          byte = 0x01
	PR_OUT_RELEASE                          byte = 0x02
	PR_OUT_CLEAR                            byte = 0x03
	PR_OUT_REGISTER_AND_IGNORE_EXISTING_KEY byte = 0x06

	/* Persistent Reservation scope */
	PR_LU_SCOPE byte = 0x00

	/* Persistent Reservation Type Mask format */
	PR_TYPE_WRITE_EXCLUSIVE          byte = 0x01
	PR_TYPE_EXCLUSIVE_ACCESS         byte = 0x03
	PR_TYPE_WRITE_EXCLUSIVE_REGONLY  byte = 0x05
	PR_TYPE_EXCLUSIVE_ACCESS_REGONLY byte = 0x06
	PR_TYPE_WRITE_EXCLUSIVE_ALLREG   byte = 0x07
	PR_TYPE_EXCLUSIVE_ACCESS_ALLREG  byte = 0x08

	prOutParamLength = 24
)

// ReservationConflict is the result of a command blocked by a reservation.
var ReservationConflict = Result{Status: SAM_STAT_RESERVATION_CONFLICT}

// commands a reservation held by another nexus never blocks
var reservationExempt = map[byte]bool{
	INQUIRY:                true,
	REQUEST_SENSE:          true,
	REPORT_LUNS:            true,
	RELEASE_6:              true,
	PERSISTENT_RESERVE_IN:  true,
	PERSISTENT_RESERVE_OUT: true,
}

func isWrite(op byte) bool {
	switch op {
	case WRITE_10, WRITE_16, SYNCHRONIZE_CACHE, SYNCHRONIZE_CACHE_16:
		return true
	}
	return false
}

// reservations is the reservation state of one logical unit. Holders and
// registrants are identified by I_T nexus.
type reservations struct {
	mu sync.Mutex
	// SPC-2 reservation holder
	holder string

	generation uint32
	keys       map[string]uint64
	prHolder   string
	prType     byte
}

func newReservations() *reservations {
	return &reservations{keys: map[string]uint64{}}
}

func (r *reservations) allRegistrants() bool {
	return r.prType == PR_TYPE_WRITE_EXCLUSIVE_ALLREG || r.prType == PR_TYPE_EXCLUSIVE_ACCESS_ALLREG
}

// conflict reports whether req must be answered with RESERVATION CONFLICT.
func (r *reservations) conflict(req *Request) bool {
	op := req.CDB[0]
	if reservationExempt[op] {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != "" && r.holder != req.ITNexus {
		return true
	}
	if r.prHolder == "" || r.prHolder == req.ITNexus {
		return false
	}
	_, registered := r.keys[req.ITNexus]
	switch r.prType {
	case PR_TYPE_WRITE_EXCLUSIVE:
		return isWrite(op)
	case PR_TYPE_EXCLUSIVE_ACCESS:
		return true
	case PR_TYPE_WRITE_EXCLUSIVE_REGONLY, PR_TYPE_WRITE_EXCLUSIVE_ALLREG:
		return !registered && isWrite(op)
	case PR_TYPE_EXCLUSIVE_ACCESS_REGONLY, PR_TYPE_EXCLUSIVE_ACCESS_ALLREG:
		return !registered
	}
	return false
}

func (r *reservations) reserve(ctx context.Context, req *Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if (r.holder != "" && r.holder != req.ITNexus) || (r.prHolder != "" && r.prHolder != req.ITNexus) {
		return ReservationConflict
	}
	r.holder = req.ITNexus
	return Good(nil)
}

func (r *reservations) release(ctx context.Context, req *Request) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	// releasing someone else's reservation is not an error
	if r.holder == req.ITNexus {
		r.holder = ""
	}
	return Good(nil)
}

func (r *reservations) persistentReserveIn(ctx context.Context, req *Request) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	alloc := int(binary.BigEndian.Uint16(req.CDB[7:9]))
	r.mu.Lock()
	defer r.mu.Unlock()

	var data []byte
	switch req.CDB[1] & 0x1f {
	case PR_IN_READ_KEYS:
		nexuses := make([]string, 0, len(r.keys))
		for n := range r.keys {
			nexuses = append(nexuses, n)
		}
		sort.Strings(nexuses)
		data = make([]byte, 8+8*len(nexuses))
		binary.BigEndian.PutUint32(data[0:4], r.generation)
		binary.BigEndian.PutUint32(data[4:8], uint32(8*len(nexuses)))
		for i, n := range nexuses {
			binary.BigEndian.PutUint64(data[8+8*i:], r.keys[n])
		}
	case PR_IN_READ_RESERVATION:
		data = make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], r.generation)
		if r.prHolder != "" {
			desc := make([]byte, 16)
			if !r.allRegistrants() {
				binary.BigEndian.PutUint64(desc[0:8], r.keys[r.prHolder])
			}
			desc[13] = PR_LU_SCOPE<<4 | r.prType
			data = append(data, desc...)
			binary.BigEndian.PutUint32(data[4:8], 16)
		}
	case PR_IN_REPORT_CAPABILITIES:
		data = make([]byte, 8)
		binary.BigEndian.PutUint16(data[0:2], 8)
		// type mask valid
		data[3] = 0x80
		data[4] = 1<<PR_TYPE_WRITE_EXCLUSIVE_ALLREG | 1<<PR_TYPE_EXCLUSIVE_ACCESS_REGONLY |
			1<<PR_TYPE_WRITE_EXCLUSIVE_REGONLY | 1<<PR_TYPE_EXCLUSIVE_ACCESS | 1<<PR_TYPE_WRITE_EXCLUSIVE
		data[5] = 1 << (PR_TYPE_EXCLUSIVE_ACCESS_ALLREG - 8)
	default:
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	return Good(truncate(data, alloc))
}

func validPRType(t byte) bool {
	switch t {
	case PR_TYPE_WRITE_EXCLUSIVE, PR_TYPE_EXCLUSIVE_ACCESS,
		PR_TYPE_WRITE_EXCLUSIVE_REGONLY, PR_TYPE_EXCLUSIVE_ACCESS_REGONLY,
		PR_TYPE_WRITE_EXCLUSIVE_ALLREG, PR_TYPE_EXCLUSIVE_ACCESS_ALLREG:
		return true
	}
	return false
}

func (r *reservations) persistentReserveOut(ctx context.Context, req *Request) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	if binary.BigEndian.Uint32(req.CDB[5:9]) != prOutParamLength || len(req.Data) < prOutParamLength {
		return CheckCondition(ILLEGAL_REQUEST, ASC_PARAMETER_LIST_LENGTH_ERR)
	}
	action := req.CDB[1] & 0x1f
	prType := req.CDB[2] & 0x0f
	key := binary.BigEndian.Uint64(req.Data[0:8])
	saKey := binary.BigEndian.Uint64(req.Data[8:16])

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, registered := r.keys[req.ITNexus]
	if action != PR_OUT_REGISTER_AND_IGNORE_EXISTING_KEY {
		if registered && key != cur || !registered && (action != PR_OUT_REGISTER || key != 0) {
			return ReservationConflict
		}
	}

	switch action {
	case PR_OUT_REGISTER, PR_OUT_REGISTER_AND_IGNORE_EXISTING_KEY:
		if saKey == 0 {
			if registered {
				r.unregister(req.ITNexus)
			}
		} else {
			r.keys[req.ITNexus] = saKey
		}
		r.generation++
	case PR_OUT_RESERVE:
		if !validPRType(prType) {
			return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		}
		if r.holder != "" && r.holder != req.ITNexus {
			return ReservationConflict
		}
		if r.prHolder != "" && (r.prHolder != req.ITNexus || r.prType != prType) {
			return ReservationConflict
		}
		r.prHolder = req.ITNexus
		r.prType = prType
	case PR_OUT_RELEASE:
		if r.prHolder != req.ITNexus {
			return Good(nil)
		}
		if r.prType != prType {
			return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_RELEASE_OF_PR)
		}
		r.prHolder = ""
		r.prType = 0
	case PR_OUT_CLEAR:
		r.keys = map[string]uint64{}
		r.prHolder = ""
		r.prType = 0
		r.generation++
	default:
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	return Good(nil)
}

// unregister drops the key of nexus. A reservation it holds goes with
// it, unless every registrant holds it and others remain.
func (r *reservations) unregister(nexus string) {
	delete(r.keys, nexus)
	if r.prHolder != nexus {
		return
	}
	if r.allRegistrants() && len(r.keys) > 0 {
		for n := range r.keys {
			r.prHolder = n
			break
		}
		return
	}
	r.prHolder = ""
	r.prType = 0
}

// reset drops the SPC-2 reservation. Persistent reservations survive a
// logical unit reset.
func (r *reservations) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != "" {
		log.Debugf("reservation of %s released by reset", r.holder)
	}
	r.holder = ""
}

func (r *reservations) nexusLost(nexus string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nexus {
		r.holder = ""
	}
}
