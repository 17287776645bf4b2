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

// SCSI block command processing
package scsi

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

const (
	DiskClass = "disk"

	// I/O is split so an abort is noticed between chunks.
	ioChunkSize = 1 << 20
)

func init() {
	RegisterHandlerClass(DiskClass, newDiskHandler)
}

type CommandFunc func(ctx context.Context, req *Request) Result

// Disk is a direct access block device over a BackingStore.
type Disk struct {
	lun        uint64
	bs         BackingStore
	blockShift uint
	readOnly   bool
	vendor     string
	product    string
	serial     string
	res        *reservations
	ops        map[byte]CommandFunc
}

func newDiskHandler(lun uint64, opts LUNOptions) (Handler, error) {
	store := opts.Store
	if store == "" {
		store = "null"
	}
	bs, err := NewBackingStore(store)
	if err != nil {
		return nil, err
	}
	if err := bs.Open(opts.Path, opts.Size); err != nil {
		return nil, fmt.Errorf("open %s store %q: %v", store, opts.Path, err)
	}
	return NewDisk(lun, bs, opts), nil
}

// NewDisk wraps an opened backing store.
func NewDisk(lun uint64, bs BackingStore, opts LUNOptions) *Disk {
	d := &Disk{
		lun:        lun,
		bs:         bs,
		blockShift: opts.BlockShift,
		readOnly:   opts.ReadOnly,
		vendor:     opts.Vendor,
		product:    opts.Product,
		serial:     opts.Serial,
		res:        newReservations(),
	}
	if d.blockShift == 0 {
		d.blockShift = DefaultBlockShift
	}
	if d.vendor == "" {
		d.vendor = "GOSTOR"
	}
	if d.product == "" {
		d.product = "GOISCSI"
	}
	if d.serial == "" {
		d.serial = fmt.Sprintf("goiscsi-%04d", lun)
	}
	d.ops = map[byte]CommandFunc{
		TEST_UNIT_READY:        d.testUnitReady,
		REQUEST_SENSE:          d.requestSense,
		INQUIRY:                d.inquiry,
		MODE_SENSE:             d.modeSense,
		START_STOP:             d.startStop,
		READ_CAPACITY:          d.readCapacity,
		READ_10:                d.readWrite,
		WRITE_10:               d.readWrite,
		READ_16:                d.readWrite,
		WRITE_16:               d.readWrite,
		VERIFY_10:              d.verify,
		SYNCHRONIZE_CACHE:      d.synchronizeCache,
		SYNCHRONIZE_CACHE_16:   d.synchronizeCache,
		SERVICE_ACTION_IN:      d.serviceActionIn,
		RESERVE_6:              d.res.reserve,
		RELEASE_6:              d.res.release,
		PERSISTENT_RESERVE_IN:  d.res.persistentReserveIn,
		PERSISTENT_RESERVE_OUT: d.res.persistentReserveOut,
	}
	return d
}

func (d *Disk) Execute(ctx context.Context, req *Request) Result {
	if len(req.CDB) == 0 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	}
	if ctx.Err() != nil {
		return CheckCondition(ABORTED_COMMAND, ASC_COMMAND_ABORTED)
	}
	fn, ok := d.ops[req.CDB[0]]
	if !ok {
		log.Debugf("LUN %d: unsupported operation code %#x", d.lun, req.CDB[0])
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	}
	if d.res.conflict(req) {
		log.Debugf("LUN %d: %#x from %s conflicts with a reservation", d.lun, req.CDB[0], req.ITNexus)
		return ReservationConflict
	}
	return fn(ctx, req)
}

// Reset drops the reservation state a logical unit reset clears.
func (d *Disk) Reset() {
	d.res.reset()
}

// NexusLost releases what the I_T nexus held on d.
func (d *Disk) NexusLost(itNexus string) {
	d.res.nexusLost(itNexus)
}

func (d *Disk) Close() error {
	return d.bs.Close()
}

func (d *Disk) blocks() uint64 {
	return d.bs.Size() >> d.blockShift
}

func (d *Disk) readCapacity(ctx context.Context, req *Request) Result {
	data := make([]byte, 8)
	last := d.blocks() - 1
	if d.blocks() == 0 {
		last = 0
	}
	if last > 0xffffffff {
		last = 0xffffffff
	}
	binary.BigEndian.PutUint32(data[0:4], uint32(last))
	binary.BigEndian.PutUint32(data[4:8], 1<<d.blockShift)
	return Good(data)
}

func (d *Disk) serviceActionIn(ctx context.Context, req *Request) Result {
	if len(req.CDB) < 14 || req.CDB[1]&0x1f != SAI_READ_CAPACITY_16 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	data := make([]byte, 32)
	last := d.blocks()
	if last > 0 {
		last--
	}
	binary.BigEndian.PutUint64(data[0:8], last)
	binary.BigEndian.PutUint32(data[8:12], 1<<d.blockShift)
	alloc := binary.BigEndian.Uint32(req.CDB[10:14])
	if uint32(len(data)) > alloc {
		data = data[:alloc]
	}
	return Good(data)
}

// lbaRange decodes the LBA and transfer length of a 10 or 16 byte CDB.
func lbaRange(cdb []byte) (lba uint64, n uint32, ok bool) {
	switch cdb[0] {
	case READ_10, WRITE_10, VERIFY_10:
		if len(cdb) < 10 {
			return 0, 0, false
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9])), true
	case READ_16, WRITE_16:
		if len(cdb) < 16 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]), true
	}
	return 0, 0, false
}

func (d *Disk) readWrite(ctx context.Context, req *Request) Result {
	lba, n, ok := lbaRange(req.CDB)
	if !ok {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	if lba+uint64(n) > d.blocks() {
		return CheckCondition(ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
	}
	offset := int64(lba << d.blockShift)
	length := int(n) << d.blockShift
	write := req.CDB[0] == WRITE_10 || req.CDB[0] == WRITE_16
	if !write {
		buf := make([]byte, length)
		for done := 0; done < length; done += ioChunkSize {
			if ctx.Err() != nil {
				return CheckCondition(ABORTED_COMMAND, ASC_COMMAND_ABORTED)
			}
			end := done + ioChunkSize
			if end > length {
				end = length
			}
			if _, err := d.bs.ReadAt(buf[done:end], offset+int64(done)); err != nil && err != io.EOF {
				log.Errorf("LUN %d: read at %d: %v", d.lun, offset+int64(done), err)
				return CheckCondition(MEDIUM_ERROR, ASC_READ_ERROR)
			}
		}
		return Good(buf)
	}

	if d.readOnly {
		return CheckCondition(DATA_PROTECT, ASC_WRITE_PROTECT)
	}
	if len(req.Data) < length {
		return CheckCondition(ILLEGAL_REQUEST, ASC_PARAMETER_LIST_LENGTH_ERR)
	}
	for done := 0; done < length; done += ioChunkSize {
		if ctx.Err() != nil {
			return CheckCondition(ABORTED_COMMAND, ASC_COMMAND_ABORTED)
		}
		end := done + ioChunkSize
		if end > length {
			end = length
		}
		if _, err := d.bs.WriteAt(req.Data[done:end], offset+int64(done)); err != nil {
			log.Errorf("LUN %d: write at %d: %v", d.lun, offset+int64(done), err)
			return CheckCondition(MEDIUM_ERROR, ASC_WRITE_ERROR)
		}
	}
	// FUA
	if req.CDB[1]&0x08 != 0 {
		if err := d.bs.DataSync(); err != nil {
			return CheckCondition(MEDIUM_ERROR, ASC_WRITE_ERROR)
		}
	}
	log.Debugf("LUN %d: wrote %d bytes at %d", d.lun, length, offset)
	return Good(nil)
}

func (d *Disk) verify(ctx context.Context, req *Request) Result {
	lba, n, ok := lbaRange(req.CDB)
	if !ok {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	if lba+uint64(n) > d.blocks() {
		return CheckCondition(ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
	}
	return Good(nil)
}

func (d *Disk) synchronizeCache(ctx context.Context, req *Request) Result {
	if err := d.bs.DataSync(); err != nil {
		log.Errorf("LUN %d: sync: %v", d.lun, err)
		return CheckCondition(MEDIUM_ERROR, ASC_WRITE_ERROR)
	}
	return Good(nil)
}
