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

// SCSI primary command processing
package scsi

import (
	"context"
	"encoding/binary"

	"github.com/gostor/goiscsi/pkg/util"
)

const (
	INQUIRY_SCCS  byte = 0x80
	INQUIRY_CMDQUE byte = 0x02

	// VPD pages
	PAGE_SUPPORTED_VPD  byte = 0x00
	PAGE_UNIT_SERIAL    byte = 0x80
	PAGE_DEVICE_ID      byte = 0x83
)

func allocationLength(cdb []byte) int {
	if len(cdb) < 5 {
		return 0
	}
	return int(binary.BigEndian.Uint16(cdb[3:5]))
}

func truncate(data []byte, alloc int) []byte {
	if len(data) > alloc {
		return data[:alloc]
	}
	return data
}

func (d *Disk) inquiry(ctx context.Context, req *Request) Result {
	cdb := req.CDB
	if len(cdb) < 6 {
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	alloc := allocationLength(cdb)
	evpd := cdb[1]&0x01 != 0
	if !evpd {
		if cdb[2] != 0 {
			return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		}
		data := make([]byte, 36)
		data[0] = byte(TYPE_DISK)
		// SPC-4
		data[2] = 0x06
		data[3] = 0x02
		data[4] = byte(len(data) - 5)
		data[7] = INQUIRY_CMDQUE
		copy(data[8:16], util.StringToByte(d.vendor, 8, 8))
		copy(data[16:32], util.StringToByte(d.product, 16, 16))
		copy(data[32:36], "0001")
		for i := 8; i < 36; i++ {
			if data[i] == 0 {
				data[i] = ' '
			}
		}
		return Good(truncate(data, alloc))
	}

	var data []byte
	switch cdb[2] {
	case PAGE_SUPPORTED_VPD:
		data = []byte{byte(TYPE_DISK), PAGE_SUPPORTED_VPD, 0, 3, PAGE_SUPPORTED_VPD, PAGE_UNIT_SERIAL, PAGE_DEVICE_ID}
	case PAGE_UNIT_SERIAL:
		serial := []byte(d.serial)
		data = append([]byte{byte(TYPE_DISK), PAGE_UNIT_SERIAL, 0, byte(len(serial))}, serial...)
	case PAGE_DEVICE_ID:
		// T10 vendor identification designator, ASCII
		id := append(util.StringToByte(d.vendor, 8, 8), []byte(d.serial)...)
		desc := append([]byte{0x02, 0x01, 0x00, byte(len(id))}, id...)
		data = []byte{byte(TYPE_DISK), PAGE_DEVICE_ID, 0, 0}
		data = append(data, desc...)
		binary.BigEndian.PutUint16(data[2:4], uint16(len(desc)))
	default:
		return CheckCondition(ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	}
	return Good(truncate(data, alloc))
}

func (d *Disk) testUnitReady(ctx context.Context, req *Request) Result {
	return Good(nil)
}

func (d *Disk) startStop(ctx context.Context, req *Request) Result {
	return Good(nil)
}

func (d *Disk) requestSense(ctx context.Context, req *Request) Result {
	alloc := 0
	if len(req.CDB) >= 5 {
		alloc = int(req.CDB[4])
	}
	return Good(truncate(BuildSenseData(NO_SENSE, NO_ADDITIONAL_SENSE), alloc))
}

// modeSense answers MODE SENSE(6) with a header and no pages.
func (d *Disk) modeSense(ctx context.Context, req *Request) Result {
	alloc := 0
	if len(req.CDB) >= 5 {
		alloc = int(req.CDB[4])
	}
	data := make([]byte, 4)
	data[0] = 3
	if d.readOnly {
		data[2] = 0x80
	}
	return Good(truncate(data, alloc))
}
