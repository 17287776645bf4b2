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
	"context"
	"encoding/binary"
	"testing"
)

const (
	nexusA = "nexus-a"
	nexusB = "nexus-b"
)

func prOut(nexus string, action, prType byte, key, saKey uint64) *Request {
	cdb := make([]byte, 10)
	cdb[0] = PERSISTENT_RESERVE_OUT
	cdb[1] = action
	cdb[2] = PR_LU_SCOPE<<4 | prType
	binary.BigEndian.PutUint32(cdb[5:9], prOutParamLength)
	data := make([]byte, prOutParamLength)
	binary.BigEndian.PutUint64(data[0:8], key)
	binary.BigEndian.PutUint64(data[8:16], saKey)
	return &Request{ITNexus: nexus, CDB: cdb, Data: data, Write: true}
}

func prIn(nexus string, action byte) *Request {
	cdb := make([]byte, 10)
	cdb[0] = PERSISTENT_RESERVE_IN
	cdb[1] = action
	binary.BigEndian.PutUint16(cdb[7:9], 512)
	return &Request{ITNexus: nexus, CDB: cdb, Read: true}
}

func read(nexus string) *Request {
	return &Request{ITNexus: nexus, CDB: rw10(READ_10, 0, 1), Read: true}
}

func write(nexus string) *Request {
	return &Request{ITNexus: nexus, CDB: rw10(WRITE_10, 0, 1), Data: make([]byte, 512), Write: true}
}

func cdb6(op byte) []byte {
	return []byte{op, 0, 0, 0, 0, 0}
}

func TestReserveRelease(t *testing.T) {
	d := NewDisk(0, newMemStore(64*512), LUNOptions{})
	ctx := context.Background()
	exec := func(req *Request) byte { return d.Execute(ctx, req).Status }

	if st := exec(&Request{ITNexus: nexusA, CDB: cdb6(RESERVE_6)}); st != SAM_STAT_GOOD {
		t.Fatalf("reserve: %#x", st)
	}
	if st := exec(read(nexusB)); st != SAM_STAT_RESERVATION_CONFLICT {
		t.Errorf("read by other nexus: %#x", st)
	}
	if st := exec(&Request{ITNexus: nexusB, CDB: []byte{INQUIRY, 0, 0, 0, 36, 0}}); st != SAM_STAT_GOOD {
		t.Errorf("inquiry by other nexus: %#x", st)
	}
	if st := exec(&Request{ITNexus: nexusB, CDB: cdb6(RESERVE_6)}); st != SAM_STAT_RESERVATION_CONFLICT {
		t.Errorf("second reserve: %#x", st)
	}
	// releasing someone else's reservation succeeds and does nothing
	exec(&Request{ITNexus: nexusB, CDB: cdb6(RELEASE_6)})
	if st := exec(read(nexusB)); st != SAM_STAT_RESERVATION_CONFLICT {
		t.Errorf("read after foreign release: %#x", st)
	}
	if st := exec(read(nexusA)); st != SAM_STAT_GOOD {
		t.Errorf("read by holder: %#x", st)
	}

	d.Reset()
	if st := exec(read(nexusB)); st != SAM_STAT_GOOD {
		t.Errorf("read after reset: %#x", st)
	}

	exec(&Request{ITNexus: nexusA, CDB: cdb6(RESERVE_6)})
	d.NexusLost(nexusB)
	if st := exec(read(nexusB)); st != SAM_STAT_RESERVATION_CONFLICT {
		t.Errorf("unrelated nexus loss released the reservation")
	}
	d.NexusLost(nexusA)
	if st := exec(read(nexusB)); st != SAM_STAT_GOOD {
		t.Errorf("read after holder nexus loss: %#x", st)
	}
}

func TestPersistentReservationConflicts(t *testing.T) {
	var tests = map[string]struct {
		prType     byte
		registerB  bool
		readBlock  bool
		writeBlock bool
	}{
		"write exclusive":                   {prType: PR_TYPE_WRITE_EXCLUSIVE, writeBlock: true},
		"exclusive access":                  {prType: PR_TYPE_EXCLUSIVE_ACCESS, readBlock: true, writeBlock: true},
		"write exclusive registrant":        {prType: PR_TYPE_WRITE_EXCLUSIVE_REGONLY, registerB: true},
		"write exclusive unregistered":      {prType: PR_TYPE_WRITE_EXCLUSIVE_REGONLY, writeBlock: true},
		"exclusive access registrant":       {prType: PR_TYPE_EXCLUSIVE_ACCESS_REGONLY, registerB: true},
		"exclusive access unregistered":     {prType: PR_TYPE_EXCLUSIVE_ACCESS_REGONLY, readBlock: true, writeBlock: true},
		"exclusive access all registrants":  {prType: PR_TYPE_EXCLUSIVE_ACCESS_ALLREG, registerB: true},
		"exclusive access all unregistered": {prType: PR_TYPE_EXCLUSIVE_ACCESS_ALLREG, readBlock: true, writeBlock: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d := NewDisk(0, newMemStore(64*512), LUNOptions{})
			ctx := context.Background()
			if res := d.Execute(ctx, prOut(nexusA, PR_OUT_REGISTER, 0, 0, 0xa)); res.Status != SAM_STAT_GOOD {
				t.Fatalf("register: %#x", res.Status)
			}
			if tt.registerB {
				d.Execute(ctx, prOut(nexusB, PR_OUT_REGISTER, 0, 0, 0xb))
			}
			if res := d.Execute(ctx, prOut(nexusA, PR_OUT_RESERVE, tt.prType, 0xa, 0)); res.Status != SAM_STAT_GOOD {
				t.Fatalf("reserve: %#x", res.Status)
			}
			if got := d.Execute(ctx, read(nexusB)).Status == SAM_STAT_RESERVATION_CONFLICT; got != tt.readBlock {
				t.Errorf("read blocked %v, want %v", got, tt.readBlock)
			}
			if got := d.Execute(ctx, write(nexusB)).Status == SAM_STAT_RESERVATION_CONFLICT; got != tt.writeBlock {
				t.Errorf("write blocked %v, want %v", got, tt.writeBlock)
			}
			if res := d.Execute(ctx, write(nexusA)); res.Status != SAM_STAT_GOOD {
				t.Errorf("holder write: %#x", res.Status)
			}
		})
	}
}

func TestPersistentReserveOut(t *testing.T) {
	d := NewDisk(0, newMemStore(64*512), LUNOptions{})
	ctx := context.Background()
	steps := []struct {
		name   string
		req    *Request
		status byte
		key    byte
		asc    SCSISubError
	}{
		{name: "reserve unregistered", req: prOut(nexusA, PR_OUT_RESERVE, PR_TYPE_WRITE_EXCLUSIVE, 0, 0), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "register with a key", req: prOut(nexusA, PR_OUT_REGISTER, 0, 5, 0xa), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "register A", req: prOut(nexusA, PR_OUT_REGISTER, 0, 0, 0xa)},
		{name: "register B", req: prOut(nexusB, PR_OUT_REGISTER, 0, 0, 0xb)},
		{name: "reserve wrong key", req: prOut(nexusA, PR_OUT_RESERVE, PR_TYPE_WRITE_EXCLUSIVE, 0xb, 0), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "reserve bad type", req: prOut(nexusA, PR_OUT_RESERVE, 0x02, 0xa, 0), status: SAM_STAT_CHECK_CONDITION, key: ILLEGAL_REQUEST, asc: ASC_INVALID_FIELD_IN_CDB},
		{name: "reserve A", req: prOut(nexusA, PR_OUT_RESERVE, PR_TYPE_WRITE_EXCLUSIVE, 0xa, 0)},
		{name: "reserve again", req: prOut(nexusA, PR_OUT_RESERVE, PR_TYPE_WRITE_EXCLUSIVE, 0xa, 0)},
		{name: "reserve B", req: prOut(nexusB, PR_OUT_RESERVE, PR_TYPE_WRITE_EXCLUSIVE, 0xb, 0), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "release wrong type", req: prOut(nexusA, PR_OUT_RELEASE, PR_TYPE_EXCLUSIVE_ACCESS, 0xa, 0), status: SAM_STAT_CHECK_CONDITION, key: ILLEGAL_REQUEST, asc: ASC_INVALID_RELEASE_OF_PR},
		{name: "release by B", req: prOut(nexusB, PR_OUT_RELEASE, PR_TYPE_WRITE_EXCLUSIVE, 0xb, 0)},
		{name: "write by B still blocked", req: write(nexusB), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "release A", req: prOut(nexusA, PR_OUT_RELEASE, PR_TYPE_WRITE_EXCLUSIVE, 0xa, 0)},
		{name: "write by B", req: write(nexusB)},
		{name: "unregister B", req: prOut(nexusB, PR_OUT_REGISTER, 0, 0xb, 0)},
		{name: "clear by B", req: prOut(nexusB, PR_OUT_CLEAR, 0, 0xb, 0), status: SAM_STAT_RESERVATION_CONFLICT},
		{name: "register and ignore", req: prOut(nexusB, PR_OUT_REGISTER_AND_IGNORE_EXISTING_KEY, 0, 0x99, 0xc)},
		{name: "clear by A", req: prOut(nexusA, PR_OUT_CLEAR, 0, 0xa, 0)},
		{name: "short parameter list", req: &Request{ITNexus: nexusA, CDB: prOut(nexusA, PR_OUT_REGISTER, 0, 0, 1).CDB, Data: make([]byte, 8)}, status: SAM_STAT_CHECK_CONDITION, key: ILLEGAL_REQUEST, asc: ASC_PARAMETER_LIST_LENGTH_ERR},
	}
	for _, step := range steps {
		res := d.Execute(ctx, step.req)
		if res.Status != step.status {
			t.Fatalf("%s: status %#x, want %#x", step.name, res.Status, step.status)
		}
		if step.status == SAM_STAT_CHECK_CONDITION {
			if key, asc := SenseKey(res.Sense); key != step.key || asc != step.asc {
				t.Fatalf("%s: sense %#x/%#x", step.name, key, asc)
			}
		}
	}

	keys := d.Execute(ctx, prIn(nexusA, PR_IN_READ_KEYS)).Data
	if gen := binary.BigEndian.Uint32(keys[0:4]); gen != 5 {
		t.Errorf("generation %d, want 5", gen)
	}
	if n := binary.BigEndian.Uint32(keys[4:8]); n != 0 {
		t.Errorf("%d bytes of keys after clear", n)
	}
}

func TestPersistentReserveIn(t *testing.T) {
	d := NewDisk(0, newMemStore(64*512), LUNOptions{})
	ctx := context.Background()
	d.Execute(ctx, prOut(nexusB, PR_OUT_REGISTER, 0, 0, 0xb))
	d.Execute(ctx, prOut(nexusA, PR_OUT_REGISTER, 0, 0, 0xa))

	res := d.Execute(ctx, prIn(nexusA, PR_IN_READ_RESERVATION))
	if n := binary.BigEndian.Uint32(res.Data[4:8]); n != 0 || len(res.Data) != 8 {
		t.Fatalf("reservation reported without one: % x", res.Data)
	}

	d.Execute(ctx, prOut(nexusA, PR_OUT_RESERVE, PR_TYPE_EXCLUSIVE_ACCESS, 0xa, 0))
	res = d.Execute(ctx, prIn(nexusB, PR_IN_READ_RESERVATION))
	if len(res.Data) != 24 {
		t.Fatalf("READ RESERVATION returned %d bytes", len(res.Data))
	}
	if key := binary.BigEndian.Uint64(res.Data[8:16]); key != 0xa {
		t.Errorf("holder key %#x", key)
	}
	if typ := res.Data[21] & 0x0f; typ != PR_TYPE_EXCLUSIVE_ACCESS {
		t.Errorf("type %#x", typ)
	}

	res = d.Execute(ctx, prIn(nexusB, PR_IN_READ_KEYS))
	if binary.BigEndian.Uint32(res.Data[4:8]) != 16 {
		t.Fatalf("READ KEYS % x", res.Data)
	}
	// sorted by nexus
	if a, b := binary.BigEndian.Uint64(res.Data[8:16]), binary.BigEndian.Uint64(res.Data[16:24]); a != 0xa || b != 0xb {
		t.Errorf("keys %#x %#x", a, b)
	}

	res = d.Execute(ctx, prIn(nexusA, PR_IN_REPORT_CAPABILITIES))
	if len(res.Data) != 8 || res.Data[3]&0x80 == 0 {
		t.Errorf("REPORT CAPABILITIES % x", res.Data)
	}

	res = d.Execute(ctx, prIn(nexusA, 0x1f))
	if key, asc := SenseKey(res.Sense); key != ILLEGAL_REQUEST || asc != ASC_INVALID_FIELD_IN_CDB {
		t.Errorf("unknown service action: %#x/%#x", key, asc)
	}
}

func TestRegistryResetForwarding(t *testing.T) {
	r := NewRegistry()
	d := NewDisk(0, newMemStore(64*512), LUNOptions{})
	r.HandleLUN(0, d)
	r.HandleLUN(1, HandlerFunc(func(ctx context.Context, req *Request) Result { return Good(nil) }))
	ctx := context.Background()

	d.Execute(ctx, &Request{ITNexus: nexusA, CDB: cdb6(RESERVE_6)})
	r.ResetLUN(1)
	if st := d.Execute(ctx, read(nexusB)).Status; st != SAM_STAT_RESERVATION_CONFLICT {
		t.Fatalf("reset of another LUN released the reservation")
	}
	r.ResetLUN(0)
	if st := d.Execute(ctx, read(nexusB)).Status; st != SAM_STAT_GOOD {
		t.Errorf("read after LUN reset: %#x", st)
	}

	d.Execute(ctx, &Request{ITNexus: nexusA, CDB: cdb6(RESERVE_6)})
	r.NexusLost(nexusA)
	if st := d.Execute(ctx, read(nexusB)).Status; st != SAM_STAT_GOOD {
		t.Errorf("read after nexus loss: %#x", st)
	}
}
