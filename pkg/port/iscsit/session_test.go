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

package iscsit

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gostor/goiscsi/pkg/scsi"
)

const (
	testTarget    = "iqn.2016-09.com.gostor:test"
	testInitiator = "iqn.2016-09.com.gostor:initiator"
	testISID      = 0x23d000000001
)

// recorder is a handler logging the order commands reach it. With block
// set it holds every command until block is closed or the task aborted.
type recorder struct {
	mu      sync.Mutex
	tags    []uint32
	data    map[uint32][]byte
	started chan uint32
	block   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{data: map[uint32][]byte{}, started: make(chan uint32, 64)}
}

func (r *recorder) Execute(ctx context.Context, req *scsi.Request) scsi.Result {
	r.mu.Lock()
	r.tags = append(r.tags, req.Tag)
	if req.Write {
		r.data[req.Tag] = append([]byte(nil), req.Data...)
	}
	r.mu.Unlock()
	r.started <- req.Tag
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return scsi.CheckCondition(scsi.ABORTED_COMMAND, scsi.ASC_COMMAND_ABORTED)
		}
	}
	if req.Read {
		return scsi.Good(bytes.Repeat([]byte{0x5a}, int(req.ExpectedLength)))
	}
	return scsi.Good(nil)
}

func (r *recorder) wait(t *testing.T) uint32 {
	t.Helper()
	select {
	case tag := <-r.started:
		return tag
	case <-time.After(2 * time.Second):
		t.Fatalf("no command reached the handler")
	}
	return 0
}

func testSessionParams() SessionParams {
	return SessionParams{
		SessionType:        SessionNormal,
		InitiatorName:      testInitiator,
		TargetName:         testTarget,
		MaxConnections:     2,
		InitialR2T:         true,
		ImmediateData:      true,
		MaxBurstLength:     262144,
		FirstBurstLength:   65536,
		DefaultTime2Wait:   2,
		DefaultTime2Retain: 20,
		MaxOutstandingR2T:  1,
		DataPDUInOrder:     true,
	}
}

// testConn returns a logged in connection whose transmit queue is never
// drained, so tests can inspect what was sent.
func testConn(t *testing.T, d *ISCSITargetDriver, cid uint16) *iscsiConnection {
	server, client := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := newConnection(d, server)
	c.cid = cid
	c.params = ConnParams{MaxRecvDataSegmentLength: 8192, MaxXmitDataSegmentLength: 8192}
	for _, e := range []string{eventConnect, eventTransportUp, eventLogin, eventLoginComplete} {
		if err := c.transition(e); err != nil {
			t.Fatalf("%s: %v", e, err)
		}
	}
	return c
}

func newTestSession(t *testing.T, h scsi.Handler, tweak func(p *SessionParams)) (*ISCSISession, *iscsiConnection) {
	d := NewISCSITargetDriver(Options{QueueDepth: 8})
	tgt := NewISCSITarget(testTarget, "", 1, nil)
	tgt.Registry.HandleLUN(0, h)
	if err := d.AddTarget(tgt); err != nil {
		t.Fatal(err)
	}
	params := testSessionParams()
	if tweak != nil {
		tweak(&params)
	}
	tsih := d.AllocTSIH()
	s := newSession(d, tgt, params, Params{}, testISID, tsih, 5)
	d.mu.Lock()
	d.sessions[tsih] = s
	d.mu.Unlock()
	c := testConn(t, d, 1)
	if err := s.addConn(c); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.destroySession(s, "test done") })
	return s, c
}

// sent removes and decodes the PDUs queued on c.
func sent(t *testing.T, c *iscsiConnection) []*ISCSICommand {
	t.Helper()
	c.txMu.Lock()
	bufs := c.txQueue
	c.txQueue = nil
	c.txMu.Unlock()
	var pdus []*ISCSICommand
	for _, b := range bufs {
		pdu, _, err := Decode(b, c.txOpts)
		if err != nil {
			t.Fatalf("decode sent PDU: %v", err)
		}
		pdus = append(pdus, pdu)
	}
	return pdus
}

// waitFor returns the first PDU with opcode op sent on c, dropping others.
func waitFor(t *testing.T, c *iscsiConnection, op OpCode) *ISCSICommand {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, pdu := range sent(t, c) {
			if pdu.OpCode == op {
				return pdu
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %v sent", op)
	return nil
}

func cdb10(op byte, blocks uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = op
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func readCmd(tag, cmdSN, length uint32) *ISCSICommand {
	return &ISCSICommand{
		OpCode:          OpSCSICmd,
		Final:           true,
		Read:            true,
		TaskTag:         tag,
		CmdSN:           cmdSN,
		ExpectedDataLen: length,
		CDB:             cdb10(scsi.READ_10, uint16(length/512)),
	}
}

func writeCmd(tag, cmdSN, length uint32, immediate []byte) *ISCSICommand {
	return &ISCSICommand{
		OpCode:          OpSCSICmd,
		Final:           true,
		Write:           true,
		TaskTag:         tag,
		CmdSN:           cmdSN,
		ExpectedDataLen: length,
		CDB:             cdb10(scsi.WRITE_10, uint16(length/512)),
		RawData:         immediate,
	}
}

func tmfCmd(tag uint32, fn uint8, ref uint32) *ISCSICommand {
	return &ISCSICommand{
		OpCode:            OpSCSITaskReq,
		Immediate:         true,
		Final:             true,
		TaskTag:           tag,
		TaskFunc:          fn,
		ReferencedTaskTag: ref,
	}
}

func TestSerialNumberArithmetic(t *testing.T) {
	var tests = map[string]struct {
		a, b uint32
		less bool
	}{
		"equal":        {a: 5, b: 5},
		"smaller":      {a: 5, b: 6, less: true},
		"larger":       {a: 6, b: 5},
		"wrap":         {a: 0xfffffffe, b: 1, less: true},
		"wrap reverse": {a: 1, b: 0xfffffffe},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := snLess(tt.a, tt.b); got != tt.less {
				t.Errorf("snLess(%d, %d) = %v", tt.a, tt.b, got)
			}
		})
	}
}

func TestCmdSNOrdering(t *testing.T) {
	rec := newRecorder()
	s, c := newTestSession(t, rec, nil)

	for _, sn := range []uint32{6, 5, 7} {
		if err := s.admit(c, readCmd(sn, sn, 512)); err != nil {
			t.Fatalf("CmdSN %d: %v", sn, err)
		}
		if sn == 6 && s.expCmdSN.Load() != 5 {
			t.Fatalf("ExpCmdSN advanced past a gap to %d", s.expCmdSN.Load())
		}
	}
	for i := 0; i < 3; i++ {
		rec.wait(t)
	}
	// handlers run concurrently, the start order is what CmdSN fixes
	s.mu.Lock()
	var got []uint64
	for _, tag := range []uint32{5, 6, 7} {
		got = append(got, s.tasks.get(tag).seq)
	}
	s.mu.Unlock()
	if got[0] >= got[1] || got[1] >= got[2] {
		t.Fatalf("start order %v for CmdSN 5 6 7", got)
	}
	if exp := s.expCmdSN.Load(); exp != 8 {
		t.Errorf("ExpCmdSN %d, want 8", exp)
	}
}

func TestConcurrentExecution(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s, c := newTestSession(t, rec, nil)

	if err := s.admit(c, readCmd(10, 5, 512)); err != nil {
		t.Fatal(err)
	}
	if tag := rec.wait(t); tag != 10 {
		t.Fatalf("handler got task %#x", tag)
	}
	// task 10 is still held by its handler
	if err := s.admit(c, readCmd(11, 6, 512)); err != nil {
		t.Fatal(err)
	}
	if tag := rec.wait(t); tag != 11 {
		t.Fatalf("handler got task %#x", tag)
	}
	close(rec.block)
	done := map[uint32]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(done) < 2 && time.Now().Before(deadline) {
		for _, pdu := range sent(t, c) {
			if pdu.OpCode == OpSCSIIn && pdu.HasStatus {
				done[pdu.TaskTag] = true
			}
		}
		time.Sleep(time.Millisecond)
	}
	if !done[10] || !done[11] {
		t.Errorf("completed tasks %v", done)
	}
}

func TestCmdSNWindow(t *testing.T) {
	var tests = map[string]struct {
		cmdSN  uint32
		reject bool
	}{
		"expected":        {cmdSN: 5},
		"last in window":  {cmdSN: 12},
		"beyond MaxCmdSN": {cmdSN: 13, reject: true},
		"already seen":    {cmdSN: 4, reject: true},
		"far behind":      {cmdSN: 0xfffffff0, reject: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, c := newTestSession(t, newRecorder(), nil)
			err := s.admit(c, readCmd(1, tt.cmdSN, 512))
			if tt.reject != IsKind(err, CmdSNOutOfWindow) {
				t.Fatalf("admit CmdSN %d: %v", tt.cmdSN, err)
			}
		})
	}
}

func TestDuplicateQueuedCmdSN(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	if err := s.admit(c, readCmd(1, 7, 512)); err != nil {
		t.Fatal(err)
	}
	if err := s.admit(c, readCmd(2, 7, 512)); !IsKind(err, CmdSNOutOfWindow) {
		t.Fatalf("second CmdSN 7: %v", err)
	}
}

func TestImmediateCommand(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	nop := &ISCSICommand{
		OpCode:            OpNoopOut,
		Immediate:         true,
		Final:             true,
		TaskTag:           0x20,
		TargetTransferTag: ReservedTag,
		CmdSN:             5,
		RawData:           []byte("ping"),
	}
	if err := s.admit(c, nop); err != nil {
		t.Fatal(err)
	}
	if exp := s.expCmdSN.Load(); exp != 5 {
		t.Errorf("immediate command moved ExpCmdSN to %d", exp)
	}
	resp := waitFor(t, c, OpNoopIn)
	if resp.TaskTag != 0x20 || string(resp.RawData) != "ping" {
		t.Errorf("NOP-In tag %#x data %q", resp.TaskTag, resp.RawData)
	}
	if resp.ExpCmdSN != 5 || resp.MaxCmdSN != 12 {
		t.Errorf("window [%d, %d], want [5, 12]", resp.ExpCmdSN, resp.MaxCmdSN)
	}
}

func TestReadResponse(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	c.params.MaxXmitDataSegmentLength = 1024
	if err := s.admit(c, readCmd(1, 5, 4096)); err != nil {
		t.Fatal(err)
	}
	var (
		pdus []*ISCSICommand
		got  []byte
	)
	deadline := time.Now().Add(2 * time.Second)
	for len(pdus) < 4 && time.Now().Before(deadline) {
		pdus = append(pdus, sent(t, c)...)
		time.Sleep(time.Millisecond)
	}
	if len(pdus) != 4 {
		t.Fatalf("%d Data-In PDUs, want 4", len(pdus))
	}
	for i, pdu := range pdus {
		if pdu.OpCode != OpSCSIIn || pdu.DataSN != uint32(i) || pdu.BufferOffset != uint32(i*1024) {
			t.Fatalf("PDU %d: %v DataSN %d offset %d", i, pdu.OpCode, pdu.DataSN, pdu.BufferOffset)
		}
		if last := i == 3; pdu.HasStatus != last {
			t.Errorf("PDU %d: status %v", i, pdu.HasStatus)
		}
		got = append(got, pdu.RawData...)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x5a}, 4096)) {
		t.Errorf("read data differs")
	}
	if n := s.stats.readBytes.Load(); n != 4096 {
		t.Errorf("read bytes %d", n)
	}
}

func TestWriteWithR2T(t *testing.T) {
	rec := newRecorder()
	s, c := newTestSession(t, rec, nil)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 256)

	if err := s.admit(c, writeCmd(1, 5, 4096, payload[:512])); err != nil {
		t.Fatal(err)
	}
	r2t := waitFor(t, c, OpReady)
	if r2t.BufferOffset != 512 || r2t.DesiredLength != 3584 || r2t.R2TSN != 0 {
		t.Fatalf("R2T offset %d length %d R2TSN %d", r2t.BufferOffset, r2t.DesiredLength, r2t.R2TSN)
	}
	out := &ISCSICommand{
		OpCode:            OpSCSIOut,
		Final:             true,
		TaskTag:           1,
		TargetTransferTag: r2t.TargetTransferTag,
		BufferOffset:      512,
		RawData:           payload[512:],
	}
	if err := s.dataOut(c, out); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	resp := waitFor(t, c, OpSCSIResp)
	if resp.Status != scsi.SAM_STAT_GOOD {
		t.Errorf("status %#x", resp.Status)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !bytes.Equal(rec.data[1], payload) {
		t.Errorf("handler saw %d bytes of different data", len(rec.data[1]))
	}
}

func TestDataOutErrors(t *testing.T) {
	var tests = map[string]struct {
		erl    uint32
		out    func(ttt uint32) *ISCSICommand
		kind   ErrorKind
		resend bool
	}{
		"unknown task": {
			out: func(ttt uint32) *ISCSICommand {
				return &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 9, TargetTransferTag: ttt, RawData: make([]byte, 512)}
			},
			kind: InvalidField,
		},
		"unknown transfer tag": {
			out: func(ttt uint32) *ISCSICommand {
				return &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 1, TargetTransferTag: ttt + 100, RawData: make([]byte, 512)}
			},
			kind: InvalidField,
		},
		"wrong offset": {
			out: func(ttt uint32) *ISCSICommand {
				return &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 1, TargetTransferTag: ttt, BufferOffset: 1024, RawData: make([]byte, 512)}
			},
			kind: InvalidField,
		},
		"wrong offset recovered": {
			erl: 1,
			out: func(ttt uint32) *ISCSICommand {
				return &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 1, TargetTransferTag: ttt, BufferOffset: 1024, RawData: make([]byte, 512)}
			},
			resend: true,
		},
		"beyond expected length": {
			out: func(ttt uint32) *ISCSICommand {
				return &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 1, TargetTransferTag: ttt, BufferOffset: 3584, RawData: make([]byte, 1024)}
			},
			kind: InvalidField,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, c := newTestSession(t, newRecorder(), func(p *SessionParams) { p.ErrorRecoveryLevel = tt.erl })
			if err := s.admit(c, writeCmd(1, 5, 4096, nil)); err != nil {
				t.Fatal(err)
			}
			r2t := waitFor(t, c, OpReady)
			err := s.dataOut(c, tt.out(r2t.TargetTransferTag))
			if tt.resend {
				if err != nil {
					t.Fatalf("dataOut: %v", err)
				}
				again := waitFor(t, c, OpReady)
				if again.TargetTransferTag != r2t.TargetTransferTag || again.BufferOffset != 0 {
					t.Errorf("recovery R2T TTT %#x offset %d", again.TargetTransferTag, again.BufferOffset)
				}
				return
			}
			if !IsKind(err, tt.kind) {
				t.Fatalf("dataOut err = %v, want %v", err, tt.kind)
			}
		})
	}
}

func TestDuplicateTaskTag(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s, c := newTestSession(t, rec, nil)
	defer close(rec.block)

	if err := s.admit(c, readCmd(1, 5, 512)); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	if err := s.admit(c, readCmd(1, 6, 512)); err != nil {
		t.Fatal(err)
	}
	reject := waitFor(t, c, OpReject)
	if reject.Reason != RejectTaskInProgress {
		t.Errorf("reject reason %#x", reject.Reason)
	}
	if hdr, _, err := Decode(reject.RawData, CodecOptions{}); err != nil || hdr.CmdSN != 6 {
		t.Errorf("reject does not carry the offending header: %v", err)
	}
}

func TestAbortTask(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s, c := newTestSession(t, rec, nil)
	defer close(rec.block)

	if err := s.admit(c, readCmd(1, 5, 512)); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	for i, want := range []uint8{ISCSI_TMF_RSP_COMPLETE, ISCSI_TMF_RSP_NO_TASK} {
		if err := s.admit(c, tmfCmd(uint32(0x30+i), ISCSI_TM_FUNC_ABORT_TASK, 1)); err != nil {
			t.Fatal(err)
		}
		if resp := waitFor(t, c, OpSCSITaskResp); resp.Response != want {
			t.Errorf("abort %d: response %d, want %d", i, resp.Response, want)
		}
	}
	s.mu.Lock()
	n := s.tasks.len()
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("%d tasks left", n)
	}
	time.Sleep(20 * time.Millisecond)
	for _, pdu := range sent(t, c) {
		if pdu.OpCode == OpSCSIResp || pdu.OpCode == OpSCSIIn {
			t.Errorf("aborted task answered with %v", pdu.OpCode)
		}
	}
	if got := s.stats.aborts.Load(); got != 1 {
		t.Errorf("aborts %d", got)
	}
}

func TestTaskAbortIdempotent(t *testing.T) {
	task := newTask(nil, readCmd(1, 1, 512), nil)
	if !task.abort() {
		t.Fatalf("first abort failed")
	}
	if task.abort() {
		t.Errorf("second abort reported success")
	}
	if task.ctx.Err() == nil {
		t.Errorf("context not cancelled")
	}
	done := newTask(nil, readCmd(2, 1, 512), nil)
	done.state = taskCompleted
	if done.abort() {
		t.Errorf("completed task aborted")
	}
}

func TestLUNReset(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	if err := s.admit(c, writeCmd(2, 5, 4096, nil)); err != nil {
		t.Fatal(err)
	}
	r2t := waitFor(t, c, OpReady)
	if err := s.admit(c, tmfCmd(3, ISCSI_TM_FUNC_LOGICAL_UNIT_RESET, 0)); err != nil {
		t.Fatal(err)
	}
	if resp := waitFor(t, c, OpSCSITaskResp); resp.Response != ISCSI_TMF_RSP_COMPLETE {
		t.Fatalf("LUN reset response %d", resp.Response)
	}
	s.mu.Lock()
	task, gen := s.tasks.get(2), s.lunResets[0]
	s.mu.Unlock()
	if task == nil || task.state != taskAborted || gen != 1 {
		t.Fatalf("task %v after reset, reset generation %d", task, gen)
	}
	if err := s.admit(c, writeCmd(2, 6, 512, nil)); err != nil {
		t.Fatal(err)
	}
	if pdu := waitFor(t, c, OpReject); pdu.Reason != RejectTaskInProgress {
		t.Errorf("reuse of a draining tag rejected with %#x", pdu.Reason)
	}
	half := &ISCSICommand{OpCode: OpSCSIOut, TaskTag: 2, TargetTransferTag: r2t.TargetTransferTag, RawData: make([]byte, 2048)}
	if err := s.dataOut(c, half); err != nil {
		t.Errorf("first Data-Out for reset task: %v", err)
	}
	if s.tasks.get(2) == nil {
		t.Fatalf("tag released before the R2T drained")
	}
	last := &ISCSICommand{OpCode: OpSCSIOut, Final: true, TaskTag: 2, TargetTransferTag: r2t.TargetTransferTag,
		DataSN: 1, BufferOffset: 2048, RawData: make([]byte, 2048)}
	if err := s.dataOut(c, last); err != nil {
		t.Errorf("last Data-Out for reset task: %v", err)
	}
	s.mu.Lock()
	n := s.tasks.len()
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("%d tasks left after the R2T drained", n)
	}
	for _, pdu := range sent(t, c) {
		if pdu.OpCode == OpReject || pdu.OpCode == OpSCSIResp {
			t.Errorf("Data-Out for reset task answered with %v", pdu.OpCode)
		}
	}

	if err := s.admit(c, tmfCmd(4, ISCSI_TM_FUNC_LOGICAL_UNIT_RESET, 0)); err != nil {
		t.Fatal(err)
	}
	if resp := waitFor(t, c, OpSCSITaskResp); resp.Response != ISCSI_TMF_RSP_COMPLETE {
		t.Errorf("second LUN reset response %d", resp.Response)
	}
}

func TestLUNResetReleasedByAck(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	if err := s.admit(c, writeCmd(2, 5, 4096, nil)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, OpReady)
	if err := s.admit(c, tmfCmd(3, ISCSI_TM_FUNC_LOGICAL_UNIT_RESET, 0)); err != nil {
		t.Fatal(err)
	}
	resp := waitFor(t, c, OpSCSITaskResp)
	c.acknowledge(resp.StatSN)
	if s.tasks.get(2) == nil {
		t.Fatalf("tag released before the reset response was acknowledged")
	}
	c.acknowledge(resp.StatSN + 1)
	s.mu.Lock()
	n := s.tasks.len()
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("%d tasks left after the reset response was acknowledged", n)
	}
}

func TestTaskManagementResponses(t *testing.T) {
	var tests = map[string]struct {
		erl  uint32
		fn   uint8
		lun  uint64
		want uint8
	}{
		"abort unknown task":       {fn: ISCSI_TM_FUNC_ABORT_TASK, want: ISCSI_TMF_RSP_NO_TASK},
		"abort task set":           {fn: ISCSI_TM_FUNC_ABORT_TASK_SET, want: ISCSI_TMF_RSP_COMPLETE},
		"clear task set bad LUN":   {fn: ISCSI_TM_FUNC_CLEAR_TASK_SET, lun: 7, want: ISCSI_TMF_RSP_NO_LUN},
		"LUN reset bad LUN":        {fn: ISCSI_TM_FUNC_LOGICAL_UNIT_RESET, lun: 7, want: ISCSI_TMF_RSP_NO_LUN},
		"warm reset":               {fn: ISCSI_TM_FUNC_TARGET_WARM_RESET, want: ISCSI_TMF_RSP_COMPLETE},
		"clear ACA":                {fn: ISCSI_TM_FUNC_CLEAR_ACA, want: ISCSI_TMF_RSP_REJECTED},
		"reassign below ERL 2":     {erl: 1, fn: ISCSI_TM_FUNC_TASK_REASSIGN, want: ISCSI_TMF_RSP_NO_FAILOVER},
		"reassign unknown at ERL2": {erl: 2, fn: ISCSI_TM_FUNC_TASK_REASSIGN, want: ISCSI_TMF_RSP_NO_TASK},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, c := newTestSession(t, newRecorder(), func(p *SessionParams) { p.ErrorRecoveryLevel = tt.erl })
			req := tmfCmd(0x40, tt.fn, 0x99)
			req.LUN = scsi.EncodeLUN(tt.lun)
			if err := s.admit(c, req); err != nil {
				t.Fatal(err)
			}
			if resp := waitFor(t, c, OpSCSITaskResp); resp.Response != tt.want {
				t.Errorf("response %#x, want %#x", resp.Response, tt.want)
			}
		})
	}
}

func TestUnmappedLUN(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	cmd := readCmd(1, 5, 512)
	cmd.LUN = scsi.EncodeLUN(3)
	if err := s.admit(c, cmd); err != nil {
		t.Fatal(err)
	}
	resp := waitFor(t, c, OpSCSIResp)
	if resp.Status != scsi.SAM_STAT_CHECK_CONDITION || len(resp.RawData) < 2 {
		t.Fatalf("status %#x data % x", resp.Status, resp.RawData)
	}
	n := binary.BigEndian.Uint16(resp.RawData)
	key, asc := scsi.SenseKey(resp.RawData[2 : 2+n])
	if key != scsi.ILLEGAL_REQUEST || asc != scsi.ASC_LUN_NOT_SUPPORTED {
		t.Errorf("sense %#x/%#x", key, asc)
	}
	if resp.ResidualCount != 512 || !resp.ResidualUnderflow {
		t.Errorf("residual %d underflow %v", resp.ResidualCount, resp.ResidualUnderflow)
	}
}

func TestAcknowledgeReleasesTasks(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	if err := s.admit(c, readCmd(1, 5, 512)); err != nil {
		t.Fatal(err)
	}
	in := waitFor(t, c, OpSCSIIn)
	if !in.HasStatus {
		t.Fatalf("status not collapsed into Data-In")
	}
	s.mu.Lock()
	n := s.tasks.len()
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("%d tasks before acknowledgement", n)
	}
	c.acknowledge(in.StatSN + 1)
	s.mu.Lock()
	n = s.tasks.len()
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("%d tasks after acknowledgement", n)
	}
	if err := s.admit(c, readCmd(1, 6, 512)); err != nil {
		t.Fatalf("tag reuse after acknowledgement: %v", err)
	}
	if resp := waitFor(t, c, OpSCSIIn); resp.TaskTag != 1 {
		t.Errorf("tag %#x", resp.TaskTag)
	}
}

func TestReplayBuffer(t *testing.T) {
	s, c := newTestSession(t, newRecorder(), nil)
	for i := uint32(0); i < 10; i++ {
		nop := &ISCSICommand{OpCode: OpNoopOut, Immediate: true, Final: true, TaskTag: i, TargetTransferTag: ReservedTag}
		if err := s.admit(c, nop); err != nil {
			t.Fatal(err)
		}
	}
	sent(t, c)
	c.txMu.Lock()
	n, first := len(c.replay), c.replay[0].statSN
	c.txMu.Unlock()
	if n != 8 || first != 2 {
		t.Fatalf("replay holds %d entries from StatSN %d, want 8 from 2", n, first)
	}

	var tests = map[string]struct {
		begin, n uint32
		want     int
		err      error
	}{
		"retained":        {begin: 5, n: 2, want: 2},
		"to the end":      {begin: 8, n: 0, want: 2},
		"evicted":         {begin: 0, n: 1, err: ErrStatusNotRetained},
		"never sent":      {begin: 10, n: 1, err: ErrStatusNotRetained},
		"partly retained": {begin: 1, n: 3, err: ErrStatusNotRetained},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := c.resend(tt.begin, tt.n)
			if err != tt.err {
				t.Fatalf("resend(%d, %d) = %v, want %v", tt.begin, tt.n, err, tt.err)
			}
			pdus := sent(t, c)
			if len(pdus) != tt.want {
				t.Fatalf("%d PDUs resent, want %d", len(pdus), tt.want)
			}
			for i, pdu := range pdus {
				if pdu.StatSN != tt.begin+uint32(i) {
					t.Errorf("resent StatSN %d", pdu.StatSN)
				}
			}
		})
	}

	c.acknowledge(7)
	c.txMu.Lock()
	n = len(c.replay)
	c.txMu.Unlock()
	if n != 3 {
		t.Errorf("%d entries after ExpStatSN 7, want 3", n)
	}
}

func TestConnectionFailure(t *testing.T) {
	var tests = map[string]struct {
		erl       uint32
		destroyed bool
	}{
		"ERL 0 destroys the session": {erl: 0, destroyed: true},
		"ERL 1 retains tasks":        {erl: 1},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, c := newTestSession(t, newRecorder(), func(p *SessionParams) { p.ErrorRecoveryLevel = tt.erl })
			if err := s.admit(c, writeCmd(1, 5, 4096, nil)); err != nil {
				t.Fatal(err)
			}
			waitFor(t, c, OpReady)
			c.transition(eventCleanup)
			s.connectionFailed(c, true)

			_, err := s.driver.Session(s.TSIH)
			if gone := err == ErrSessionNotFound; gone != tt.destroyed {
				t.Fatalf("session gone %v, want %v", gone, tt.destroyed)
			}
			if tt.destroyed {
				return
			}
			s.mu.Lock()
			failed, tasks := s.failed[c.cid], s.tasks.len()
			s.mu.Unlock()
			if failed != c || tasks != 1 {
				t.Fatalf("failed connection %v, %d tasks", failed != nil, tasks)
			}

			// a new connection with the same CID takes over the write
			c2 := testConn(t, s.driver, c.cid)
			if err := s.addConn(c2); err != nil {
				t.Fatal(err)
			}
			r2t := waitFor(t, c2, OpReady)
			if r2t.TaskTag != 1 || r2t.BufferOffset != 0 || r2t.DesiredLength != 4096 {
				t.Errorf("R2T after reinstatement: tag %d offset %d length %d", r2t.TaskTag, r2t.BufferOffset, r2t.DesiredLength)
			}
			s.mu.Lock()
			_, stillFailed := s.failed[c.cid]
			s.mu.Unlock()
			if stillFailed {
				t.Errorf("failed connection kept after reinstatement")
			}
		})
	}
}

func TestTooManyConnections(t *testing.T) {
	s, _ := newTestSession(t, newRecorder(), func(p *SessionParams) { p.MaxConnections = 1 })
	if err := s.addConn(testConn(t, s.driver, 2)); err != ErrTooManyConnections {
		t.Errorf("addConn = %v, want ErrTooManyConnections", err)
	}
	// reinstating CID 1 does not count against the limit
	if err := s.addConn(testConn(t, s.driver, 1)); err != nil {
		t.Errorf("reinstatement: %v", err)
	}
}

func TestSessionTeardown(t *testing.T) {
	rec := newRecorder()
	rec.block = make(chan struct{})
	s, c := newTestSession(t, rec, nil)
	defer close(rec.block)
	if err := s.admit(c, readCmd(1, 5, 512)); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	s.driver.destroySession(s, "test")
	s.driver.destroySession(s, "test again")

	if err := s.admit(c, readCmd(2, 6, 512)); err != ErrSessionNotFound {
		t.Errorf("admit after teardown: %v", err)
	}
	if c.usable() {
		t.Errorf("connection still usable")
	}
	if got := s.stats.aborts.Load(); got != 1 {
		t.Errorf("aborts %d", got)
	}
	s.driver.TSIHPoolMutex.Lock()
	inUse := s.driver.TSIHPool[s.TSIH]
	s.driver.TSIHPoolMutex.Unlock()
	if inUse {
		t.Errorf("TSIH %d not released", s.TSIH)
	}
}
