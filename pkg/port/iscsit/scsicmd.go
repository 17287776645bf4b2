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
	"encoding/binary"

	"github.com/gostor/goiscsi/pkg/scsi"
)

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// scsiCommand creates the task for cmd. Reads run at once, writes first
// collect their data from immediate data, unsolicited Data-Out and R2Ts.
func (s *ISCSISession) scsiCommand(c *iscsiConnection, cmd *ISCSICommand) error {
	if s.tasks.get(cmd.TaskTag) != nil {
		return newProtocolError(DuplicateTaskTag, cmd, "task tag %#x in use", cmd.TaskTag)
	}
	s.stats.commands.Inc()
	lun := scsi.DecodeLUN(cmd.LUN)
	t := newTask(c, cmd, s.Target.Registry.Lookup(lun, cmd.CDB[0]))
	t.resetGen = s.lunResets[lun]

	if !cmd.Write || t.expectedDataLength == 0 {
		s.tasks.add(t)
		s.startTask(t)
		return nil
	}

	n := uint32(len(cmd.RawData))
	if n > 0 {
		if !s.params.ImmediateData {
			return newProtocolError(InvalidField, cmd, "immediate data without ImmediateData=Yes")
		}
		if n > t.expectedDataLength || n > s.params.FirstBurstLength {
			return newProtocolError(InvalidField, cmd, "%d bytes of immediate data, expected %d", n, t.expectedDataLength)
		}
	}
	s.tasks.add(t)
	t.data = make([]byte, t.expectedDataLength)
	copy(t.data, cmd.RawData)
	t.received = n
	t.unsolLimit = n
	if !s.params.InitialR2T && !cmd.Final {
		t.unsolLimit = min32(s.params.FirstBurstLength, t.expectedDataLength)
	}
	if t.received >= t.unsolLimit {
		t.unsolDone = true
	}
	t.r2tOffset = t.received
	s.continueWrite(t)
	return nil
}

func (s *ISCSISession) startTask(t *iscsiTask) {
	t.state = taskExecuting
	if t.cmd.Write {
		s.stats.writtenBytes.Add(uint64(t.received))
	}
	s.dispatched++
	t.seq = s.dispatched
	s.inflight.Add(1)
	go s.execute(t)
}

// continueWrite solicits the data still missing or, once everything
// arrived, starts the task.
func (s *ISCSISession) continueWrite(t *iscsiTask) {
	if t.received >= t.expectedDataLength {
		s.startTask(t)
		return
	}
	if !t.unsolDone {
		return
	}
	max := s.params.MaxOutstandingR2T
	if max == 0 {
		max = 1
	}
	burst := s.params.MaxBurstLength
	for uint32(len(t.r2ts)) < max && t.r2tOffset < t.expectedDataLength {
		r := &r2tState{
			ttt:    s.ttt(),
			r2tSN:  t.r2tSN,
			offset: t.r2tOffset,
			length: min32(burst, t.expectedDataLength-t.r2tOffset),
		}
		t.r2tSN++
		t.r2tOffset += r.length
		t.r2ts[r.ttt] = r
		s.sendR2T(t, r)
	}
}

// sendR2T asks for the part of r not received yet.
func (s *ISCSISession) sendR2T(t *iscsiTask, r *r2tState) {
	t.conn.send(&ISCSICommand{
		OpCode:            OpReady,
		Final:             true,
		TaskTag:           t.tag,
		LUN:               t.cmd.LUN,
		TargetTransferTag: r.ttt,
		R2TSN:             r.r2tSN,
		BufferOffset:      r.offset + r.received,
		DesiredLength:     r.length - r.received,
	}, nil)
}

func (s *ISCSISession) dataOut(c *iscsiConnection, cmd *ISCSICommand) error {
	s.mu.Lock()
	defer s.unlock()
	t := s.tasks.get(cmd.TaskTag)
	if t != nil && t.state == taskAborted && s.stale(t) {
		c.log.Debugf("Data-Out for task %#x from before a LUN reset dropped", t.tag)
		s.drainStale(t, cmd)
		return nil
	}
	if t == nil || t.state != taskPending {
		return newProtocolError(InvalidField, cmd, "Data-Out for task %#x not waiting for data", cmd.TaskTag)
	}
	if t.conn != c {
		return newProtocolError(InvalidField, cmd, "Data-Out for task %#x on connection %d", t.tag, c.cid)
	}
	n := uint32(len(cmd.RawData))
	if cmd.BufferOffset+n > t.expectedDataLength || cmd.BufferOffset+n < cmd.BufferOffset {
		return newProtocolError(InvalidField, cmd, "Data-Out offset %d length %d beyond %d", cmd.BufferOffset, n, t.expectedDataLength)
	}

	if cmd.TargetTransferTag == ReservedTag {
		if t.unsolDone || cmd.BufferOffset != t.received || cmd.BufferOffset+n > t.unsolLimit {
			return newProtocolError(InvalidField, cmd, "unexpected unsolicited Data-Out at %d", cmd.BufferOffset)
		}
		if cmd.DataSN != t.unsolDataSN {
			return newProtocolError(InvalidField, cmd, "DataSN %d, expected %d", cmd.DataSN, t.unsolDataSN)
		}
		t.unsolDataSN++
		copy(t.data[cmd.BufferOffset:], cmd.RawData)
		t.received += n
		if cmd.Final || t.received >= t.unsolLimit {
			t.unsolDone = true
			t.r2tOffset = t.received
			s.continueWrite(t)
		}
		return nil
	}

	r := t.r2ts[cmd.TargetTransferTag]
	if r == nil {
		return newProtocolError(InvalidField, cmd, "Data-Out with unknown TTT %#x", cmd.TargetTransferTag)
	}
	if cmd.BufferOffset != r.offset+r.received || cmd.DataSN != r.dataSN {
		if s.params.ErrorRecoveryLevel > 0 {
			c.log.Warnf("task %#x: Data-Out at %d DataSN %d out of sequence, soliciting again", t.tag, cmd.BufferOffset, cmd.DataSN)
			r.dataSN = 0
			s.sendR2T(t, r)
			return nil
		}
		return newProtocolError(InvalidField, cmd, "Data-Out at %d DataSN %d, expected %d DataSN %d",
			cmd.BufferOffset, cmd.DataSN, r.offset+r.received, r.dataSN)
	}
	if r.received+n > r.length {
		return newProtocolError(InvalidField, cmd, "Data-Out exceeds R2T %d", r.r2tSN)
	}
	copy(t.data[cmd.BufferOffset:], cmd.RawData)
	r.received += n
	r.dataSN++
	t.received += n
	if r.received == r.length {
		delete(t.r2ts, r.ttt)
		s.continueWrite(t)
	} else if cmd.Final {
		if s.params.ErrorRecoveryLevel == 0 {
			return newProtocolError(InvalidField, cmd, "R2T %d sequence ended %d bytes short", r.r2tSN, r.length-r.received)
		}
		r.dataSN = 0
		s.sendR2T(t, r)
	}
	return nil
}

// drainStale accounts a Data-Out for a task a reset aborted and frees the
// tag once no solicited or unsolicited sequence remains open.
func (s *ISCSISession) drainStale(t *iscsiTask, cmd *ISCSICommand) {
	if cmd.TargetTransferTag == ReservedTag {
		if cmd.Final {
			t.unsolDone = true
		}
	} else if r := t.r2ts[cmd.TargetTransferTag]; r != nil {
		r.received += uint32(len(cmd.RawData))
		if cmd.Final || r.received >= r.length {
			delete(t.r2ts, r.ttt)
		}
	}
	if t.unsolDone && len(t.r2ts) == 0 {
		s.tasks.remove(t)
	}
}

// recoverDataOut solicits again the data of a Data-Out that failed its
// data digest.
func (s *ISCSISession) recoverDataOut(c *iscsiConnection, cmd *ISCSICommand) {
	s.mu.Lock()
	defer s.unlock()
	t := s.tasks.get(cmd.TaskTag)
	if t == nil || t.state != taskPending || t.conn != c {
		return
	}
	if cmd.TargetTransferTag == ReservedTag {
		// the rest of the unsolicited burst is requested with R2Ts
		if !t.unsolDone {
			t.unsolDone = true
			t.r2tOffset = t.received
			s.continueWrite(t)
		}
		return
	}
	if r := t.r2ts[cmd.TargetTransferTag]; r != nil {
		c.log.Infof("task %#x: recovery R2T for offset %d", t.tag, r.offset+r.received)
		r.dataSN = 0
		s.sendR2T(t, r)
	}
}

func (s *ISCSISession) runHandler(t *iscsiTask) scsi.Result {
	if t.handler == nil {
		return scsi.FunctionRejected
	}
	return t.handler.Execute(t.ctx, &scsi.Request{
		ITNexus:        s.ITNexusID.String(),
		LUN:            t.lun,
		Tag:            t.tag,
		CDB:            t.cmd.CDB,
		Data:           t.data,
		ExpectedLength: t.expectedDataLength,
		Read:           t.cmd.Read,
		Write:          t.cmd.Write,
	})
}

// complete records the result of t and answers the initiator. The
// response of an aborted task is suppressed.
func (s *ISCSISession) complete(t *iscsiTask, res scsi.Result) {
	if t.state != taskExecuting {
		s.log.Debugf("task %#x finished in state %v, response suppressed", t.tag, t.state)
		return
	}
	if res.Kind == scsi.ResultRejected {
		asc := scsi.ASC_INVALID_OP_CODE
		if !s.Target.Registry.HasLUN(t.lun) {
			asc = scsi.ASC_LUN_NOT_SUPPORTED
		}
		s.log.Debugf("task %#x: no handler for opcode %#x on LUN %d", t.tag, t.cmd.CDB[0], t.lun)
		res = scsi.CheckCondition(scsi.ILLEGAL_REQUEST, asc)
	}
	t.state = taskCompleted
	t.result = res
	if !t.conn.usable() {
		s.log.Debugf("task %#x completed while connection %d is down", t.tag, t.conn.cid)
		return
	}
	s.sendResponse(t)
}

// sendResponse sends the Data-In PDUs and status of a completed task.
// The status of a successful read rides on its last Data-In PDU.
func (s *ISCSISession) sendResponse(t *iscsiTask) {
	c := t.conn
	res := t.result
	var (
		data      []byte
		residual  uint32
		overflow  bool
		underflow bool
	)
	if t.cmd.Read {
		data = res.Data
		switch exp := t.expectedDataLength; {
		case uint32(len(data)) > exp:
			overflow = true
			residual = uint32(len(data)) - exp
			data = data[:exp]
		case uint32(len(data)) < exp:
			underflow = true
			residual = exp - uint32(len(data))
		}
	}
	good := res.Status == scsi.SAM_STAT_GOOD && len(res.Sense) == 0

	max := int(c.params.MaxXmitDataSegmentLength)
	if max <= 0 {
		max = 8192
	}
	burst := int(s.params.MaxBurstLength)
	if burst <= 0 {
		burst = len(data)
	}
	t.dataSN = 0
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > max {
			n = max
		}
		// a Data-In sequence never crosses MaxBurstLength
		if end := (off/burst + 1) * burst; off+n > end {
			n = end - off
		}
		last := off+n == len(data)
		pdu := &ISCSICommand{
			OpCode:            OpSCSIIn,
			Final:             last || (off+n)%burst == 0,
			TaskTag:           t.tag,
			LUN:               t.cmd.LUN,
			TargetTransferTag: ReservedTag,
			DataSN:            t.dataSN,
			BufferOffset:      uint32(off),
			RawData:           data[off : off+n],
		}
		var owner *iscsiTask
		if last && good {
			pdu.HasStatus = true
			pdu.Status = res.Status
			pdu.ResidualOverflow = overflow
			pdu.ResidualUnderflow = underflow
			pdu.ResidualCount = residual
			owner = t
		}
		t.dataSN++
		c.send(pdu, owner)
		off += n
	}
	s.stats.readBytes.Add(uint64(len(data)))
	if len(data) > 0 && good {
		return
	}

	resp := &ISCSICommand{
		OpCode:            OpSCSIResp,
		Final:             true,
		TaskTag:           t.tag,
		Status:            res.Status,
		ExpDataSN:         t.dataSN,
		ResidualOverflow:  overflow,
		ResidualUnderflow: underflow,
		ResidualCount:     residual,
	}
	if len(res.Sense) > 0 {
		resp.RawData = make([]byte, 2+len(res.Sense))
		binary.BigEndian.PutUint16(resp.RawData, uint16(len(res.Sense)))
		copy(resp.RawData[2:], res.Sense)
	}
	c.send(resp, t)
}

// resumeLocked continues a task whose allegiance moved to a new connection.
func (s *ISCSISession) resumeLocked(t *iscsiTask) {
	switch t.state {
	case taskPending:
		t.r2ts = map[uint32]*r2tState{}
		t.unsolDone = true
		t.r2tOffset = t.received
		s.continueWrite(t)
	case taskCompleted:
		s.sendResponse(t)
	}
}
