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
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/scsi"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const (
	SessionNormal    = "Normal"
	SessionDiscovery = "Discovery"

	MAX_QUEUE_CMD_MIN = 1
	MAX_QUEUE_CMD_DEF = 128
	MAX_QUEUE_CMD_MAX = 512
)

// Serial number arithmetic, rfc1982 with SERIAL_BITS 32.
func snLess(a, b uint32) bool {
	return a != b && int32(a-b) < 0
}

func snInWindow(sn, lo, hi uint32) bool {
	return !snLess(sn, lo) && !snLess(hi, sn)
}

type queuedCmd struct {
	conn *iscsiConnection
	cmd  *ISCSICommand
}

// cmdQueue holds commands that arrived ahead of ExpCmdSN, lowest CmdSN first.
type cmdQueue []queuedCmd

func (q cmdQueue) Len() int { return len(q) }

func (q cmdQueue) Less(i, j int) bool {
	return snLess(q[i].cmd.CmdSN, q[j].cmd.CmdSN)
}

func (q cmdQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *cmdQueue) Push(x interface{}) {
	*q = append(*q, x.(queuedCmd))
}

func (q *cmdQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}

func (q cmdQueue) has(sn uint32) bool {
	for _, c := range q {
		if c.cmd.CmdSN == sn {
			return true
		}
	}
	return false
}

type sessionStats struct {
	commands     *atomic.Uint64
	readBytes    *atomic.Uint64
	writtenBytes *atomic.Uint64
	rejects      *atomic.Uint64
	aborts       *atomic.Uint64
}

func newSessionStats() sessionStats {
	return sessionStats{
		commands:     atomic.NewUint64(0),
		readBytes:    atomic.NewUint64(0),
		writtenBytes: atomic.NewUint64(0),
		rejects:      atomic.NewUint64(0),
		aborts:       atomic.NewUint64(0),
	}
}

// ISCSISession is the I_T nexus of one initiator port and one target.
// Everything below mu is owned by whoever holds it; connection pumps,
// task completions and timers all enter through it.
type ISCSISession struct {
	driver        *ISCSITargetDriver
	Target        *ISCSITarget
	InitiatorName string
	ISID          uint64
	TSIH          uint16
	ITNexusID     uuid.UUID
	log           *log.Entry

	queueDepth uint32
	// read without mu by the transmit path
	expCmdSN   *atomic.Uint32
	stats      sessionStats

	// handlers still running
	inflight sync.WaitGroup

	mu         sync.Mutex
	params     SessionParams
	negotiated Params
	conns      map[uint16]*iscsiConnection
	// connections lost at ErrorRecoveryLevel > 0 whose tasks are retained
	failed      map[uint16]*iscsiConnection
	retain      map[uint16]*time.Timer
	pending     cmdQueue
	tasks       *taskArena
	lunResets   map[uint64]uint32
	nextTTT     uint32
	dispatched  uint64
	logoutTimer *time.Timer
	destroyed   bool
	// run after mu is released
	post []func()
}

func newSession(d *ISCSITargetDriver, target *ISCSITarget, params SessionParams, negotiated Params, isid uint64, tsih uint16, cmdSN uint32) *ISCSISession {
	s := &ISCSISession{
		driver:        d,
		Target:        target,
		InitiatorName: params.InitiatorName,
		ISID:          isid,
		TSIH:          tsih,
		ITNexusID:     uuid.NewV1(),
		queueDepth:    d.opts.QueueDepth,
		expCmdSN:      atomic.NewUint32(cmdSN),
		stats:         newSessionStats(),
		params:        params,
		negotiated:    negotiated,
		conns:         map[uint16]*iscsiConnection{},
		failed:        map[uint16]*iscsiConnection{},
		retain:        map[uint16]*time.Timer{},
		tasks:         newTaskArena(),
		lunResets:     map[uint64]uint32{},
		nextTTT:       1,
	}
	if s.queueDepth < MAX_QUEUE_CMD_MIN {
		s.queueDepth = MAX_QUEUE_CMD_DEF
	}
	targetName := ""
	if target != nil {
		targetName = target.Name
	}
	s.log = log.WithFields(log.Fields{
		"tsih":      tsih,
		"initiator": params.InitiatorName,
		"target":    targetName,
	})
	return s
}

// unlock releases mu and runs the deferred actions queued while it was held.
func (s *ISCSISession) unlock() {
	post := s.post
	s.post = nil
	s.mu.Unlock()
	for _, f := range post {
		f()
	}
}

func (s *ISCSISession) discovery() bool {
	return s.params.SessionType == SessionDiscovery
}

// window returns ExpCmdSN and MaxCmdSN.
func (s *ISCSISession) window() (uint32, uint32) {
	exp := s.expCmdSN.Load()
	return exp, exp + s.queueDepth - 1
}

func (s *ISCSISession) ttt() uint32 {
	t := s.nextTTT
	s.nextTTT++
	if s.nextTTT == ReservedTag {
		s.nextTTT = 1
	}
	return t
}

// admit runs cmd through the CmdSN window and executes every command
// that became deliverable, in CmdSN order. Immediate commands bypass
// ordering and never advance ExpCmdSN.
func (s *ISCSISession) admit(c *iscsiConnection, cmd *ISCSICommand) error {
	s.mu.Lock()
	defer s.unlock()
	if s.destroyed {
		return ErrSessionNotFound
	}
	if cmd.Immediate {
		s.execute1(c, cmd)
		return nil
	}
	exp, max := s.window()
	if !snInWindow(cmd.CmdSN, exp, max) {
		return newProtocolError(CmdSNOutOfWindow, cmd, "CmdSN %d outside [%d, %d]", cmd.CmdSN, exp, max)
	}
	if cmd.CmdSN != exp {
		if s.pending.has(cmd.CmdSN) {
			return newProtocolError(CmdSNOutOfWindow, cmd, "CmdSN %d already queued", cmd.CmdSN)
		}
		s.log.Debugf("CmdSN %d queued, expecting %d", cmd.CmdSN, exp)
		heap.Push(&s.pending, queuedCmd{conn: c, cmd: cmd})
		return nil
	}
	s.expCmdSN.Store(exp + 1)
	s.execute1(c, cmd)
	for s.pending.Len() > 0 && s.pending[0].cmd.CmdSN == s.expCmdSN.Load() {
		q := heap.Pop(&s.pending).(queuedCmd)
		s.expCmdSN.Inc()
		if !q.conn.usable() && s.params.ErrorRecoveryLevel == 0 {
			s.log.Debugf("dropping CmdSN %d of closed connection %d", q.cmd.CmdSN, q.conn.cid)
			continue
		}
		s.execute1(q.conn, q.cmd)
	}
	return nil
}

type pduHandler func(s *ISCSISession, c *iscsiConnection, cmd *ISCSICommand) error

var sessionHandlers map[OpCode]pduHandler

func init() {
	sessionHandlers = map[OpCode]pduHandler{
		OpSCSICmd:     (*ISCSISession).scsiCommand,
		OpSCSITaskReq: (*ISCSISession).taskManagement,
		OpTextReq:     (*ISCSISession).text,
		OpNoopOut:     (*ISCSISession).nopOut,
		OpLogoutReq:   (*ISCSISession).logout,
	}
}

// execute1 runs one sequenced command with mu held. Errors are answered
// on the connection the command arrived on.
func (s *ISCSISession) execute1(c *iscsiConnection, cmd *ISCSICommand) {
	h, ok := sessionHandlers[cmd.OpCode]
	if !ok {
		s.rejectLocked(c, newProtocolError(UnsupportedOpcode, cmd, "%v is not sequenced", cmd.OpCode))
		return
	}
	if s.discovery() && (cmd.OpCode == OpSCSICmd || cmd.OpCode == OpSCSITaskReq) {
		s.rejectLocked(c, newProtocolError(StateViolation, cmd, "%v in discovery session", cmd.OpCode))
		return
	}
	if err := h(s, c, cmd); err != nil {
		s.rejectLocked(c, err)
	}
}

// rejectLocked answers err on c. Fatal errors close c once mu is released.
func (s *ISCSISession) rejectLocked(c *iscsiConnection, err error) {
	perr, ok := err.(*ProtocolError)
	if !ok {
		s.log.Errorf("connection %d: %v", c.cid, err)
		s.post = append(s.post, func() { c.fail(err) })
		return
	}
	s.stats.rejects.Inc()
	c.log.Warnf("%v", perr)
	// a discovery session survives a SCSI command
	if perr.Kind == StateViolation && s.discovery() {
		c.reject(perr.PDU, RejectProtocolError)
		return
	}
	if perr.PDU != nil {
		c.reject(perr.PDU, perr.RejectReason())
	}
	if perr.Fatal() {
		s.post = append(s.post, func() { c.fail(err) })
	}
}

// execute runs the handler of one task on its own goroutine. The status
// goes out under mu, so StatSN stays in order per connection even when
// handlers finish out of order.
func (s *ISCSISession) execute(task *iscsiTask) {
	var res scsi.Result
	if !task.aborted.Load() {
		res = s.runHandler(task)
	}
	s.inflight.Done()
	s.mu.Lock()
	defer s.unlock()
	s.complete(task, res)
}

// ack releases the tasks whose final status the initiator acknowledged,
// and the aborted tasks a reset kept around for their Data-Out.
func (s *ISCSISession) ack(tags []uint32) {
	if len(tags) == 0 {
		return
	}
	s.mu.Lock()
	defer s.unlock()
	for _, tag := range tags {
		t := s.tasks.get(tag)
		if t != nil && (t.state == taskCompleted || t.state == taskAborted) {
			s.tasks.remove(t)
		}
	}
}

// abortTasks aborts every task match selects. It iterates a snapshot.
func (s *ISCSISession) abortTasks(match func(t *iscsiTask) bool) int {
	n, _ := s.abortTasksRetaining(match, false)
	return n
}

// abortTasksRetaining is abortTasks that, with retain set, keeps write
// tasks still waiting for data in the arena as ABORTED. Their tags stay
// busy until the Data-Out in flight drains or the initiator acknowledges
// the status returned for the abort.
func (s *ISCSISession) abortTasksRetaining(match func(t *iscsiTask) bool, retain bool) (int, []uint32) {
	n := 0
	var kept []uint32
	for _, t := range s.tasks.snapshot() {
		if !match(t) {
			continue
		}
		waiting := t.state == taskPending
		if t.abort() {
			n++
			s.stats.aborts.Inc()
		}
		if retain && waiting {
			kept = append(kept, t.tag)
			continue
		}
		s.tasks.remove(t)
	}
	return n, kept
}

func (s *ISCSISession) bumpReset(lun uint64) {
	s.lunResets[lun]++
}

// stale reports whether a LUN reset happened after t was created.
func (s *ISCSISession) stale(t *iscsiTask) bool {
	return t.resetGen != s.lunResets[t.lun]
}

func (s *ISCSISession) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// addConn attaches c. A connection with the same CID, live or awaiting
// recovery, is reinstated by c.
func (s *ISCSISession) addConn(c *iscsiConnection) error {
	s.mu.Lock()
	defer s.unlock()
	if s.destroyed {
		return ErrSessionNotFound
	}
	old := s.conns[c.cid]
	if old == nil {
		old = s.failed[c.cid]
	}
	if old == nil && uint32(len(s.conns)) >= s.params.MaxConnections {
		return ErrTooManyConnections
	}
	c.session = s
	s.conns[c.cid] = c
	if old != nil {
		s.reinstateLocked(old, c)
	}
	s.log.Infof("connection %d added, %d connections", c.cid, len(s.conns))
	return nil
}

// reinstateLocked moves the allegiance of old's tasks to c, or aborts
// them at ErrorRecoveryLevel 0.
func (s *ISCSISession) reinstateLocked(old, c *iscsiConnection) {
	s.log.Infof("connection %d reinstated", c.cid)
	delete(s.failed, old.cid)
	if t, ok := s.retain[old.cid]; ok {
		t.Stop()
		delete(s.retain, old.cid)
	}
	s.post = append(s.post, old.shutdown)
	if s.params.ErrorRecoveryLevel == 0 {
		s.abortTasks(func(t *iscsiTask) bool { return t.conn == old })
		return
	}
	for _, t := range s.tasks.snapshot() {
		if t.conn == old {
			t.conn = c
			s.resumeLocked(t)
		}
	}
}

// connectionFailed detaches c after a transport failure. Its tasks are
// retained for reassignment when recoverable and the session allows it.
func (s *ISCSISession) connectionFailed(c *iscsiConnection, recoverable bool) {
	s.mu.Lock()
	defer s.unlock()
	if s.destroyed || s.conns[c.cid] != c {
		return
	}
	s.detachLocked(c, recoverable)
}

func (s *ISCSISession) detachLocked(c *iscsiConnection, recoverable bool) {
	delete(s.conns, c.cid)
	if !recoverable || s.params.ErrorRecoveryLevel == 0 {
		n := s.abortTasks(func(t *iscsiTask) bool { return t.conn == c })
		s.log.Infof("connection %d closed, %d tasks aborted", c.cid, n)
		if len(s.conns) == 0 && len(s.failed) == 0 {
			s.post = append(s.post, func() { s.driver.destroySession(s, "last connection closed") })
		}
		return
	}
	s.failed[c.cid] = c
	retain := time.Duration(s.params.DefaultTime2Wait+s.params.DefaultTime2Retain) * time.Second
	s.log.Infof("connection %d failed, retaining its tasks for %v", c.cid, retain)
	s.retain[c.cid] = time.AfterFunc(retain, func() { s.retainExpired(c) })
}

func (s *ISCSISession) retainExpired(c *iscsiConnection) {
	s.mu.Lock()
	defer s.unlock()
	if s.destroyed || s.failed[c.cid] != c {
		return
	}
	delete(s.failed, c.cid)
	delete(s.retain, c.cid)
	n := s.abortTasks(func(t *iscsiTask) bool { return t.conn == c })
	s.log.Infof("connection %d not recovered, %d tasks aborted", c.cid, n)
	if len(s.conns) == 0 && len(s.failed) == 0 {
		s.post = append(s.post, func() { s.driver.destroySession(s, "connection recovery timed out") })
	}
}

// teardown aborts all tasks, stops the session timers and closes every
// connection. Only the driver calls it, through destroySession.
func (s *ISCSISession) teardown(reason string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	n := s.abortTasks(func(*iscsiTask) bool { return true })
	s.pending = nil
	for cid, t := range s.retain {
		t.Stop()
		delete(s.retain, cid)
	}
	if s.logoutTimer != nil {
		s.logoutTimer.Stop()
	}
	conns := make([]*iscsiConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[uint16]*iscsiConnection{}
	s.failed = map[uint16]*iscsiConnection{}
	s.mu.Unlock()

	s.log.Infof("session destroyed (%s), %d tasks aborted", reason, n)
	s.inflight.Wait()
	if s.Target != nil {
		s.Target.Registry.NexusLost(s.ITNexusID.String())
	}
	for _, c := range conns {
		c.shutdown()
	}
}

// requestLogout asks the initiator to log out and drops the session if
// it has not done so within wait.
func (s *ISCSISession) requestLogout(wait time.Duration) {
	s.mu.Lock()
	defer s.unlock()
	if s.destroyed {
		return
	}
	for _, c := range s.conns {
		c.send(&ISCSICommand{
			OpCode:     OpAsync,
			Final:      true,
			TaskTag:    ReservedTag,
			AsyncEvent: ISCSI_ASYNC_MSG_REQUEST_LOGOUT,
			Param3:     uint16(wait / time.Second),
		}, nil)
	}
	if s.logoutTimer == nil {
		s.logoutTimer = time.AfterFunc(wait, func() {
			s.driver.destroySession(s, "initiator did not log out")
		})
	}
}

// Info describes the session for the admin API.
func (s *ISCSISession) Info() api.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, max := s.window()
	info := api.Session{
		TSIH:          s.TSIH,
		ISID:          fmt.Sprintf("%012x", s.ISID),
		ITNexus:       s.ITNexusID.String(),
		InitiatorName: s.InitiatorName,
		Type:          s.params.SessionType,
		ExpCmdSN:      exp,
		MaxCmdSN:      max,
		Tasks:         s.tasks.len(),
		Params:        map[string]string{},
		Stats: api.SessionStats{
			Commands:     s.stats.commands.Load(),
			ReadBytes:    s.stats.readBytes.Load(),
			WrittenBytes: s.stats.writtenBytes.Load(),
			Rejects:      s.stats.rejects.Load(),
			Aborts:       s.stats.aborts.Load(),
		},
	}
	if s.Target != nil {
		info.TargetName = s.Target.Name
	}
	for k, v := range s.negotiated {
		info.Params[k] = v
	}
	for _, c := range s.conns {
		info.Connections = append(info.Connections, c.info())
	}
	sort.Slice(info.Connections, func(i, j int) bool {
		return info.Connections[i].CID < info.Connections[j].CID
	})
	return info
}
