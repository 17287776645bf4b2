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
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/looplab/fsm"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Connection states, rfc7143 8.1.3.
const (
	CONN_STATE_FREE             = "FREE"
	CONN_STATE_XPT_WAIT         = "XPT_WAIT"
	CONN_STATE_XPT_UP           = "XPT_UP"
	CONN_STATE_IN_LOGIN         = "IN_LOGIN"
	CONN_STATE_LOGGED_IN        = "LOGGED_IN"
	CONN_STATE_IN_LOGOUT        = "IN_LOGOUT"
	CONN_STATE_LOGOUT_REQUESTED = "LOGOUT_REQUESTED"
	CONN_STATE_CLEANUP_WAIT     = "CLEANUP_WAIT"
	CONN_STATE_FREE_TERMINATED  = "FREE_TERMINATED"
)

const (
	eventConnect       = "connect"
	eventTransportUp   = "transport_up"
	eventLogin         = "login"
	eventLoginComplete = "login_complete"
	eventLogout        = "logout"
	eventLogoutSent    = "logout_sent"
	eventCleanup       = "cleanup"
	eventRelease       = "release"
	eventClose         = "close"
)

// pending writes get this long to drain when a connection closes
const flushTimeout = 5 * time.Second

var connEvents = fsm.Events{
	{Name: eventConnect, Src: []string{CONN_STATE_FREE}, Dst: CONN_STATE_XPT_WAIT},
	{Name: eventTransportUp, Src: []string{CONN_STATE_XPT_WAIT}, Dst: CONN_STATE_XPT_UP},
	{Name: eventLogin, Src: []string{CONN_STATE_XPT_UP}, Dst: CONN_STATE_IN_LOGIN},
	{Name: eventLoginComplete, Src: []string{CONN_STATE_IN_LOGIN}, Dst: CONN_STATE_LOGGED_IN},
	{Name: eventLogout, Src: []string{CONN_STATE_LOGGED_IN}, Dst: CONN_STATE_IN_LOGOUT},
	{Name: eventLogoutSent, Src: []string{CONN_STATE_IN_LOGOUT}, Dst: CONN_STATE_LOGOUT_REQUESTED},
	{Name: eventCleanup, Src: []string{CONN_STATE_LOGGED_IN, CONN_STATE_IN_LOGOUT, CONN_STATE_LOGOUT_REQUESTED}, Dst: CONN_STATE_CLEANUP_WAIT},
	{Name: eventRelease, Src: []string{CONN_STATE_CLEANUP_WAIT}, Dst: CONN_STATE_FREE_TERMINATED},
	{Name: eventClose, Src: []string{CONN_STATE_FREE, CONN_STATE_XPT_WAIT, CONN_STATE_XPT_UP, CONN_STATE_IN_LOGIN}, Dst: CONN_STATE_FREE_TERMINATED},
}

var (
	loginOpcodes = map[OpCode]bool{OpLoginReq: true}
	ffpOpcodes   = map[OpCode]bool{
		OpNoopOut:     true,
		OpSCSICmd:     true,
		OpSCSITaskReq: true,
		OpTextReq:     true,
		OpSCSIOut:     true,
		OpLogoutReq:   true,
		OpSNACKReq:    true,
	}
	// opcodes an initiator may send in each connection state
	legalOpcodes = map[string]map[OpCode]bool{
		CONN_STATE_XPT_UP:    loginOpcodes,
		CONN_STATE_IN_LOGIN:  loginOpcodes,
		CONN_STATE_LOGGED_IN: ffpOpcodes,
	}
)

type replayEntry struct {
	statSN uint32
	pdu    []byte
	// task whose final status this is
	tag     uint32
	hasTask bool
	// aborted tasks freed with this status
	release []uint32
}

type iscsiConnection struct {
	id      uuid.UUID
	cid     uint16
	conn    net.Conn
	reader  *bufio.Reader
	driver  *ISCSITargetDriver
	session *ISCSISession
	log     *log.Entry

	stateMu sync.Mutex
	fsm     *fsm.FSM

	// owned by the receive goroutine
	rxOpts CodecOptions
	login  *loginState

	// fixed once the connection is logged in
	params ConnParams
	// guarded by the session lock
	text textExchange

	txMu      sync.Mutex
	txCond    *sync.Cond
	txQueue   [][]byte
	txClosing bool
	txOpts    CodecOptions
	statSN    uint32
	expStatSN uint32
	replay    []replayEntry
	replayCap int
	evicted   []uint32
	// ExpCmdSN reported until the connection joins a session
	loginCmdSN uint32

	lastRecv *atomic.Int64
	pingTTT  *atomic.Uint32
	pingSent *atomic.Int64
	done     chan struct{}
	txDone   chan struct{}
}

// loginDataSegmentLength bounds the data segment of PDUs received before
// a MaxRecvDataSegmentLength is negotiated.
const loginDataSegmentLength = 8192

func newConnection(d *ISCSITargetDriver, conn net.Conn) *iscsiConnection {
	c := &iscsiConnection{
		id:        uuid.NewV4(),
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 64*1024),
		driver:    d,
		rxOpts:    CodecOptions{MaxRecvDataSegmentLength: loginDataSegmentLength},
		replayCap: int(d.opts.QueueDepth),
		lastRecv:  atomic.NewInt64(time.Now().UnixNano()),
		pingTTT:   atomic.NewUint32(ReservedTag),
		pingSent:  atomic.NewInt64(0),
		done:      make(chan struct{}),
		txDone:    make(chan struct{}),
	}
	if c.replayCap <= 0 {
		c.replayCap = MAX_QUEUE_CMD_DEF
	}
	c.txCond = sync.NewCond(&c.txMu)
	c.log = log.WithFields(log.Fields{
		"conn":   c.id.String(),
		"remote": conn.RemoteAddr().String(),
	})
	c.fsm = fsm.NewFSM(CONN_STATE_FREE, connEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			c.log.Debugf("connection state %s -> %s on %s", e.Src, e.Dst, e.Event)
		},
	})
	return c
}

func (c *iscsiConnection) state() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.fsm.Current()
}

// transition fires event. Transitions of one connection never interleave.
func (c *iscsiConnection) transition(event string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.fsm.Event(context.Background(), event); err != nil {
		c.log.Debugf("connection event %s in state %s: %v", event, c.fsm.Current(), err)
		return err
	}
	return nil
}

// usable reports whether responses can still be delivered on c.
func (c *iscsiConnection) usable() bool {
	c.txMu.Lock()
	closing := c.txClosing
	c.txMu.Unlock()
	return !closing && c.state() == CONN_STATE_LOGGED_IN
}

func (c *iscsiConnection) erl() uint32 {
	if c.session == nil {
		return 0
	}
	return c.session.params.ErrorRecoveryLevel
}

// serve runs the receive side of c until the transport goes away.
func (c *iscsiConnection) serve() {
	c.transition(eventConnect)
	if tc, ok := c.conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}
	c.transition(eventTransportUp)
	go c.writeLoop()
	defer c.cleanup()

	if c.driver.opts.LoginTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.driver.opts.LoginTimeout))
	}
	for {
		cmd, err := ReadPDU(c.reader, c.rxOpts)
		if err == nil {
			c.lastRecv.Store(time.Now().UnixNano())
			err = c.dispatch(cmd)
		} else if cmd != nil {
			c.lastRecv.Store(time.Now().UnixNano())
		}
		if err != nil && !c.handleError(cmd, err) {
			return
		}
	}
}

func (c *iscsiConnection) dispatch(cmd *ISCSICommand) error {
	state := c.state()
	if !legalOpcodes[state][cmd.OpCode] {
		return newProtocolError(StateViolation, cmd, "%v in state %s", cmd.OpCode, state)
	}
	if cmd.OpCode == OpLoginReq {
		return c.handleLogin(cmd)
	}

	c.acknowledge(cmd.ExpStatSN)
	s := c.session
	switch cmd.OpCode {
	case OpSCSIOut:
		return s.dataOut(c, cmd)
	case OpSNACKReq:
		return s.snack(c, cmd)
	case OpNoopOut:
		if cmd.TaskTag == ReservedTag {
			return c.pingResponse(cmd)
		}
	}
	return s.admit(c, cmd)
}

// handleError answers a receive or protocol error and reports whether
// the connection survives it.
func (c *iscsiConnection) handleError(cmd *ISCSICommand, err error) bool {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout() && c.login != nil && !c.login.done:
			c.log.Warnf("%v: login did not complete within %v", LoginRejected, c.driver.opts.LoginTimeout)
		case err == io.EOF || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe):
			c.log.Infof("connection closed")
		case errors.Is(err, ErrSessionNotFound):
			c.log.Debugf("session already gone")
		default:
			c.log.Warnf("connection failed: %v", err)
		}
		return false
	}

	if c.session != nil {
		c.session.stats.rejects.Inc()
	}
	switch perr.Kind {
	case LoginRejected:
		// the login response already carried the status
		c.log.Warnf("%v", perr)
		return false
	case DigestMismatch:
		return c.digestError(perr)
	}
	c.log.Warnf("%v", perr)
	if perr.PDU != nil {
		c.reject(perr.PDU, perr.RejectReason())
	}
	if perr.Fatal() {
		c.shutdown()
		return false
	}
	return true
}

// digestError closes the connection at ErrorRecoveryLevel 0. Above that
// a PDU with a good header is rejected and lost Data-Out is requested
// again; a PDU whose header digest failed cannot be trusted and is dropped.
func (c *iscsiConnection) digestError(perr *ProtocolError) bool {
	if c.erl() == 0 || perr.PDU == nil {
		c.log.Errorf("%v, closing connection", perr)
		c.shutdown()
		return false
	}
	cmd := perr.PDU
	if c.rxOpts.HeaderDigest && crc32c(cmd.RawHeader, cmd.AHS) != cmd.HeaderDigest {
		c.log.Warnf("%v, PDU dropped", perr)
		return true
	}
	c.log.Warnf("%v, rejecting PDU", perr)
	c.acknowledge(cmd.ExpStatSN)
	c.reject(cmd, RejectDataDigest)
	if cmd.OpCode == OpSCSIOut {
		c.session.recoverDataOut(c, cmd)
	}
	return true
}

// cleanup runs when the receive side stops.
func (c *iscsiConnection) cleanup() {
	close(c.done)
	state := c.state()
	switch state {
	case CONN_STATE_LOGGED_IN, CONN_STATE_IN_LOGOUT, CONN_STATE_LOGOUT_REQUESTED:
		c.transition(eventCleanup)
		if c.session != nil {
			c.session.connectionFailed(c, state == CONN_STATE_LOGGED_IN)
		}
		c.transition(eventRelease)
	case CONN_STATE_CLEANUP_WAIT:
		c.transition(eventRelease)
	case CONN_STATE_FREE_TERMINATED:
	default:
		c.transition(eventClose)
	}
	c.shutdown()
	<-c.txDone
	c.driver.connClosed(c)
	c.log.Debugf("connection released")
}

// shutdown stops accepting PDUs for transmission. Queued PDUs are flushed
// and then the transport is closed.
func (c *iscsiConnection) shutdown() {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.txClosing {
		return
	}
	c.txClosing = true
	c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	c.txCond.Broadcast()
}

func (c *iscsiConnection) fail(err error) {
	c.log.Warnf("closing connection: %v", err)
	c.shutdown()
}

func (c *iscsiConnection) writeLoop() {
	defer close(c.txDone)
	defer c.conn.Close()
	for {
		c.txMu.Lock()
		for len(c.txQueue) == 0 && !c.txClosing {
			c.txCond.Wait()
		}
		if len(c.txQueue) == 0 {
			c.txMu.Unlock()
			return
		}
		buf := c.txQueue[0]
		c.txQueue[0] = nil
		c.txQueue = c.txQueue[1:]
		c.txMu.Unlock()

		if _, err := c.conn.Write(buf); err != nil {
			c.log.Warnf("write: %v", err)
			c.txMu.Lock()
			c.txClosing = true
			c.txQueue = nil
			c.txMu.Unlock()
			return
		}
	}
}

// statusPDU reports whether pdu consumes a StatSN.
func statusPDU(pdu *ISCSICommand) bool {
	switch pdu.OpCode {
	case OpSCSIResp, OpSCSITaskResp, OpLoginResp, OpTextResp, OpLogoutResp, OpReject, OpAsync:
		return true
	case OpSCSIIn:
		return pdu.HasStatus
	case OpNoopIn:
		return pdu.TaskTag != ReservedTag
	}
	return false
}

// send queues pdu for transmission and never blocks on the network.
// StatSN and the command window are filled in here so they are assigned
// in transmission order. t is the task whose final status pdu carries.
func (c *iscsiConnection) send(pdu *ISCSICommand, t *iscsiTask) error {
	return c.transmit(pdu, t != nil, nil)
}

// sendReleasing sends a status PDU whose acknowledgement also frees the
// tags in release.
func (c *iscsiConnection) sendReleasing(pdu *ISCSICommand, release []uint32) error {
	return c.transmit(pdu, false, release)
}

func (c *iscsiConnection) transmit(pdu *ISCSICommand, hasTask bool, release []uint32) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.txClosing {
		return ErrConnectionClosed
	}
	if s := c.session; s != nil {
		pdu.ExpCmdSN, pdu.MaxCmdSN = s.window()
	} else {
		pdu.ExpCmdSN = c.loginCmdSN
		pdu.MaxCmdSN = c.loginCmdSN + uint32(c.replayCap) - 1
	}
	pdu.StatSN = c.statSN
	status := statusPDU(pdu)
	if status {
		c.statSN++
	}
	buf := Encode(pdu, c.txOpts)
	if status && c.session != nil && pdu.OpCode != OpLoginResp {
		c.remember(replayEntry{statSN: pdu.StatSN, pdu: buf, tag: pdu.TaskTag, hasTask: hasTask, release: release})
	}
	c.txQueue = append(c.txQueue, buf)
	c.txCond.Signal()
	return nil
}

// remember keeps a status PDU until the initiator acknowledges it.
func (c *iscsiConnection) remember(e replayEntry) {
	if len(c.replay) >= c.replayCap {
		if c.erl() > 0 {
			go c.fail(ErrReplayBufferFull)
		} else {
			old := c.replay[0]
			c.replay = c.replay[1:]
			if old.hasTask {
				c.evicted = append(c.evicted, old.tag)
			}
			c.evicted = append(c.evicted, old.release...)
		}
	}
	c.replay = append(c.replay, e)
}

// acknowledge drops the status PDUs below expStatSN and releases their tasks.
func (c *iscsiConnection) acknowledge(expStatSN uint32) {
	c.txMu.Lock()
	if snLess(c.statSN, expStatSN) {
		c.txMu.Unlock()
		c.log.Debugf("ExpStatSN %d ahead of StatSN %d", expStatSN, c.statSN)
		return
	}
	if snLess(c.expStatSN, expStatSN) {
		c.expStatSN = expStatSN
	}
	tags := c.evicted
	c.evicted = nil
	i := 0
	for ; i < len(c.replay) && snLess(c.replay[i].statSN, expStatSN); i++ {
		if c.replay[i].hasTask {
			tags = append(tags, c.replay[i].tag)
		}
		tags = append(tags, c.replay[i].release...)
	}
	c.replay = c.replay[i:]
	c.txMu.Unlock()
	if c.session != nil {
		c.session.ack(tags)
	}
}

// resend queues the status PDUs numbered [begin, begin+n) again, all of
// them from begin when n is 0.
func (c *iscsiConnection) resend(begin, n uint32) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.txClosing {
		return ErrConnectionClosed
	}
	end := c.statSN
	if n != 0 {
		end = begin + n
	}
	var bufs [][]byte
	for sn := begin; snLess(sn, end); sn++ {
		found := false
		for _, e := range c.replay {
			if e.statSN == sn {
				bufs = append(bufs, e.pdu)
				found = true
				break
			}
		}
		if !found {
			return ErrStatusNotRetained
		}
	}
	c.txQueue = append(c.txQueue, bufs...)
	c.txCond.Signal()
	return nil
}

// reject sends a Reject PDU carrying the header of cmd.
func (c *iscsiConnection) reject(cmd *ISCSICommand, reason uint8) {
	hdr := cmd.RawHeader
	if len(hdr) < BHSLength {
		hdr = Encode(cmd, CodecOptions{})[:BHSLength]
	}
	c.send(&ISCSICommand{
		OpCode:  OpReject,
		Final:   true,
		TaskTag: ReservedTag,
		Reason:  reason,
		RawData: append([]byte(nil), hdr[:BHSLength]...),
	}, nil)
}

func (c *iscsiConnection) info() api.Connection {
	c.txMu.Lock()
	statSN, expStatSN := c.statSN, c.expStatSN
	c.txMu.Unlock()
	return api.Connection{
		CID:        c.cid,
		ID:         c.id.String(),
		State:      c.state(),
		RemoteAddr: c.conn.RemoteAddr().String(),
		LocalAddr:  c.conn.LocalAddr().String(),
		StatSN:     statSN,
		ExpStatSN:  expStatSN,
	}
}
