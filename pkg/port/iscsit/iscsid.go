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

// Target driver: portals, target registry and session table.
package iscsit

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gostor/goiscsi/pkg/api"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const (
	ISCSI_MAX_TSIH    = uint16(0xffff)
	ISCSI_UNSPEC_TSIH = uint16(0)

	DefaultPort = 3260
)

// Options tune the driver. Zero values select the defaults.
type Options struct {
	LoginTimeout time.Duration
	NopInterval  time.Duration
	NopTimeout   time.Duration
	// command window and status replay depth
	QueueDepth uint32
	// accepted connections per portal, 0 for no limit
	MaxConnections int
	KeyTable       KeyTable
	// refuse logins to a target already used from another host
	BlockMultipleHosts bool
	// how long an asked initiator gets to log out
	LogoutWait time.Duration
}

type ISCSITargetDriver struct {
	opts Options

	mu        sync.RWMutex
	targets   map[string]*ISCSITarget
	sessions  map[uint16]*ISCSISession
	listeners []net.Listener
	conns     map[*iscsiConnection]struct{}
	closed    bool

	TSIHPool      map[uint16]bool
	TSIHPoolMutex sync.Mutex

	wg sync.WaitGroup
}

func NewISCSITargetDriver(opts Options) *ISCSITargetDriver {
	if opts.QueueDepth == 0 {
		opts.QueueDepth = MAX_QUEUE_CMD_DEF
	}
	if opts.QueueDepth > MAX_QUEUE_CMD_MAX {
		opts.QueueDepth = MAX_QUEUE_CMD_MAX
	}
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = 15 * time.Second
	}
	if opts.NopInterval > 0 && opts.NopTimeout == 0 {
		opts.NopTimeout = opts.NopInterval
	}
	if opts.LogoutWait == 0 {
		opts.LogoutWait = 10 * time.Second
	}
	if opts.KeyTable == nil {
		opts.KeyTable = DefaultKeyTable()
	}
	return &ISCSITargetDriver{
		opts:     opts,
		targets:  map[string]*ISCSITarget{},
		sessions: map[uint16]*ISCSISession{},
		conns:    map[*iscsiConnection]struct{}{},
		TSIHPool: map[uint16]bool{0: true, 65535: true},
	}
}

func (d *ISCSITargetDriver) keyTable() KeyTable {
	return d.opts.KeyTable
}

func (d *ISCSITargetDriver) AllocTSIH() uint16 {
	var i uint16
	d.TSIHPoolMutex.Lock()
	defer d.TSIHPoolMutex.Unlock()
	for i = uint16(1); i < ISCSI_MAX_TSIH; i++ {
		if !d.TSIHPool[i] {
			d.TSIHPool[i] = true
			return i
		}
	}
	return ISCSI_UNSPEC_TSIH
}

func (d *ISCSITargetDriver) ReleaseTSIH(tsih uint16) {
	d.TSIHPoolMutex.Lock()
	delete(d.TSIHPool, tsih)
	d.TSIHPoolMutex.Unlock()
}

func (d *ISCSITargetDriver) AddTarget(t *ISCSITarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.targets[t.Name]; ok {
		return fmt.Errorf("target %s already exists", t.Name)
	}
	d.targets[t.Name] = t
	log.Infof("target %s added, TPGT %d", t.Name, t.TPGT)
	return nil
}

// RemoveTarget destroys the sessions of the target and closes its LUNs.
func (d *ISCSITargetDriver) RemoveTarget(name string) error {
	d.mu.Lock()
	t, ok := d.targets[name]
	if !ok {
		d.mu.Unlock()
		return ErrTargetNotFound
	}
	delete(d.targets, name)
	var victims []*ISCSISession
	for _, s := range d.sessions {
		if s.Target == t {
			victims = append(victims, s)
		}
	}
	d.mu.Unlock()
	for _, s := range victims {
		d.destroySession(s, "target removed")
	}
	t.Close()
	return nil
}

func (d *ISCSITargetDriver) Target(name string) *ISCSITarget {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.targets[name]
}

// Targets returns all targets ordered by name.
func (d *ISCSITargetDriver) Targets() []*ISCSITarget {
	d.mu.RLock()
	targets := make([]*ISCSITarget, 0, len(d.targets))
	for _, t := range d.targets {
		targets = append(targets, t)
	}
	d.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets
}

// TargetInfo describes every target with the TSIHs of its sessions.
func (d *ISCSITargetDriver) TargetInfo() []api.Target {
	var infos []api.Target
	for _, t := range d.Targets() {
		info := t.Info()
		d.mu.RLock()
		for tsih, s := range d.sessions {
			if s.Target == t {
				info.Sessions = append(info.Sessions, tsih)
			}
		}
		d.mu.RUnlock()
		sort.Slice(info.Sessions, func(i, j int) bool { return info.Sessions[i] < info.Sessions[j] })
		infos = append(infos, info)
	}
	return infos
}

// Listen opens a portal and serves it in the background.
func (d *ISCSITargetDriver) Listen(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.opts.MaxConnections > 0 {
		l = netutil.LimitListener(l, d.opts.MaxConnections)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		l.Close()
		return nil, ErrConnectionClosed
	}
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
	log.Infof("iSCSI portal listening on %s", l.Addr())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Serve(l); err != nil {
			log.Errorf("portal %s: %v", l.Addr(), err)
		}
	}()
	return l.Addr(), nil
}

// Serve accepts connections on l until it is closed.
func (d *ISCSITargetDriver) Serve(l net.Listener) error {
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Temporary() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				log.Warnf("accept: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		log.Debugf("connection from %s on %s", conn.RemoteAddr(), conn.LocalAddr())
		d.ServeConn(conn)
	}
}

// ServeConn runs the protocol on an established transport connection.
func (d *ISCSITargetDriver) ServeConn(conn net.Conn) {
	c := newConnection(d, conn)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.conns[c] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()
	go c.serve()
}

// connClosed is the last thing a connection does.
func (d *ISCSITargetDriver) connClosed(c *iscsiConnection) {
	d.mu.Lock()
	if _, ok := d.conns[c]; ok {
		delete(d.conns, c)
		d.wg.Done()
	}
	d.mu.Unlock()
}

// bindConnection attaches a connection leaving login to its session,
// creating the session when the initiator asked for a new one.
func (d *ISCSITargetDriver) bindConnection(c *iscsiConnection, l *loginState) (*ISCSISession, *loginStatus) {
	c.params = l.neg.ConnParams()
	params := l.neg.SessionParams()

	if l.tsih != ISCSI_UNSPEC_TSIH {
		d.mu.RLock()
		s := d.sessions[l.tsih]
		d.mu.RUnlock()
		if s == nil || s.ISID != l.isid || s.InitiatorName != params.InitiatorName || s.discovery() {
			return nil, initiatorError(ISCSI_LOGIN_STATUS_NO_SESSION, "no session with TSIH %d", l.tsih)
		}
		switch err := s.addConn(c); {
		case errors.Is(err, ErrTooManyConnections):
			return nil, initiatorError(ISCSI_LOGIN_STATUS_TOO_MANY_CONNS, "session %d has %d connections", s.TSIH, s.connCount())
		case err != nil:
			return nil, initiatorError(ISCSI_LOGIN_STATUS_NO_SESSION, "session %d: %v", s.TSIH, err)
		}
		return s, nil
	}

	if l.target != nil && d.opts.BlockMultipleHosts {
		if host := d.otherHost(l.target, c.conn.RemoteAddr()); host != "" {
			return nil, initiatorError(ISCSI_LOGIN_STATUS_TGT_FORBIDDEN, "target %s in use from %s", l.target.Name, host)
		}
	}
	// a new session for an existing I_T nexus replaces the old one
	if old := d.findSession(params.InitiatorName, l.isid, l.target); old != nil {
		d.destroySession(old, "session reinstatement")
	}

	tsih := d.AllocTSIH()
	if tsih == ISCSI_UNSPEC_TSIH {
		return nil, &loginStatus{ISCSI_STATUS_CLS_TARGET_ERR, ISCSI_LOGIN_STATUS_NO_RESOURCES, "TSIH pool exhausted"}
	}
	s := newSession(d, l.target, params, l.neg.params.clone(), l.isid, tsih, c.loginCmdSN)
	d.mu.Lock()
	d.sessions[tsih] = s
	d.mu.Unlock()
	if err := s.addConn(c); err != nil {
		d.destroySession(s, "login failed")
		return nil, &loginStatus{ISCSI_STATUS_CLS_TARGET_ERR, ISCSI_LOGIN_STATUS_TARGET_ERROR, err.Error()}
	}
	s.log.Infof("%s session created, ITNexus %s", params.SessionType, s.ITNexusID)
	return s, nil
}

func (d *ISCSITargetDriver) findSession(initiator string, isid uint64, target *ISCSITarget) *ISCSISession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.InitiatorName == initiator && s.ISID == isid && s.Target == target {
			return s
		}
	}
	return nil
}

// otherHost returns a remote host other than remote already logged
// into target, or "".
func (d *ISCSITargetDriver) otherHost(target *ISCSITarget, remote net.Addr) string {
	host := hostOf(remote)
	d.mu.RLock()
	var sessions []*ISCSISession
	for _, s := range d.sessions {
		if s.Target == target {
			sessions = append(sessions, s)
		}
	}
	d.mu.RUnlock()
	for _, s := range sessions {
		s.mu.Lock()
		for _, c := range s.conns {
			if h := hostOf(c.conn.RemoteAddr()); h != host {
				s.mu.Unlock()
				return h
			}
		}
		s.mu.Unlock()
	}
	return ""
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// destroySession is the one way a session ends. It must not be called
// with the session lock held.
func (d *ISCSITargetDriver) destroySession(s *ISCSISession, reason string) {
	d.mu.Lock()
	if d.sessions[s.TSIH] == s {
		delete(d.sessions, s.TSIH)
		d.ReleaseTSIH(s.TSIH)
	}
	d.mu.Unlock()
	s.teardown(reason)
}

// Sessions describes every session ordered by TSIH.
func (d *ISCSITargetDriver) Sessions() []api.Session {
	d.mu.RLock()
	sessions := make([]*ISCSISession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].TSIH < sessions[j].TSIH })
	infos := make([]api.Session, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (d *ISCSITargetDriver) Session(tsih uint16) (api.Session, error) {
	d.mu.RLock()
	s := d.sessions[tsih]
	d.mu.RUnlock()
	if s == nil {
		return api.Session{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// Logout ends a session. LogoutAsync asks the initiator to log out first
// and forces the teardown if it does not.
func (d *ISCSITargetDriver) Logout(tsih uint16, mode api.LogoutMode) error {
	d.mu.RLock()
	s := d.sessions[tsih]
	d.mu.RUnlock()
	if s == nil {
		return ErrSessionNotFound
	}
	switch mode {
	case api.LogoutAsync:
		s.requestLogout(d.opts.LogoutWait)
	case api.LogoutForce, "":
		d.destroySession(s, "removed by administrator")
	default:
		return fmt.Errorf("unknown logout mode %q", mode)
	}
	return nil
}

// Close stops the portals, destroys every session and waits for the
// connections to go away.
func (d *ISCSITargetDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = nil
	sessions := make([]*ISCSISession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	conns := make([]*iscsiConnection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, s := range sessions {
		d.destroySession(s, "target shutdown")
	}
	// connections still logging in
	for _, c := range conns {
		c.shutdown()
	}
	d.wg.Wait()
	for _, t := range d.Targets() {
		t.Close()
	}
	return nil
}
