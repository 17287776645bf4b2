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
	"fmt"
	"strconv"
	"time"

	"github.com/gostor/goiscsi/pkg/util"
)

// Login status classes and details, rfc7143 11.13.5.
const (
	ISCSI_STATUS_CLS_SUCCESS       = 0x00
	ISCSI_STATUS_CLS_REDIRECT      = 0x01
	ISCSI_STATUS_CLS_INITIATOR_ERR = 0x02
	ISCSI_STATUS_CLS_TARGET_ERR    = 0x03

	ISCSI_LOGIN_STATUS_INIT_ERR        = 0x00
	ISCSI_LOGIN_STATUS_AUTH_FAILED     = 0x01
	ISCSI_LOGIN_STATUS_TGT_FORBIDDEN   = 0x02
	ISCSI_LOGIN_STATUS_TGT_NOT_FOUND   = 0x03
	ISCSI_LOGIN_STATUS_TGT_REMOVED     = 0x04
	ISCSI_LOGIN_STATUS_NO_VERSION      = 0x05
	ISCSI_LOGIN_STATUS_TOO_MANY_CONNS  = 0x06
	ISCSI_LOGIN_STATUS_MISSING_FIELDS  = 0x07
	ISCSI_LOGIN_STATUS_CONN_ADD_FAILED = 0x08
	ISCSI_LOGIN_STATUS_NO_SESSION_TYPE = 0x09
	ISCSI_LOGIN_STATUS_NO_SESSION      = 0x0a
	ISCSI_LOGIN_STATUS_INVALID_REQUEST = 0x0b

	ISCSI_LOGIN_STATUS_TARGET_ERROR    = 0x00
	ISCSI_LOGIN_STATUS_SVC_UNAVAILABLE = 0x01
	ISCSI_LOGIN_STATUS_NO_RESOURCES    = 0x02
)

// only version 0x00 has ever been defined
const iscsiVersion = 0x00

type loginStatus struct {
	class, detail uint8
	reason        string
}

func (s *loginStatus) Error() string {
	return fmt.Sprintf("login status %#02x%02x: %s", s.class, s.detail, s.reason)
}

func initiatorError(detail uint8, format string, args ...interface{}) *loginStatus {
	return &loginStatus{ISCSI_STATUS_CLS_INITIATOR_ERR, detail, fmt.Sprintf(format, args...)}
}

type loginState struct {
	neg     *Negotiator
	isid    uint64
	tsih    uint16
	itt     uint32
	csg     Stage
	started bool
	done    bool
	target  *ISCSITarget
	// text of Login Requests sent with the C bit
	buf []byte
}

func (c *iscsiConnection) handleLogin(cmd *ISCSICommand) error {
	l := c.login
	if l == nil {
		l = &loginState{
			isid: cmd.ISID,
			tsih: cmd.TSIH,
			itt:  cmd.TaskTag,
			csg:  cmd.CSG,
			neg:  NewNegotiator(c.driver.keyTable(), cmd.TSIH == 0),
		}
		c.login = l
		c.cid = cmd.ConnID
		c.loginCmdSN = cmd.CmdSN
		c.txMu.Lock()
		c.statSN = cmd.ExpStatSN
		c.txMu.Unlock()
		c.log = c.log.WithField("cid", c.cid)
		c.transition(eventLogin)
		c.log.Debugf("login started, ISID %#x TSIH %d", cmd.ISID, cmd.TSIH)
		if cmd.VersionMin > iscsiVersion {
			return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_NO_VERSION, "version %d-%d", cmd.VersionMin, cmd.VersionMax))
		}
	} else if cmd.ISID != l.isid || cmd.TSIH != l.tsih || cmd.ConnID != c.cid {
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "login identity changed"))
	}

	switch {
	case cmd.Transit && cmd.Cont:
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "T and C bits both set"))
	case cmd.CSG != l.csg:
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "stage %v, expected %v", cmd.CSG, l.csg))
	case cmd.CSG != SecurityNegotiation && cmd.CSG != LoginOperationalNegotiation:
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "invalid current stage %d", cmd.CSG))
	case cmd.Transit && (cmd.NSG <= cmd.CSG || cmd.NSG == 2):
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "invalid transition %v -> %v", cmd.CSG, cmd.NSG))
	}

	l.buf = append(l.buf, cmd.RawData...)
	if cmd.Cont {
		return c.sendLoginResponse(cmd, nil, false, 0)
	}
	pairs, err := util.ParseKVText(l.buf)
	l.buf = nil
	if err != nil {
		return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_INIT_ERR, "%v", err))
	}

	resp := l.neg.Negotiate(cmd.CSG, pairs)
	if !l.started {
		l.started = true
		if status := c.checkIdentity(l, pairs); status != nil {
			return c.loginFailure(cmd, status)
		}
		resp = c.declareFirst(l, resp)
	}
	if cmd.CSG == SecurityNegotiation {
		if v, ok := resp.Get(KeyAuthMethod); ok && v != ValueNone {
			return c.loginFailure(cmd, initiatorError(ISCSI_LOGIN_STATUS_AUTH_FAILED, "AuthMethod %s", v))
		}
	}
	if cmd.CSG == LoginOperationalNegotiation && cmd.Transit && !l.neg.Answered(KeyMaxRecvDataSegmentLength) {
		l.neg.Declare(KeyMaxRecvDataSegmentLength)
		resp = append(resp, util.KeyValue{Key: KeyMaxRecvDataSegmentLength, Value: l.neg.Local(KeyMaxRecvDataSegmentLength)})
	}

	if !cmd.Transit {
		return c.sendLoginResponse(cmd, resp, false, 0)
	}
	l.csg = cmd.NSG
	if cmd.NSG != FullFeaturePhase {
		return c.sendLoginResponse(cmd, resp, true, 0)
	}

	s, status := c.driver.bindConnection(c, l)
	if status != nil {
		return c.loginFailure(cmd, status)
	}
	if err := c.sendLoginResponse(cmd, resp, true, s.TSIH); err != nil {
		return err
	}
	c.enterFullFeature(s)
	return nil
}

// checkIdentity validates the keys the first Login Request must carry.
func (c *iscsiConnection) checkIdentity(l *loginState, offers util.KeyValueList) *loginStatus {
	neg := l.neg
	if !neg.Offered(KeyInitiatorName) {
		return initiatorError(ISCSI_LOGIN_STATUS_MISSING_FIELDS, "no InitiatorName")
	}
	// a rejected SessionType leaves the default in place
	sessionType := neg.Value(KeySessionType)
	if v, ok := offers.Get(KeySessionType); ok {
		sessionType = v
	}
	switch sessionType {
	case SessionDiscovery:
		if l.tsih != 0 {
			return initiatorError(ISCSI_LOGIN_STATUS_NO_SESSION_TYPE, "discovery session with TSIH %d", l.tsih)
		}
		return nil
	case SessionNormal:
	default:
		return initiatorError(ISCSI_LOGIN_STATUS_NO_SESSION_TYPE, "SessionType %s", sessionType)
	}
	if !neg.Offered(KeyTargetName) {
		return initiatorError(ISCSI_LOGIN_STATUS_MISSING_FIELDS, "no TargetName")
	}
	name := neg.Value(KeyTargetName)
	l.target = c.driver.Target(name)
	if l.target == nil {
		return initiatorError(ISCSI_LOGIN_STATUS_TGT_NOT_FOUND, "target %s", name)
	}
	if !l.target.allowed(c.conn.LocalAddr()) {
		return initiatorError(ISCSI_LOGIN_STATUS_TGT_NOT_FOUND, "target %s not served on %s", name, c.conn.LocalAddr())
	}
	return nil
}

// declareFirst adds the keys a normal session's first Login Response announces.
func (c *iscsiConnection) declareFirst(l *loginState, resp util.KeyValueList) util.KeyValueList {
	if l.target == nil {
		return resp
	}
	resp = append(resp, util.KeyValue{Key: KeyTargetPortalGroupTag, Value: strconv.Itoa(int(l.target.TPGT))})
	if l.target.Alias != "" {
		resp = append(resp, util.KeyValue{Key: KeyTargetAlias, Value: l.target.Alias})
	}
	return resp
}

func (c *iscsiConnection) sendLoginResponse(cmd *ISCSICommand, resp util.KeyValueList, transit bool, tsih uint16) error {
	pdu := &ISCSICommand{
		OpCode:        OpLoginResp,
		Transit:       transit,
		CSG:           cmd.CSG,
		ISID:          cmd.ISID,
		TSIH:          tsih,
		TaskTag:       cmd.TaskTag,
		VersionMax:    iscsiVersion,
		VersionActive: iscsiVersion,
	}
	if transit {
		pdu.NSG = cmd.NSG
	}
	if len(resp) > 0 {
		pdu.RawData = util.MarshalKVText(resp)
	}
	return c.send(pdu, nil)
}

// loginFailure answers cmd with status and ends the login.
func (c *iscsiConnection) loginFailure(cmd *ISCSICommand, status *loginStatus) error {
	c.send(&ISCSICommand{
		OpCode:        OpLoginResp,
		CSG:           cmd.CSG,
		ISID:          cmd.ISID,
		TaskTag:       cmd.TaskTag,
		VersionMax:    iscsiVersion,
		VersionActive: iscsiVersion,
		StatusClass:   status.class,
		StatusDetail:  status.detail,
	}, nil)
	return newProtocolError(LoginRejected, cmd, "%v", status)
}

// enterFullFeature switches c to the negotiated digests and limits after
// the final Login Response went out.
func (c *iscsiConnection) enterFullFeature(s *ISCSISession) {
	c.login.done = true
	c.transition(eventLoginComplete)
	c.conn.SetReadDeadline(time.Time{})

	c.txMu.Lock()
	c.txOpts = CodecOptions{
		HeaderDigest: c.params.HeaderDigest,
		DataDigest:   c.params.DataDigest,
	}
	c.txMu.Unlock()
	c.rxOpts = CodecOptions{
		HeaderDigest:             c.params.HeaderDigest,
		DataDigest:               c.params.DataDigest,
		MaxRecvDataSegmentLength: c.params.MaxRecvDataSegmentLength,
	}
	c.text.neg = NewNegotiator(c.driver.keyTable(), false)
	c.text.neg.SetFullFeature()
	c.text.neg.SetDiscovery(s.discovery())
	c.text.ttt = ReservedTag
	c.text.itt = ReservedTag

	c.log = c.log.WithField("tsih", s.TSIH)
	c.log.Infof("%s session logged in, initiator %s", s.params.SessionType, s.InitiatorName)
	if opts := c.driver.opts; opts.NopInterval > 0 {
		go c.keepalive(opts.NopInterval, opts.NopTimeout)
	}
}
