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
	"strconv"

	"github.com/gostor/goiscsi/pkg/util"
)

const SendTargetsAll = "All"

// textExchange is the state of one Text Request/Response exchange.
type textExchange struct {
	neg *Negotiator
	// tag handed out while a response is split over several PDUs
	ttt uint32
	itt uint32
	// request text sent with the C bit
	buf []byte
	// response text not yet sent
	pending []byte
	// MaxRecvDataSegmentLength declared in this exchange, in effect once
	// the exchange completes
	xmitLimit uint32
}

func (x *textExchange) reset() {
	x.ttt = ReservedTag
	x.buf = nil
	x.pending = nil
}

func (s *ISCSISession) text(c *iscsiConnection, cmd *ISCSICommand) error {
	x := &c.text
	if cmd.TargetTransferTag != ReservedTag {
		if cmd.TargetTransferTag != x.ttt || cmd.TaskTag != x.itt {
			return newProtocolError(InvalidField, cmd, "text request with unknown target transfer tag %#x", cmd.TargetTransferTag)
		}
		if len(x.pending) > 0 {
			return s.textRespond(c, cmd)
		}
	} else if cmd.TaskTag != x.itt {
		x.reset()
		x.xmitLimit = 0
	}
	x.itt = cmd.TaskTag

	x.buf = append(x.buf, cmd.RawData...)
	if cmd.Cont {
		x.ttt = s.ttt()
		return c.send(&ISCSICommand{
			OpCode:            OpTextResp,
			TaskTag:           cmd.TaskTag,
			LUN:               cmd.LUN,
			TargetTransferTag: x.ttt,
		}, nil)
	}
	pairs, err := util.ParseKVText(x.buf)
	x.buf = nil
	if err != nil {
		return newProtocolError(InvalidField, cmd, "text request: %v", err)
	}

	var resp, offers util.KeyValueList
	for _, kv := range pairs {
		if kv.Key == KeySendTargets {
			resp = append(resp, s.sendTargets(c, kv.Value)...)
			continue
		}
		offers = append(offers, kv)
	}
	if len(offers) > 0 {
		resp = append(resp, x.neg.Negotiate(FullFeaturePhase, offers)...)
		if v, ok := offers.Get(KeyMaxRecvDataSegmentLength); ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil && n >= 512 {
				x.xmitLimit = uint32(n)
			}
		}
	}
	x.pending = util.MarshalKVText(resp)
	return s.textRespond(c, cmd)
}

// textRespond sends the next piece of the pending response. A response
// larger than the initiator accepts is continued with the C bit. The
// exchange only ends once both sides set F; until then the response
// carries a target transfer tag to continue with.
func (s *ISCSISession) textRespond(c *iscsiConnection, cmd *ISCSICommand) error {
	x := &c.text
	max := int(c.params.MaxXmitDataSegmentLength)
	if max <= 0 {
		max = 8192
	}
	chunk := x.pending
	final := len(chunk) <= max
	if !final {
		chunk = chunk[:max]
	}
	x.pending = x.pending[len(chunk):]
	done := final && cmd.Final
	pdu := &ISCSICommand{
		OpCode:            OpTextResp,
		Final:             done,
		Cont:              !final,
		TaskTag:           cmd.TaskTag,
		LUN:               cmd.LUN,
		TargetTransferTag: ReservedTag,
		RawData:           chunk,
	}
	if done {
		x.reset()
	} else {
		x.ttt = s.ttt()
		pdu.TargetTransferTag = x.ttt
	}
	err := c.send(pdu, nil)
	if done && x.xmitLimit != 0 {
		c.params.MaxXmitDataSegmentLength = x.xmitLimit
		c.log.Debugf("initiator MaxRecvDataSegmentLength now %d", x.xmitLimit)
		x.xmitLimit = 0
	}
	return err
}

// sendTargets answers SendTargets=value. A discovery session may ask for
// every target, a normal session only learns about its own.
func (s *ISCSISession) sendTargets(c *iscsiConnection, value string) util.KeyValueList {
	var targets []*ISCSITarget
	switch {
	case value == SendTargetsAll && s.discovery():
		targets = s.driver.Targets()
	case value == "" && !s.discovery():
		targets = []*ISCSITarget{s.Target}
	case value != SendTargetsAll && value != "":
		if t := s.driver.Target(value); t != nil && (s.discovery() || t == s.Target) {
			targets = []*ISCSITarget{t}
		}
	}
	var resp util.KeyValueList
	local := c.conn.LocalAddr()
	for _, t := range targets {
		if !t.allowed(local) {
			continue
		}
		resp = append(resp, util.KeyValue{Key: KeyTargetName, Value: t.Name})
		for _, addr := range t.addresses(local) {
			resp = append(resp, util.KeyValue{Key: KeyTargetAddress, Value: addr})
		}
	}
	return resp
}
