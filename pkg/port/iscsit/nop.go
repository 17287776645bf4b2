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
	"time"
)

// nopOut echoes an initiator ping.
func (s *ISCSISession) nopOut(c *iscsiConnection, cmd *ISCSICommand) error {
	if cmd.TargetTransferTag != ReservedTag {
		return newProtocolError(InvalidField, cmd, "NOP-Out with ITT %#x and TTT %#x", cmd.TaskTag, cmd.TargetTransferTag)
	}
	return c.send(&ISCSICommand{
		OpCode:            OpNoopIn,
		Final:             true,
		TaskTag:           cmd.TaskTag,
		LUN:               cmd.LUN,
		TargetTransferTag: ReservedTag,
		RawData:           cmd.RawData,
	}, nil)
}

// pingResponse handles a NOP-Out answering one of our NOP-In pings.
func (c *iscsiConnection) pingResponse(cmd *ISCSICommand) error {
	if !cmd.Immediate {
		return newProtocolError(InvalidField, cmd, "NOP-Out with reserved ITT must be immediate")
	}
	if cmd.TargetTransferTag == ReservedTag {
		return nil
	}
	if c.pingTTT.CompareAndSwap(cmd.TargetTransferTag, ReservedTag) {
		c.log.Debugf("ping %#x answered", cmd.TargetTransferTag)
		return nil
	}
	c.log.Debugf("unexpected NOP-Out TTT %#x", cmd.TargetTransferTag)
	return nil
}

// keepalive pings an idle initiator every interval and fails the
// connection when a ping stays unanswered for timeout.
func (c *iscsiConnection) keepalive(interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint32
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if c.pingTTT.Load() != ReservedTag {
				if now.Sub(time.Unix(0, c.pingSent.Load())) >= timeout {
					c.fail(ErrInitiatorTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, c.lastRecv.Load())) < interval {
				continue
			}
			seq++
			if seq == ReservedTag {
				seq = 1
			}
			c.pingSent.Store(now.UnixNano())
			c.pingTTT.Store(seq)
			if err := c.send(&ISCSICommand{
				OpCode:            OpNoopIn,
				Final:             true,
				TaskTag:           ReservedTag,
				TargetTransferTag: seq,
			}, nil); err != nil {
				return
			}
			c.log.Debugf("ping %#x sent", seq)
		}
	}
}
