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

// SNACK types
const (
	ISCSI_SNACK_DATA_R2T = 0
	ISCSI_SNACK_STATUS   = 1
	ISCSI_SNACK_DATA_ACK = 2
	ISCSI_SNACK_RDATA    = 3
)

// snack serves status and R2T retransmission requests. Data-In is not
// kept after it is sent so Data SNACKs are rejected.
func (s *ISCSISession) snack(c *iscsiConnection, cmd *ISCSICommand) error {
	s.mu.Lock()
	defer s.unlock()
	if s.params.ErrorRecoveryLevel == 0 {
		return newProtocolError(SNACKRejected, cmd, "SNACK at ErrorRecoveryLevel 0")
	}
	switch cmd.SNACKType {
	case ISCSI_SNACK_STATUS:
		if err := c.resend(cmd.BegRun, cmd.RunLength); err != nil {
			return newProtocolError(SNACKRejected, cmd, "status SNACK %d+%d: %v", cmd.BegRun, cmd.RunLength, err)
		}
		c.log.Debugf("resent status %d+%d", cmd.BegRun, cmd.RunLength)
		return nil
	case ISCSI_SNACK_DATA_ACK:
		return nil
	case ISCSI_SNACK_DATA_R2T:
		t := s.tasks.get(cmd.TaskTag)
		if t != nil && t.state == taskPending && t.conn == c && len(t.r2ts) > 0 {
			for _, r := range t.r2ts {
				if r.r2tSN >= cmd.BegRun && (cmd.RunLength == 0 || r.r2tSN < cmd.BegRun+cmd.RunLength) {
					s.sendR2T(t, r)
				}
			}
			return nil
		}
	}
	return newProtocolError(SNACKRejected, cmd, "SNACK type %d for task %#x", cmd.SNACKType, cmd.TaskTag)
}
