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

const (
	ISCSI_LOGOUT_REASON_CLOSE_SESSION    = 0
	ISCSI_LOGOUT_REASON_CLOSE_CONNECTION = 1
	ISCSI_LOGOUT_REASON_RECOVERY         = 2

	ISCSI_LOGOUT_SUCCESS              = 0
	ISCSI_LOGOUT_CID_NOT_FOUND        = 1
	ISCSI_LOGOUT_RECOVERY_UNSUPPORTED = 2
	ISCSI_LOGOUT_CLEANUP_FAILED       = 3

	// Asynchronous events
	ISCSI_ASYNC_MSG_SCSI_EVENT               = 0
	ISCSI_ASYNC_MSG_REQUEST_LOGOUT           = 1
	ISCSI_ASYNC_MSG_DROPPING_CONNECTION      = 2
	ISCSI_ASYNC_MSG_DROPPING_ALL_CONNECTIONS = 3
	ISCSI_ASYNC_MSG_PARAM_NEGOTIATION        = 4
)

func (s *ISCSISession) logout(c *iscsiConnection, cmd *ISCSICommand) error {
	resp := &ISCSICommand{
		OpCode:  OpLogoutResp,
		Final:   true,
		TaskTag: cmd.TaskTag,
	}
	reason := cmd.Reason & 0x7f
	switch reason {
	case ISCSI_LOGOUT_REASON_CLOSE_SESSION:
		c.log.Infof("logout: closing session")
		c.transition(eventLogout)
		resp.Response = ISCSI_LOGOUT_SUCCESS
		c.send(resp, nil)
		c.transition(eventLogoutSent)
		s.post = append(s.post, func() { s.driver.destroySession(s, "logout") })
		return nil
	case ISCSI_LOGOUT_REASON_CLOSE_CONNECTION, ISCSI_LOGOUT_REASON_RECOVERY:
	default:
		return newProtocolError(InvalidField, cmd, "logout reason %d", reason)
	}

	recovery := reason == ISCSI_LOGOUT_REASON_RECOVERY
	if recovery && s.params.ErrorRecoveryLevel < 2 {
		resp.Response = ISCSI_LOGOUT_RECOVERY_UNSUPPORTED
		return c.send(resp, nil)
	}
	victim := s.conns[cmd.ConnID]
	if victim == nil && recovery && s.failed[cmd.ConnID] != nil {
		// already detached, its tasks wait for reassignment
		resp.Response = ISCSI_LOGOUT_SUCCESS
		resp.Time2Wait = uint16(s.params.DefaultTime2Wait)
		resp.Time2Retain = uint16(s.params.DefaultTime2Retain)
		return c.send(resp, nil)
	}
	if victim == nil {
		resp.Response = ISCSI_LOGOUT_CID_NOT_FOUND
		return c.send(resp, nil)
	}
	c.log.Infof("logout: closing connection %d, recovery %v", victim.cid, recovery)
	if recovery {
		resp.Time2Wait = uint16(s.params.DefaultTime2Wait)
		resp.Time2Retain = uint16(s.params.DefaultTime2Retain)
	}
	victim.transition(eventLogout)
	resp.Response = ISCSI_LOGOUT_SUCCESS
	c.send(resp, nil)
	victim.transition(eventLogoutSent)
	s.detachLocked(victim, recovery)
	s.post = append(s.post, victim.shutdown)
	return nil
}
