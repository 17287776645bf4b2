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
	"github.com/gostor/goiscsi/pkg/scsi"
)

func (s *ISCSISession) taskManagement(c *iscsiConnection, cmd *ISCSICommand) error {
	fn := cmd.TaskFunc & ISCSI_FLAG_TM_FUNC_MASK
	lun := scsi.DecodeLUN(cmd.LUN)
	var (
		resp    uint8 = ISCSI_TMF_RSP_COMPLETE
		resume  func()
		release []uint32
	)
	switch fn {
	case ISCSI_TM_FUNC_ABORT_TASK:
		resp = s.abortTask(cmd.ReferencedTaskTag, lun)
	case ISCSI_TM_FUNC_ABORT_TASK_SET, ISCSI_TM_FUNC_CLEAR_TASK_SET:
		if !s.Target.Registry.HasLUN(lun) {
			resp = ISCSI_TMF_RSP_NO_LUN
			break
		}
		n := s.abortTasks(func(t *iscsiTask) bool { return t.lun == lun })
		c.log.Infof("task management %d: %d tasks on LUN %d aborted", fn, n, lun)
	case ISCSI_TM_FUNC_LOGICAL_UNIT_RESET:
		if !s.Target.Registry.HasLUN(lun) {
			resp = ISCSI_TMF_RSP_NO_LUN
			break
		}
		n, kept := s.abortTasksRetaining(func(t *iscsiTask) bool { return t.lun == lun }, true)
		release = kept
		s.bumpReset(lun)
		s.post = append(s.post, func() { s.Target.Registry.ResetLUN(lun) })
		c.log.Infof("LUN %d reset, %d tasks aborted", lun, n)
	case ISCSI_TM_FUNC_TARGET_WARM_RESET, ISCSI_TM_FUNC_TARGET_COLD_RESET:
		n, kept := s.abortTasksRetaining(func(*iscsiTask) bool { return true }, true)
		release = kept
		for _, l := range s.Target.Registry.LUNs() {
			s.bumpReset(l)
			l := l
			s.post = append(s.post, func() { s.Target.Registry.ResetLUN(l) })
		}
		c.log.Infof("target reset %d, %d tasks aborted", fn, n)
		if fn == ISCSI_TM_FUNC_TARGET_COLD_RESET {
			s.post = append(s.post, func() { s.driver.destroySession(s, "target cold reset") })
		}
	case ISCSI_TM_FUNC_TASK_REASSIGN:
		resp, resume = s.reassignTask(c, cmd.ReferencedTaskTag)
	default:
		c.log.Warnf("task management function %d rejected", fn)
		resp = ISCSI_TMF_RSP_REJECTED
	}

	err := c.sendReleasing(&ISCSICommand{
		OpCode:   OpSCSITaskResp,
		Final:    true,
		TaskTag:  cmd.TaskTag,
		Response: resp,
	}, release)
	if resume != nil {
		resume()
	}
	return err
}

// abortTask aborts the task tagged tag. A task that already completed,
// was aborted before or belongs to another LUN is not found.
func (s *ISCSISession) abortTask(tag uint32, lun uint64) uint8 {
	t := s.tasks.get(tag)
	if t == nil || t.lun != lun || !t.abort() {
		return ISCSI_TMF_RSP_NO_TASK
	}
	s.stats.aborts.Inc()
	s.tasks.remove(t)
	s.log.Infof("task %#x aborted", tag)
	return ISCSI_TMF_RSP_COMPLETE
}

// reassignTask moves the allegiance of a task from a failed connection to c.
func (s *ISCSISession) reassignTask(c *iscsiConnection, tag uint32) (uint8, func()) {
	if s.params.ErrorRecoveryLevel < 2 {
		return ISCSI_TMF_RSP_NO_FAILOVER, nil
	}
	t := s.tasks.get(tag)
	if t == nil || t.state == taskAborted {
		return ISCSI_TMF_RSP_NO_TASK, nil
	}
	if t.conn != c && s.conns[t.conn.cid] == t.conn {
		return ISCSI_TMF_RSP_TASK_ALLEGIANT, nil
	}
	t.conn = c
	s.log.Infof("task %#x reassigned to connection %d", tag, c.cid)
	return ISCSI_TMF_RSP_COMPLETE, func() { s.resumeLocked(t) }
}
