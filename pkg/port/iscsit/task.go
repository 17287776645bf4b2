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

// iSCSI task management
package iscsit

import (
	"context"

	"github.com/gostor/goiscsi/pkg/scsi"
	"go.uber.org/atomic"
)

const (
	ISCSI_FLAG_TM_FUNC_MASK byte = 0x7F

	// Function values
	// aborts the task identified by the Referenced Task Tag field
	ISCSI_TM_FUNC_ABORT_TASK = 1
	// aborts all Tasks issued via this session on the logical unit
	ISCSI_TM_FUNC_ABORT_TASK_SET = 2
	// clears the Auto Contingent Allegiance condition
	ISCSI_TM_FUNC_CLEAR_ACA = 3
	// aborts all Tasks in the appropriate task set as defined by the TST field in the Control mode page
	ISCSI_TM_FUNC_CLEAR_TASK_SET     = 4
	ISCSI_TM_FUNC_LOGICAL_UNIT_RESET = 5
	ISCSI_TM_FUNC_TARGET_WARM_RESET  = 6
	ISCSI_TM_FUNC_TARGET_COLD_RESET  = 7
	// reassigns connection allegiance for the task identified by the Referenced Task Tag field to this connection, thus resuming the iSCSI exchanges for the task
	ISCSI_TM_FUNC_TASK_REASSIGN = 8

	// Response values
	// Function complete
	ISCSI_TMF_RSP_COMPLETE = 0x00
	// Task does not exist
	ISCSI_TMF_RSP_NO_TASK = 0x01
	// LUN does not exist
	ISCSI_TMF_RSP_NO_LUN = 0x02
	// Task still allegiant
	ISCSI_TMF_RSP_TASK_ALLEGIANT = 0x03
	// Task allegiance reassignment not supported
	ISCSI_TMF_RSP_NO_FAILOVER = 0x04
	// Task management function not supported
	ISCSI_TMF_RSP_NOT_SUPPORTED = 0x05
	// Function authorization failed
	ISCSI_TMF_RSP_AUTH_FAILED = 0x06
	// Function rejected
	ISCSI_TMF_RSP_REJECTED = 0xff
)

type taskState int

const (
	// waiting for write data
	taskPending taskState = iota
	taskExecuting
	taskCompleted
	taskAborted
)

var taskStateNames = map[taskState]string{
	taskPending:   "PENDING",
	taskExecuting: "EXECUTING",
	taskCompleted: "COMPLETED",
	taskAborted:   "ABORTED",
}

func (s taskState) String() string {
	return taskStateNames[s]
}

// r2tState tracks one outstanding R2T of a write task.
type r2tState struct {
	ttt      uint32
	r2tSN    uint32
	offset   uint32
	length   uint32
	received uint32
	dataSN   uint32
}

type iscsiTask struct {
	tag  uint32
	lun  uint64
	conn *iscsiConnection
	cmd  *ISCSICommand

	// looked up once when the task is created
	handler scsi.Handler
	state   taskState
	// LUN reset generation the task was created in
	resetGen uint32
	// order the task was started in within its session
	seq uint64

	ctx     context.Context
	cancel  context.CancelFunc
	aborted *atomic.Bool

	expectedDataLength uint32
	data               []byte
	received           uint32
	// unsolicited data window
	unsolLimit  uint32
	unsolDataSN uint32
	unsolDone   bool
	// next offset an R2T will be issued for
	r2tOffset uint32
	r2tSN     uint32
	r2ts      map[uint32]*r2tState

	result scsi.Result
	// Data-In PDUs sent with the response
	dataSN uint32
}

func newTask(conn *iscsiConnection, cmd *ISCSICommand, handler scsi.Handler) *iscsiTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &iscsiTask{
		tag:                cmd.TaskTag,
		lun:                scsi.DecodeLUN(cmd.LUN),
		conn:               conn,
		cmd:                cmd,
		handler:            handler,
		state:              taskPending,
		ctx:                ctx,
		cancel:             cancel,
		aborted:            atomic.NewBool(false),
		expectedDataLength: cmd.ExpectedDataLen,
		r2ts:               map[uint32]*r2tState{},
	}
}

// abort marks the task ABORTED and cancels its execution. Aborting twice
// is a no-op.
func (t *iscsiTask) abort() bool {
	if t.state == taskCompleted || t.state == taskAborted {
		return false
	}
	t.state = taskAborted
	t.aborted.Store(true)
	t.cancel()
	return true
}

// taskArena owns the tasks of one session keyed by initiator task tag.
// Bulk operations iterate a snapshot so tasks may be removed meanwhile.
type taskArena struct {
	tasks map[uint32]*iscsiTask
}

func newTaskArena() *taskArena {
	return &taskArena{tasks: map[uint32]*iscsiTask{}}
}

func (a *taskArena) get(tag uint32) *iscsiTask {
	return a.tasks[tag]
}

// add fails when tag is still in use.
func (a *taskArena) add(t *iscsiTask) bool {
	if _, ok := a.tasks[t.tag]; ok {
		return false
	}
	a.tasks[t.tag] = t
	return true
}

// remove frees the tag of t. A newer task reusing the tag is left alone.
func (a *taskArena) remove(t *iscsiTask) {
	if cur, ok := a.tasks[t.tag]; ok && cur == t {
		delete(a.tasks, t.tag)
	}
}

func (a *taskArena) len() int {
	return len(a.tasks)
}

func (a *taskArena) snapshot() []*iscsiTask {
	tasks := make([]*iscsiTask, 0, len(a.tasks))
	for _, t := range a.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}
