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

// Package scsi is the SCSI execution side of the target: command handlers
// looked up by operation code or LUN, and the results they report.
package scsi

import (
	"context"
)

var (
	DefaultBlockShift      uint = 9
	DefaultSenseBufferSize int  = 252
)

const (
	SAM_STAT_GOOD                       byte = 0x00
	SAM_STAT_CHECK_CONDITION            byte = 0x02
	SAM_STAT_CONDITION_MET              byte = 0x04
	SAM_STAT_BUSY                       byte = 0x08
	SAM_STAT_INTERMEDIATE               byte = 0x10
	SAM_STAT_INTERMEDIATE_CONDITION_MET byte = 0x14
	SAM_STAT_RESERVATION_CONFLICT       byte = 0x18
	SAM_STAT_COMMAND_TERMINATED         byte = 0x22
	SAM_STAT_TASK_SET_FULL              byte = 0x28
	SAM_STAT_ACA_ACTIVE                 byte = 0x30
	SAM_STAT_TASK_ABORTED               byte = 0x40
)

type SCSIDeviceType byte

const (
	TYPE_DISK   SCSIDeviceType = 0x00
	TYPE_NO_LUN SCSIDeviceType = 0x7f
)

// Operation codes handled by the reference handlers.
const (
	TEST_UNIT_READY      byte = 0x00
	REQUEST_SENSE        byte = 0x03
	INQUIRY              byte = 0x12
	MODE_SENSE           byte = 0x1a
	START_STOP           byte = 0x1b
	READ_CAPACITY        byte = 0x25
	READ_10              byte = 0x28
	WRITE_10             byte = 0x2a
	VERIFY_10            byte = 0x2f
	SYNCHRONIZE_CACHE    byte = 0x35
	READ_16              byte = 0x88
	WRITE_16             byte = 0x8a
	SYNCHRONIZE_CACHE_16 byte = 0x91
	SERVICE_ACTION_IN    byte = 0x9e
	REPORT_LUNS          byte = 0xa0

	SAI_READ_CAPACITY_16 byte = 0x10
)

// Request is one SCSI command handed to a handler.
type Request struct {
	// ITNexus identifies the initiator/target pair.
	ITNexus string
	LUN     uint64
	Tag     uint32
	CDB     []byte
	// Data holds the Data-Out payload of a write.
	Data []byte
	// ExpectedLength is the initiator's expected data transfer length.
	ExpectedLength uint32
	Read, Write    bool
}

type ResultKind int

const (
	// ResultStatus carries a SAM status with optional sense and data.
	ResultStatus ResultKind = iota
	// ResultRejected means no handler accepted the command.
	ResultRejected
)

// Result is the outcome of a command, never an error: failures are
// reported as CHECK CONDITION with sense data.
type Result struct {
	Kind   ResultKind
	Status byte
	Sense  []byte
	Data   []byte
}

func Good(data []byte) Result {
	return Result{Status: SAM_STAT_GOOD, Data: data}
}

func CheckCondition(key byte, asc SCSISubError) Result {
	return Result{Status: SAM_STAT_CHECK_CONDITION, Sense: BuildSenseData(key, asc)}
}

// FunctionRejected is the result of a command nobody handles.
var FunctionRejected = Result{Kind: ResultRejected}

// Handler executes SCSI commands. Execute must be safe for concurrent
// calls on distinct requests and should return early once ctx is done.
type Handler interface {
	Execute(ctx context.Context, req *Request) Result
}

type HandlerFunc func(ctx context.Context, req *Request) Result

func (f HandlerFunc) Execute(ctx context.Context, req *Request) Result {
	return f(ctx, req)
}

// Closer is implemented by handlers holding resources.
type Closer interface {
	Close() error
}

// Resetter is implemented by handlers keeping per logical unit state,
// such as reservations, that resets and nexus loss clear.
type Resetter interface {
	Reset()
	NexusLost(itNexus string)
}
