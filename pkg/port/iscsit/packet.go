/*
Copyright 2017 The GoStor Authors All rights reserved.

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

// Package iscsit implements the iSCSI target side protocol engine as
// specified in rfc7143.
package iscsit

import (
	"fmt"
	"strings"
)

type OpCode int

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management FunctionRequest",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (c OpCode) String() string {
	s := opCodeMap[c]
	if s == "" {
		s = fmt.Sprintf("Unknown Code: %x", int(c))
	}
	return s
}

// Known reports whether c is one of the opcodes defined by rfc7143.
func (c OpCode) Known() bool {
	_, ok := opCodeMap[c]
	return ok
}

// FromInitiator reports whether c is sent by an initiator.
func (c OpCode) FromInitiator() bool {
	return c < OpNoopIn
}

type Stage int

const (
	SecurityNegotiation         Stage = 0
	LoginOperationalNegotiation Stage = 1
	FullFeaturePhase            Stage = 3
)

func (s Stage) String() string {
	switch s {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

const (
	BHSLength = 48
	// reserved tag value
	ReservedTag uint32 = 0xffffffff
)

// ISCSICommand is one decoded PDU. Fields are shared between the opcodes
// that carry them, see encodeBHS for the per-opcode layout.
type ISCSICommand struct {
	OpCode    OpCode
	RawHeader []byte
	AHS       []byte
	DataLen   int
	RawData   []byte
	Final     bool
	Immediate bool
	TaskTag   uint32
	LUN       uint64

	ExpCmdSN, MaxCmdSN uint32
	ConnID             uint16 // Connection ID.
	CmdSN              uint32 // Command serial number.
	ExpStatSN          uint32 // Expected status serial.
	StatSN             uint32 // Status serial number.

	Read, Write bool
	TaskAttr    uint8
	Transit     bool   // Transit bit.
	Cont        bool   // Continue bit.
	CSG, NSG    Stage  // Current Stage, Next Stage.
	ISID        uint64 // Initiator part of the SSID.
	TSIH        uint16 // Target-assigned Session Identifying Handle.

	VersionMax, VersionMin, VersionActive uint8

	// For login response.
	StatusClass  uint8
	StatusDetail uint8

	// SCSI commands
	ExpectedDataLen   uint32
	CDB               []byte
	Status            uint8
	SCSIResponse      uint8
	ResidualOverflow  bool
	ResidualUnderflow bool
	ResidualCount     uint32
	BidiResidualCount uint32
	ExpDataSN         uint32

	// Data-In, Data-Out, R2T
	HasStatus         bool
	Ack               bool
	DataSN            uint32
	BufferOffset      uint32
	TargetTransferTag uint32
	R2TSN             uint32
	DesiredLength     uint32

	// Task management
	TaskFunc          uint8
	ReferencedTaskTag uint32
	RefCmdSN          uint32
	Response          uint8

	// Logout, Reject
	Reason      uint8
	Time2Wait   uint16
	Time2Retain uint16

	// SNACK
	SNACKType uint8
	BegRun    uint32
	RunLength uint32

	// Async message
	AsyncEvent          uint8
	AsyncVCode          uint8
	Param1, Param2, Param3 uint16

	// Digests as received or as last encoded.
	HeaderDigest uint32
	DataDigest   uint32
}

func (m *ISCSICommand) String() string {
	var s []string
	s = append(s, fmt.Sprintf("Op: %v", m.OpCode))
	s = append(s, fmt.Sprintf("Final = %v", m.Final))
	s = append(s, fmt.Sprintf("Immediate = %v", m.Immediate))
	s = append(s, fmt.Sprintf("Data Segment Length = %d", m.DataLen))
	s = append(s, fmt.Sprintf("Task Tag = %x", m.TaskTag))
	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		s = append(s, fmt.Sprintf("ISID = %x", m.ISID))
		s = append(s, fmt.Sprintf("TSIH = %x", m.TSIH))
		s = append(s, fmt.Sprintf("CID = %x", m.ConnID))
		s = append(s, fmt.Sprintf("Transit = %v", m.Transit))
		s = append(s, fmt.Sprintf("Continue = %v", m.Cont))
		s = append(s, fmt.Sprintf("Current Stage = %v", m.CSG))
		s = append(s, fmt.Sprintf("Next Stage = %v", m.NSG))
	case OpSCSICmd:
		s = append(s, fmt.Sprintf("LUN = %x", m.LUN))
		s = append(s, fmt.Sprintf("Read = %v", m.Read))
		s = append(s, fmt.Sprintf("Write = %v", m.Write))
		s = append(s, fmt.Sprintf("Expected Data Length = %d", m.ExpectedDataLen))
		s = append(s, fmt.Sprintf("CDB = % x", m.CDB))
	case OpSCSIOut, OpSCSIIn:
		s = append(s, fmt.Sprintf("DataSN = %d", m.DataSN))
		s = append(s, fmt.Sprintf("Buffer Offset = %d", m.BufferOffset))
	case OpSCSITaskReq:
		s = append(s, fmt.Sprintf("Function = %d", m.TaskFunc))
		s = append(s, fmt.Sprintf("Referenced Task Tag = %x", m.ReferencedTaskTag))
	}
	if m.OpCode.FromInitiator() {
		s = append(s, fmt.Sprintf("CmdSN = %d", m.CmdSN))
		s = append(s, fmt.Sprintf("ExpStatSN = %d", m.ExpStatSN))
	} else {
		s = append(s, fmt.Sprintf("StatSN = %d", m.StatSN))
		s = append(s, fmt.Sprintf("ExpCmdSN = %d", m.ExpCmdSN))
		s = append(s, fmt.Sprintf("MaxCmdSN = %d", m.MaxCmdSN))
	}
	return strings.Join(s, "\n")
}
