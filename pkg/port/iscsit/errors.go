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

package iscsit

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	FramingError ErrorKind = iota + 1
	DigestMismatch
	UnsupportedOpcode
	CmdSNOutOfWindow
	DuplicateTaskTag
	StateViolation
	LoginRejected
	InvalidField
	SNACKRejected
)

var errorKindMap = map[ErrorKind]string{
	FramingError:      "framing error",
	DigestMismatch:    "digest mismatch",
	UnsupportedOpcode: "unsupported opcode",
	CmdSNOutOfWindow:  "CmdSN out of window",
	DuplicateTaskTag:  "duplicate task tag",
	StateViolation:    "state violation",
	LoginRejected:     "login rejected",
	InvalidField:      "invalid PDU field",
	SNACKRejected:     "SNACK rejected",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindMap[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Reject reasons, rfc7143 11.17.1
const (
	RejectDataDigest       uint8 = 0x02
	RejectSNACK            uint8 = 0x03
	RejectProtocolError    uint8 = 0x04
	RejectCmdNotSupported  uint8 = 0x05
	RejectImmediateCmd     uint8 = 0x06
	RejectTaskInProgress   uint8 = 0x07
	RejectInvalidDataAck   uint8 = 0x08
	RejectInvalidPDUField  uint8 = 0x09
	RejectLongOp           uint8 = 0x0a
	RejectWaitingForLogout uint8 = 0x0c
)

// ProtocolError is an iSCSI level failure. PDU is the offending PDU when
// its header could be decoded.
type ProtocolError struct {
	Kind ErrorKind
	PDU  *ISCSICommand
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must terminate the connection.
// DigestMismatch depends on the error recovery level and is decided by
// the connection.
func (e *ProtocolError) Fatal() bool {
	switch e.Kind {
	case FramingError, StateViolation, LoginRejected:
		return true
	}
	return false
}

// RejectReason maps the error to the reason code of a Reject PDU.
func (e *ProtocolError) RejectReason() uint8 {
	switch e.Kind {
	case DigestMismatch:
		return RejectDataDigest
	case UnsupportedOpcode:
		return RejectCmdNotSupported
	case DuplicateTaskTag:
		return RejectTaskInProgress
	case CmdSNOutOfWindow, StateViolation:
		return RejectProtocolError
	case SNACKRejected:
		return RejectSNACK
	}
	return RejectInvalidPDUField
}

func newProtocolError(kind ErrorKind, pdu *ISCSICommand, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, PDU: pdu, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is a ProtocolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Kind == kind
	}
	return false
}

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInitiatorTimeout   = errors.New("initiator connection timeout")
	ErrReplayBufferFull   = errors.New("status replay buffer full")
	ErrSessionNotFound    = errors.New("no such session")
	ErrTargetNotFound     = errors.New("no such target")
	ErrTooManyConnections = errors.New("too many connections")
	ErrTaskNotFound       = errors.New("no such task")
	ErrFunctionRejected   = errors.New("function rejected")
	ErrStatusNotRetained  = errors.New("status no longer retained")
)
