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
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/gostor/goiscsi/pkg/util"
)

// CodecOptions is the framing state negotiated on a connection.
type CodecOptions struct {
	HeaderDigest bool
	DataDigest   bool
	// MaxRecvDataSegmentLength bounds inbound data segments, 0 disables the check.
	MaxRecvDataSegmentLength uint32
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, crc32cTable, p)
	}
	return crc
}

// Digests go on the wire least significant byte first, rfc7143 appendix B.4.
func putDigest(b []byte, crc uint32) []byte {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], crc)
	return append(b, d[:]...)
}

func getDigest(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Bytes encodes the PDU without digests.
func (m *ISCSICommand) Bytes() []byte {
	return Encode(m, CodecOptions{})
}

// Encode serializes m. Header and data digests are computed when opts enables them.
func Encode(m *ISCSICommand, opts CodecOptions) []byte {
	ahsLen := len(m.AHS) + util.PadLen(len(m.AHS))
	dataLen := len(m.RawData)
	size := BHSLength + ahsLen + dataLen + util.PadLen(dataLen) + 8
	buf := make([]byte, BHSLength, size)
	encodeBHS(m, buf)
	buf[4] = byte(ahsLen / 4)
	util.PutUint24(buf[5:8], uint32(dataLen))
	if ahsLen > 0 {
		buf = append(buf, m.AHS...)
		buf = append(buf, make([]byte, util.PadLen(len(m.AHS)))...)
	}
	if opts.HeaderDigest {
		buf = putDigest(buf, crc32c(buf))
	}
	if dataLen > 0 {
		start := len(buf)
		buf = append(buf, m.RawData...)
		buf = append(buf, make([]byte, util.PadLen(dataLen))...)
		if opts.DataDigest {
			buf = putDigest(buf, crc32c(buf[start:]))
		}
	}
	return buf
}

// pduLength returns the full length of the PDU whose BHS is hdr.
func pduLength(hdr []byte, opts CodecOptions) (ahsLen, dataLen, total int) {
	ahsLen = int(hdr[4]) * 4
	dataLen = int(util.GetUint24(hdr[5:8]))
	total = BHSLength + ahsLen
	if opts.HeaderDigest {
		total += 4
	}
	if dataLen > 0 {
		total += dataLen + util.PadLen(dataLen)
		if opts.DataDigest {
			total += 4
		}
	}
	return
}

// Decode parses one PDU from the front of buf and returns it with the
// number of bytes consumed. A DigestMismatch or UnsupportedOpcode error
// still returns the decoded PDU and its length so the caller can answer it.
func Decode(buf []byte, opts CodecOptions) (*ISCSICommand, int, error) {
	if len(buf) < BHSLength {
		return nil, 0, newProtocolError(FramingError, nil, "short header: %d bytes", len(buf))
	}
	ahsLen, dataLen, total := pduLength(buf, opts)
	if opts.MaxRecvDataSegmentLength > 0 && uint32(dataLen) > opts.MaxRecvDataSegmentLength {
		return nil, 0, newProtocolError(FramingError, nil, "data segment length %d exceeds %d", dataLen, opts.MaxRecvDataSegmentLength)
	}
	if len(buf) < total {
		return nil, 0, newProtocolError(FramingError, nil, "truncated PDU: have %d bytes, header declares %d", len(buf), total)
	}

	m := &ISCSICommand{}
	m.RawHeader = append([]byte(nil), buf[:BHSLength]...)
	decodeBHS(m, buf[:BHSLength])
	m.DataLen = dataLen
	off := BHSLength
	if ahsLen > 0 {
		m.AHS = append([]byte(nil), buf[off:off+ahsLen]...)
		off += ahsLen
	}

	var err error
	if opts.HeaderDigest {
		m.HeaderDigest = getDigest(buf[off : off+4])
		if want := crc32c(buf[:off]); want != m.HeaderDigest {
			err = newProtocolError(DigestMismatch, m, "header digest %#08x, computed %#08x", m.HeaderDigest, want)
		}
		off += 4
	}
	if dataLen > 0 {
		padded := buf[off : off+dataLen+util.PadLen(dataLen)]
		m.RawData = append([]byte(nil), padded[:dataLen]...)
		off += len(padded)
		if opts.DataDigest {
			m.DataDigest = getDigest(buf[off : off+4])
			if want := crc32c(padded); want != m.DataDigest && err == nil {
				err = newProtocolError(DigestMismatch, m, "data digest %#08x, computed %#08x", m.DataDigest, want)
			}
			off += 4
		}
	}
	if err == nil && !m.OpCode.Known() {
		err = newProtocolError(UnsupportedOpcode, m, "opcode %#x", int(m.OpCode))
	}
	return m, off, err
}

// ReadPDU reads exactly one PDU from r.
func ReadPDU(r io.Reader, opts CodecOptions) (*ISCSICommand, error) {
	hdr := make([]byte, BHSLength)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	_, dataLen, total := pduLength(hdr, opts)
	if opts.MaxRecvDataSegmentLength > 0 && uint32(dataLen) > opts.MaxRecvDataSegmentLength {
		return nil, newProtocolError(FramingError, nil, "data segment length %d exceeds %d", dataLen, opts.MaxRecvDataSegmentLength)
	}
	buf := make([]byte, total)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[BHSLength:]); err != nil {
		return nil, err
	}
	m, _, err := Decode(buf, opts)
	return m, err
}

func decodeBHS(m *ISCSICommand, b []byte) {
	m.Immediate = b[0]&0x40 == 0x40
	m.OpCode = OpCode(b[0] & 0x3f)
	f := b[1]
	m.Final = f&0x80 == 0x80
	m.TaskTag = util.GetUnalignedUint32(b[16:20])

	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		m.Final = false
		m.Transit = f&0x80 == 0x80
		m.Cont = f&0x40 == 0x40
		m.CSG = Stage(f&0x0c) >> 2
		m.NSG = Stage(f & 0x03)
		m.VersionMax = b[2]
		m.ISID = uint64(util.GetUnalignedUint16(b[8:10]))<<32 | uint64(util.GetUnalignedUint32(b[10:14]))
		m.TSIH = util.GetUnalignedUint16(b[14:16])
		if m.OpCode == OpLoginReq {
			m.VersionMin = b[3]
			m.ConnID = util.GetUnalignedUint16(b[20:22])
		} else {
			m.VersionActive = b[3]
			m.StatusClass = b[36]
			m.StatusDetail = b[37]
		}
	case OpNoopOut, OpNoopIn, OpSCSICmd, OpSCSITaskReq, OpTextReq, OpTextResp,
		OpSCSIOut, OpSCSIIn, OpSNACKReq, OpReady, OpAsync:
		m.LUN = util.GetUnalignedUint64(b[8:16])
	}

	if m.OpCode.FromInitiator() {
		m.CmdSN = util.GetUnalignedUint32(b[24:28])
		m.ExpStatSN = util.GetUnalignedUint32(b[28:32])
	} else {
		m.StatSN = util.GetUnalignedUint32(b[24:28])
		m.ExpCmdSN = util.GetUnalignedUint32(b[28:32])
		m.MaxCmdSN = util.GetUnalignedUint32(b[32:36])
	}

	switch m.OpCode {
	case OpNoopOut, OpNoopIn:
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
	case OpSCSICmd:
		m.Read = f&0x40 == 0x40
		m.Write = f&0x20 == 0x20
		m.TaskAttr = f & 0x07
		m.ExpectedDataLen = util.GetUnalignedUint32(b[20:24])
		m.CDB = append([]byte(nil), b[32:48]...)
	case OpSCSITaskReq:
		m.TaskFunc = f & 0x7f
		m.ReferencedTaskTag = util.GetUnalignedUint32(b[20:24])
		m.RefCmdSN = util.GetUnalignedUint32(b[32:36])
		m.ExpDataSN = util.GetUnalignedUint32(b[36:40])
	case OpTextReq, OpTextResp:
		m.Cont = f&0x40 == 0x40
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
	case OpSCSIOut:
		m.CmdSN = 0
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
		m.DataSN = util.GetUnalignedUint32(b[36:40])
		m.BufferOffset = util.GetUnalignedUint32(b[40:44])
	case OpLogoutReq:
		m.Reason = f & 0x7f
		m.ConnID = util.GetUnalignedUint16(b[20:22])
	case OpSNACKReq:
		m.CmdSN = 0
		m.SNACKType = f & 0x0f
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
		m.BegRun = util.GetUnalignedUint32(b[40:44])
		m.RunLength = util.GetUnalignedUint32(b[44:48])
	case OpSCSIResp:
		m.ResidualOverflow = f&0x04 == 0x04
		m.ResidualUnderflow = f&0x02 == 0x02
		m.SCSIResponse = b[2]
		m.Status = b[3]
		m.ExpDataSN = util.GetUnalignedUint32(b[36:40])
		m.BidiResidualCount = util.GetUnalignedUint32(b[40:44])
		m.ResidualCount = util.GetUnalignedUint32(b[44:48])
	case OpSCSITaskResp:
		m.Response = b[2]
	case OpSCSIIn:
		m.Ack = f&0x40 == 0x40
		m.ResidualOverflow = f&0x04 == 0x04
		m.ResidualUnderflow = f&0x02 == 0x02
		m.HasStatus = f&0x01 == 0x01
		m.Status = b[3]
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
		m.DataSN = util.GetUnalignedUint32(b[36:40])
		m.BufferOffset = util.GetUnalignedUint32(b[40:44])
		m.ResidualCount = util.GetUnalignedUint32(b[44:48])
	case OpLogoutResp:
		m.Response = b[2]
		m.Time2Wait = util.GetUnalignedUint16(b[40:42])
		m.Time2Retain = util.GetUnalignedUint16(b[42:44])
	case OpReady:
		m.TargetTransferTag = util.GetUnalignedUint32(b[20:24])
		m.R2TSN = util.GetUnalignedUint32(b[36:40])
		m.BufferOffset = util.GetUnalignedUint32(b[40:44])
		m.DesiredLength = util.GetUnalignedUint32(b[44:48])
	case OpAsync:
		m.AsyncEvent = b[36]
		m.AsyncVCode = b[37]
		m.Param1 = util.GetUnalignedUint16(b[38:40])
		m.Param2 = util.GetUnalignedUint16(b[40:42])
		m.Param3 = util.GetUnalignedUint16(b[42:44])
	case OpReject:
		m.Reason = b[2]
		m.DataSN = util.GetUnalignedUint32(b[36:40])
	}
}

func encodeBHS(m *ISCSICommand, b []byte) {
	b[0] = byte(m.OpCode) & 0x3f
	if m.Immediate {
		b[0] |= 0x40
	}
	var f byte
	if m.Final {
		f |= 0x80
	}
	binary.BigEndian.PutUint32(b[16:20], m.TaskTag)

	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		f = 0
		if m.Transit {
			f |= 0x80
		}
		if m.Cont {
			f |= 0x40
		}
		f |= byte(m.CSG&0x3)<<2 | byte(m.NSG&0x3)
		b[2] = m.VersionMax
		binary.BigEndian.PutUint16(b[8:10], uint16(m.ISID>>32))
		binary.BigEndian.PutUint32(b[10:14], uint32(m.ISID))
		binary.BigEndian.PutUint16(b[14:16], m.TSIH)
		if m.OpCode == OpLoginReq {
			b[3] = m.VersionMin
			binary.BigEndian.PutUint16(b[20:22], m.ConnID)
		} else {
			b[3] = m.VersionActive
			b[36] = m.StatusClass
			b[37] = m.StatusDetail
		}
	case OpNoopOut, OpNoopIn, OpSCSICmd, OpSCSITaskReq, OpTextReq, OpTextResp,
		OpSCSIOut, OpSCSIIn, OpSNACKReq, OpReady, OpAsync:
		binary.BigEndian.PutUint64(b[8:16], m.LUN)
	}

	if m.OpCode.FromInitiator() {
		if m.OpCode != OpSCSIOut && m.OpCode != OpSNACKReq {
			binary.BigEndian.PutUint32(b[24:28], m.CmdSN)
		}
		binary.BigEndian.PutUint32(b[28:32], m.ExpStatSN)
	} else {
		binary.BigEndian.PutUint32(b[24:28], m.StatSN)
		binary.BigEndian.PutUint32(b[28:32], m.ExpCmdSN)
		binary.BigEndian.PutUint32(b[32:36], m.MaxCmdSN)
	}

	switch m.OpCode {
	case OpNoopOut, OpNoopIn:
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
	case OpSCSICmd:
		if m.Read {
			f |= 0x40
		}
		if m.Write {
			f |= 0x20
		}
		f |= m.TaskAttr & 0x07
		binary.BigEndian.PutUint32(b[20:24], m.ExpectedDataLen)
		copy(b[32:48], m.CDB)
	case OpSCSITaskReq:
		f |= m.TaskFunc & 0x7f
		binary.BigEndian.PutUint32(b[20:24], m.ReferencedTaskTag)
		binary.BigEndian.PutUint32(b[32:36], m.RefCmdSN)
		binary.BigEndian.PutUint32(b[36:40], m.ExpDataSN)
	case OpTextReq, OpTextResp:
		if m.Cont {
			f |= 0x40
		}
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
	case OpSCSIOut:
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
		binary.BigEndian.PutUint32(b[36:40], m.DataSN)
		binary.BigEndian.PutUint32(b[40:44], m.BufferOffset)
	case OpLogoutReq:
		f |= m.Reason & 0x7f
		binary.BigEndian.PutUint16(b[20:22], m.ConnID)
	case OpSNACKReq:
		f |= m.SNACKType & 0x0f
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
		binary.BigEndian.PutUint32(b[40:44], m.BegRun)
		binary.BigEndian.PutUint32(b[44:48], m.RunLength)
	case OpSCSIResp:
		if m.ResidualOverflow {
			f |= 0x04
		}
		if m.ResidualUnderflow {
			f |= 0x02
		}
		b[2] = m.SCSIResponse
		b[3] = m.Status
		binary.BigEndian.PutUint32(b[36:40], m.ExpDataSN)
		binary.BigEndian.PutUint32(b[40:44], m.BidiResidualCount)
		binary.BigEndian.PutUint32(b[44:48], m.ResidualCount)
	case OpSCSITaskResp:
		b[2] = m.Response
	case OpSCSIIn:
		if m.Ack {
			f |= 0x40
		}
		if m.ResidualOverflow {
			f |= 0x04
		}
		if m.ResidualUnderflow {
			f |= 0x02
		}
		if m.HasStatus {
			f |= 0x01
		}
		b[3] = m.Status
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
		binary.BigEndian.PutUint32(b[36:40], m.DataSN)
		binary.BigEndian.PutUint32(b[40:44], m.BufferOffset)
		binary.BigEndian.PutUint32(b[44:48], m.ResidualCount)
	case OpLogoutResp:
		b[2] = m.Response
		binary.BigEndian.PutUint16(b[40:42], m.Time2Wait)
		binary.BigEndian.PutUint16(b[42:44], m.Time2Retain)
	case OpReady:
		binary.BigEndian.PutUint32(b[20:24], m.TargetTransferTag)
		binary.BigEndian.PutUint32(b[36:40], m.R2TSN)
		binary.BigEndian.PutUint32(b[40:44], m.BufferOffset)
		binary.BigEndian.PutUint32(b[44:48], m.DesiredLength)
	case OpAsync:
		b[36] = m.AsyncEvent
		b[37] = m.AsyncVCode
		binary.BigEndian.PutUint16(b[38:40], m.Param1)
		binary.BigEndian.PutUint16(b[40:42], m.Param2)
		binary.BigEndian.PutUint16(b[42:44], m.Param3)
	case OpReject:
		b[2] = m.Reason
		binary.BigEndian.PutUint32(b[36:40], m.DataSN)
	}
	b[1] = f
}
