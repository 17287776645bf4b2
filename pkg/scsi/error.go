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

package scsi

// Sense keys
const (
	NO_SENSE        byte = 0x00
	RECOVERED_ERROR byte = 0x01
	NOT_READY       byte = 0x02
	MEDIUM_ERROR    byte = 0x03
	HARDWARE_ERROR  byte = 0x04
	ILLEGAL_REQUEST byte = 0x05
	UNIT_ATTENTION  byte = 0x06
	DATA_PROTECT    byte = 0x07
	ABORTED_COMMAND byte = 0x0b
	MISCOMPARE      byte = 0x0e
)

// SCSISubError is the additional sense code and qualifier.
type SCSISubError uint16

const (
	NO_ADDITIONAL_SENSE SCSISubError = 0x0000

	ASC_WRITE_ERROR SCSISubError = 0x0c00
	ASC_READ_ERROR  SCSISubError = 0x1100

	ASC_MEDIUM_NOT_PRESENT SCSISubError = 0x3a00

	ASC_INTERNAL_TGT_FAILURE SCSISubError = 0x4400

	ASC_PARAMETER_LIST_LENGTH_ERR SCSISubError = 0x1a00
	ASC_INVALID_OP_CODE           SCSISubError = 0x2000
	ASC_LBA_OUT_OF_RANGE          SCSISubError = 0x2100
	ASC_INVALID_FIELD_IN_CDB      SCSISubError = 0x2400
	ASC_LUN_NOT_SUPPORTED         SCSISubError = 0x2500
	ASC_INVALID_RELEASE_OF_PR     SCSISubError = 0x2604

	ASC_POWERON_RESET          SCSISubError = 0x2900
	ASC_I_T_NEXUS_LOSS_OCCURED SCSISubError = 0x2907

	ASC_WRITE_PROTECT SCSISubError = 0x2700

	ASC_COMMAND_ABORTED SCSISubError = 0x4700
)

// BuildSenseData returns fixed format sense data, current error.
func BuildSenseData(key byte, asc SCSISubError) []byte {
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = key & 0x0f
	// additional sense length
	sense[7] = 0x0a
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

// SenseKey extracts the sense key and ASC/ASCQ from fixed or descriptor
// format sense data.
func SenseKey(sense []byte) (byte, SCSISubError) {
	if len(sense) < 4 {
		return NO_SENSE, NO_ADDITIONAL_SENSE
	}
	switch sense[0] & 0x7f {
	case 0x72, 0x73:
		return sense[1] & 0x0f, SCSISubError(uint16(sense[2])<<8 | uint16(sense[3]))
	}
	if len(sense) < 14 {
		return sense[2] & 0x0f, NO_ADDITIONAL_SENSE
	}
	return sense[2] & 0x0f, SCSISubError(uint16(sense[12])<<8 | uint16(sense[13]))
}
