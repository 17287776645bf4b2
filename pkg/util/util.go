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

// Package util provides some basic util functions.
package util

import (
	"encoding/binary"
	"fmt"
)

type KeyValue struct {
	Key   string
	Value string
}

// KeyValueList keeps negotiation pairs in the order they were received.
type KeyValueList []KeyValue

// Get returns the value of the first pair named key.
func (l KeyValueList) Get(key string) (string, bool) {
	for _, kv := range l {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Map flattens the list, later pairs win.
func (l KeyValueList) Map() map[string]string {
	m := make(map[string]string, len(l))
	for _, kv := range l {
		m[kv.Key] = kv.Value
	}
	return m
}

func GetUnalignedUint16(u8 []uint8) uint16 {
	return binary.BigEndian.Uint16(u8)
}

func GetUnalignedUint32(u8 []uint8) uint32 {
	return binary.BigEndian.Uint32(u8)
}

func GetUnalignedUint64(u8 []uint8) uint64 {
	return binary.BigEndian.Uint64(u8)
}

// GetUint24 reads the 3 byte big-endian DataSegmentLength field.
func GetUint24(u8 []uint8) uint32 {
	return uint32(u8[0])<<16 | uint32(u8[1])<<8 | uint32(u8[2])
}

// PutUint24 writes v as 3 big-endian bytes.
func PutUint24(u8 []uint8, v uint32) {
	u8[0] = byte(v >> 16)
	u8[1] = byte(v >> 8)
	u8[2] = byte(v)
}

// PadLen returns the number of pad bytes needed to align n to 4 bytes.
func PadLen(n int) int {
	return (4 - n%4) % 4
}

// ParseKVText parses iSCSI key value data. Pairs are NUL terminated, a
// trailing pair without terminator is accepted. A pair without '=' is an error.
func ParseKVText(txt []byte) (KeyValueList, error) {
	var list KeyValueList
	start := 0
	for i := 0; i <= len(txt); i++ {
		if i < len(txt) && txt[i] != 0 {
			continue
		}
		if i == start {
			// padding or empty pair
			start = i + 1
			continue
		}
		pair := txt[start:i]
		sep := -1
		for j, c := range pair {
			if c == '=' {
				sep = j
				break
			}
		}
		if sep <= 0 {
			return list, fmt.Errorf("malformed key value pair %q", string(pair))
		}
		list = append(list, KeyValue{Key: string(pair[:sep]), Value: string(pair[sep+1:])})
		start = i + 1
	}
	return list, nil
}

func MarshalKVText(kv []KeyValue) []byte {
	var data []byte
	for _, v := range kv {
		data = append(data, []byte(v.Key)...)
		data = append(data, '=')
		data = append(data, []byte(v.Value)...)
		data = append(data, 0)
	}
	return data
}

// StringToByte copies str into a buffer padded to align, truncated to maxlength.
func StringToByte(str string, align int, maxlength int) []byte {
	data := []byte(str)
	length := len(data)
	if length > maxlength {
		return data[:maxlength]
	}
	d := (align - length%align) % align
	if length+d > maxlength {
		d = maxlength - length
	}
	out := make([]byte, length+d)
	copy(out, data)
	return out
}
