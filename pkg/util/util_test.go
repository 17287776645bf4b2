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

package util

import (
	"reflect"
	"testing"
)

func TestParseKVText(t *testing.T) {
	var tests = map[string]struct {
		input   []byte
		want    KeyValueList
		wantErr bool
	}{
		"ordered": {
			input: []byte("MaxRecvDataSegmentLength=8192\x00HeaderDigest=CRC32C,None\x00"),
			want: KeyValueList{
				{"MaxRecvDataSegmentLength", "8192"},
				{"HeaderDigest", "CRC32C,None"},
			},
		},
		"padding": {
			input: []byte("SessionType=Normal\x00\x00\x00"),
			want:  KeyValueList{{"SessionType", "Normal"}},
		},
		"unterminated": {
			input: []byte("A=1\x00B=2"),
			want:  KeyValueList{{"A", "1"}, {"B", "2"}},
		},
		"value with equals": {
			input: []byte("X-com.example=a=b\x00"),
			want:  KeyValueList{{"X-com.example", "a=b"}},
		},
		"empty value": {
			input: []byte("TargetAlias=\x00"),
			want:  KeyValueList{{"TargetAlias", ""}},
		},
		"missing separator": {
			input:   []byte("Garbage\x00"),
			wantErr: true,
		},
		"empty key": {
			input:   []byte("=1\x00"),
			wantErr: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseKVText(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKVText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseKVText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalKVText(t *testing.T) {
	kv := []KeyValue{{"HeaderDigest", "None"}, {"MaxRecvDataSegmentLength", "8192"}}
	data := MarshalKVText(kv)
	got, err := ParseKVText(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual([]KeyValue(got), kv) {
		t.Errorf("got %v, want %v", got, kv)
	}
}

func TestUint24(t *testing.T) {
	buf := make([]byte, 3)
	PutUint24(buf, 0x012345)
	if !reflect.DeepEqual(buf, []byte{0x01, 0x23, 0x45}) {
		t.Fatalf("PutUint24 = % x", buf)
	}
	if v := GetUint24(buf); v != 0x012345 {
		t.Errorf("GetUint24 = %#x", v)
	}
}

func TestPadLen(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 3, 2: 2, 3: 1, 4: 0, 5: 3, 48: 0} {
		if got := PadLen(n); got != want {
			t.Errorf("PadLen(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestStringToByte(t *testing.T) {
	var tests = map[string]struct {
		str       string
		align     int
		maxlength int
		want      int
	}{
		"aligned":   {"abcd", 4, 16, 4},
		"padded":    {"abcde", 4, 16, 8},
		"truncated": {"abcdefghij", 4, 8, 8},
		"clamped":   {"abcdefg", 4, 7, 7},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := StringToByte(tt.str, tt.align, tt.maxlength); len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
