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
	"bytes"
	"os"
	"testing"

	"github.com/gostor/goiscsi/pkg/fixture"
	"github.com/gostor/goiscsi/pkg/util"
)

func loadLoginRequest(t *testing.T) []byte {
	t.Helper()
	f, err := os.Open("testdata/login_request.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	msgs, err := fixture.ReadHexMessages(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages in fixture, want 1", len(msgs))
	}
	return msgs[0]
}

func TestDecodeCapturedLogin(t *testing.T) {
	raw := loadLoginRequest(t)
	pdu, n, err := Decode(raw, CodecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Errorf("consumed %d bytes, want %d", n, len(raw))
	}
	if pdu.OpCode != OpLoginReq || !pdu.Immediate || !pdu.Transit || pdu.Cont {
		t.Errorf("unexpected flags: %v", pdu)
	}
	if pdu.CSG != SecurityNegotiation || pdu.NSG != LoginOperationalNegotiation {
		t.Errorf("stages %v -> %v", pdu.CSG, pdu.NSG)
	}
	if pdu.ISID != 0x23d000001 || pdu.TSIH != 0 || pdu.ConnID != 1 || pdu.CmdSN != 1 {
		t.Errorf("ISID %#x TSIH %d CID %d CmdSN %d", pdu.ISID, pdu.TSIH, pdu.ConnID, pdu.CmdSN)
	}
	kv, err := util.ParseKVText(pdu.RawData)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"InitiatorName": "iqn.1994-05.com.redhat:f3a2c1",
		"SessionType":   "Normal",
		"TargetName":    "iqn.2016-09.com.gostor:disk1",
		"AuthMethod":    "None",
	}
	got := kv.Map()
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if enc := pdu.Bytes(); !bytes.Equal(enc, raw) {
		t.Errorf("re-encoded PDU differs:\n%s\nwant:\n%s", fixture.HexDump(enc), fixture.HexDump(raw))
	}
}

func TestReadPDUFromCapture(t *testing.T) {
	opts := CodecOptions{HeaderDigest: true, DataDigest: true}
	req, _, err := Decode(loadLoginRequest(t), CodecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	resp := &ISCSICommand{
		OpCode:   OpLoginResp,
		Transit:  true,
		CSG:      SecurityNegotiation,
		NSG:      LoginOperationalNegotiation,
		ISID:     req.ISID,
		TSIH:     1,
		TaskTag:  req.TaskTag,
		StatSN:   1,
		ExpCmdSN: 1,
		MaxCmdSN: 1,
		RawData:  util.MarshalKVText([]util.KeyValue{{Key: "TargetPortalGroupTag", Value: "1"}, {Key: "AuthMethod", Value: "None"}}),
	}
	nop := &ISCSICommand{OpCode: OpNoopOut, Immediate: true, Final: true, TaskTag: 2, TargetTransferTag: ReservedTag, CmdSN: 2, RawData: bytes.Repeat([]byte{0xa5}, 4000)}

	var capture bytes.Buffer
	err = fixture.WritePCAP(&capture, fixture.DefaultPort, []fixture.Segment{
		{ToTarget: true, Payload: Encode(req, opts)},
		{ToTarget: false, Payload: Encode(resp, opts)},
		{ToTarget: true, Payload: Encode(nop, opts)},
	})
	if err != nil {
		t.Fatal(err)
	}
	segs, err := fixture.ReadPCAP(&capture, fixture.DefaultPort)
	if err != nil {
		t.Fatal(err)
	}

	in := bytes.NewReader(fixture.Stream(segs, true))
	for _, want := range []*ISCSICommand{req, nop} {
		got, err := ReadPDU(in, opts)
		if err != nil {
			t.Fatal(err)
		}
		if got.OpCode != want.OpCode || got.TaskTag != want.TaskTag || !bytes.Equal(got.RawData, want.RawData) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	out := bytes.NewReader(fixture.Stream(segs, false))
	got, err := ReadPDU(out, opts)
	if err != nil {
		t.Fatal(err)
	}
	if got.OpCode != OpLoginResp || got.TSIH != 1 || !got.Transit {
		t.Errorf("login response: %v", got)
	}
}
