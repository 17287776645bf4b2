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
	"errors"
	"strings"
	"testing"

	"github.com/gostor/goiscsi/pkg/util"
)

func TestApplyOffer(t *testing.T) {
	table := DefaultKeyTable()
	var tests = map[string]struct {
		key      string
		offer    string
		answer   string
		value    string
		rejected bool
	}{
		"min picks smaller local":    {key: KeyMaxBurstLength, offer: "1048576", answer: "262144", value: "262144"},
		"min picks smaller offer":    {key: KeyMaxBurstLength, offer: "4096", answer: "4096", value: "4096"},
		"max picks larger":           {key: KeyDefaultTime2Wait, offer: "0", answer: "2", value: "2"},
		"min out of range":           {key: KeyMaxBurstLength, offer: "100", answer: ValueReject, rejected: true},
		"not a number":               {key: KeyMaxConnections, offer: "many", answer: ValueReject, rejected: true},
		"or":                         {key: KeyInitialR2T, offer: ValueNo, answer: ValueYes, value: ValueYes},
		"and":                        {key: KeyImmediateData, offer: ValueNo, answer: ValueNo, value: ValueNo},
		"bad boolean":                {key: KeyImmediateData, offer: "maybe", answer: ValueReject, rejected: true},
		"choice first supported":     {key: KeyHeaderDigest, offer: "CRC32C,None", answer: ValueNone, value: ValueNone},
		"choice without common":      {key: KeyHeaderDigest, offer: ValueCRC32C, answer: ValueReject, rejected: true},
		"declarative records offer":  {key: KeyMaxRecvDataSegmentLength, offer: "65536", answer: "8192", value: "65536"},
		"declarative without answer": {key: KeyInitiatorName, offer: "iqn.a", answer: "", value: "iqn.a"},
		"declarative choices":        {key: KeySessionType, offer: "Bogus", answer: ValueReject, rejected: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			answer, params, err := ApplyOffer(table[tt.key], tt.offer, Params{})
			if answer != tt.answer {
				t.Errorf("answer %q, want %q", answer, tt.answer)
			}
			if tt.rejected {
				if !errors.Is(err, ErrKeyRejected) {
					t.Errorf("err = %v, want ErrKeyRejected", err)
				}
				if _, ok := params[tt.key]; ok {
					t.Errorf("rejected offer recorded")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if params[tt.key] != tt.value {
				t.Errorf("value %q, want %q", params[tt.key], tt.value)
			}
		})
	}
}

func TestNegotiatorPhases(t *testing.T) {
	var tests = map[string]struct {
		leading   bool
		discovery bool
		ffp       bool
		stage     Stage
		key       string
		value     string
		want      string
	}{
		"leading key on leading login":      {leading: true, stage: LoginOperationalNegotiation, key: KeyMaxBurstLength, value: "65536", want: "65536"},
		"leading key on second connection":  {stage: LoginOperationalNegotiation, key: KeyMaxBurstLength, value: "65536", want: ValueReject},
		"security key in operational stage": {leading: true, stage: LoginOperationalNegotiation, key: KeyAuthMethod, value: ValueNone, want: ValueReject},
		"login key in full feature phase":   {ffp: true, stage: FullFeaturePhase, key: KeyHeaderDigest, value: ValueNone, want: ValueReject},
		"normal key in discovery session":   {leading: true, discovery: true, stage: LoginOperationalNegotiation, key: KeyMaxOutstandingR2T, value: "4", want: ValueIrrelevant},
		"unknown key":                       {leading: true, stage: LoginOperationalNegotiation, key: "X-com.example.Key", value: "1", want: ValueNotUnderstood},
		"renegotiate segment length":        {ffp: true, stage: FullFeaturePhase, key: KeyMaxRecvDataSegmentLength, value: "4096", want: "8192"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			n := NewNegotiator(DefaultKeyTable(), tt.leading)
			n.SetDiscovery(tt.discovery)
			if tt.ffp {
				n.SetFullFeature()
			}
			resp := n.Negotiate(tt.stage, util.KeyValueList{{Key: tt.key, Value: tt.value}})
			got, _ := resp.Get(tt.key)
			if got != tt.want {
				t.Errorf("%s=%s answered %q, want %q", tt.key, tt.value, got, tt.want)
			}
		})
	}
}

func TestNegotiatorParams(t *testing.T) {
	n := NewNegotiator(DefaultKeyTable(), true)
	n.Negotiate(SecurityNegotiation, util.KeyValueList{
		{Key: KeyInitiatorName, Value: "iqn.2016-09.com.gostor:initiator"},
		{Key: KeySessionType, Value: SessionNormal},
		{Key: KeyTargetName, Value: "iqn.2016-09.com.gostor:target"},
		{Key: KeyAuthMethod, Value: "CHAP,None"},
	})
	n.Negotiate(LoginOperationalNegotiation, util.KeyValueList{
		{Key: KeyMaxBurstLength, Value: "16384"},
		{Key: KeyFirstBurstLength, Value: "65536"},
		{Key: KeyErrorRecoveryLevel, Value: "1"},
		{Key: KeyInitialR2T, Value: ValueNo},
		{Key: KeyMaxRecvDataSegmentLength, Value: "131072"},
	})
	p := n.SessionParams()
	if p.InitiatorName != "iqn.2016-09.com.gostor:initiator" || p.SessionType != SessionNormal {
		t.Errorf("identity %q %q", p.InitiatorName, p.SessionType)
	}
	if p.MaxBurstLength != 16384 || p.FirstBurstLength != 16384 {
		t.Errorf("bursts %d/%d, want FirstBurstLength clamped to 16384", p.MaxBurstLength, p.FirstBurstLength)
	}
	if p.ErrorRecoveryLevel != 1 || !p.InitialR2T || !p.ImmediateData {
		t.Errorf("ERL %d InitialR2T %v ImmediateData %v", p.ErrorRecoveryLevel, p.InitialR2T, p.ImmediateData)
	}
	if p.MaxConnections != 1 || p.DefaultTime2Retain != 20 {
		t.Errorf("defaults not applied: %+v", p)
	}
	cp := n.ConnParams()
	if cp.MaxXmitDataSegmentLength != 131072 || cp.MaxRecvDataSegmentLength != 8192 {
		t.Errorf("segment lengths %+v", cp)
	}
	if cp.HeaderDigest || cp.DataDigest {
		t.Errorf("digests enabled without negotiation")
	}
}

func TestLoadKeyTable(t *testing.T) {
	var tests = map[string]struct {
		yaml    string
		check   func(t *testing.T, table KeyTable)
		wantErr bool
	}{
		"override local value": {
			yaml: `
- name: HeaderDigest
  policy: choice
  phase: login
  default: None
  local: CRC32C,None
`,
			check: func(t *testing.T, table KeyTable) {
				if table[KeyHeaderDigest].Local != "CRC32C,None" {
					t.Errorf("local %q", table[KeyHeaderDigest].Local)
				}
				if table[KeyDataDigest].Local != ValueNone {
					t.Errorf("untouched key changed")
				}
			},
		},
		"vendor key": {
			yaml: `
- name: X-com.gostor.Queue
  policy: min
  default: "4"
  local: "8"
  min: 1
  max: 64
  normal_only: true
`,
			check: func(t *testing.T, table KeyTable) {
				k := table["X-com.gostor.Queue"]
				if k == nil || k.Policy != PolicyMin || k.Phase != PhaseAny || !k.NormalOnly {
					t.Errorf("vendor key %+v", k)
				}
			},
		},
		"empty file": {
			yaml: "",
			check: func(t *testing.T, table KeyTable) {
				if len(table) != len(DefaultKeyTable()) {
					t.Errorf("table has %d keys", len(table))
				}
			},
		},
		"unknown policy": {yaml: "- name: Foo\n  policy: median\n", wantErr: true},
		"unknown phase":  {yaml: "- name: Foo\n  policy: min\n  phase: later\n", wantErr: true},
		"not yaml":       {yaml: "{{{", wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			base := DefaultKeyTable()
			table, err := LoadKeyTable(strings.NewReader(tt.yaml), base)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			tt.check(t, table)
			if base[KeyHeaderDigest].Local != ValueNone {
				t.Errorf("base table modified")
			}
		})
	}
}

func TestKeyTableOverride(t *testing.T) {
	var tests = map[string]struct {
		key, value string
		wantErr    bool
	}{
		"numeric":        {key: KeyMaxBurstLength, value: "65536"},
		"numeric range":  {key: KeyMaxBurstLength, value: "1", wantErr: true},
		"boolean":        {key: KeyImmediateData, value: ValueNo},
		"bad boolean":    {key: KeyImmediateData, value: "off", wantErr: true},
		"choice":         {key: KeyDataDigest, value: "CRC32C,None"},
		"unknown":        {key: "NoSuchKey", value: "1", wantErr: true},
		"declared limit": {key: KeyMaxRecvDataSegmentLength, value: "16", wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			table := DefaultKeyTable()
			err := table.Override(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && table[tt.key].Local != tt.value {
				t.Errorf("local %q, want %q", table[tt.key].Local, tt.value)
			}
		})
	}
}
