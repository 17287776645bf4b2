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

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testConfig = `
portals: ["127.0.0.1:3260"]
max_connections: 16
nop_interval: 5s
queue_depth: 32
api:
  hosts: ["unix:///run/goiscsi.sock"]
negotiation:
  keys: keys.yaml
  overrides:
    MaxBurstLength: "65536"
targets:
  - name: iqn.2016-09.com.gostor:disk1
    alias: first disk
    luns:
      - lun: 1
        class: disk
        store: file
        path: /var/lib/goiscsi/disk1.img
        size: 1048576
  - name: iqn.2016-09.com.gostor:disk2
    tpgt: 2
    portals: ["10.0.0.1:3260"]
`

func writeConfig(t *testing.T, name, content string) string {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, "config.yaml", testConfig)
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.File != filepath.Join(dir, "config.yaml") {
		t.Errorf("file %q", c.File)
	}
	if !reflect.DeepEqual(c.Portals, []string{"127.0.0.1:3260"}) {
		t.Errorf("portals %v", c.Portals)
	}
	if c.MaxConnections != 16 || c.QueueDepth != 32 {
		t.Errorf("max_connections %d queue_depth %d", c.MaxConnections, c.QueueDepth)
	}
	if c.NopInterval != 5*time.Second {
		t.Errorf("nop_interval %v", c.NopInterval)
	}
	// defaults fill what the file leaves out
	if c.LoginTimeout != 15*time.Second || c.LogoutWait != 10*time.Second {
		t.Errorf("login_timeout %v logout_wait %v", c.LoginTimeout, c.LogoutWait)
	}
	if !reflect.DeepEqual(c.API.Hosts, []string{"unix:///run/goiscsi.sock"}) {
		t.Errorf("api hosts %v", c.API.Hosts)
	}
	if c.Negotiation.Keys != filepath.Join(dir, "keys.yaml") {
		t.Errorf("key table %q", c.Negotiation.Keys)
	}
	if c.Negotiation.Overrides["maxburstlength"] != "65536" && c.Negotiation.Overrides["MaxBurstLength"] != "65536" {
		t.Errorf("overrides %v", c.Negotiation.Overrides)
	}
	if len(c.Targets) != 2 {
		t.Fatalf("%d targets", len(c.Targets))
	}
	t1, t2 := c.Targets[0], c.Targets[1]
	if t1.Name != "iqn.2016-09.com.gostor:disk1" || t1.Alias != "first disk" || t1.TPGT != 1 {
		t.Errorf("target 1 %+v", t1)
	}
	want := []LUN{{LUN: 1, Class: "disk", Store: "file", Path: "/var/lib/goiscsi/disk1.img", Size: 1 << 20}}
	if !reflect.DeepEqual(t1.LUNs, want) {
		t.Errorf("target 1 LUNs %+v", t1.LUNs)
	}
	if t2.TPGT != 2 || !reflect.DeepEqual(t2.Portals, []string{"10.0.0.1:3260"}) {
		t.Errorf("target 2 %+v", t2)
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if c.File != "" {
		t.Errorf("file %q", c.File)
	}
	if !reflect.DeepEqual(c.Portals, []string{DefaultPortal}) {
		t.Errorf("portals %v", c.Portals)
	}
	if !reflect.DeepEqual(c.API.Hosts, []string{DefaultAPIHost}) {
		t.Errorf("api hosts %v", c.API.Hosts)
	}
	if c.QueueDepth != 128 || len(c.Targets) != 0 {
		t.Errorf("queue_depth %d, %d targets", c.QueueDepth, len(c.Targets))
	}
}

func TestEnvOverride(t *testing.T) {
	dir := writeConfig(t, "config.yaml", testConfig)
	t.Setenv("GOISCSI_QUEUE_DEPTH", "64")
	t.Setenv("GOISCSI_BLOCK_MULTIPLE_HOSTS", "true")
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.QueueDepth != 64 || !c.BlockMultipleHosts {
		t.Errorf("queue_depth %d block_multiple_hosts %v", c.QueueDepth, c.BlockMultipleHosts)
	}
}

func TestLoadFile(t *testing.T) {
	dir := writeConfig(t, "target.json", `{"portals": ["[::1]:3260"], "targets": [{"name": "iqn.2016-09.com.gostor:json"}]}`)
	c, err := LoadFile(filepath.Join(dir, "target.json"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Portals[0] != "[::1]:3260" || len(c.Targets) != 1 || c.Targets[0].TPGT != 1 {
		t.Errorf("%+v", c)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		config string
		err    string
	}{
		"bad portal": {
			config: `portals: ["3260"]`,
			err:    "portal",
		},
		"bad api host": {
			config: `api: {hosts: ["127.0.0.1:23457"]}`,
			err:    "PROTO://ADDR",
		},
		"negative connection limit": {
			config: `max_connections: -1`,
			err:    "negative",
		},
		"unnamed target": {
			config: `targets: [{alias: x}]`,
			err:    "without name",
		},
		"duplicate target": {
			config: `targets: [{name: a}, {name: a}]`,
			err:    "defined twice",
		},
		"duplicate LUN": {
			config: `targets: [{name: a, luns: [{lun: 1, class: disk}, {lun: 1, class: disk}]}]`,
			err:    "LUN 1 defined twice",
		},
		"LUN without class": {
			config: `targets: [{name: a, luns: [{lun: 2}]}]`,
			err:    "no class",
		},
		"unparsable": {
			config: "portals: [",
			err:    "read config",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.config))
			if err == nil || !strings.Contains(err.Error(), tt.err) {
				t.Errorf("got %v, want error containing %q", err, tt.err)
			}
		})
	}
}
