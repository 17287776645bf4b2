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
	"fmt"
	"os"
	"strings"

	"github.com/gostor/goiscsi/pkg/config"
	"github.com/gostor/goiscsi/pkg/port"
	"github.com/gostor/goiscsi/pkg/scsi"
)

const DriverName = "iscsi"

func init() {
	port.RegisterTargetDriver(DriverName, func(cfg *config.Config) (port.TargetDriver, error) {
		d, err := NewFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// OptionsFromConfig turns the daemon configuration into driver options,
// loading the key table file and applying the key overrides.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{
		LoginTimeout:       cfg.LoginTimeout,
		NopInterval:        cfg.NopInterval,
		NopTimeout:         cfg.NopTimeout,
		QueueDepth:         cfg.QueueDepth,
		MaxConnections:     cfg.MaxConnections,
		BlockMultipleHosts: cfg.BlockMultipleHosts,
		LogoutWait:         cfg.LogoutWait,
	}
	table := DefaultKeyTable()
	if cfg.Negotiation.Keys != "" {
		f, err := os.Open(cfg.Negotiation.Keys)
		if err != nil {
			return opts, err
		}
		table, err = LoadKeyTable(f, table)
		f.Close()
		if err != nil {
			return opts, fmt.Errorf("%s: %w", cfg.Negotiation.Keys, err)
		}
	}
	for name, value := range cfg.Negotiation.Overrides {
		if err := table.Override(table.keyName(name), value); err != nil {
			return opts, err
		}
	}
	opts.KeyTable = table
	return opts, nil
}

// keyName finds the table spelling of a key name, config keys come
// back lower cased.
func (t KeyTable) keyName(name string) string {
	if _, ok := t[name]; ok {
		return name
	}
	for k := range t {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

// NewFromConfig builds a driver with the configured targets. Portals
// are not opened.
func NewFromConfig(cfg *config.Config) (*ISCSITargetDriver, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	d := NewISCSITargetDriver(opts)
	for _, tc := range cfg.Targets {
		t := NewISCSITarget(tc.Name, tc.Alias, tc.TPGT, tc.Portals)
		for _, l := range tc.LUNs {
			err := t.AddLUN(l.LUN, l.Class, scsi.LUNOptions{
				Store:      l.Store,
				Path:       l.Path,
				Size:       l.Size,
				BlockShift: l.BlockShift,
				ReadOnly:   l.ReadOnly,
				Serial:     l.Serial,
			})
			if err != nil {
				t.Close()
				d.Close()
				return nil, err
			}
		}
		if err := d.AddTarget(t); err != nil {
			t.Close()
			d.Close()
			return nil, err
		}
	}
	return d, nil
}
