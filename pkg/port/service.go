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

package port

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gostor/goiscsi/pkg/config"
)

type TargetDriverFunc func(*config.Config) (TargetDriver, error)

var (
	pluginMu          sync.RWMutex
	registeredPlugins = map[string]TargetDriverFunc{}
)

func RegisterTargetDriver(name string, f TargetDriverFunc) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	registeredPlugins[name] = f
}

// NewTargetDriver builds the driver registered as name from cfg.
func NewTargetDriver(name string, cfg *config.Config) (TargetDriver, error) {
	pluginMu.RLock()
	f, ok := registeredPlugins[name]
	pluginMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("target driver %s is not found", name)
	}
	return f(cfg)
}

// TargetDrivers lists the registered driver names.
func TargetDrivers() []string {
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	names := make([]string, 0, len(registeredPlugins))
	for name := range registeredPlugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
