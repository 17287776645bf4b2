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

// Handler class registration
package scsi

import (
	"fmt"
	"sort"
	"sync"
)

// LUNOptions configures a handler instance for one LUN.
type LUNOptions struct {
	// Store names a registered backing store, Path its location.
	Store      string
	Path       string
	Size       uint64
	BlockShift uint
	ReadOnly   bool
	Vendor     string
	Product    string
	Serial     string
}

type HandlerFactory func(lun uint64, opts LUNOptions) (Handler, error)

var (
	classMu           sync.RWMutex
	registeredClasses = map[string]HandlerFactory{}
)

// RegisterHandlerClass makes a handler class available to the LUN
// configuration. Registering a name twice replaces the earlier factory.
func RegisterHandlerClass(name string, f HandlerFactory) {
	classMu.Lock()
	defer classMu.Unlock()
	registeredClasses[name] = f
}

// NewHandler creates a handler of the named class for lun.
func NewHandler(class string, lun uint64, opts LUNOptions) (Handler, error) {
	classMu.RLock()
	f, ok := registeredClasses[class]
	classMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler class %s is not found", class)
	}
	return f(lun, opts)
}

// HandlerClasses lists the registered class names.
func HandlerClasses() []string {
	classMu.RLock()
	defer classMu.RUnlock()
	names := make([]string, 0, len(registeredClasses))
	for name := range registeredClasses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
