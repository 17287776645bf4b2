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

// Package version holds the build version of goiscsi.
package version

import (
	"runtime"

	"github.com/gostor/goiscsi/pkg/api"
)

// Set with -ldflags "-X github.com/gostor/goiscsi/pkg/version.GitCommit=..."
var (
	VERSION   = "0.1.0"
	GitCommit = ""
)

// Info describes this build.
func Info() api.Version {
	return api.Version{
		Version:   VERSION,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
}
