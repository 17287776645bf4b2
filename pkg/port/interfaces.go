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

// Package port holds the target drivers a daemon can serve SCSI over.
package port

import (
	"net"

	"github.com/gostor/goiscsi/pkg/api"
)

// TargetDriver is a transport protocol target serving the configured
// targets on its portals.
type TargetDriver interface {
	// Listen opens a portal and serves it in the background.
	Listen(addr string) (net.Addr, error)
	TargetInfo() []api.Target
	Sessions() []api.Session
	Session(tsih uint16) (api.Session, error)
	Logout(tsih uint16, mode api.LogoutMode) error
	// Close stops the portals and ends every session.
	Close() error
}
