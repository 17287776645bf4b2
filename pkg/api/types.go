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

// Package api holds the types exchanged with the admin API.
package api

// Version is answered by GET /version.
type Version struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
}

type LUN struct {
	LUN   uint64 `json:"lun"`
	Class string `json:"class"`
	Store string `json:"store,omitempty"`
	Path  string `json:"path,omitempty"`
}

type Target struct {
	Name     string   `json:"name"`
	Alias    string   `json:"alias,omitempty"`
	TPGT     uint16   `json:"tpgt"`
	Portals  []string `json:"portals"`
	LUNs     []LUN    `json:"luns"`
	Sessions []uint16 `json:"sessions"`
}

type Connection struct {
	CID        uint16 `json:"cid"`
	ID         string `json:"id"`
	State      string `json:"state"`
	RemoteAddr string `json:"remote_addr"`
	LocalAddr  string `json:"local_addr"`
	StatSN     uint32 `json:"stat_sn"`
	ExpStatSN  uint32 `json:"exp_stat_sn"`
}

type SessionStats struct {
	Commands     uint64 `json:"commands"`
	ReadBytes    uint64 `json:"read_bytes"`
	WrittenBytes uint64 `json:"written_bytes"`
	Rejects      uint64 `json:"rejects"`
	Aborts       uint64 `json:"aborts"`
}

type Session struct {
	TSIH          uint16            `json:"tsih"`
	ISID          string            `json:"isid"`
	ITNexus       string            `json:"it_nexus"`
	InitiatorName string            `json:"initiator_name"`
	TargetName    string            `json:"target_name,omitempty"`
	Type          string            `json:"type"`
	ExpCmdSN      uint32            `json:"exp_cmd_sn"`
	MaxCmdSN      uint32            `json:"max_cmd_sn"`
	Tasks         int               `json:"tasks"`
	Params        map[string]string `json:"params"`
	Connections   []Connection      `json:"connections"`
	Stats         SessionStats      `json:"stats"`
}

// LogoutMode selects how DELETE /sessions/{tsih} ends a session.
type LogoutMode string

const (
	// ask the initiator with an asynchronous logout request
	LogoutAsync LogoutMode = "async"
	// drop the session at once
	LogoutForce LogoutMode = "force"
)

type ErrorResponse struct {
	Message string `json:"message"`
}
