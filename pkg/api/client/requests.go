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

package client

import (
	"context"
	"net/url"
	"strconv"

	"github.com/gostor/goiscsi/pkg/api"
)

// TargetList returns the targets of the daemon.
func (cli *Client) TargetList(ctx context.Context) ([]api.Target, error) {
	var targets []api.Target
	err := cli.get(ctx, "/targets", nil, &targets)
	return targets, err
}

// TargetInspect returns one target.
func (cli *Client) TargetInspect(ctx context.Context, name string) (api.Target, error) {
	var target api.Target
	err := cli.get(ctx, "/targets/"+name, nil, &target)
	return target, err
}

// SessionList returns the sessions, only those of target when it is not empty.
func (cli *Client) SessionList(ctx context.Context, target string) ([]api.Session, error) {
	query := url.Values{}
	if target != "" {
		query.Set("target", target)
	}
	var sessions []api.Session
	err := cli.get(ctx, "/sessions", query, &sessions)
	return sessions, err
}

// SessionInspect returns the session with the given TSIH.
func (cli *Client) SessionInspect(ctx context.Context, tsih uint16) (api.Session, error) {
	var session api.Session
	err := cli.get(ctx, "/sessions/"+strconv.Itoa(int(tsih)), nil, &session)
	return session, err
}

// SessionLogout ends a session.
func (cli *Client) SessionLogout(ctx context.Context, tsih uint16, mode api.LogoutMode) error {
	query := url.Values{}
	if mode != "" {
		query.Set("mode", string(mode))
	}
	return cli.delete(ctx, "/sessions/"+strconv.Itoa(int(tsih)), query)
}

// ServerVersion returns the version of the daemon.
func (cli *Client) ServerVersion(ctx context.Context) (api.Version, error) {
	var v api.Version
	err := cli.get(ctx, "/version", nil, &v)
	return v, err
}
