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
package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/apiserver/httputils"
	"github.com/gostor/goiscsi/pkg/apiserver/router"
)

// Backend is the session table the router reads and ends sessions in.
type Backend interface {
	Sessions() []api.Session
	Session(tsih uint16) (api.Session, error)
	Logout(tsih uint16, mode api.LogoutMode) error
}

// sessionRouter is a router to talk with the session table
type sessionRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new session router
func NewRouter(b Backend) router.Router {
	r := &sessionRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes to the session table
func (r *sessionRouter) Routes() []router.Route {
	return r.routes
}

// initRoutes initializes the routes in session router
func (r *sessionRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/sessions", r.getSessionList),
		router.NewGetRoute("/sessions/{tsih}", r.getSession),
		// DELETE
		router.NewDeleteRoute("/sessions/{tsih}", r.deleteSession),
	}
}

// getSessionList answers every session, or those of the target named
// by the "target" query parameter.
func (r *sessionRouter) getSessionList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	target := httputils.StringValueOrDefault(req, "target", "")
	sessions := []api.Session{}
	for _, s := range r.backend.Sessions() {
		if target == "" || s.TargetName == target {
			sessions = append(sessions, s)
		}
	}
	return httputils.WriteJSON(w, http.StatusOK, sessions)
}

func (r *sessionRouter) getSession(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	tsih, err := httputils.Uint16Var(vars, "tsih")
	if err != nil {
		return err
	}
	s, err := r.backend.Session(tsih)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, s)
}

// deleteSession ends a session, by default with an asynchronous logout
// request that falls back to a forced teardown.
func (r *sessionRouter) deleteSession(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	tsih, err := httputils.Uint16Var(vars, "tsih")
	if err != nil {
		return err
	}
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	mode := api.LogoutMode(httputils.StringValueOrDefault(req, "mode", string(api.LogoutAsync)))
	if mode != api.LogoutAsync && mode != api.LogoutForce {
		return fmt.Errorf("bad parameter: logout mode %q", mode)
	}
	if err := r.backend.Logout(tsih, mode); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
