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
package target

import (
	"context"
	"net/http"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/apiserver/httputils"
	"github.com/gostor/goiscsi/pkg/apiserver/router"
)

// Backend is the target registry the router reads.
type Backend interface {
	TargetInfo() []api.Target
}

// targetRouter is a router to talk with the target registry
type targetRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new target router
func NewRouter(b Backend) router.Router {
	r := &targetRouter{backend: b}
	r.initRoutes()
	return r
}

// Routes returns the available routes to the target registry
func (r *targetRouter) Routes() []router.Route {
	return r.routes
}

// initRoutes initializes the routes in target router
func (r *targetRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/targets", r.getTargetList),
		router.NewGetRoute("/targets/{name:.*}", r.getTarget),
	}
}

func (r *targetRouter) getTargetList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	tgts := r.backend.TargetInfo()
	if tgts == nil {
		tgts = []api.Target{}
	}
	return httputils.WriteJSON(w, http.StatusOK, tgts)
}

func (r *targetRouter) getTarget(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	for _, t := range r.backend.TargetInfo() {
		if t.Name == vars["name"] {
			return httputils.WriteJSON(w, http.StatusOK, t)
		}
	}
	return errNoSuchTarget(vars["name"])
}

type errNoSuchTarget string

func (e errNoSuchTarget) Error() string {
	return "no such target: " + string(e)
}
