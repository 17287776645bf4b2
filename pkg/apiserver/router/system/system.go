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
package system

import (
	"context"
	"net/http"

	"github.com/gostor/goiscsi/pkg/apiserver/httputils"
	"github.com/gostor/goiscsi/pkg/apiserver/router"
	"github.com/gostor/goiscsi/pkg/version"
)

type systemRouter struct {
	routes []router.Route
}

// NewRouter initializes the router answering daemon wide queries
func NewRouter() router.Router {
	r := &systemRouter{}
	r.routes = []router.Route{
		router.NewGetRoute("/version", r.getVersion),
	}
	return r
}

func (r *systemRouter) Routes() []router.Route {
	return r.routes
}

func (r *systemRouter) getVersion(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	v := version.Info()
	if asked := httputils.VersionFromContext(ctx); asked != version.VERSION {
		w.Header().Set("API-Version", asked)
	}
	return httputils.WriteJSON(w, http.StatusOK, v)
}
