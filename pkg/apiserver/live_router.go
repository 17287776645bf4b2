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

package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// liveRouter serves the routes of the latest mux installed with Swap.
// Requests already dispatched finish on the mux they started with.
type liveRouter struct {
	current atomic.Pointer[mux.Router]
}

func newLiveRouter(m *mux.Router) *liveRouter {
	lr := &liveRouter{}
	lr.current.Store(m)
	return lr
}

func (lr *liveRouter) Swap(m *mux.Router) {
	old := lr.current.Swap(m)
	log.Debugf("API routes replaced, %d routes were live", countRoutes(old))
}

func (lr *liveRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lr.current.Load().ServeHTTP(w, r)
}

func countRoutes(m *mux.Router) int {
	n := 0
	if m == nil {
		return n
	}
	m.Walk(func(*mux.Route, *mux.Router, []*mux.Route) error {
		n++
		return nil
	})
	return n
}
