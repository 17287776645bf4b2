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
package httputils

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/version"
	log "github.com/sirupsen/logrus"
)

type contextKey string

// APIVersionKey is the client's requested API version.
const APIVersionKey contextKey = "api-version"

// APIFunc is an adapter to allow the use of ordinary functions as API endpoints.
// Any function that has the appropriate signature can be register as a API endpoint (e.g. getVersion).
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// ParseForm ensures the request form is parsed even with invalid content types.
// If we don't do this, POST method without Content-type (even with empty body) will fail.
func ParseForm(r *http.Request) error {
	if r == nil {
		return nil
	}
	if err := r.ParseForm(); err != nil && !strings.HasPrefix(err.Error(), "mime:") {
		return err
	}
	return nil
}

// StatusCode maps an error message to the HTTP status it is answered with.
func StatusCode(err error) int {
	errStr := strings.ToLower(err.Error())
	for keyword, status := range map[string]int{
		"not found":     http.StatusNotFound,
		"no such":       http.StatusNotFound,
		"bad parameter": http.StatusBadRequest,
		"conflict":      http.StatusConflict,
		"closed":        http.StatusServiceUnavailable,
	} {
		if strings.Contains(errStr, keyword) {
			return status
		}
	}
	return http.StatusInternalServerError
}

// WriteError sends err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	if err == nil || w == nil {
		log.WithFields(log.Fields{"error": err, "writer": w}).Error("unexpected HTTP error handling")
		return
	}
	if err := WriteJSON(w, StatusCode(err), api.ErrorResponse{Message: err.Error()}); err != nil {
		log.Errorf("write error response: %v", err)
	}
}

// WriteJSON writes the value v to the http response stream as json with standard json encoding.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// VersionFromContext returns the API version a request asked for,
// the server version when it did not.
func VersionFromContext(ctx context.Context) string {
	if ctx == nil {
		return version.VERSION
	}
	if v, ok := ctx.Value(APIVersionKey).(string); ok && v != "" {
		return v
	}
	return version.VERSION
}
