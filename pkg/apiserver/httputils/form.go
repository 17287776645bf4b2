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
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// StringValueOrDefault returns the trimmed form value k, or d when it is
// missing or empty.
func StringValueOrDefault(r *http.Request, k, d string) string {
	s := strings.TrimSpace(r.FormValue(k))
	if s == "" {
		return d
	}
	return s
}

// Uint16Var parses the path variable k.
func Uint16Var(vars map[string]string, k string) (uint16, error) {
	v, err := strconv.ParseUint(vars[k], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad parameter: %s %q is not a 16 bit number", k, vars[k])
	}
	return uint16(v), nil
}
