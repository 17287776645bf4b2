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

// Package client is the Go client of the goiscsi admin API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/go-connections/sockets"
	"github.com/gostor/goiscsi/pkg/api"
)

// DefaultHost is the API address of a daemon started without configuration.
const DefaultHost = "tcp://127.0.0.1:23457"

type Client struct {
	// proto holds the client protocol i.e. unix.
	proto string
	// addr holds the client address.
	addr string
	// basePath holds the path to prepend to the requests.
	basePath string
	// client sends the requests over a transport dialing proto/addr.
	client *http.Client
	// version of the server to talk to.
	version string
	// custom http headers configured by users.
	customHTTPHeaders map[string]string
}

// NewClient initializes a new API client for the given host and API version.
// A nil http client gets one with a transport configured for the host.
// It also initializes the custom http headers to add to each request.
//
// It won't send any version information if the version number is empty.
func NewClient(host string, version string, client *http.Client, httpHeaders map[string]string) (*Client, error) {
	proto, addr, basePath, err := ParseHost(host)
	if err != nil {
		return nil, err
	}

	if client == nil {
		tr := &http.Transport{}
		if err := sockets.ConfigureTransport(tr, proto, addr); err != nil {
			return nil, err
		}
		client = &http.Client{Transport: tr}
	}

	return &Client{
		proto:             proto,
		addr:              addr,
		basePath:          basePath,
		client:            client,
		version:           version,
		customHTTPHeaders: httpHeaders,
	}, nil
}

// getAPIPath returns the versioned request path to call the api.
// It appends the query parameters to the path if they are not empty.
func (cli *Client) getAPIPath(p string, query url.Values) string {
	var apiPath string
	if cli.version != "" {
		v := strings.TrimPrefix(cli.version, "v")
		apiPath = fmt.Sprintf("%s/v%s%s", cli.basePath, v, p)
	} else {
		apiPath = fmt.Sprintf("%s%s", cli.basePath, p)
	}

	u := &url.URL{
		Path: apiPath,
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// ClientVersion returns the version string associated with this
// instance of the Client.
func (cli *Client) ClientVersion() string {
	return cli.version
}

// UpdateClientVersion updates the version string associated with this
// instance of the Client.
func (cli *Client) UpdateClientVersion(v string) {
	cli.version = v
}

// ParseHost verifies that the given host strings is valid.
func ParseHost(host string) (string, string, string, error) {
	protoAddrParts := strings.SplitN(host, "://", 2)
	if len(protoAddrParts) == 1 {
		return "", "", "", fmt.Errorf("unable to parse goiscsi host `%s`", host)
	}

	var basePath string
	proto, addr := protoAddrParts[0], protoAddrParts[1]
	if proto == "tcp" {
		parsed, err := url.Parse("tcp://" + addr)
		if err != nil {
			return "", "", "", err
		}
		addr = parsed.Host
		basePath = parsed.Path
	}
	return proto, addr, basePath, nil
}

func (cli *Client) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	return cli.do(ctx, http.MethodGet, path, query, v)
}

func (cli *Client) delete(ctx context.Context, path string, query url.Values) error {
	return cli.do(ctx, http.MethodDelete, path, query, nil)
}

// do sends one request and decodes a JSON answer into v when v is not nil.
func (cli *Client) do(ctx context.Context, method, path string, query url.Values, v interface{}) error {
	// the transport dials proto/addr, the URL host only fills the Host header
	host := cli.addr
	if cli.proto != "tcp" {
		host = "goiscsi"
	}
	u := "http://" + host + cli.getAPIPath(path, query)
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	for k, v := range cli.customHTTPHeaders {
		req.Header.Set(k, v)
	}
	resp, err := cli.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to the goiscsi daemon at %s://%s: %w", cli.proto, cli.addr, err)
	}
	defer ensureReaderClosed(resp)

	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func ensureReaderClosed(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		// drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// Error is an error answer of the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return "Error response from daemon: " + e.Message
}

// IsErrNotFound reports whether err is a not found answer of the daemon.
func IsErrNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.StatusCode == http.StatusNotFound
}
