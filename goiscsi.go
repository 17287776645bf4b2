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

// iSCSI target daemon and command line
package main

import (
	"fmt"
	"os"

	"github.com/gostor/goiscsi/cmd"
	"github.com/gostor/goiscsi/pkg/api/client"
	"github.com/gostor/goiscsi/pkg/version"
)

func main() {
	host := os.Getenv("GOISCSI_HOST")
	if host == "" {
		host = client.DefaultHost
	}

	cli, err := client.NewClient(host, version.VERSION, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := cmd.NewCommand(cli).Execute(); err != nil {
		os.Exit(1)
	}
}
