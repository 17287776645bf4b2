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

package cmd

import (
	"context"
	"fmt"

	"github.com/gostor/goiscsi/pkg/api/client"
	"github.com/gostor/goiscsi/pkg/version"
	"github.com/spf13/cobra"
)

func newVersionCommand(cli *client.Client) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of goiscsi",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NoArgs(cmd, args); err != nil {
				return err
			}
			v := version.Info()
			fmt.Printf("Client:\n Version:    %s\n Git commit: %s\n Go version: %s\n", v.Version, v.GitCommit, v.GoVersion)
			sv, err := cli.ServerVersion(context.Background())
			if err != nil {
				fmt.Printf("Server: %v\n", err)
				return nil
			}
			fmt.Printf("Server:\n Version:    %s\n Git commit: %s\n Go version: %s\n", sv.Version, sv.GitCommit, sv.GoVersion)
			return nil
		},
	}
	return cmd
}
