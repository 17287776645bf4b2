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

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/api/client"
	"github.com/spf13/cobra"
)

func newLogoutCommand(cli *client.Client) *cobra.Command {
	var force bool
	var cmd = &cobra.Command{
		Use:   "logout TSIH",
		Short: "End a session",
		Long: `Ask the initiator of a session to log out. The session is dropped
when the initiator does not comply in time, or at once with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tsih, err := parseTSIH(args[0])
			if err != nil {
				return err
			}
			mode := api.LogoutAsync
			if force {
				mode = api.LogoutForce
			}
			return logoutSession(cli, tsih, mode)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Drop the session without asking the initiator")
	return cmd
}

func logoutSession(cli *client.Client, tsih uint16, mode api.LogoutMode) error {
	if err := cli.SessionLogout(context.Background(), tsih, mode); err != nil {
		return err
	}
	if mode == api.LogoutForce {
		fmt.Printf("Session %d successfully removed\n", tsih)
	} else {
		fmt.Printf("Session %d asked to log out\n", tsih)
	}
	return nil
}
