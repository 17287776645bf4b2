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
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gostor/goiscsi/pkg/api"
	"github.com/gostor/goiscsi/pkg/api/client"
	"github.com/spf13/cobra"
)

func newListCommand(cli *client.Client) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "list",
		Short: "List object(s)",
		Long:  `List the targets or the sessions of the goiscsi daemon`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(cmd.UsageString())
		},
	}
	cmd.AddCommand(
		newListTargetCmd(cli),
		newListSessionCmd(cli),
	)
	return cmd
}

func newListTargetCmd(cli *client.Client) *cobra.Command {
	var verbose bool
	var cmd = &cobra.Command{
		Use:   "target [NAME]",
		Short: "List target(s) of goiscsi",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			var targets []api.Target
			if len(args) == 1 {
				t, err := cli.TargetInspect(ctx, args[0])
				if err != nil {
					return err
				}
				targets = append(targets, t)
			} else {
				var err error
				if targets, err = cli.TargetList(ctx); err != nil {
					return err
				}
			}
			return printTargets(os.Stdout, targets, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show the LUNs of each target")
	return cmd
}

func newListSessionCmd(cli *client.Client) *cobra.Command {
	var target string
	var verbose bool
	var cmd = &cobra.Command{
		Use:   "session [TSIH]",
		Short: "List session(s) of goiscsi",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if len(args) == 1 {
				tsih, err := parseTSIH(args[0])
				if err != nil {
					return err
				}
				s, err := cli.SessionInspect(ctx, tsih)
				if err != nil {
					return err
				}
				return printSessions(os.Stdout, []api.Session{s}, true)
			}
			sessions, err := cli.SessionList(ctx, target)
			if err != nil {
				return err
			}
			return printSessions(os.Stdout, sessions, verbose)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&target, "target", "", "Only sessions of this target")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Show connections and negotiated parameters")
	return cmd
}

func parseTSIH(s string) (uint16, error) {
	tsih, err := strconv.ParseUint(s, 0, 16)
	if err != nil || tsih == 0 {
		return 0, fmt.Errorf("bad TSIH %q", s)
	}
	return uint16(tsih), nil
}

func printTargets(out io.Writer, targets []api.Target, verbose bool) error {
	w := tabwriter.NewWriter(out, 20, 1, 3, ' ', 0)
	fmt.Fprintln(w, "TARGET NAME\tTPGT\tALIAS\tLUNS\tSESSIONS")
	for _, tgt := range targets {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", tgt.Name, tgt.TPGT, tgt.Alias, len(tgt.LUNs), len(tgt.Sessions))
		if !verbose {
			continue
		}
		for _, lun := range tgt.LUNs {
			fmt.Fprintf(w, "  LUN %d\t%s\t%s\t%s\t\n", lun.LUN, lun.Class, lun.Store, lun.Path)
		}
	}
	return w.Flush()
}

func printSessions(out io.Writer, sessions []api.Session, verbose bool) error {
	w := tabwriter.NewWriter(out, 8, 1, 3, ' ', 0)
	fmt.Fprintln(w, "TSIH\tTYPE\tINITIATOR\tTARGET\tCONNECTIONS\tTASKS\tCOMMANDS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\n", s.TSIH, s.Type, s.InitiatorName, s.TargetName,
			len(s.Connections), s.Tasks, s.Stats.Commands)
		if !verbose {
			continue
		}
		fmt.Fprintf(w, "  ISID %s\tITNexus %s\tExpCmdSN %d\tMaxCmdSN %d\t\t\t\n", s.ISID, s.ITNexus, s.ExpCmdSN, s.MaxCmdSN)
		for _, c := range s.Connections {
			fmt.Fprintf(w, "  CID %d\t%s\t%s -> %s\tStatSN %d\t\t\t\n", c.CID, c.State, c.RemoteAddr, c.LocalAddr, c.StatSN)
		}
		keys := make([]string, 0, len(s.Params))
		for k := range s.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var params []string
		for _, k := range keys {
			params = append(params, k+"="+s.Params[k])
		}
		if len(params) > 0 {
			fmt.Fprintf(w, "  %s\t\t\t\t\t\t\n", strings.Join(params, " "))
		}
	}
	return w.Flush()
}
