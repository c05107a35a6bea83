// Copyright 2018 Capsule8, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/capsule8/ftrace/pkg/ftrace/controller"
)

func newEventsCommand(e *env) *cobra.Command {
	var fields bool

	cmd := &cobra.Command{
		Use:   "events [group...]",
		Short: "List the events the translation table knows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			return listEvents(e, c, args, fields)
		},
	}
	cmd.Flags().BoolVar(&fields, "fields", false, "also list each event's translated fields")
	return cmd
}

func listEvents(e *env, c *controller.Controller, groups []string, fields bool) error {
	table := c.Table()
	table.RLock()
	defer table.RUnlock()

	if len(groups) == 0 {
		groups = table.SortedGroups()
	}

	tw := tabwriter.NewWriter(e.out, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tSIZE")
	for _, group := range groups {
		for _, event := range table.EventsByGroup(group) {
			fmt.Fprintf(tw, "%d\t%s/%s\t%d\n", event.FtraceEventID,
				event.Group, event.Name, event.Size)
			if !fields {
				continue
			}
			for _, f := range event.Fields {
				fmt.Fprintf(tw, "\t  %s\t%s\toffset:%d size:%d -> %s(%d)\n",
					f.FtraceName, f.FtraceType, f.FtraceOffset, f.FtraceSize,
					f.ProtoFieldType, f.ProtoFieldID)
			}
		}
	}
	return tw.Flush()
}

func newStatsCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-CPU ring buffer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.controller()
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.CPUStats()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(e.out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			tw := tabwriter.NewWriter(e.out, 0, 8, 1, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "CPU\tENTRIES\tOVERRUN\tCOMMIT_OVERRUN\tBYTES\tDROPPED\tREAD\t")
			for _, s := range stats {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n", s.CPU, s.Entries,
					s.Overrun, s.CommitOverrun, s.Bytes, s.DroppedEvents, s.ReadEvents)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newResetCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Stop tracing, disable every event and shrink and clear the buffers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.HardReset()
		},
	}
}

func newMarkerCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "marker <text...>",
		Short: "Write text into the trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.WriteTraceMarker(strings.Join(args, " "))
		},
	}
}
