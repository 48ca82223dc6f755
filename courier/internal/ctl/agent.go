package ctl

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/courier/internal/output"
)

func (a *app) connectivityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectivity",
		Short: "Show or change the agent's network status",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			status, err := a.agent("").GetConnectivity()
			if err != nil {
				return err
			}
			return p.Print(status, func() *output.Table {
				t := output.NewTable("STATUS", "REACHABLE")
				t.AddRow(status.Status, fmt.Sprint(status.Reachable))
				return t
			})
		},
	}

	set := &cobra.Command{
		Use:       "set <unknown|unreachable|wifi|cellular>",
		Short:     "Report a connectivity change",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"unknown", "unreachable", "wifi", "cellular"},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			status, err := a.agent("").SetConnectivity(args[0])
			if err != nil {
				return err
			}
			return p.Print(status, func() *output.Table {
				t := output.NewTable("STATUS", "REACHABLE")
				t.AddRow(status.Status, fmt.Sprint(status.Reachable))
				return t
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func (a *app) gateCommand() *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "gate <payload-type>",
		Short: "Hold delivery of a payload type until released",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.agent("").SetGate(args[0], !release); err != nil {
				return err
			}
			state := "held"
			if release {
				state = "released"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivery of %s payloads %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "release a previously held type")
	return cmd
}

func (a *app) flushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Request an immediate delivery pass and retry replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.agent("").Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Delivery scheduled")
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show agent statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			stats, err := a.agent("").Stats()
			if err != nil {
				return err
			}
			return p.Print(stats, func() *output.Table {
				t := output.NewTable("SECTION", "KEY", "VALUE")
				sections := make([]string, 0, len(stats))
				for name := range stats {
					sections = append(sections, name)
				}
				sort.Strings(sections)
				for _, name := range sections {
					section, ok := stats[name].(map[string]interface{})
					if !ok {
						t.AddRow(name, "", fmt.Sprint(stats[name]))
						continue
					}
					keys := make([]string, 0, len(section))
					for k := range section {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						t.AddRow(name, k, fmt.Sprint(section[k]))
					}
				}
				return t
			})
		},
	}
}
