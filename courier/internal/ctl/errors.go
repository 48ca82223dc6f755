package ctl

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/output"
)

func (a *app) errorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show internal errors recorded by agents",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent errors of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			entries, err := a.agent("").Errors(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 && p.Format() == output.FormatTable {
				p.Info("No errors recorded")
				return nil
			}
			return p.Print(entries, func() *output.Table {
				t := output.NewTable("AT", "CODE", "MESSAGE")
				for _, e := range entries {
					t.AddRow(e.At.UTC().Format("2006-01-02 15:04:05"), string(e.Code), e.Message)
				}
				return t
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")

	var redisURL, instance string
	counts := &cobra.Command{
		Use:   "counts",
		Short: "Show cumulative error counts exported to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			if instance == "" {
				return fmt.Errorf("--instance is required")
			}
			if redisURL == "" {
				redisURL = a.cfg.Diagnostics.Redis.URL
			}
			client, err := diagnostics.DialRedis(cmd.Context(), redisURL)
			if err != nil {
				return err
			}
			defer client.Close()

			counts, err := diagnostics.ReadCounts(cmd.Context(), client, instance)
			if err != nil {
				return err
			}
			view := make(map[string]int64, len(counts))
			codes := make([]string, 0, len(counts))
			for code, n := range counts {
				view[string(code)] = n
				codes = append(codes, string(code))
			}
			sort.Strings(codes)
			return p.Print(view, func() *output.Table {
				t := output.NewTable("CODE", "COUNT", "RECOVERABLE")
				for _, c := range codes {
					code := diagnostics.Code(c)
					t.AddRow(c, strconv.FormatInt(view[c], 10), strconv.FormatBool(code.Recoverable()))
				}
				return t
			})
		},
	}
	counts.Flags().StringVar(&redisURL, "redis", "", "Redis URL (default: diagnostics.redis.url from config)")
	counts.Flags().StringVar(&instance, "instance", "", "agent instance (process) id")

	cmd.AddCommand(recent, counts)
	return cmd
}
