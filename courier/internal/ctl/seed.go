package ctl

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/courier/internal/seed"
)

type seedOptions struct {
	sessions  int
	snapshots int
	logs      int
	batch     int
	crashes   int
	processID string
	seed      int64
}

func (a *app) seedCommand() *cobra.Command {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Submit generated envelopes to a running agent",
		Long: `Generate realistic sessions, logs and crashes and submit them to the agent.

Crashes are attributed to the last snapshot submitted, if any, and are
reconciled when the agent next starts.

Examples:
  courierctl seed --sessions 20 --logs 50
  courierctl seed --snapshots 1 --crashes 1 --process-id run-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSeed(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.sessions, "sessions", 10, "complete sessions to submit")
	cmd.Flags().IntVar(&opts.snapshots, "snapshots", 0, "session snapshots to submit")
	cmd.Flags().IntVar(&opts.logs, "logs", 10, "log batches to submit")
	cmd.Flags().IntVar(&opts.batch, "batch-size", 5, "records per log batch")
	cmd.Flags().IntVar(&opts.crashes, "crashes", 0, "native crashes to submit")
	cmd.Flags().StringVar(&opts.processID, "process-id", "", "process id to submit under (default: the agent's)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}

func (a *app) runSeed(cmd *cobra.Command, opts seedOptions) error {
	if opts.batch <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	gen := seed.NewGenerator(opts.seed, time.Now)
	agent := a.agent(opts.processID)
	out := cmd.OutOrStdout()

	submitted := 0
	for i := 0; i < opts.sessions; i++ {
		if _, err := agent.SubmitSession(gen.Session(true), true); err != nil {
			return fmt.Errorf("submit session: %w", err)
		}
		submitted++
	}

	lastSnapshot := ""
	for i := 0; i < opts.snapshots; i++ {
		env := gen.Session(false)
		if _, err := agent.SubmitSession(env, false); err != nil {
			return fmt.Errorf("submit snapshot: %w", err)
		}
		lastSnapshot = env.Data.SessionID
		submitted++
	}

	for i := 0; i < opts.logs; i++ {
		if _, err := agent.SubmitLogs(gen.Logs(opts.batch)); err != nil {
			return fmt.Errorf("submit logs: %w", err)
		}
		submitted++
	}

	for i := 0; i < opts.crashes; i++ {
		if _, err := agent.SubmitCrash(gen.Crash(lastSnapshot)); err != nil {
			return fmt.Errorf("submit crash: %w", err)
		}
		submitted++
	}

	fmt.Fprintf(out, "Submitted %d envelope(s) to %s\n", submitted, a.agentURL)
	return nil
}
