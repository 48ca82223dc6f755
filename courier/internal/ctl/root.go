// Package ctl implements the courierctl command tree.
package ctl

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/client"
	"github.com/telhawk-systems/courier/courier/internal/config"
	"github.com/telhawk-systems/courier/courier/internal/output"
)

// app carries the state shared by every subcommand.
type app struct {
	cfgFile  string
	agentURL string
	format   string
	verbose  bool

	cfg *config.Config
}

// NewRootCommand builds the courierctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "courierctl",
		Short: "Courier agent administration",
		Long: `courierctl inspects and drives a courier agent.

Offline commands (payloads, retry) read the agent's storage directories
directly. Online commands (connectivity, gate, flush, stats, errors, seed)
talk to a running agent over its HTTP API.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "courier config file (default: ./config.yaml or /etc/courier/config.yaml)")
	root.PersistentFlags().StringVar(&a.agentURL, "agent", "", "agent API URL (default: http://localhost:<server.port>)")
	root.PersistentFlags().StringVarP(&a.format, "output", "o", "table", "output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		a.payloadsCommand(),
		a.retryCommand(),
		a.errorsCommand(),
		a.connectivityCommand(),
		a.gateCommand(),
		a.flushCommand(),
		a.statsCommand(),
		a.seedCommand(),
	)
	return root
}

// Execute runs courierctl with os.Args.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	if a.agentURL == "" {
		a.agentURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return nil
}

func (a *app) printer(cmd *cobra.Command) (*output.Printer, error) {
	f, err := output.ParseFormat(a.format)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), f), nil
}

// logger writes to stderr at debug level with -v and stays quiet otherwise.
func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	return logging.NewWithWriter(cmd.ErrOrStderr(), level, "text").Component("courierctl")
}

func (a *app) agent(processID string) *client.AgentClient {
	return client.NewAgentClient(a.agentURL, processID)
}
