package ctl

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/courier/internal/output"
	"github.com/telhawk-systems/courier/courier/internal/retry"
)

// pendingRequest is the listing view of a queued request; bodies are omitted.
type pendingRequest struct {
	Seq         uint64 `json:"seq" yaml:"seq"`
	ID          string `json:"id" yaml:"id"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	PayloadKey  string `json:"payload_key,omitempty" yaml:"payload_key,omitempty"`
	Bytes       int    `json:"bytes" yaml:"bytes"`
	Attempts    int    `json:"attempts" yaml:"attempts"`
	CreatedAt   int64  `json:"created_at" yaml:"created_at"`
	LastAttempt int64  `json:"last_attempt,omitempty" yaml:"last_attempt,omitempty"`
	LastError   string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func (a *app) retryCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect the pending delivery queue",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "retry queue directory (default: retry.dir from config)")

	open := func(cmd *cobra.Command) (*retry.Queue, error) {
		if dir == "" {
			dir = a.cfg.Retry.Dir
		}
		return retry.Open(cmd.Context(), retry.Config{
			Dir:         dir,
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			Logger:      a.logger(cmd),
		})
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued requests oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			q, err := open(cmd)
			if err != nil {
				return err
			}
			reqs, err := q.Pending(cmd.Context())
			if err != nil {
				return err
			}
			view := make([]pendingRequest, 0, len(reqs))
			for _, r := range reqs {
				view = append(view, pendingRequest{
					Seq:         r.Seq,
					ID:          r.ID,
					Endpoint:    string(r.Endpoint),
					PayloadKey:  r.PayloadKey,
					Bytes:       len(r.Body),
					Attempts:    r.Attempts,
					CreatedAt:   r.CreatedAt,
					LastAttempt: r.LastAttempt,
					LastError:   r.LastError,
				})
			}
			err = p.Print(view, func() *output.Table {
				t := output.NewTable("SEQ", "ENDPOINT", "ATTEMPTS", "BYTES", "CREATED", "LAST ERROR")
				for _, r := range view {
					t.AddRow(
						strconv.FormatUint(r.Seq, 10),
						r.Endpoint,
						fmt.Sprintf("%d/%d", r.Attempts, a.cfg.Retry.MaxAttempts),
						strconv.Itoa(r.Bytes),
						time.UnixMilli(r.CreatedAt).UTC().Format(time.RFC3339),
						r.LastError,
					)
				}
				return t
			})
			if err != nil {
				return err
			}
			p.Info("\n%d request(s) pending", len(view))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <seq>",
		Short: "Drop one queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q", args[0])
			}
			q, err := open(cmd)
			if err != nil {
				return err
			}
			before := q.Len()
			q.Remove(seq)
			if q.Len() == before {
				return fmt.Errorf("no pending request with sequence %d", seq)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed request %d\n", seq)
			return nil
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop every queued request",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := open(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d request(s)\n", q.Purge())
			return nil
		},
	}

	cmd.AddCommand(list, remove, purge)
	return cmd
}
