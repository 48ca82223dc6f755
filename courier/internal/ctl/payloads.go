package ctl

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/courier/courier/internal/envelope"
	"github.com/telhawk-systems/courier/courier/internal/output"
	"github.com/telhawk-systems/courier/courier/internal/payload"
	"github.com/telhawk-systems/courier/courier/internal/prune"
	"github.com/telhawk-systems/courier/courier/internal/storage"
)

func (a *app) payloadsCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "payloads",
		Short: "Inspect the durable payload store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "storage directory (default: storage.dir from config)")

	open := func(cmd *cobra.Command) (*storage.Store, error) {
		if dir == "" {
			dir = a.cfg.Storage.Dir
		}
		return storage.Open(dir, a.logger(cmd), nil)
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored payloads in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			store, err := open(cmd)
			if err != nil {
				return err
			}
			metas, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list payloads: %w", err)
			}
			payload.SortForDelivery(metas)

			err = p.Print(metas, func() *output.Table {
				t := output.NewTable("CREATED", "PRIORITY", "ENVELOPE", "TYPE", "UUID", "PROCESS", "COMPLETE")
				for _, m := range metas {
					t.AddRow(
						time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339),
						m.Priority().String(),
						string(m.EnvelopeType),
						string(m.PayloadType),
						m.UUID,
						m.ProcessID,
						strconv.FormatBool(m.Complete),
					)
				}
				return t
			})
			if err != nil {
				return err
			}
			p.Info("\n%d payload(s) in %s", len(metas), store.Root())
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the decoded envelope stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := payload.Decode(args[0])
			if err != nil {
				return err
			}
			store, err := open(cmd)
			if err != nil {
				return err
			}
			blob, err := store.Load(cmd.Context(), meta)
			if err != nil {
				return err
			}
			var env map[string]interface{}
			if err := envelope.Unmarshal(blob, &env); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			f, err := output.ParseFormat(a.format)
			if err != nil {
				return err
			}
			if f == output.FormatTable {
				f = output.FormatJSON
			}
			return output.NewPrinter(cmd.OutOrStdout(), f).Print(env, nil)
		},
	}

	var ceiling int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict the lowest-priority payloads down to a ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			if ceiling < 0 {
				ceiling = a.cfg.Storage.MaxPayloads
			}
			store, err := open(cmd)
			if err != nil {
				return err
			}
			pruner, err := prune.New(store, ceiling, a.logger(cmd))
			if err != nil {
				return err
			}
			evicted, err := pruner.Prune(cmd.Context())
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			keys := make([]string, 0, len(evicted))
			for _, m := range evicted {
				keys = append(keys, m.Key())
			}
			err = p.Print(keys, func() *output.Table {
				t := output.NewTable("EVICTED")
				for _, k := range keys {
					t.AddRow(k)
				}
				return t
			})
			if err != nil {
				return err
			}
			p.Info("\n%d payload(s) evicted, ceiling %d", len(keys), pruner.Ceiling())
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&ceiling, "max", -1, "payload ceiling (default: storage.max_payloads from config)")

	cmd.AddCommand(list, show, pruneCmd)
	return cmd
}
