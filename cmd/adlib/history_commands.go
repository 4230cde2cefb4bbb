package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"adlib/internal/history"
)

func newHistoryCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manipulate history stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newHistoryAppendCommand(cctx))
	cmd.AddCommand(newHistoryCheckCommand(cctx))
	cmd.AddCommand(newHistoryShowCommand(cctx))
	cmd.AddCommand(newHistoryCopyCommand(cctx))
	return cmd
}

type runDescriptors struct {
	Kind       string            `yaml:"kind"`
	Parameters map[string]string `yaml:"parameters"`
}

func newHistoryAppendCommand(cctx *commandContext) *cobra.Command {
	var resultYAML string

	cmd := &cobra.Command{
		Use:   "append <history> <id> <descriptors-yaml> <status>",
		Short: "Append or update one history record",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			status, ok := history.ParseStatus(args[3])
			if !ok {
				return fmt.Errorf("unknown status %q (want one of %s)",
					args[3], statusNames())
			}

			var desc runDescriptors
			if err := yaml.Unmarshal([]byte(args[2]), &desc); err != nil {
				return fmt.Errorf("parse descriptors: %w", err)
			}
			var results map[string]string
			if resultYAML != "" {
				if err := yaml.Unmarshal([]byte(resultYAML), &results); err != nil {
					return fmt.Errorf("parse result: %w", err)
				}
			}

			rec := history.Record{
				ID:         args[1],
				Kind:       desc.Kind,
				Parameters: desc.Parameters,
				Status:     status,
				Submitted:  time.Now().UTC(),
				Results:    results,
			}
			err = store.Append(cmd.Context(), rec)
			if errors.Is(err, history.ErrConflict) {
				// The record exists with older content; advance it by
				// status precedence instead.
				return history.Advance(cmd.Context(), store, rec.ID, status, results)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&resultYAML, "result", "r", "", "Results as inline YAML (terminal statuses)")
	return cmd
}

func newHistoryCheckCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <history> <id> <status>",
		Short: "Exit 0 iff the record has the given status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			status, ok := history.ParseStatus(args[2])
			if !ok {
				return fmt.Errorf("unknown status %q (want one of %s)",
					args[2], statusNames())
			}

			snapshot, err := store.Read(cmd.Context())
			if err != nil {
				return err
			}
			rec, ok := snapshot[args[1]]
			if !ok {
				return fmt.Errorf("no record for %s", args[1])
			}
			if rec.Status != status {
				return fmt.Errorf("%s is %s, not %s", args[1], rec.Status, status)
			}
			return nil
		},
	}
}

func newHistoryShowCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <history>",
		Short: "Render the history as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cctx, args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			snapshot, err := store.Read(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "STATUS", "SUBMITTED", "FINISHED", "RESULTS"}
			rows := make([][]string, 0, len(snapshot))
			for _, id := range snapshot.IDs() {
				rec := snapshot[id]
				rows = append(rows, []string{
					rec.ID,
					rec.Kind,
					string(rec.Status),
					formatTime(rec.Submitted),
					formatTimePtr(rec.Finished),
					formatResults(rec.Results),
				})
			}
			cmd.Println(renderRows(headers, rows))
			return nil
		},
	}
}

func newHistoryCopyCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy every record between history backends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openStore(cctx, args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := openStore(cctx, args[1])
			if err != nil {
				return err
			}
			defer dst.Close()

			snapshot, err := src.Read(cmd.Context())
			if err != nil {
				return err
			}

			switch s := dst.(type) {
			case *history.FileStore:
				err = s.Load(cmd.Context(), snapshot)
			case *history.SQLStore:
				err = s.Load(cmd.Context(), snapshot)
			default:
				for _, id := range snapshot.IDs() {
					if err = dst.Append(cmd.Context(), snapshot[id]); err != nil {
						break
					}
				}
			}
			if err != nil {
				return err
			}
			cmd.Printf("copied %d records\n", len(snapshot))
			return nil
		},
	}
}

func openStore(cctx *commandContext, path string) (history.Store, error) {
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	lockTimeout := time.Duration(cfg.Workflow.LockTimeoutSeconds) * time.Second
	return history.Open(path, lockTimeout)
}

func statusNames() string {
	all := history.AllStatuses()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatResults(results map[string]string) string {
	if len(results) == 0 {
		return ""
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + results[k]
	}
	return strings.Join(parts, " ")
}
