package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"adlib/internal/mailbox"
	"adlib/internal/menu"
	"adlib/internal/study"
)

func newMenuCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Expand and pick from a study menu",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newMenuShowCommand(cctx))
	cmd.AddCommand(newMenuPickCommand(cctx))
	return cmd
}

func newMenuShowCommand(cctx *commandContext) *cobra.Command {
	var historyPath string

	cmd := &cobra.Command{
		Use:   "show <menu>",
		Short: "List the candidates a menu permits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := loadCandidates(cctx, cmd, args[0], historyPath)
			if err != nil {
				return err
			}

			headers := []string{"NAME", "KIND", "PARAMETERS"}
			rows := make([][]string, 0, len(candidates))
			for _, c := range candidates {
				rows = append(rows, []string{c.Name, c.Kind, formatResults(c.Parameters)})
			}
			cmd.Println(renderRows(headers, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&historyPath, "history", "", "Filter out candidates already in this history")
	return cmd
}

// newMenuPickCommand deposits fresh study requests into an inbox. Decision
// studies shell out to this to turn menu candidates into queued work.
func newMenuPickCommand(cctx *commandContext) *cobra.Command {
	var (
		historyPath string
		limit       int
		seed        int64
	)

	cmd := &cobra.Command{
		Use:   "pick <menu> <studies_dir> <inbox>",
		Short: "Pick unrun menu candidates and deposit them as study requests",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			menuPath, studiesDir, inboxDir := args[0], args[1], args[2]

			candidates, err := loadCandidates(cctx, cmd, menuPath, historyPath)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}

			if cmd.Flags().Changed("seed") {
				rng := rand.New(rand.NewSource(seed))
				rng.Shuffle(len(candidates), func(i, j int) {
					candidates[i], candidates[j] = candidates[j], candidates[i]
				})
			}
			if limit > 0 && len(candidates) > limit {
				candidates = candidates[:limit]
			}

			for _, c := range candidates {
				spec, err := instantiate(studiesDir, c)
				if err != nil {
					return err
				}
				if err := mailbox.Deposit(inboxDir, spec); err != nil {
					return err
				}
				cmd.Println(spec.FileName())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&historyPath, "history", "", "Skip candidates already in this history")
	cmd.Flags().IntVar(&limit, "limit", 1, "Maximum number of requests to deposit (0 for all)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Shuffle candidates with this seed before picking")
	return cmd
}

func loadCandidates(cctx *commandContext, cmd *cobra.Command, menuPath, historyPath string) ([]menu.Candidate, error) {
	m, err := menu.Load(cmd.Context(), menuPath)
	if err != nil {
		return nil, err
	}
	candidates := m.Expand()
	if historyPath == "" {
		return candidates, nil
	}

	store, err := openStore(cctx, historyPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	snapshot, err := store.Read(cmd.Context())
	if err != nil {
		return nil, err
	}
	return menu.Remove(candidates, snapshot), nil
}

// instantiate binds one candidate against its template study. Templates live
// in the studies directory under <kind>.yaml, falling back to the menu entry
// name.
func instantiate(studiesDir string, c menu.Candidate) (*study.Spec, error) {
	template, err := findTemplate(studiesDir, c)
	if err != nil {
		return nil, err
	}
	spec, err := template.Clone(requestID(c.Kind))
	if err != nil {
		return nil, err
	}
	spec.Kind = c.Kind
	spec.SetParameters(c.Parameters)
	return spec, nil
}

func findTemplate(studiesDir string, c menu.Candidate) (*study.Spec, error) {
	names := []string{c.Kind}
	if c.Name != "" && c.Name != c.Kind {
		names = append(names, c.Name)
	}
	for _, name := range names {
		spec, err := study.ReadFile(filepath.Join(studiesDir, name+".yaml"))
		if err == nil {
			return spec, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no template for %s in %s", c.Kind, studiesDir)
}

func requestID(kind string) string {
	return kind + "-" + uuid.NewString()[:8]
}
