package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"adlib/internal/daemon"
	"adlib/internal/executor"
	"adlib/internal/history"
	"adlib/internal/logging"
	"adlib/internal/mailbox"
	"adlib/internal/prepare"
)

func newRunCommand(cctx *commandContext) *cobra.Command {
	var (
		historyPath     string
		historyDB       string
		workerID        string
		pollSeconds     int
		executorFlags   string
		decisionRetries int
	)

	cmd := &cobra.Command{
		Use:   "run <workspace_root> <source_dir>",
		Short: "Run the decision daemon for one worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := cctx.logger()
			if err != nil {
				return err
			}

			workerRoot, sourceDir := args[0], args[1]

			globalPath := firstNonEmpty(historyDB, historyPath, cfg.Paths.HistoryPath)
			if globalPath == "" {
				return errors.New("a history location is required (--history or --history-db)")
			}

			if workerID == "" {
				workerID = "worker-" + uuid.NewString()[:8]
			}
			logger = logger.With(logging.String(logging.FieldWorkerID, workerID))

			tree, err := prepare.Pull(sourceDir, workerRoot, globalPath, logger)
			if err != nil {
				return err
			}

			lockTimeout := time.Duration(cfg.Workflow.LockTimeoutSeconds) * time.Second
			store, err := history.Open(globalPath, lockTimeout)
			if err != nil {
				return err
			}
			defer store.Close()

			local := history.NewFileStore(tree.LocalHistory, lockTimeout)
			defer local.Close()

			box, err := mailbox.Open(tree.Inbox, tree.Outbox, logger)
			if err != nil {
				return err
			}

			flags := cfg.Executor.Flags
			if executorFlags != "" {
				flags = executorFlags
			}
			conductor := executor.NewConductor(
				executor.WithBinary(cfg.Executor.Binary),
				executor.WithFlags(strings.Fields(flags)),
				executor.WithSrun(cfg.Executor.Srun),
				executor.WithLogger(logger),
			)

			interval := time.Duration(cfg.Workflow.PollSeconds) * time.Second
			if pollSeconds > 0 {
				interval = time.Duration(pollSeconds) * time.Second
			}
			retries := cfg.Workflow.DecisionRetries
			if decisionRetries > 0 {
				retries = decisionRetries
			}

			loop, err := daemon.New(daemon.Options{
				Tree:            tree,
				Store:           store,
				Local:           local,
				Mailbox:         box,
				Executor:        conductor,
				HistoryPath:     globalPath,
				WorkerID:        workerID,
				PollInterval:    interval,
				DecisionRetries: retries,
				StoreAttempts:   cfg.Workflow.ConflictRetries,
				Logger:          logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := loop.Run(ctx); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&historyPath, "history", "", "Path to the shared history file")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "Path to the shared history SQLite database")
	cmd.Flags().StringVar(&workerID, "id", "", "Worker identity recorded as requester")
	cmd.Flags().IntVar(&pollSeconds, "poll-seconds", 0, "Polling interval in seconds")
	cmd.Flags().StringVar(&executorFlags, "executor-flags", "", "Extra flags passed to the executor binary")
	cmd.Flags().IntVar(&decisionRetries, "decision-retries", 0, "Retries before a failing decision study is fatal")

	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
