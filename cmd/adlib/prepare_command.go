package main

import (
	"github.com/spf13/cobra"

	"adlib/internal/logging"
	"adlib/internal/prepare"
)

func newPrepareCommand(cctx *commandContext) *cobra.Command {
	var (
		workerID      string
		outputDir     string
		decisionFiles []string
		studyFiles    []string
	)

	cmd := &cobra.Command{
		Use:   "prepare <decision_study> <menu> <studies_dir>",
		Short: "Build a worker source tree from a decision study, menu, and templates",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cctx.logger()
			if err != nil {
				return err
			}
			if workerID != "" {
				logger = logger.With(logging.String(logging.FieldWorkerID, workerID))
			}

			sourceDir, err := prepare.Push(prepare.PushOptions{
				DecisionStudy: args[0],
				Menu:          args[1],
				StudiesDir:    args[2],
				DecisionFiles: decisionFiles,
				StudyFiles:    studyFiles,
				OutputDir:     outputDir,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			cmd.Println(sourceDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "Worker identity, used for log attribution")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory receiving the source tree")
	cmd.Flags().StringSliceVar(&decisionFiles, "decision-files", nil, "Extra files the decision study depends on")
	cmd.Flags().StringSliceVar(&studyFiles, "study-files", nil, "Extra files the experimental studies depend on")

	return cmd
}
