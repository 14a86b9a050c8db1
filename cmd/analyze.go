package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	analyzeAppID     string
	analyzeReanalyze bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run an analysis session over an application's documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Analysis.Analyze(cmd.Context(), analyzeAppID, analyzeReanalyze)
		if sess != nil {
			if perr := printJSON(cmd, sess); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}

		zap.L().Info("analysis complete",
			zap.String("application_id", analyzeAppID),
			zap.Float64("completeness_score", sess.CompletenessScore),
		)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeAppID, "app", "", "application ID")
	analyzeCmd.Flags().BoolVar(&analyzeReanalyze, "reanalyze", false, "let new extractions replace existing values")
	_ = analyzeCmd.MarkFlagRequired("app")
	rootCmd.AddCommand(analyzeCmd)
}
