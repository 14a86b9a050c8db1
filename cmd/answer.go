package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/visadoc/internal/export"
	"github.com/sells-group/visadoc/internal/tracker"
)

var (
	answerAppID string
	answerKey   string
	answerValue string
	answerFile  string
)

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Save a questionnaire answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Tracker.SaveAll(cmd.Context(), answerAppID, []tracker.Answer{{Key: answerKey, Answer: answerValue}})
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return res.Errors
		}
		return printJSON(cmd, res)
	},
}

var answerImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Save answers from a two-column (key, answer) XLSX or CSV sheet",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := export.Import(cmd.Context(), env.Tracker, answerAppID, answerFile)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	answerCmd.PersistentFlags().StringVar(&answerAppID, "app", "", "application ID")
	_ = answerCmd.MarkPersistentFlagRequired("app")

	answerCmd.Flags().StringVar(&answerKey, "key", "", "field key")
	answerCmd.Flags().StringVar(&answerValue, "value", "", "answer")
	_ = answerCmd.MarkFlagRequired("key")

	answerImportCmd.Flags().StringVar(&answerFile, "file", "", "answer sheet (.xlsx or .csv)")
	_ = answerImportCmd.MarkFlagRequired("file")

	answerCmd.AddCommand(answerImportCmd)
	rootCmd.AddCommand(answerCmd)
}
