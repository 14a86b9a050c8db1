package main

import (
	"github.com/spf13/cobra"
)

var (
	questionsAppID        string
	questionsProgressOnly bool
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Show the open questions and progress of an application",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Tracker.Questions(cmd.Context(), questionsAppID)
		if err != nil {
			return err
		}
		if questionsProgressOnly {
			return printJSON(cmd, snap.Progress)
		}
		return printJSON(cmd, snap)
	},
}

func init() {
	questionsCmd.Flags().StringVar(&questionsAppID, "app", "", "application ID")
	questionsCmd.Flags().BoolVar(&questionsProgressOnly, "progress", false, "print only progress")
	_ = questionsCmd.MarkFlagRequired("app")
	rootCmd.AddCommand(questionsCmd)
}
