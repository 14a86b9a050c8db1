package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visadoc/internal/model"
)

var (
	docsAppID string
	docsType  string
	docsFile  string
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Register and list uploaded documents",
}

var docsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register the OCR text of an uploaded document",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(docsFile)
		if err != nil {
			return eris.Wrap(err, "read document text")
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		doc, err := env.Analysis.AddDocument(cmd.Context(), model.UploadedDocument{
			ApplicationID: docsAppID,
			DocType:       docsType,
			Filename:      filepath.Base(docsFile),
			Text:          string(text),
		})
		if err != nil {
			return err
		}
		doc.Text = ""
		return printJSON(cmd, doc)
	},
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an application's uploaded documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := env.Analysis.Documents(cmd.Context(), docsAppID)
		if err != nil {
			return err
		}
		for i := range docs {
			docs[i].Text = ""
		}
		if docs == nil {
			docs = []model.UploadedDocument{}
		}
		return printJSON(cmd, docs)
	},
}

func init() {
	docsCmd.PersistentFlags().StringVar(&docsAppID, "app", "", "application ID")
	_ = docsCmd.MarkPersistentFlagRequired("app")

	docsAddCmd.Flags().StringVar(&docsType, "type", "", "catalog document type")
	docsAddCmd.Flags().StringVar(&docsFile, "file", "", "path to the extracted document text")
	_ = docsAddCmd.MarkFlagRequired("type")
	_ = docsAddCmd.MarkFlagRequired("file")

	docsCmd.AddCommand(docsAddCmd, docsListCmd)
	rootCmd.AddCommand(docsCmd)
}
