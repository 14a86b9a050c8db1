package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/export"
)

var (
	exportAppID string
	exportOut   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an application's fields to an XLSX or CSV file",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.FormatOf(exportOut)
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		fields, err := env.Store.GetFields(cmd.Context(), exportAppID)
		if err != nil {
			return err
		}
		rows := export.Rows(env.Catalog, fields)

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrap(err, "create export file")
		}
		if err := export.Write(f, format, rows); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "close export file")
		}

		zap.L().Info("fields exported",
			zap.String("application_id", exportAppID),
			zap.String("path", exportOut),
			zap.Int("rows", len(rows)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAppID, "app", "", "application ID")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (.xlsx or .csv)")
	_ = exportCmd.MarkFlagRequired("app")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}
