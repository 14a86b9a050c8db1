package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/visadoc/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the requirement catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List document types and the fields they need",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := initCatalog()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tGENERATED\tFIELDS\tNAME")
		for _, d := range cat.AllDocumentTypes() {
			fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", d.TypeID, d.CanBeGenerated, len(d.FieldKeys), d.DisplayName)
		}
		return w.Flush()
	},
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file (default: the configured catalog)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cat *catalog.Catalog
			err error
		)
		if len(args) == 1 {
			cat, err = catalog.LoadFile(args[0])
		} else {
			cat, err = initCatalog()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d fields, %d document types\n",
			len(cat.Fields()), len(cat.AllDocumentTypes()))
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogListCmd, catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}
