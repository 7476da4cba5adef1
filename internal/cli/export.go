package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a user's records as JSON",
		Long:  "Export every record of a user, oldest first, including expired ones and vectors.",
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	records, err := e.Export(cmd.Context(), getUser())
	if err != nil {
		exitErr("export", err)
	}
	printJSON(records)
}
