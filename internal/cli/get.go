package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Retrieve a record",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("vector", false, "Include the embedding vector")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	withVector, _ := cmd.Flags().GetBool("vector")

	e := openEngine(cmd)
	defer e.Close()

	rec, err := e.Get(cmd.Context(), getUser(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	if !withVector {
		rec.Vector = nil
	}
	printJSON(rec)
}
