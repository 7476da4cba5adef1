package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forget [id]",
		Short: "Erase a record",
		Long:  "Erase a record and tombstone any temporal anchor promoted from it.",
		Args:  cobra.ExactArgs(1),
		Run:   runForget,
	}

	RootCmd.AddCommand(cmd)
}

func runForget(cmd *cobra.Command, args []string) {
	e := openEngine(cmd)
	defer e.Close()

	res, err := e.Forget(cmd.Context(), getUser(), args[0])
	if err != nil {
		exitErr("forget", err)
	}
	printJSON(res)
}
