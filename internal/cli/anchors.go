package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/anchor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "List a user's temporal anchors",
		Run:   runAnchors,
	}

	cmd.Flags().Bool("all", false, "Include superseded and tombstoned anchors")
	cmd.Flags().IntP("limit", "l", 0, "Max anchors (0 = all)")

	RootCmd.AddCommand(cmd)
}

func runAnchors(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	e := openEngine(cmd)
	defer e.Close()

	anchors, err := e.Anchors(cmd.Context(), getUser(), anchor.ListOptions{
		IncludeSuperseded: all,
		IncludeTombstoned: all,
		Limit:             limit,
	})
	if err != nil {
		exitErr("anchors", err)
	}
	printJSON(anchors)
}
