package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/reconstruct"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Reconstruct situational context for a user",
		Long: "Assemble a context bundle. --focus 0 returns at most one item; 5 returns the " +
			"widest set including temporal anchors. Location and mood boost matching records " +
			"without excluding others.",
		Run: runContext,
	}

	cmd.Flags().IntP("focus", "F", 2, "Focus level 0-5")
	cmd.Flags().String("location", "", "Current location")
	cmd.Flags().String("mood", "", "Current mood")
	cmd.Flags().String("at", "", "Reconstruct around this time: RFC3339, YYYY-MM-DD or a duration like -720h")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	focus, _ := cmd.Flags().GetInt("focus")
	location, _ := cmd.Flags().GetString("location")
	mood, _ := cmd.Flags().GetString("mood")

	req := reconstruct.Request{
		UserID:   getUser(),
		Query:    strings.Join(args, " "),
		Location: location,
		Mood:     mood,
		Focus:    focus,
	}
	if at := timeFlag(cmd, "at"); !at.IsZero() {
		req.At = &at
	}

	e := openEngine(cmd)
	defer e.Close()

	bundle, err := e.ReconstructContext(cmd.Context(), req)
	if err != nil {
		exitErr("context", err)
	}
	for i := range bundle.Items {
		bundle.Items[i].Record.Vector = nil
	}
	printJSON(bundle)
}
