package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a user's memories",
		Long: "Rank a user's records by semantic similarity after structured filtering. " +
			"Without a query, or when embeddings are unavailable, results are ordered newest first.",
		Run: runSearch,
	}

	cmd.Flags().StringSlice("category", nil, "Filter by category (repeatable)")
	cmd.Flags().StringP("tags", "t", "", "Require all of these comma-separated tags")
	cmd.Flags().String("since", "", "Created at or after: RFC3339, YYYY-MM-DD or a duration like -168h")
	cmd.Flags().String("until", "", "Created before: RFC3339, YYYY-MM-DD or a duration like -24h")
	cmd.Flags().Float64("min-confidence", 0, "Minimum confidence")
	cmd.Flags().IntP("k", "k", 0, "Max results (default: search.default_k)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	cats, _ := cmd.Flags().GetStringSlice("category")
	tags, _ := cmd.Flags().GetString("tags")
	minConf, _ := cmd.Flags().GetFloat64("min-confidence")
	k, _ := cmd.Flags().GetInt("k")

	req := engine.SearchRequest{
		UserID:        getUser(),
		Query:         strings.Join(args, " "),
		Categories:    parseCategories(cats),
		Tags:          splitTags(tags),
		Since:         timeFlag(cmd, "since"),
		Until:         timeFlag(cmd, "until"),
		MinConfidence: minConf,
		K:             k,
	}

	e := openEngine(cmd)
	defer e.Close()

	resp, err := e.SearchMemoryFor(cmd.Context(), req)
	if err != nil {
		exitErr("search", err)
	}
	for i := range resp.Results {
		resp.Results[i].Record.Vector = nil
	}
	printJSON(resp)
}
