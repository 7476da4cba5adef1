package cli

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/engine"
	"github.com/rcliao/agent-recall/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Remember a fact about a user",
		Long: "Validate and enqueue a fact. Text can be a positional arg or piped via stdin. " +
			"The command waits for the background write unless --wait is 0.",
		Run: runRemember,
	}
	addFactFlags(cmd)
	RootCmd.AddCommand(cmd)
}

func addFactFlags(cmd *cobra.Command) {
	cmd.Flags().String("category", "", "Category: identity, preference, event, relationship, skill, emotional-anchor, unresolved-question, other (required)")
	cmd.Flags().Float64("confidence", model.DefaultConfidence, "Confidence in [0,1] (default: store.default_confidence)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("location", "", "Where the fact was learned")
	cmd.Flags().String("mood", "", "User mood when the fact was learned")
	cmd.Flags().String("valid-until", "", "Expiry: RFC3339, YYYY-MM-DD or a duration like 72h")
	cmd.Flags().Duration("wait", 30*time.Second, "Wait for the write to finish (0 returns the handle immediately)")
	cmd.MarkFlagRequired("category")
}

func factFromFlags(cmd *cobra.Command, args []string) engine.Fact {
	text := strings.TrimSpace(readContent(args))
	if text == "" {
		exitErr("remember", errors.New("text is required (positional arg or stdin)"))
	}
	catStr, _ := cmd.Flags().GetString("category")
	cat, err := model.ParseCategory(catStr)
	if err != nil {
		exitErr("category", err)
	}
	tags, _ := cmd.Flags().GetString("tags")
	location, _ := cmd.Flags().GetString("location")
	mood, _ := cmd.Flags().GetString("mood")

	f := engine.Fact{
		UserID:   getUser(),
		Text:     text,
		Category: cat,
		Tags:     splitTags(tags),
		Location: location,
		Mood:     mood,
	}
	if cmd.Flags().Changed("confidence") {
		c, _ := cmd.Flags().GetFloat64("confidence")
		f.Confidence = &c
	}
	if until := timeFlag(cmd, "valid-until"); !until.IsZero() {
		f.ValidUntil = &until
	}
	return f
}

func runRemember(cmd *cobra.Command, args []string) {
	f := factFromFlags(cmd, args)

	e := openEngine(cmd)
	defer e.Close()

	h, err := e.RememberFact(cmd.Context(), f)
	if err != nil {
		exitErr("remember", err)
	}
	printJSON(map[string]any{"handle": h, "status": waitTask(cmd, e, h.TaskID)})
}
