package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change a record's confidence, tags or expiry",
		Long:  "Only confidence, tags and valid_until may change after a record is written.",
		Args:  cobra.ExactArgs(1),
		Run:   runUpdate,
	}

	cmd.Flags().Float64("confidence", 0, "New confidence in [0,1]")
	cmd.Flags().StringP("tags", "t", "", "Replace tags (comma-separated, empty clears)")
	cmd.Flags().String("valid-until", "", "New expiry: RFC3339, YYYY-MM-DD or a duration like 72h")
	cmd.Flags().Bool("no-expiry", false, "Clear valid_until")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	var p model.Patch
	if cmd.Flags().Changed("confidence") {
		c, _ := cmd.Flags().GetFloat64("confidence")
		p.Confidence = &c
	}
	if cmd.Flags().Changed("tags") {
		s, _ := cmd.Flags().GetString("tags")
		tags := splitTags(s)
		p.Tags = &tags
	}
	if until := timeFlag(cmd, "valid-until"); !until.IsZero() {
		p.ValidUntil = &until
	}
	p.ClearValidUntil, _ = cmd.Flags().GetBool("no-expiry")
	if p.Empty() {
		exitErr("update", errors.New("nothing to update: pass --confidence, --tags, --valid-until or --no-expiry"))
	}

	e := openEngine(cmd)
	defer e.Close()

	rec, err := e.Update(cmd.Context(), getUser(), args[0], p)
	if err != nil {
		exitErr("update", err)
	}
	rec.Vector = nil
	printJSON(rec)
}
