package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/engine"
	"github.com/rcliao/agent-recall/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "interaction [text]",
		Short: "Remember an interaction-derived record",
		Long: "Like remember, with emotional intensity and valence. Records at or above " +
			"anchor.threshold are promoted to temporal anchors by consolidate.",
		Run: runInteraction,
	}
	addFactFlags(cmd)
	cmd.Flags().Float64("intensity", 0, "Emotional intensity in [0,1]")
	cmd.Flags().String("valence", "", "Valence: positive, negative, mixed, neutral, unknown")
	cmd.MarkFlagRequired("intensity")
	RootCmd.AddCommand(cmd)
}

func runInteraction(cmd *cobra.Command, args []string) {
	f := factFromFlags(cmd, args)
	intensity, _ := cmd.Flags().GetFloat64("intensity")
	valStr, _ := cmd.Flags().GetString("valence")
	valence, err := model.ParseValence(valStr)
	if err != nil {
		exitErr("valence", err)
	}

	e := openEngine(cmd)
	defer e.Close()

	h, err := e.RememberInteraction(cmd.Context(), engine.Interaction{Fact: f, Intensity: intensity, Valence: valence})
	if err != nil {
		exitErr("interaction", err)
	}
	printJSON(map[string]any{"handle": h, "status": waitTask(cmd, e, h.TaskID)})
}
