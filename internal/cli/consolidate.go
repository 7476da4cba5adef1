package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/engine"
	"github.com/rcliao/agent-recall/internal/logging"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Promote high-intensity interactions to temporal anchors",
		Long: "Run one anchor sweep and print its report. With --watch, sweep every " +
			"anchor.sweep_interval until interrupted.",
		Run: runConsolidate,
	}

	cmd.Flags().Bool("watch", false, "Keep sweeping until interrupted")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	watch, _ := cmd.Flags().GetBool("watch")

	if watch {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := engine.Open(engine.Options{Config: loadConfig(), Sweep: true, Logger: logging.Default()})
		if err != nil {
			exitErr("open engine", err)
		}
		defer e.Close()
		e.Start(ctx)
		logging.Default().Info("watching for anchors, press Ctrl-C to stop")
		<-ctx.Done()
		return
	}

	e := openEngine(cmd)
	defer e.Close()

	rep, err := e.Consolidate(cmd.Context())
	if err != nil {
		exitErr("consolidate", err)
	}
	printJSON(rep)
}
