// Package cli implements the agent-recall CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-recall/internal/config"
	"github.com/rcliao/agent-recall/internal/engine"
	"github.com/rcliao/agent-recall/internal/logging"
	"github.com/rcliao/agent-recall/internal/model"
)

var (
	configPath string
	dataDir    string
	userFlag   string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-recall",
	Short: "Hybrid memory retrieval for conversational agents",
	Long: "Remember facts about users, search them semantically with SQL filters, " +
		"and reconstruct situational context. SQLite facts, Badger anchors, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $AGENT_RECALL_CONFIG or ~/.agent-recall/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "", "Data directory (default: $AGENT_RECALL_DATA or ~/.agent-recall)")
	RootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "User id (default: $AGENT_RECALL_USER)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("AGENT_RECALL_CONFIG"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-recall", "config.yaml")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		exitErr("load config", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.SetDefault(logging.New(cfg.Log.Level, os.Stderr))
	return cfg
}

// openEngine opens the engine and starts its write workers.
func openEngine(cmd *cobra.Command) *engine.Engine {
	cfg := loadConfig()
	e, err := engine.Open(engine.Options{Config: cfg, Logger: logging.Default()})
	if err != nil {
		exitErr("open engine", err)
	}
	e.Start(cmd.Context())
	return e
}

func getUser() string {
	if userFlag != "" {
		return userFlag
	}
	if env := os.Getenv("AGENT_RECALL_USER"); env != "" {
		return env
	}
	exitErr("user", errors.New("--user or $AGENT_RECALL_USER is required"))
	return ""
}

// readContent takes the positional args, or stdin when it is piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func parseCategories(values []string) []model.Category {
	var out []model.Category
	for _, v := range values {
		c, err := model.ParseCategory(v)
		if err != nil {
			exitErr("category", err)
		}
		out = append(out, c)
	}
	return out
}

// parseTime accepts RFC3339, a date, or a signed offset from now such as -48h.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339, YYYY-MM-DD or a duration like -24h", s)
	}
	return t.UTC(), nil
}

func timeFlag(cmd *cobra.Command, name string) time.Time {
	s, _ := cmd.Flags().GetString(name)
	t, err := parseTime(s)
	if err != nil {
		exitErr(name, err)
	}
	return t
}

// waitTask blocks until a write is terminal, bounded by --wait.
func waitTask(cmd *cobra.Command, e *engine.Engine, taskID string) any {
	wait, _ := cmd.Flags().GetDuration("wait")
	if wait <= 0 {
		st, _ := e.TaskStatus(taskID)
		return st
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()
	st, err := e.Wait(ctx, taskID)
	if err != nil {
		exitErr("wait", err)
	}
	return st
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
