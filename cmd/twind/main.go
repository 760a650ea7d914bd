// Package main is the host harness for the background task worker.
//
// The task core is a library: the surrounding agent embeds it by
// constructing runner.New with its own planner/executor/judge capabilities.
// This binary wires the durable queue, observability and the notification
// chain for standalone operation and inspection.
//
// Usage:
//
//	twind start      — run the worker loop (no-op capabilities unless embedded)
//	twind status     — show active and recent tasks
//	twind version    — print version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AmplifyCo/digital-twin/internal/capability"
	"github.com/AmplifyCo/digital-twin/internal/critic"
	"github.com/AmplifyCo/digital-twin/internal/decomposer"
	"github.com/AmplifyCo/digital-twin/internal/notify"
	"github.com/AmplifyCo/digital-twin/internal/observability"
	"github.com/AmplifyCo/digital-twin/internal/runner"
	"github.com/AmplifyCo/digital-twin/internal/tasks"
)

const (
	version = "0.1.0"
	appName = "twind"
)

// Config holds the daemon configuration.
type Config struct {
	DataDir        string
	AgentName      string
	PollInterval   time.Duration
	TelegramToken  string
	TelegramChatID string
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "start":
		runWorker()
	case "status":
		runStatus()
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — background task worker

Usage:
  %s <command>

Commands:
  start      Run the worker loop
  status     Show active and recently completed tasks
  version    Print version

Environment variables:
  TWIN_DATA            Data directory (default: ~/.digital-twin)
  TWIN_NAME            Agent name (default: Twin)
  TWIN_POLL_INTERVAL   Queue poll interval (default: 15s)
  TELEGRAM_BOT_TOKEN   Telegram bot token for notifications
  TELEGRAM_CHAT_ID     Default Telegram chat for notifications

`, appName, version, appName)
}

func loadConfig() Config {
	dataDir := os.Getenv("TWIN_DATA")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".digital-twin")
	}

	agentName := os.Getenv("TWIN_NAME")
	if agentName == "" {
		agentName = "Twin"
	}

	pollInterval := 15 * time.Second
	if v := os.Getenv("TWIN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollInterval = d
		}
	}

	return Config{
		DataDir:        dataDir,
		AgentName:      agentName,
		PollInterval:   pollInterval,
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
}

// bootstrap initializes the queue and worker dependencies.
func bootstrap(cfg Config) (*tasks.Queue, runner.Dependencies, error) {
	artifactDir := filepath.Join(cfg.DataDir, "tasks")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, runner.Dependencies{}, fmt.Errorf("create data dir: %w", err)
	}

	queue, err := tasks.NewQueue(filepath.Join(cfg.DataDir, "twin_tasks.db"))
	if err != nil {
		return nil, runner.Dependencies{}, fmt.Errorf("task queue: %w", err)
	}

	logger := observability.NewLogger(cfg.AgentName, os.Stderr)
	metrics := observability.NewMetricsCollector(0)

	var channels []capability.NotifyChannel
	if cfg.TelegramToken != "" {
		channels = append(channels, notify.NewTelegramChannel(cfg.TelegramToken, cfg.TelegramChatID))
		logger.Info("notification channel ready", "channel", "telegram")
	} else {
		logger.Warn("no notification channel configured; deliveries will be logged only")
	}

	// Planner/executor/judge are injected by the embedding agent; the
	// standalone harness runs with explicit no-ops, so plans degrade to
	// the research+synthesis fallback and execution fails fast.
	deps := runner.Dependencies{
		Queue:        queue,
		Decomposer:   decomposer.New(capability.NoPlanner{}, cfg.AgentName, artifactDir, logger),
		Executor:     capability.NoExecutor{},
		Critic:       critic.New(capability.NoJudge{}, nil, logger),
		Notifier:     notify.NewDispatcher(channels, logger, metrics),
		Logger:       logger,
		Metrics:      metrics,
		PollInterval: cfg.PollInterval,
	}
	return queue, deps, nil
}

func runWorker() {
	cfg := loadConfig()
	queue, deps, err := bootstrap(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	w := runner.New(deps)
	w.Start(ctx)
}

func runStatus() {
	cfg := loadConfig()
	queue, err := tasks.NewQueue(filepath.Join(cfg.DataDir, "twin_tasks.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "task queue: %v\n", err)
		os.Exit(1)
	}
	defer queue.Close()

	ctx := context.Background()
	list, err := queue.ActiveAndRecent(ctx, 2*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if len(list) == 0 {
		fmt.Println("no active or recent tasks")
		return
	}
	for _, t := range list {
		progress := ""
		if len(t.Subtasks) > 0 {
			done := 0
			for _, st := range t.Subtasks {
				if st.Status == tasks.SubtaskDone || st.Status == tasks.SubtaskSkipped {
					done++
				}
			}
			progress = fmt.Sprintf(" [%d/%d]", done, len(t.Subtasks))
		}
		fmt.Printf("%s  %-11s%s  %s\n", t.ID, t.Status, progress, firstN(t.Goal, 70))
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
