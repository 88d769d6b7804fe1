package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tidecode/tide/pkg/acp"
	"github.com/tidecode/tide/pkg/agenthost"
	"github.com/tidecode/tide/pkg/bus"
	"github.com/tidecode/tide/pkg/config"
	"github.com/tidecode/tide/pkg/editor"
	"github.com/tidecode/tide/pkg/logging"
	"github.com/tidecode/tide/pkg/telemetry"
	"github.com/tidecode/tide/pkg/tmux"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type cliOptions struct {
	configPath string
	agentPath  string
	workDir    string
	terminalID string
	busURL     string
	logLevel   string
	approve    bool
	prompt     string
}

func main() {
	var opts cliOptions
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&opts.configPath, "config", "", "path to config file (default ~/.tide/config.yaml)")
	flag.StringVar(&opts.agentPath, "agent", "", "agent command to spawn (overrides config)")
	flag.StringVar(&opts.workDir, "cwd", "", "working directory for the session (default current)")
	flag.StringVar(&opts.terminalID, "terminal", "terminal-1", "host terminal id to bind the session to")
	flag.StringVar(&opts.busURL, "bus", "", "NATS URL for publishing connection events (overrides config)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&opts.approve, "approve", false, "auto-select the first option on permission requests")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tide %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	opts.prompt = strings.TrimSpace(strings.Join(flag.Args(), " "))

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts cliOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.agentPath != "" {
		cfg.AgentPath = opts.agentPath
	}
	if opts.busURL != "" {
		cfg.BusURL = opts.busURL
	}

	log := logging.New("tide", parseLogLevel(opts.logLevel))
	hub := telemetry.NewHub()
	defer hub.Close()

	if cfg.BusURL != "" {
		nb, err := bus.NewNATSBus(bus.Config{URL: cfg.BusURL, Name: "tide", Timeout: 5 * time.Second})
		if err != nil {
			log.Warn("bus unavailable, events stay local", "url", cfg.BusURL, "error", err)
		} else {
			bridge := bus.NewBridge(nb, hub)
			bridge.Start(ctx)
			defer nb.Close()
			defer bridge.Stop()
		}
	}

	runner := tmux.NewRunner(log)
	registry := tmux.NewRegistry()
	handler := agenthost.NewHandler(log, hub, cfg, runner, registry, editor.NewLocalBridge())
	sup := agenthost.NewSupervisor(log, hub, handler)

	events, cancelSub := hub.Subscribe()
	defer cancelSub()
	go func() {
		for event := range events {
			handleEvent(sup, event, opts.approve)
		}
	}()

	if err := sup.Start(ctx, cfg.AgentPath); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer sup.Stop()

	workDir := opts.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	sessionID, err := sup.NewSession(ctx, workDir, opts.terminalID)
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer handler.CleanupTerminal(context.Background(), opts.terminalID)

	if opts.prompt != "" {
		return sendPrompt(ctx, sup, sessionID, opts.prompt)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if err := sendPrompt(ctx, sup, sessionID, line); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			break
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func sendPrompt(ctx context.Context, sup *agenthost.Supervisor, sessionID, text string) error {
	stopReason, err := sup.Prompt(ctx, sessionID, []string{text}, "")
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	fmt.Printf("\n[turn ended: %s]\n", stopReason)
	return nil
}

// handleEvent renders connection activity to stdout and answers permission
// requests. Without -approve a request is declined immediately rather than
// left to time out.
func handleEvent(sup *agenthost.Supervisor, event telemetry.Event, approve bool) {
	switch event.Type {
	case telemetry.EventSessionContent:
		fmt.Print(stringData(event, "text"))
	case telemetry.EventSessionThought:
		fmt.Fprintf(os.Stderr, "(thinking) %s\n", stringData(event, "text"))
	case telemetry.EventSessionToolCall:
		fmt.Fprintf(os.Stderr, "[tool: %s]\n", stringData(event, "title"))
	case telemetry.EventInstallStatus:
		fmt.Fprintf(os.Stderr, "[install %s] %s\n", stringData(event, "phase"), stringData(event, "message"))
	case telemetry.EventSessionError:
		fmt.Fprintf(os.Stderr, "[session error] %s\n", stringData(event, "error"))
	case telemetry.EventPermissionRequest:
		requestID := stringData(event, "requestId")
		options, _ := event.Data["options"].([]acp.PermissionOption)
		if approve && len(options) > 0 {
			fmt.Fprintf(os.Stderr, "[permission: %s -> %s]\n", stringData(event, "title"), options[0].Name)
			sup.RespondPermission(requestID, &options[0].OptionID)
			return
		}
		fmt.Fprintf(os.Stderr, "[permission: %s -> declined]\n", stringData(event, "title"))
		sup.RespondPermission(requestID, nil)
	}
}

func stringData(event telemetry.Event, key string) string {
	value, _ := event.Data[key].(string)
	return value
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
