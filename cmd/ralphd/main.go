package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/ralph-fleet/ralphd/internal/config"
	"github.com/ralph-fleet/ralphd/internal/foundation/errors"
	"github.com/ralph-fleet/ralphd/internal/httpstatus"
	"github.com/ralph-fleet/ralphd/internal/ralphd"
)

// Set at build time with: -ldflags "-X main.version=1.0.0-rc1"
var version = "dev"

// CLI is the root command definition and its global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"ralphd.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve  ServeCmd  `cmd:"" help:"Start the daemon: drive every configured repo's pipeline until stopped"`
	Init   InitCmd   `cmd:"" help:"Write an example configuration file"`
	Doctor DoctorCmd `cmd:"" help:"Inspect the control plane and report daemon/drain/lock state"`
	Status StatusCmd `cmd:"" help:"Query a running daemon's /status endpoint"`
}

// Global is the context shared with every subcommand.
type Global struct {
	Logger *slog.Logger
}

// AfterApply sets up logging once flags are parsed.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("ralphd: orchestrate a fleet of coding-agent sessions across configured repositories."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	errorAdapter := errors.NewCLIErrorAdapter(cli.Verbose, logger)
	globals := &Global{Logger: logger}

	if err := parser.Run(globals, cli); err != nil {
		errorAdapter.HandleError(err)
	}
}

// ServeCmd implements the 'serve' command: the long-running daemon.
type ServeCmd struct {
	AgentCmd  string `name:"agent-cmd" help:"Path to the coding-agent CLI binary this daemon drives" default:"claude"`
	AgentArgs string `name:"agent-args" help:"Extra space-separated arguments passed to every agent invocation"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessions := NewCLISessionRunner(s.AgentCmd, splitArgs(s.AgentArgs))

	d, err := ralphd.New(cfg, sessions, slog.Default())
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var status *httpstatus.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		status = httpstatus.New(cfg.Metrics.Addr, newStatusProvider(d), httpstatus.NewRegistry(), slog.Default())
		if err := status.Start(ctx); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
	}

	errChan := make(chan error, 1)
	go func() { errChan <- d.Start(ctx) }()

	slog.Info("ralphd started, waiting for shutdown signal...")

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping ralphd...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if status != nil {
		if err := status.Stop(stopCtx); err != nil {
			slog.Warn("status server shutdown error", "error", err)
		}
	}
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	slog.Info("ralphd stopped successfully")
	return nil
}

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	fmt.Printf("Writing configuration to %s\n", root.Config)
	if err := config.Init(root.Config, i.Force); err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	fmt.Println("initialized successfully")
	return nil
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	var args []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				args = append(args, s[start:i])
			}
			start = i + 1
		}
	}
	return args
}
