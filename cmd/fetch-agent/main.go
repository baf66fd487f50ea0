package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/csai/fetch-proxy-agent/internal/config"
	"github.com/csai/fetch-proxy-agent/internal/control"
	"github.com/csai/fetch-proxy-agent/internal/observability"
	"github.com/csai/fetch-proxy-agent/internal/session"
	"github.com/csai/fetch-proxy-agent/internal/state"
	"github.com/csai/fetch-proxy-agent/internal/supervisor"
	"github.com/csai/fetch-proxy-agent/internal/target"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}
	switch os.Args[1] {
	case "status":
		return runStatus(os.Args[2:])
	case "start":
		return runStart(os.Args[2:])
	case "stop":
		return runStop(os.Args[2:])
	case "session":
		return runSession(os.Args[2:])
	case "teardown":
		return runTeardown(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: fetch-agent <subcommand> [flags]

Subcommands:
  status      Print the fetch-service status document
  start       Start the fetch-service if it is not already online
  stop        Stop the fetch-service (no-op without --force)
  session     Open a proxy session and instrument a docker container with it
  teardown    Tear down the recorded proxy session and print its report

Run 'fetch-agent <subcommand> --help' for subcommand flags.
`)
}

func setup(name string, args []string, register func(*pflag.FlagSet)) (config.Config, *slog.Logger, *control.Client, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to the agent config file")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	if register != nil {
		register(flags)
	}
	if err := flags.Parse(args); err != nil {
		return config.Config{}, nil, nil, err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)
	ctrl := control.NewClient(control.Options{
		BaseURL:        cfg.Service.ControlBaseURL(),
		Username:       cfg.Service.Username,
		Password:       cfg.Service.Password,
		Policy:         cfg.Session.Policy,
		StrictTeardown: cfg.Session.StrictTeardown,
	}, logger)
	return cfg, logger, ctrl, nil
}

func runStatus(args []string) error {
	_, _, ctrl, err := setup("status", args, nil)
	if err != nil {
		return err
	}
	status, err := ctrl.Status(context.Background())
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runStart(args []string) error {
	cfg, logger, ctrl, err := setup("start", args, nil)
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg.Service, ctrl, logger)
	proc, err := sup.Start(context.Background())
	if err != nil {
		return err
	}
	report := map[string]any{
		"status":       "online",
		"control_port": cfg.Service.ControlPort,
		"proxy_port":   cfg.Service.ProxyPort,
	}
	if proc != nil {
		report["pid"] = proc.PID()
		report["log_path"] = proc.LogPath
	} else {
		report["already_running"] = true
	}
	return printJSON(report)
}

func runStop(args []string) error {
	var force bool
	cfg, logger, ctrl, err := setup("stop", args, func(flags *pflag.FlagSet) {
		flags.BoolVar(&force, "force", false, "terminate the service process")
	})
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg.Service, ctrl, logger)
	return sup.Stop(context.Background(), force)
}

func runSession(args []string) error {
	var containerID string
	cfg, logger, ctrl, err := setup("session", args, func(flags *pflag.FlagSet) {
		flags.StringVar(&containerID, "container", "", "docker container to instrument")
	})
	if err != nil {
		return err
	}
	if containerID == "" {
		return fmt.Errorf("--container is required")
	}

	ctx := context.Background()
	sup := supervisor.New(cfg.Service, ctrl, logger)
	if _, err := sup.Start(ctx); err != nil {
		return err
	}

	tgt, err := target.NewDockerTarget(ctx, containerID)
	if err != nil {
		return err
	}
	mgr := session.NewManager(cfg, ctrl, state.New(cfg.Session.StateFile), logger)
	env, err := mgr.Create(ctx, tgt)
	if err != nil {
		return err
	}
	return printJSON(env)
}

func runTeardown(args []string) error {
	cfg, logger, ctrl, err := setup("teardown", args, nil)
	if err != nil {
		return err
	}
	mgr := session.NewManager(cfg, ctrl, state.New(cfg.Session.StateFile), logger)
	report, err := mgr.Recover(context.Background())
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
