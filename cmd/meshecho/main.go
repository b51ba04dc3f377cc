// Command meshecho is a minimal example agent: it echoes every EVENT
// and MESSAGE frame it receives back under a "-echo" suffixed name, and
// replies to "ping" REQUESTs with "pong". It exercises the full agent
// stack (config, connection, dispatch, scheduler, supervisor) end to
// end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/meshagent/meshagent"
	"github.com/meshagent/meshagent/internal/buildinfo"
	"github.com/meshagent/meshagent/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := newLogger(slog.LevelInfo)

	cfgPath, err := config.FindConfig(*configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, running with defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		logger.Info("config loaded", "path", cfgPath, "endpoint", cfg.Endpoint)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = newLogger(level)
	}

	logger.Info("starting meshecho", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	agent := meshagent.New(cfg, logger)

	registerHandlers(agent, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		logger.Error("agent stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("meshecho stopped")
}

// newLogger builds a text handler whose minimum level is level. When
// stdout is a terminal, source locations are included to make
// interactive debugging easier; piped/redirected output omits them to
// keep log aggregation output compact.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
		AddSource:   isatty.IsTerminal(os.Stdout.Fd()),
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func registerHandlers(agent *meshagent.Agent, logger *slog.Logger) {
	must := func(err error) {
		if err != nil {
			logger.Error("handler registration failed", "error", err)
			os.Exit(1)
		}
	}

	must(agent.Handle(meshagent.EVENT, "*", func(ctx context.Context, f meshagent.Frame) (any, error) {
		if f.Name == "startup" || f.Name == "shutdown" {
			return nil, nil
		}
		logger.Debug("echoing event", "name", f.Name)
		return nil, agent.Emit(ctx, f.Name+"-echo", f.Data)
	}))

	must(agent.Handle(meshagent.MESSAGE, "*", func(ctx context.Context, f meshagent.Frame) (any, error) {
		text, _ := f.Data["text"].(string)
		logger.Debug("echoing message", "name", f.Name, "text", text)
		return nil, agent.Message(ctx, f.Name+"-echo", text, "", nil)
	}))

	must(agent.Handle(meshagent.REQUEST, "ping", func(_ context.Context, _ meshagent.Frame) (any, error) {
		return "pong", nil
	}))

	must(agent.Handle(meshagent.EVENT, "startup", func(_ context.Context, _ meshagent.Frame) (any, error) {
		logger.Info("meshecho agent ready", "standalone", agent.Standalone())
		return nil, nil
	}))
}
