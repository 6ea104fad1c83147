package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/rbright/noiseprobe/internal/cli"
	"github.com/rbright/noiseprobe/internal/config"
	"github.com/rbright/noiseprobe/internal/doctor"
	"github.com/rbright/noiseprobe/internal/fsm"
	"github.com/rbright/noiseprobe/internal/logging"
	"github.com/rbright/noiseprobe/internal/oracle"
	"github.com/rbright/noiseprobe/internal/session"
	"github.com/rbright/noiseprobe/internal/solver"
	"github.com/rbright/noiseprobe/internal/version"
	"github.com/rbright/noiseprobe/internal/wire"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("noiseprobe"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("noiseprobe"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "key", w.Key, "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandSolve:
		return r.commandSolve(ctx, cfgLoaded.Config, logger)
	case cli.CommandServe:
		return r.commandServe(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandSolve(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	conn, err := wire.Dial(ctx, cfg.Target.Addr, wire.DialOptions{
		DialTimeout: cfg.Target.DialTimeout,
		ReadTimeout: cfg.Target.ReadTimeout,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("connect failed", "addr", cfg.Target.Addr, "error", err.Error())
		return 1
	}
	defer func() { _ = conn.Close() }()
	logger.Info("connected", "addr", conn.RemoteAddr().String())

	loop := session.New(conn, session.Options{
		Params:         attackParams(cfg.Attack),
		StrictMessages: cfg.Session.UnknownMessages == config.UnknownMessagesFail,
		Stdout:         r.Stdout,
		Diag:           logging.NewDiagnostics(r.Stderr),
		Logger:         logger,
	})
	result := loop.Run(ctx)

	logSessionResult(logger, result)

	if result.Err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	}
	if result.State == fsm.StateClosed {
		fmt.Fprintln(r.Stderr, "warning: server closed the connection without a flag")
	}
	return 0
}

func (r Runner) commandServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	engine, err := oracle.NewEngine(oracle.EngineParams{
		LogN:            cfg.Oracle.LogN,
		LogQ:            cfg.Oracle.LogQ,
		LogP:            cfg.Oracle.LogP,
		LogDefaultScale: cfg.Oracle.LogDefaultScale,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := net.Listen("tcp", cfg.Oracle.Listen)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: listen %s: %v\n", cfg.Oracle.Listen, err)
		return 1
	}
	fmt.Fprintf(r.Stdout, "oracle listening on %s (%d rounds)\n", listener.Addr(), cfg.Oracle.Rounds)
	logger.Info("oracle listening", "addr", listener.Addr().String(), "rounds", cfg.Oracle.Rounds, "max_level", engine.MaxLevel())

	o := oracle.New(engine, oracle.Options{
		Rounds: cfg.Oracle.Rounds,
		Flag:   cfg.Oracle.Flag,
		Logger: logger,
	})
	err = wire.Serve(ctx, listener, o, wire.ServeOptions{
		OnError: func(addr net.Addr, err error) {
			logger.Warn("oracle connection failed", "remote", addr.String(), "error", err.Error())
		},
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	logger.Info("oracle stopped")
	return 0
}

func attackParams(cfg config.AttackConfig) solver.Params {
	return solver.Params{
		M0:        cfg.M0,
		M1:        cfg.M1,
		Squarings: cfg.Squarings,
		Probes:    cfg.Probes,
		Threshold: cfg.Threshold,
	}
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	won := 0
	for _, outcome := range result.Rounds {
		if outcome.Result == wire.ResultWin {
			won++
		}
	}
	fields := []any{
		"state", result.State,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"rounds_won", won,
		"flag_received", result.Flag != "",
	}

	if result.Err != nil {
		logger.Error("session failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session complete", fields...)
}
