// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command modelgate is the supervisor entrypoint: it parses configuration,
// then runs the ordered startup/shutdown sequence of spec.md §4.7.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/version"
)

type (
	// cmd corresponds to the top-level `modelgate` command.
	cmd struct {
		Run         cmdRun         `cmd:"" help:"Run the gateway and its supervised backend."`
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
		Version     struct{}       `cmd:"" help:"Show version."`
	}
	// cmdRun corresponds to `modelgate run`. It embeds config.Config
	// directly so every field in internal/config is parsed by kong without
	// duplicating tags here.
	cmdRun struct {
		config.Config
	}
	// cmdHealthcheck corresponds to `modelgate healthcheck`.
	cmdHealthcheck struct {
		Port int `help:"Gateway health port to probe." default:"8001"`
	}
)

// BeforeApply forwards to config.Config.BeforeApply, with the bootstrap
// logger kong injects (see kong.Bind in doMain).
func (c *cmdRun) BeforeApply(log *slog.Logger) error {
	return c.Config.BeforeApply(log)
}

// Validate forwards to config.Config.Validate.
func (c *cmdRun) Validate() error {
	return c.Config.Validate()
}

type (
	runFn         func(context.Context, *config.Config, *slog.Logger) error
	healthcheckFn func(context.Context, int, io.Writer) error
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain parses the command line and dispatches to the selected
// subcommand. It takes its collaborators as parameters (writers, exit
// function, the run/healthcheck implementations) so tests can substitute
// fakes without touching process-global state.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	bootLogger := newBootstrapLogger(stderr)

	var c cmd
	parser, err := kong.New(&c,
		kong.Name("modelgate"),
		kong.Description("Authenticating reverse proxy for a local inference backend."),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
		kong.Bind(bootLogger),
	)
	if err != nil {
		log.Fatalf("error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "modelgate: %s\n", version.Parse())
	case "run":
		cfg := c.Run.Config
		logger := newLogger(stderr, cfg.LogFormat)
		if err := rf(ctx, &cfg, logger); err != nil {
			logger.Error("modelgate exited with error", "error", err)
			exitFn(1)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.Port, stdout); err != nil {
			_, _ = fmt.Fprintf(stderr, "unhealthy: %v\n", err)
			exitFn(1)
		}
	default:
		panic("unreachable")
	}
}

// newBootstrapLogger is used only while kong parses flags, before the
// configured LOG_FORMAT is known.
func newBootstrapLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

// newLogger builds the process logger per spec.md's LOG_FORMAT setting.
func newLogger(w io.Writer, format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}
