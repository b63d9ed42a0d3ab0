// Package main provides the stockreel command line: one-shot chroma-key and
// montage renders, selection dry runs, key previews and ledger maintenance.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/maauso/stockreel-api/internal/bootstrap"
	"github.com/maauso/stockreel-api/internal/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "stockreel",
		Usage:     "Compose videos from Pexels stock footage",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json (default: text on a terminal, json otherwise)",
				EnvVars: []string{"LOG_FORMAT"},
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(newLogger(c, stderr))
			return nil
		},
		Commands: []*cli.Command{
			selectCommand(),
			chromaCommand(),
			montageCommand(),
			previewCommand(),
			ledgerCommand(),
		},
	}
}

// newLogger writes to stderr so stdout stays parseable.
func newLogger(c *cli.Context, w io.Writer) *slog.Logger {
	format := c.String("log-format")
	if format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	return config.NewLogger(w, format, c.String("log-level"))
}

// loadPipeline reads the environment configuration and builds the render
// pipeline. Callers must Close it.
func loadPipeline(c *cli.Context) (*bootstrap.Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return bootstrap.NewPipeline(c.Context, cfg, slog.Default())
}
