package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/manthysbr/quickloan-kb/internal/app"
	appconfig "github.com/manthysbr/quickloan-kb/internal/config"
	"github.com/manthysbr/quickloan-kb/internal/core/services"
)

// stdin is the single reader of os.Stdin, shared by the REPL and the user tool.
var stdin = sync.OnceValue(func() *services.LineReader {
	return services.NewLineReader(os.Stdin)
})

func newCLILogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openApp resolves the configuration and wires the agent. interactive
// registers the user tool on the terminal.
func openApp(ctx context.Context, interactive bool, out io.Writer) (*app.App, error) {
	cfg, err := appconfig.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	opts := app.Options{}
	if interactive {
		opts.UserIn = stdin()
		opts.UserOut = out
	}
	return app.New(ctx, newCLILogger(), cfg, opts)
}
