package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/peterh/liner"

	"github.com/aixgo-dev/remoting/agents"
	"github.com/aixgo-dev/remoting/internal/repl"
	"github.com/aixgo-dev/remoting/internal/runtime"
	"github.com/aixgo-dev/remoting/pkg/config"
	"github.com/aixgo-dev/remoting/pkg/directory"
)

// runClient starts a calculator client agent and drives it from the
// terminal until quit or end of input.
func runClient(ctx context.Context, cfg *config.Config, sys *runtime.System, mm *runtime.Middleman, logger *slog.Logger) error {
	client := sys.Spawn(agents.NewClient(agents.ClientConfig{
		Resolver:       mm.Handle(),
		TaskTimeout:    cfg.Runtime.TaskTimeout,
		ResolveTimeout: cfg.Runtime.ResolveTimeout,
		Output:         os.Stdout,
		Logger:         logger,
	}))

	var dir directory.Directory
	rd, err := openDirectory(ctx, cfg)
	if err != nil {
		logger.Warn("directory unavailable, lookup disabled", "error", err)
	} else if rd != nil {
		dir = rd
		defer rd.Close()
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	session := repl.NewSession(repl.Config{
		System:    sys,
		Client:    client,
		Directory: dir,
		Input:     line,
		Output:    os.Stdout,
		Logger:    logger,
	})
	host, port := cfg.Host, cfg.Port
	if !cfg.HasServer() {
		host, port = "", 0
	}
	if err := session.Bootstrap(host, port); err != nil {
		return err
	}
	return session.Run(ctx)
}
