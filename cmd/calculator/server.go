package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/remoting/agents"
	"github.com/aixgo-dev/remoting/internal/runtime"
	"github.com/aixgo-dev/remoting/pkg/config"
	"github.com/aixgo-dev/remoting/pkg/directory"
	metrics "github.com/aixgo-dev/remoting/pkg/observability"
)

type serverDeps struct {
	cfg    *config.Config
	sys    *runtime.System
	mm     *runtime.Middleman
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	// dir overrides the directory opened from cfg.
	dir directory.Directory
}

// runServer publishes a calculator worker and blocks until enter is pressed
// or ctx is cancelled.
func runServer(ctx context.Context, d serverDeps) error {
	worker := d.sys.Spawn(agents.Calculator)
	defer func() {
		d.sys.Stop(worker)
		wctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.sys.Wait(wctx, worker)
	}()

	fmt.Fprintf(d.out, "*** try publish at port %d\n", d.cfg.Port)
	port, err := d.mm.Publish(worker, d.cfg.Port, agents.Interfaces...)
	if err != nil {
		cause := strings.TrimPrefix(err.Error(), runtime.ErrPublishFailed.Error()+": ")
		fmt.Fprintf(d.out, "*** publish failed: %s\n", cause)
		return reportedError{err}
	}
	fmt.Fprintf(d.out, "*** server successfully published at port %d\n", port)
	// runs before the worker stops, so no peer is left holding a dead agent
	defer func() {
		if err := d.mm.Unpublish(port); err != nil {
			d.logger.Warn("unpublish failed", "port", port, "error", err)
		}
	}()

	dir := d.dir
	if dir == nil {
		rd, err := openDirectory(ctx, d.cfg)
		if err != nil {
			return err
		}
		if rd != nil {
			dir = rd
			defer rd.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var obs *metrics.Server
	if d.cfg.Metrics.Port > 0 {
		obs = metrics.NewServer(d.cfg.Metrics.Port, healthChecker(d, dir))
		if err := obs.Listen(); err != nil {
			return err
		}
		d.logger.Info("observability server listening", "addr", obs.Addr().String())
		g.Go(obs.Serve)
	}

	if dir != nil && d.cfg.Directory.Advertise != "" {
		adv, err := directory.NewAdvertiser(dir, d.cfg.Directory.Advertise, directory.Entry{
			Host: advertisedHost(d.cfg),
			Port: port,
			Node: d.sys.NodeID(),
		}, d.cfg.Directory.TTL, d.logger)
		if err != nil {
			return err
		}
		if err := adv.Start(ctx); err != nil {
			return fmt.Errorf("advertise %q: %w", d.cfg.Directory.Advertise, err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adv.Stop(sctx); err != nil {
				d.logger.Warn("withdraw advertisement failed", "error", err)
			}
		}()
	}

	fmt.Fprintln(d.out, "*** press [enter] to quit")
	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(d.in).ReadString('\n')
		close(enter)
	}()

	g.Go(func() error {
		select {
		case <-enter:
		case <-gctx.Done():
		}
		fmt.Fprintln(d.out, "... cya")
		if obs == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return obs.Shutdown(sctx)
	})
	return g.Wait()
}

func healthChecker(d serverDeps, dir directory.Directory) *metrics.HealthChecker {
	hc := metrics.NewHealthChecker(Version)
	hc.RegisterCheck(metrics.PingCheck())
	hc.RegisterCheck(&metrics.HealthCheck{
		Name:     "published",
		Critical: true,
		Timeout:  time.Second,
		CheckFunc: func(context.Context) error {
			if len(d.mm.Published()) == 0 {
				return errors.New("no published endpoint")
			}
			return nil
		},
	})
	if p, ok := dir.(interface{ Ping(context.Context) error }); ok {
		hc.RegisterCheck(metrics.ExternalServiceCheck("directory", p.Ping))
	}
	return hc
}

func advertisedHost(cfg *config.Config) string {
	if h := cfg.Runtime.ListenHost; h != "" && h != "0.0.0.0" && h != "::" {
		return h
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}
