package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Advertiser keeps a registration alive by renewing it at half its TTL.
type Advertiser struct {
	dir    Directory
	name   string
	entry  Entry
	ttl    time.Duration
	logger *slog.Logger

	cron *cron.Cron
}

// NewAdvertiser creates an advertiser for name. ttl must be at least two
// seconds because the schedule has one-second resolution.
func NewAdvertiser(dir Directory, name string, e Entry, ttl time.Duration, logger *slog.Logger) (*Advertiser, error) {
	if ttl < 2*time.Second {
		return nil, fmt.Errorf("advertise ttl %s is below 2s", ttl)
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{
		dir:    dir,
		name:   name,
		entry:  e,
		ttl:    ttl,
		logger: logger.With("component", "advertiser", "name", name),
	}, nil
}

// Start registers once and schedules the renewals.
func (a *Advertiser) Start(ctx context.Context) error {
	if a.cron != nil {
		return errors.New("advertiser already started")
	}
	if err := a.dir.Register(ctx, a.name, a.entry, a.ttl); err != nil {
		return fmt.Errorf("advertise %s: %w", a.name, err)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.ttl/2), a.renew); err != nil {
		return fmt.Errorf("schedule renewal: %w", err)
	}
	c.Start()
	a.cron = c
	a.logger.Info("advertising", "addr", a.entry.Addr(), "ttl", a.ttl)
	return nil
}

func (a *Advertiser) renew() {
	ctx, cancel := context.WithTimeout(context.Background(), a.ttl/2)
	defer cancel()
	if err := a.dir.Register(ctx, a.name, a.entry, a.ttl); err != nil {
		a.logger.Warn("renewal failed", "error", err)
		return
	}
	a.logger.Debug("renewed")
}

// Stop cancels the renewals, waits for a running one, and removes the registration.
func (a *Advertiser) Stop(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	done := a.cron.Stop()
	a.cron = nil
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := a.dir.Deregister(ctx, a.name); err != nil {
		return fmt.Errorf("withdraw %s: %w", a.name, err)
	}
	a.logger.Info("advertisement withdrawn")
	return nil
}
