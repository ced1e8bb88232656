// Package daemon keeps running sync cycles: on a fixed interval, on a cron
// schedule, and whenever a watched org file changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDebounce is how long file changes are collected before a sync starts.
const DefaultDebounce = 2 * time.Second

// SyncFunc runs one sync cycle.
type SyncFunc func(ctx context.Context) error

// Config holds the triggers of a Daemon. At least one must be set.
type Config struct {
	// Interval runs a sync every Interval.
	Interval time.Duration

	// Cron is a standard five-field cron expression or a descriptor such as
	// "@hourly" or "@every 10m".
	Cron string

	// Watch lists org files and directories; a change to any of them starts a
	// sync once Debounce has passed without further changes.
	Watch    []string
	Debounce time.Duration

	Logger *slog.Logger
}

// Daemon serializes sync cycles. Triggers that fire while a cycle is running are
// coalesced into a single follow-up cycle.
type Daemon struct {
	run      SyncFunc
	cfg      Config
	logger   *slog.Logger
	schedule cron.Schedule
	pending  chan string
}

// New validates cfg and creates a Daemon.
func New(run SyncFunc, cfg Config) (*Daemon, error) {
	if cfg.Interval <= 0 && cfg.Cron == "" && len(cfg.Watch) == 0 {
		return nil, errors.New("daemon needs an interval, a cron schedule or files to watch")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{run: run, cfg: cfg, logger: logger, pending: make(chan string, 1)}
	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", cfg.Cron, err)
		}
		d.schedule = schedule
	}
	return d, nil
}

// Trigger requests a sync cycle. It never blocks.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.pending <- reason:
	default:
	}
}

// Run performs an initial sync and then one sync per trigger until ctx is
// cancelled. Failed cycles are logged and do not stop the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	if len(d.cfg.Watch) > 0 {
		w, err := newWatcher(d.cfg.Watch, d.cfg.Debounce, d.logger, d.Trigger)
		if err != nil {
			return err
		}
		defer w.Close()
		go w.loop(ctx)
		d.logger.Info("Watching org files for changes.", "paths", d.cfg.Watch, "debounce", d.cfg.Debounce)
	}

	if d.schedule != nil {
		c := cron.New()
		c.Schedule(d.schedule, cron.FuncJob(func() { d.Trigger("cron") }))
		c.Start()
		defer c.Stop()
		d.logger.Info("Starting cron schedule.", "schedule", d.cfg.Cron, "next", d.schedule.Next(time.Now()))
	}

	var tick <-chan time.Time
	if d.cfg.Interval > 0 {
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
		d.logger.Info("Starting watcher.", "interval", d.cfg.Interval)
	}

	d.Trigger("startup")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Daemon stopped.")
			return nil
		case <-tick:
			d.Trigger("interval")
		case reason := <-d.pending:
			d.logger.Debug("Sync triggered", "reason", reason)
			if err := d.run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Sync cycle failed", "error", err)
			}
		}
	}
}
