package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orgcal/internal/cache"
	"orgcal/internal/remote"
)

const (
	defaultConcurrency = 4
	defaultOpTimeout   = 30 * time.Second
	defaultBackoff     = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// ExecutorConfig holds the options for NewExecutor.
type ExecutorConfig struct {
	Concurrency int           // parallel creates/updates; deletes always run one at a time
	MaxRetries  int           // retries of transient failures per operation
	OpTimeout   time.Duration // deadline of a single attempt
	Backoff     time.Duration // first retry delay, doubled per attempt
	Logger      *slog.Logger
}

// OpError reports a failed operation with enough context to diagnose it.
type OpError struct {
	Action Action
	ID     string
	Title  string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s (%q): %v", e.Action, e.ID, e.Title, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Result summarizes an executed plan.
type Result struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Failed    []*OpError
}

// Err joins all operation failures, or returns nil.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Executor runs plans against a remote adapter and mutates the cache for every
// confirmed operation.
type Executor struct {
	remote remote.Adapter
	cfg    ExecutorConfig
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewExecutor creates an Executor.
func NewExecutor(adapter remote.Adapter, cfg ExecutorConfig) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{remote: adapter, cfg: cfg, logger: logger, sleep: sleepContext}
}

// Apply executes plan. Deletes run first and sequentially, then creates and
// updates run concurrently. A failed operation leaves its cache record untouched so
// the next run retries it. The returned error is non-nil only if ctx was cancelled.
func (e *Executor) Apply(ctx context.Context, plan *Plan, c *cache.Cache) (*Result, error) {
	res := &Result{Unchanged: len(plan.Skips)}
	var mu sync.Mutex

	record := func(op Operation, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed = append(res.Failed, &OpError{Action: op.Action, ID: op.ID, Title: op.Title(), Err: err})
			e.logger.Error("Operation failed", "action", op.Action, "id", op.ID, "title", op.Title(), "error", err)
			return
		}
		switch op.Action {
		case ActionCreate:
			c.Commit(op.ID, op.Fingerprint)
			res.Created++
		case ActionUpdate:
			c.Commit(op.ID, op.Fingerprint)
			res.Updated++
		case ActionDelete:
			c.Erase(op.ID)
			res.Deleted++
		}
		e.logger.Info(op.Action.Symbol()+" "+op.Title(), "action", op.Action, "id", op.ID, "reason", op.Reason)
	}

	for _, op := range plan.Deletes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record(op, e.run(ctx, op))
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, op := range plan.Upserts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			record(op, e.run(ctx, op))
			return nil
		})
	}
	_ = g.Wait()

	return res, ctx.Err()
}

// run performs op with bounded retries of transient failures.
func (e *Executor) run(ctx context.Context, op Operation) error {
	delay := e.cfg.Backoff
	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if !remote.IsTransient(err) || attempt >= e.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}

		e.logger.Warn("Retrying operation", "action", op.Action, "id", op.ID, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return err
		}
		delay = min(delay*2, maxBackoff)
	}
}

func (e *Executor) attempt(ctx context.Context, op Operation) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	switch op.Action {
	case ActionCreate:
		return e.remote.Create(ctx, *op.Occurrence, op.Fingerprint)
	case ActionUpdate:
		return e.remote.Update(ctx, *op.Occurrence, op.Fingerprint)
	case ActionDelete:
		err := e.remote.Delete(ctx, op.ID)
		if errors.Is(err, remote.ErrNotFound) {
			e.logger.Debug("Object already gone remotely", "id", op.ID)
			return nil
		}
		return err
	default:
		return nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
