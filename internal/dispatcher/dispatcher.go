// Package dispatcher fans an accepted command out to its collaborator
// branches (voice feedback, actuation, telemetry) and joins them before the
// control loop moves on.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/laserguidance/targeting/pkg/core"
)

// Request is the command handed to every branch.
type Request struct {
	Command    core.Command
	Offset     core.Offset
	Target     string
	Previous   string
	Retargeted bool
	Time       time.Time
}

// BranchFunc performs one collaborator action for a request.
type BranchFunc func(ctx context.Context, r Request) error

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures branch registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
	commands   []core.Command
}

// Buffered makes the branch async with a queue of the given size. Dispatch
// does not wait for buffered branches.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered branch block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the branch.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// On restricts the branch to the given commands. Other commands skip it.
func On(cmds ...core.Command) Option {
	return func(c *config) {
		c.commands = append(c.commands, cmds...)
	}
}

// Result is the outcome of one branch for one dispatch.
type Result struct {
	Branch   string
	Err      error
	Skipped  bool
	Queued   bool
	Duration time.Duration
}

// Ack reports how each branch handled a dispatched command.
type Ack struct {
	Command core.Command
	Results []Result
}

// OK reports whether no branch failed.
func (a Ack) OK() bool {
	for _, r := range a.Results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Err joins the branch failures, each prefixed with its branch name.
func (a Ack) Err() error {
	var errs []error
	for _, r := range a.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Branch, r.Err))
		}
	}
	return errors.Join(errs...)
}

type branch struct {
	name     string
	fn       BranchFunc
	commands []core.Command
	async    bool
}

func (b branch) accepts(cmd core.Command) bool {
	return len(b.commands) == 0 || slices.Contains(b.commands, cmd)
}

type queued struct {
	ctx context.Context
	req Request
}

// Dispatcher routes commands to registered branches.
type Dispatcher struct {
	logger Logger

	// OTEL metrics
	dispatched metric.Int64Counter
	failures   metric.Int64Counter
	queueSize  metric.Int64ObservableGauge
	processed  metric.Int64Counter
	dropped    metric.Int64Counter

	mu       sync.RWMutex
	branches []branch
	buffers  map[string]chan queued
	workers  sync.WaitGroup
	closed   bool
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		buffers: make(map[string]chan queued),
		logger:  logger,
	}

	m := meter()

	var err error

	d.dispatched, err = m.Int64Counter(
		"dispatcher.commands.dispatched",
		metric.WithDescription("Total commands fanned out to branches"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatched counter: %w", err)
	}

	d.failures, err = m.Int64Counter(
		"dispatcher.branch.failures",
		metric.WithDescription("Total branch executions that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of requests waiting in buffered branches"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for name, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("branch", name)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.requests.processed",
		metric.WithDescription("Total requests processed by buffered branches"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.requests.dropped",
		metric.WithDescription("Total requests dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a branch under name. Registering an existing name replaces it.
func (d *Dispatcher) Register(name string, fn BranchFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	h := fn
	if cfg.logged {
		h = d.withLogging(name, h)
	}

	b := branch{name: name, fn: h, commands: cfg.commands}
	if cfg.bufferSize > 0 {
		b.fn = d.withBuffer(name, cfg.bufferSize, cfg.blocking, h)
		b.async = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.branches {
		if d.branches[i].name == name {
			d.branches[i] = b
			return
		}
	}
	d.branches = append(d.branches, b)
}

// HasBranch returns true if a branch is registered under name.
func (d *Dispatcher) HasBranch(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, b := range d.branches {
		if b.name == name {
			return true
		}
	}
	return false
}

// Dispatch runs every branch that accepts r.Command concurrently and waits
// for the synchronous ones. A failing branch never cancels its siblings.
// CommandNone is not dispatched.
func (d *Dispatcher) Dispatch(ctx context.Context, r Request) Ack {
	ack := Ack{Command: r.Command}
	if r.Command == core.CommandNone {
		return ack
	}

	d.mu.RLock()
	branches := slices.Clone(d.branches)
	d.mu.RUnlock()

	cmdAttr := attribute.String("command", r.Command.String())
	d.dispatched.Add(ctx, 1, metric.WithAttributes(cmdAttr))

	ack.Results = make([]Result, len(branches))
	var g errgroup.Group
	for i, b := range branches {
		ack.Results[i] = Result{Branch: b.name}
		if !b.accepts(r.Command) {
			ack.Results[i].Skipped = true
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := b.fn(ctx, r)
			ack.Results[i].Err = err
			ack.Results[i].Queued = b.async && err == nil
			ack.Results[i].Duration = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range ack.Results {
		if res.Err != nil {
			d.failures.Add(ctx, 1, metric.WithAttributes(cmdAttr, attribute.String("branch", res.Branch)))
		}
	}
	return ack
}

// Close stops accepting buffered work and waits for the queues to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()
	d.workers.Wait()
}

func (d *Dispatcher) withBuffer(name string, size int, blocking bool, h BranchFunc) BranchFunc {
	buffer := make(chan queued, size)

	d.mu.Lock()
	if old, ok := d.buffers[name]; ok {
		close(old)
	}
	d.buffers[name] = buffer
	d.mu.Unlock()

	branchAttr := attribute.String("branch", name)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for q := range buffer {
			if err := h(q.ctx, q.req); err != nil {
				d.logger.Error("buffered branch failed", "branch", name, "command", q.req.Command.String(), "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(branchAttr))
		}
	}()

	if blocking {
		return func(ctx context.Context, r Request) error {
			select {
			case buffer <- queued{ctx: context.WithoutCancel(ctx), req: r}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return func(ctx context.Context, r Request) error {
		select {
		case buffer <- queued{ctx: context.WithoutCancel(ctx), req: r}:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(branchAttr))
			return fmt.Errorf("queue full: %s", name)
		}
	}
}

func (d *Dispatcher) withLogging(name string, h BranchFunc) BranchFunc {
	return func(ctx context.Context, r Request) error {
		start := time.Now()
		d.logger.Debug("running branch", "branch", name, "command", r.Command.String(), "target", r.Target)

		err := h(ctx, r)

		if err != nil {
			d.logger.Error("branch failed", "branch", name, "command", r.Command.String(), "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("branch complete", "branch", name, "command", r.Command.String(), "duration", time.Since(start))
		}

		return err
	}
}
