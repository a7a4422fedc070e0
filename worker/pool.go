package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/smallnest/gradeflow/log"
	"github.com/smallnest/gradeflow/store"
)

// Options configures a worker pool.
type Options struct {
	// WorkerID identifies this process in claim records. Default: random UUID.
	WorkerID string

	// MaxConcurrentRuns caps runs executing in this process. Default 8.
	MaxConcurrentRuns int

	// Lease is how long a claim stays valid without a heartbeat. Default 30s.
	Lease time.Duration

	// PollInterval is the idle delay between claim attempts. Default 1s.
	PollInterval time.Duration

	// JanitorInterval is how often expired leases are re-queued. Default 10s.
	JanitorInterval time.Duration

	Logger log.Logger
}

// Pool claims and executes runs until stopped.
type Pool struct {
	store    store.Store
	registry *Registry
	opts     Options

	tasks  *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over the store and registry.
func NewPool(st store.Store, registry *Registry, opts Options) (*Pool, error) {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.New().String()
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 8
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop{}
	}

	tasks, err := ants.NewPool(opts.MaxConcurrentRuns, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Pool{store: st, registry: registry, opts: opts, tasks: tasks}, nil
}

// Start launches the claim loop and the lease janitor. It returns
// immediately; call Stop to drain.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.claimLoop(ctx)
	go p.janitorLoop(ctx)
}

// Stop halts claiming, waits for in-flight runs to settle and releases the
// task pool.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for p.tasks.Running() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	p.tasks.Release()
}

func (p *Pool) claimLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.tasks.Free() <= 0 {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		run, err := p.store.ClaimPending(ctx, p.opts.WorkerID, p.opts.Lease)
		if err != nil {
			if ctx.Err() == nil {
				p.opts.Logger.Error("claim failed: %v", err)
			}
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if run == nil {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		claimed := run
		if err := p.tasks.Submit(func() { p.execute(ctx, claimed) }); err != nil {
			// Pool filled between the Free check and Submit. Put the run back.
			p.opts.Logger.Warn("task pool saturated, releasing run %s", claimed.ID)
			if rerr := p.store.ReleaseClaim(ctx, claimed.ID, p.opts.WorkerID); rerr != nil {
				p.opts.Logger.Error("run %s: failed to release claim: %v", claimed.ID, rerr)
			}
		}
	}
}

func (p *Pool) janitorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueExpired(ctx, time.Now().UTC())
			if err != nil {
				p.opts.Logger.Error("janitor sweep failed: %v", err)
				continue
			}
			if n > 0 {
				p.opts.Logger.Warn("re-queued %d runs with expired leases", n)
			}
		}
	}
}

// execute drives one claimed run to a settled status. Every exit path writes
// the run's status back; a crash before that leaves the lease to expire and
// the janitor to re-queue.
func (p *Pool) execute(ctx context.Context, run *store.Run) {
	logger := p.opts.Logger
	ctx = WithRunID(ctx, run.ID)

	attempt, err := p.store.CreateAttempt(ctx, run.ID)
	if err != nil {
		logger.Error("run %s: failed to open attempt: %v", run.ID, err)
		return
	}
	logger.Info("run %s: attempt %d started on worker %s", run.ID, attempt.Number, p.opts.WorkerID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, run.ID)

	runner, ok := p.registry.Get(run.GraphName)
	if !ok {
		p.settle(ctx, run.ID, attempt.ID, store.StatusFailed, nil, "no runner registered for graph "+run.GraphName)
		return
	}

	result, err := runner.Run(ctx, run)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Shutdown, not a run failure. The run goes back to the queue and
			// the next claimant resumes it from its last checkpoint.
			p.release(ctx, run.ID, attempt.ID)
			logger.Info("run %s: released on shutdown", run.ID)
			return
		}
		logger.Error("run %s: attempt %d failed: %v", run.ID, attempt.Number, err)
		p.settle(ctx, run.ID, attempt.ID, store.StatusFailed, nil, err.Error())
		return
	}

	switch result.Status {
	case store.StatusPaused:
		if err := p.store.PauseRun(ctx, run.ID); err != nil {
			logger.Error("run %s: failed to pause: %v", run.ID, err)
		}
		if err := p.store.CompleteAttempt(ctx, attempt.ID, store.StatusPaused, ""); err != nil {
			logger.Error("run %s: failed to close attempt: %v", run.ID, err)
		}
		logger.Info("run %s: paused for external input", run.ID)
	case store.StatusCancelled:
		p.settle(ctx, run.ID, attempt.ID, store.StatusCancelled, result.Output, "")
		logger.Info("run %s: cancelled", run.ID)
	default:
		p.settle(ctx, run.ID, attempt.ID, store.StatusCompleted, result.Output, "")
		logger.Info("run %s: completed", run.ID)
	}
}

// release re-queues a claimed run without settling it. The pool context is
// cancelled at this point, so the store writes run detached from it.
func (p *Pool) release(ctx context.Context, runID, attemptID string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.store.ReleaseClaim(ctx, runID, p.opts.WorkerID); err != nil {
		p.opts.Logger.Error("run %s: failed to release claim: %v", runID, err)
	}
	if err := p.store.CompleteAttempt(ctx, attemptID, store.StatusFailed, "interrupted by worker shutdown"); err != nil {
		p.opts.Logger.Error("run %s: failed to close attempt: %v", runID, err)
	}
}

func (p *Pool) settle(ctx context.Context, runID, attemptID string, status store.RunStatus, output map[string]any, errMsg string) {
	if err := p.store.FinishRun(ctx, runID, status, output, errMsg); err != nil {
		p.opts.Logger.Error("run %s: failed to record %s: %v", runID, status, err)
	}
	if err := p.store.CompleteAttempt(ctx, attemptID, status, errMsg); err != nil {
		p.opts.Logger.Error("run %s: failed to close attempt: %v", runID, err)
	}
}

// heartbeat extends the lease at a third of its duration so a healthy worker
// never loses a claim.
func (p *Pool) heartbeat(ctx context.Context, runID string) {
	interval := p.opts.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, runID, p.opts.WorkerID, p.opts.Lease); err != nil {
				if ctx.Err() == nil {
					p.opts.Logger.Warn("run %s: lease extension failed: %v", runID, err)
				}
				return
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
