package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owles/go-jobqueue/core"
)

const (
	defaultPollInterval      = time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultStuckThreshold    = 30 * time.Second
	defaultSweepInterval     = 15 * time.Second
)

type PoolConfig struct {
	// ID prefixes every worker id. Defaults to a random UUID.
	ID string
	// PollInterval caps how long an idle loop sleeps without a wakeup.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// StuckThreshold is how old a heartbeat may get before the sweeper
	// reclaims the job. Keep it well above HeartbeatInterval.
	StuckThreshold time.Duration
	// SweepInterval is the sweeper period; a negative value disables it.
	SweepInterval time.Duration
	StoreRetry    RetryConfig
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaultStuckThreshold
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	c.StoreRetry = c.StoreRetry.withDefaults()
	return c
}

func (c PoolConfig) validate() error {
	if c.HeartbeatInterval >= c.StuckThreshold {
		return fmt.Errorf("%w: heartbeat %s, threshold %s", core.ErrStuckThreshold, c.HeartbeatInterval, c.StuckThreshold)
	}
	return nil
}

// Pool runs the consumer loops of a fixed set of registrations.
type Pool struct {
	sync.Mutex

	queue  *Queue
	regs   []Registration
	config PoolConfig

	registry *Registry
	workers  []*Worker
	wg       sync.WaitGroup

	isRunning bool
	stop      context.CancelFunc
	abort     context.CancelFunc
	release   []func()
}

func NewPool(queue *Queue, regs []Registration, config PoolConfig) *Pool {
	return &Pool{
		queue:  queue,
		regs:   append([]Registration(nil), regs...),
		config: config.withDefaults(),
	}
}

func (p *Pool) ID() string {
	return p.config.ID
}

// Listen validates the registrations and starts every consumer loop and the
// sweeper. It returns once they are running; they stop when ctx is done or
// on Shutdown. Configuration errors wrap core.ErrConfiguration.
func (p *Pool) Listen(ctx context.Context) error {
	p.Lock()
	defer p.Unlock()

	if p.isRunning {
		return core.ErrAlreadyRunning
	}

	if err := p.config.validate(); err != nil {
		return err
	}

	registry, err := NewRegistry(p.regs)
	if err != nil {
		return err
	}
	p.registry = registry

	loopCtx, stop := context.WithCancel(ctx)
	base, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.stop, p.abort = stop, abort
	p.workers = p.workers[:0]
	p.release = p.release[:0]

	logCtx := p.queue.logCtx(ctx)
	for _, jobType := range registry.Types() {
		reg, _ := registry.Lookup(jobType)
		p.subscribe(loopCtx, jobType)

		for i := 0; i < reg.Concurrency; i++ {
			wake, release := p.queue.signals.subscribe(jobType)
			p.release = append(p.release, release)

			w := newWorker(fmt.Sprintf("%s:%s:%d", p.config.ID, jobType, i+1), reg, p.queue, p.config, wake, base)
			p.workers = append(p.workers, w)

			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.run(loopCtx)
			}()
		}
		p.queue.logger.InfoContext(WithLogJobType(logCtx, jobType), "listening", "concurrency", reg.Concurrency)
	}

	if p.config.SweepInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sweep(loopCtx)
		}()
	}

	p.isRunning = true
	return nil
}

// subscribe forwards the source's cross-process wakeups for jobType to the
// local loops. Without a notifier the loops rely on polling alone.
func (p *Pool) subscribe(ctx context.Context, jobType string) {
	if p.queue.notifier == nil {
		return
	}

	logCtx := WithLogJobType(p.queue.logCtx(ctx), jobType)
	events, err := p.queue.notifier.Subscribe(ctx, jobType)
	if err != nil {
		p.queue.logger.WarnContext(logCtx, "notifier.Subscribe", "error", err)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for range events {
			p.queue.signals.broadcast(jobType)
		}
	}()
}

func (p *Pool) sweep(ctx context.Context) {
	ctx = WithLogWorkerID(p.queue.logCtx(ctx), p.config.ID)

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.queue.SweepStuck(ctx, p.queue.Now(), p.config.StuckThreshold)
		if err != nil {
			p.queue.logger.WarnContext(ctx, "queue.SweepStuck", "error", err)
			continue
		}
		if n > 0 {
			p.queue.logger.InfoContext(ctx, "swept stuck jobs", "count", n)
		}
	}
}

// Shutdown stops claiming and waits for in-flight handlers. If ctx ends
// first, the handlers' contexts are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Lock()
	if !p.isRunning {
		p.Unlock()
		return nil
	}
	stop, abort := p.stop, p.abort
	p.Unlock()

	p.queue.logger.InfoContext(p.queue.logCtx(ctx), "stop pool")
	stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.queue.logger.WarnContext(p.queue.logCtx(ctx), "shutdown deadline reached, cancelling handlers")
	}
	abort()

	p.Lock()
	for _, release := range p.release {
		release()
	}
	p.isRunning = false
	p.Unlock()

	return err
}

// Wait blocks until every loop has stopped, either through Shutdown or
// because the listen context ended.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Registry() *Registry {
	p.Lock()
	defer p.Unlock()
	return p.registry
}

func (p *Pool) Metrics() []*Metrics {
	p.Lock()
	defer p.Unlock()

	m := make([]*Metrics, len(p.workers))
	for i, w := range p.workers {
		m[i] = w.GetMetric()
	}
	return m
}
