// Package pool keeps pre-started processes, so a job can take a warm one
// instead of waiting for a process start. Entries are queued per key, the
// whole pool is bounded by a maximum count of live entries and by their age.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultMaxAge   = 30 * time.Minute
	DefaultMaxSize  = 3
)

var ErrStopped = errors.New("pool stopped")

// Proc is a pooled process.
type Proc interface {
	Kill() error
	Close() error
}

// Entry is a pre-started process with its working directory. The pool owns
// an entry until Take hands it out, the caller owns it afterwards.
type Entry[P Proc] struct {
	Proc    P
	Dir     string
	Created time.Time
	remove  bool
}

// Launcher starts a new entry. Created is filled by the pool when left zero.
type Launcher[P Proc] func(ctx context.Context) (*Entry[P], error)

type Config struct {
	// MaxSize <= 0 disables populating, Take always launches a new entry
	MaxSize int
	// MaxAge < 0 disables the age based removal
	MaxAge   time.Duration
	Interval time.Duration
	// Cron schedules the maintenance by a five field cron expression,
	// Interval is ignored when set
	Cron string
}

func (c Config) withDefaults() Config {
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Pool is safe for a concurrent use. A single mutex serializes Take,
// Populate and Maintenance including the process spawning done by a Launcher.
type Pool[K comparable, P Proc] struct {
	cfg       Config
	mx        sync.Mutex
	queues    map[K][]*Entry[P]
	stopped   bool
	wg        sync.WaitGroup
	scheduler gocron.Scheduler
	metrics   metrics
}

func New[K comparable, P Proc](cfg Config) *Pool[K, P] {
	return &Pool[K, P]{
		cfg:     cfg.withDefaults(),
		queues:  make(map[K][]*Entry[P]),
		metrics: newMetrics(),
	}
}

// Take returns the oldest queued entry for key or starts a new one using
// launch. Either way it schedules one asynchronous Populate for the key.
func (p *Pool[K, P]) Take(ctx context.Context, key K, launch Launcher[P]) (*Entry[P], error) {
	p.mx.Lock()
	if p.stopped {
		p.mx.Unlock()
		return nil, ErrStopped
	}
	entry, err := p.take(ctx, key, launch)

	// registered under the lock, so Stop can't miss it
	populateCtx := context.WithoutCancel(ctx)
	p.wg.Go(func() {
		p.Populate(populateCtx, key, launch)
	})
	p.mx.Unlock()
	return entry, err
}

func (p *Pool[K, P]) take(ctx context.Context, key K, launch Launcher[P]) (*Entry[P], error) {
	if q := p.queues[key]; len(q) > 0 {
		entry := q[0]
		q[0] = nil
		if len(q) == 1 {
			delete(p.queues, key)
		} else {
			p.queues[key] = q[1:]
		}
		p.metrics.hit(ctx)
		slog.DebugContext(ctx, "pool: entry taken", "dir", entry.Dir)
		return entry, nil
	}

	p.metrics.miss(ctx)
	entry, err := p.launch(ctx, launch)
	if err != nil {
		return nil, fmt.Errorf("starting a process: %w", err)
	}
	return entry, nil
}

// Populate starts one entry for the key. When the pool holds MaxSize live
// entries, the oldest one across all keys is flagged for removal by the
// next Maintenance. Launch errors are logged only.
func (p *Pool[K, P]) Populate(ctx context.Context, key K, launch Launcher[P]) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.stopped || p.cfg.MaxSize <= 0 {
		return
	}

	if p.live() >= p.cfg.MaxSize {
		if oldest := p.oldest(); oldest != nil {
			oldest.remove = true
			slog.DebugContext(ctx, "pool: full, entry flagged for removal", "dir", oldest.Dir, "created", oldest.Created)
		}
	}

	entry, err := p.launch(ctx, launch)
	if err != nil {
		p.metrics.launchFailed(ctx)
		slog.WarnContext(ctx, "pool: populate failed", "error", err)
		return
	}
	p.queues[key] = append(p.queues[key], entry)
	p.metrics.added(ctx, 1)
}

func (p *Pool[K, P]) launch(ctx context.Context, launch Launcher[P]) (*Entry[P], error) {
	entry, err := launch(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.New("launcher returned no entry")
	}
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}
	return entry, nil
}

// live returns the number of entries not flagged for removal
func (p *Pool[K, P]) live() int {
	var n int
	for _, q := range p.queues {
		for _, e := range q {
			if !e.remove {
				n++
			}
		}
	}
	return n
}

// oldest returns the oldest entry not flagged for removal
func (p *Pool[K, P]) oldest() *Entry[P] {
	var ret *Entry[P]
	for _, q := range p.queues {
		for _, e := range q {
			if e.remove {
				continue
			}
			if ret == nil || e.Created.Before(ret.Created) {
				ret = e
			}
		}
	}
	return ret
}

// Maintenance destroys entries flagged for removal or older than MaxAge.
// Destroying kills the process and removes its directory. Keys without
// entries are dropped.
func (p *Pool[K, P]) Maintenance(ctx context.Context) {
	p.mx.Lock()
	defer p.mx.Unlock()

	now := time.Now()
	for key, q := range p.queues {
		kept := q[:0]
		for _, e := range q {
			expired := p.cfg.MaxAge > 0 && now.Sub(e.Created) > p.cfg.MaxAge
			if e.remove || expired {
				slog.DebugContext(ctx, "pool: removing entry", "dir", e.Dir, "flagged", e.remove, "expired", expired)
				destroy(ctx, e)
				p.metrics.evicted(ctx)
				continue
			}
			kept = append(kept, e)
		}
		clear(q[len(kept):])
		if len(kept) == 0 {
			delete(p.queues, key)
		} else {
			p.queues[key] = kept
		}
	}
}

// Len returns the number of all queued entries.
func (p *Pool[K, P]) Len() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	var n int
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Start schedules Maintenance each Interval or by Cron.
func (p *Pool[K, P]) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	var def gocron.JobDefinition
	if p.cfg.Cron != "" {
		def = gocron.CronJob(p.cfg.Cron, false)
	} else {
		def = gocron.DurationJob(p.cfg.Interval)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(func() { p.Maintenance(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Join(
			fmt.Errorf("initializing gocron job: %w", err),
			s.Shutdown(),
		)
	}
	slog.DebugContext(ctx, "pool: maintenance scheduled", "interval", p.cfg.Interval.String(), "cron", p.cfg.Cron)
	s.Start()
	p.scheduler = s
	return nil
}

// Wait blocks until all scheduled Populate calls are done.
func (p *Pool[K, P]) Wait() {
	p.wg.Wait()
}

// Stop ends the maintenance, waits for pending Populate calls and destroys
// all queued entries. Take fails with ErrStopped afterwards.
func (p *Pool[K, P]) Stop(ctx context.Context) error {
	var err error
	if p.scheduler != nil {
		err = p.scheduler.Shutdown()
		if err != nil {
			err = fmt.Errorf("shutting down gocron: %w", err)
		}
	}

	p.mx.Lock()
	p.stopped = true
	p.mx.Unlock()

	p.wg.Wait()

	p.mx.Lock()
	defer p.mx.Unlock()
	for key, q := range p.queues {
		for _, e := range q {
			destroy(ctx, e)
		}
		p.metrics.added(ctx, -int64(len(q)))
		delete(p.queues, key)
	}
	return err
}

func destroy[P Proc](ctx context.Context, e *Entry[P]) {
	if err := e.Proc.Kill(); err != nil {
		slog.WarnContext(ctx, "pool: can't kill a process", "dir", e.Dir, "error", err)
	}
	if err := e.Proc.Close(); err != nil {
		slog.WarnContext(ctx, "pool: can't close a process", "dir", e.Dir, "error", err)
	}
	if e.Dir == "" {
		return
	}
	if err := os.RemoveAll(e.Dir); err != nil {
		slog.WarnContext(ctx, "pool: can't remove a directory", "dir", e.Dir, "error", err)
	}
}

type metrics struct {
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	failures metric.Int64Counter
	evicts   metric.Int64Counter
	entries  metric.Int64UpDownCounter
}

func newMetrics() metrics {
	meter := otel.Meter("github.com/CZERTAINLY/Agent/internal/pool")
	// instruments of the global provider never fail, errors are ignored
	hits, _ := meter.Int64Counter("agent.pool.hits", metric.WithDescription("Entries taken from the pool"))
	misses, _ := meter.Int64Counter("agent.pool.misses", metric.WithDescription("Processes started on an empty queue"))
	failures, _ := meter.Int64Counter("agent.pool.launch.failures", metric.WithDescription("Failed populate attempts"))
	evicts, _ := meter.Int64Counter("agent.pool.evictions", metric.WithDescription("Entries destroyed by maintenance"))
	entries, _ := meter.Int64UpDownCounter("agent.pool.entries", metric.WithDescription("Queued entries"))
	return metrics{
		hits:     hits,
		misses:   misses,
		failures: failures,
		evicts:   evicts,
		entries:  entries,
	}
}

func (m metrics) hit(ctx context.Context) {
	m.hits.Add(ctx, 1)
	m.entries.Add(ctx, -1)
}

func (m metrics) miss(ctx context.Context) {
	m.misses.Add(ctx, 1)
}

func (m metrics) launchFailed(ctx context.Context) {
	m.failures.Add(ctx, 1)
}

func (m metrics) evicted(ctx context.Context) {
	m.evicts.Add(ctx, 1)
	m.entries.Add(ctx, -1)
}

func (m metrics) added(ctx context.Context, n int64) {
	m.entries.Add(ctx, n)
}
