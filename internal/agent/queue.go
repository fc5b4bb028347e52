package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CZERTAINLY/Agent/internal/executor"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// ClaimedDir holds the payloads taken from the queue and not yet handed to
// a strategy.
const ClaimedDir = ".claimed"

const DefaultPollInterval = 2 * time.Second

// Queue executes the payload directories dropped into a queue directory.
// A payload is a directory named by the instance id of its job.
type Queue struct {
	agent    *Agent
	dir      string
	interval time.Duration

	mx      sync.Mutex
	running map[uuid.UUID]*executor.Instance
	wg      sync.WaitGroup
}

func NewQueue(a *Agent, dir string, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Queue{
		agent:    a,
		dir:      dir,
		interval: interval,
		running:  make(map[uuid.UUID]*executor.Instance),
	}
}

// Run polls the queue until ctx is cancelled. The running jobs are cancelled
// on return.
func (q *Queue) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(q.dir, ClaimedDir), 0755); err != nil {
		return fmt.Errorf("creating queue dir: %w", err)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(q.interval),
		gocron.NewTask(func() { q.Poll(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Join(
			fmt.Errorf("initializing gocron job: %w", err),
			s.Shutdown(),
		)
	}
	slog.InfoContext(ctx, "watching the queue", "dir", q.dir, "interval", q.interval.String())
	s.Start()

	<-ctx.Done()

	err = s.Shutdown()
	if err != nil {
		err = fmt.Errorf("shutting down gocron: %w", err)
	}
	q.cancelAll(context.WithoutCancel(ctx))
	q.wg.Wait()
	return err
}

// Poll claims and starts every queued payload.
func (q *Queue) Poll(ctx context.Context) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		slog.ErrorContext(ctx, "reading the queue", "dir", q.dir, "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		q.exec(ctx, id, filepath.Join(q.dir, e.Name()))
	}
}

func (q *Queue) exec(ctx context.Context, id uuid.UUID, src string) {
	claimed := filepath.Join(q.dir, ClaimedDir, id.String())
	if err := os.Rename(src, claimed); err != nil {
		slog.WarnContext(ctx, "can't claim the payload", "instance_id", id, "error", err)
		return
	}
	inst, err := q.agent.Exec(ctx, id, claimed)
	// the strategy has either moved or copied the payload
	if rerr := os.RemoveAll(claimed); rerr != nil {
		slog.WarnContext(ctx, "can't remove the claimed payload", "instance_id", id, "error", rerr)
	}
	if err != nil {
		slog.ErrorContext(ctx, "job failed to start", "instance_id", id, "error", err)
		return
	}

	q.mx.Lock()
	q.running[id] = inst
	q.mx.Unlock()

	q.wg.Go(func() {
		ctx := context.WithoutCancel(ctx)
		err := inst.Wait(ctx)
		q.mx.Lock()
		delete(q.running, id)
		q.mx.Unlock()
		switch {
		case inst.Cancelled():
			slog.WarnContext(ctx, "job cancelled", "instance_id", id)
		case err != nil:
			slog.ErrorContext(ctx, "job failed", "instance_id", id, "error", err)
		default:
			slog.InfoContext(ctx, "job finished", "instance_id", id)
		}
	})
}

// Running returns the number of started jobs not finished yet.
func (q *Queue) Running() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.running)
}

func (q *Queue) cancelAll(ctx context.Context) {
	q.mx.Lock()
	defer q.mx.Unlock()
	for _, inst := range q.running {
		inst.Cancel(ctx)
	}
}
