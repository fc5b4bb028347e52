package pool_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Agent/internal/pool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProc struct {
	kills  atomic.Int32
	closes atomic.Int32
}

func (f *fakeProc) Kill() error {
	f.kills.Add(1)
	return nil
}

func (f *fakeProc) Close() error {
	f.closes.Add(1)
	return nil
}

// launcher creates a directory per entry and counts its calls
type launcher struct {
	t     *testing.T
	root  string
	calls atomic.Int32
	block chan struct{}
}

func newLauncher(t *testing.T) *launcher {
	t.Helper()
	return &launcher{t: t, root: t.TempDir()}
}

func (l *launcher) launch(_ context.Context) (*pool.Entry[*fakeProc], error) {
	n := l.calls.Add(1)
	if l.block != nil && n > 1 {
		<-l.block
	}
	dir, err := os.MkdirTemp(l.root, "prefork")
	if err != nil {
		return nil, err
	}
	return &pool.Entry[*fakeProc]{Proc: &fakeProc{}, Dir: dir}, nil
}

func TestPopulate_MaxSize(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New[string, *fakeProc](pool.Config{MaxSize: 2})
		l := newLauncher(t)

		var entries []*pool.Entry[*fakeProc]
		launch := func(ctx context.Context) (*pool.Entry[*fakeProc], error) {
			e, err := l.launch(ctx)
			if err == nil {
				entries = append(entries, e)
			}
			return e, err
		}

		for _, key := range []string{"a", "b", "a", "c", "b"} {
			time.Sleep(time.Second)
			p.Populate(t.Context(), key, launch)
			require.LessOrEqual(t, p.Live(), 2)
		}

		require.Equal(t, 5, p.Len())
		require.Equal(t, 2, p.Live())
		flagged := p.Flagged()
		require.Len(t, flagged, 3)
		// the three oldest are flagged, in order of creation
		require.ElementsMatch(t, entries[:3], flagged)

		p.Maintenance(t.Context())
		require.Equal(t, 2, p.Len())
		for _, e := range entries[:3] {
			require.Equal(t, int32(1), e.Proc.kills.Load())
			require.Equal(t, int32(1), e.Proc.closes.Load())
			require.NoDirExists(t, e.Dir)
		}
		for _, e := range entries[3:] {
			require.Zero(t, e.Proc.kills.Load())
			require.DirExists(t, e.Dir)
		}
		require.NoError(t, p.Stop(t.Context()))
	})
}

func TestPopulate_Disabled(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{MaxSize: 0})
	l := newLauncher(t)
	p.Populate(t.Context(), "a", l.launch)
	require.Zero(t, p.Len())
	require.Zero(t, l.calls.Load())
}

func TestPopulate_LaunchError(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{MaxSize: 2})
	p.Populate(t.Context(), "a", func(context.Context) (*pool.Entry[*fakeProc], error) {
		return nil, errors.New("boom")
	})
	require.Zero(t, p.Len())
}

func TestMaintenance_MaxAge(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New[string, *fakeProc](pool.Config{MaxSize: 5, MaxAge: time.Minute})
		l := newLauncher(t)

		p.Populate(t.Context(), "old", l.launch)
		time.Sleep(45 * time.Second)
		p.Populate(t.Context(), "young", l.launch)
		time.Sleep(30 * time.Second)

		p.Maintenance(t.Context())
		require.Equal(t, 1, p.Len())

		// the old one is gone, the young one is still there
		young, err := p.Take(t.Context(), "young", l.launch)
		require.NoError(t, err)
		require.DirExists(t, young.Dir)
		p.Wait()

		p.Maintenance(t.Context())
		p.Maintenance(t.Context())
		require.Equal(t, int32(3), l.calls.Load())
		require.NoError(t, p.Stop(t.Context()))
	})
}

func TestMaintenance_Once(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		p := pool.New[string, *fakeProc](pool.Config{MaxSize: 1, MaxAge: time.Minute})
		var entry *pool.Entry[*fakeProc]
		l := newLauncher(t)
		p.Populate(t.Context(), "a", func(ctx context.Context) (*pool.Entry[*fakeProc], error) {
			var err error
			entry, err = l.launch(ctx)
			return entry, err
		})
		time.Sleep(2 * time.Minute)

		p.Maintenance(t.Context())
		p.Maintenance(t.Context())
		require.Zero(t, p.Len())
		require.Equal(t, int32(1), entry.Proc.kills.Load())
		require.NoDirExists(t, entry.Dir)
	})
}

func TestTake(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{MaxSize: 2})
	l := newLauncher(t)
	l.block = make(chan struct{})

	// empty queue: the entry is launched synchronously, populate is blocked
	first, err := p.Take(t.Context(), "a", l.launch)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.DirExists(t, first.Dir)

	close(l.block)
	p.Wait()
	require.Equal(t, int32(2), l.calls.Load())
	require.Equal(t, 1, p.Len())

	// queued entry is handed out and a new one is populated
	second, err := p.Take(t.Context(), "a", l.launch)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	p.Wait()
	require.Equal(t, int32(3), l.calls.Load())
	require.Equal(t, 1, p.Len())

	// entries of another key are not shared
	_, err = p.Take(t.Context(), "b", l.launch)
	require.NoError(t, err)
	p.Wait()
	require.Equal(t, int32(5), l.calls.Load())
	require.Equal(t, 2, p.Len())

	require.NoError(t, p.Stop(t.Context()))
	require.Zero(t, p.Len())
	_, err = p.Take(t.Context(), "a", l.launch)
	require.ErrorIs(t, err, pool.ErrStopped)
}

func TestTake_LaunchError(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{MaxSize: 2})
	boom := errors.New("boom")
	var calls atomic.Int32
	_, err := p.Take(t.Context(), "a", func(context.Context) (*pool.Entry[*fakeProc], error) {
		calls.Add(1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	p.Wait()
	require.Equal(t, int32(2), calls.Load())
	require.NoError(t, p.Stop(t.Context()))
}

func TestStart(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{
		MaxSize:  2,
		MaxAge:   time.Millisecond,
		Interval: 10 * time.Millisecond,
	})
	l := newLauncher(t)
	require.NoError(t, p.Start(t.Context()))
	p.Populate(t.Context(), "a", l.launch)

	require.Eventually(t, func() bool {
		return p.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Stop(t.Context()))
}

func TestStart_Cron(t *testing.T) {
	t.Parallel()
	p := pool.New[string, *fakeProc](pool.Config{Cron: "not a cron"})
	require.Error(t, p.Start(t.Context()))

	p = pool.New[string, *fakeProc](pool.Config{Cron: "@every 1m"})
	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.Stop(t.Context()))
}
