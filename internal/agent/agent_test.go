package agent_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Agent/internal/agent"
	"github.com/CZERTAINLY/Agent/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fakeRuntime = `#!/bin/sh
while [ ! -f _instanceId ]; do sleep 0.05; done
echo "hello from $(cat _instanceId)"
mkdir -p _attachments
echo report > _attachments/report.txt
exit 0
`

type env struct {
	cfg     model.Config
	root    string
	logs    string
	outputs string
	persist string
}

func newEnv(t *testing.T) env {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipping test: sh not in PATH")
	}
	root := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(root, "cache"))

	java := filepath.Join(root, "java")
	require.NoError(t, os.WriteFile(java, []byte(fakeRuntime), 0o755))
	defaults := filepath.Join(root, "defaults.txt")
	require.NoError(t, os.WriteFile(defaults, []byte("# none\n"), 0o644))

	e := env{
		root:    root,
		logs:    filepath.Join(root, "joblogs"),
		outputs: filepath.Join(root, "outputs"),
		persist: filepath.Join(root, "persist"),
	}
	cfg := model.DefaultConfig(t.Context())
	cfg.Agent.JobLog = e.logs
	cfg.Runner.JavaCmd = java
	cfg.Runner.RuntimePath = filepath.Join(root, "runtime.jar")
	cfg.Runner.WorkDir = &[]string{filepath.Join(root, "work")}[0]
	cfg.Runner.PersistentWorkDir = &e.persist
	cfg.Dependencies.DefaultsFile = &defaults
	cfg.Pool.MaxSize = 0
	cfg.Attachments = model.Attachments{Output: model.OutputDir, Dir: &e.outputs}
	e.cfg = cfg
	return e
}

func (e env) payload(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.yml"), []byte("flows: {}\n"), 0o644))
	return dir
}

func (e env) agent(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := agent.New(t.Context(), e.cfg, agent.Options{
		Environ: []string{"PATH=" + os.Getenv("PATH")},
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(t.Context()))
	return a
}

func (e env) jobLog(t *testing.T, id uuid.UUID) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.logs, id.String()+".log"))
	require.NoError(t, err)
	return string(b)
}

func TestAgent_Exec(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t)

	id := uuid.New()
	inst, err := a.Exec(t.Context(), id, e.payload(t, filepath.Join(e.root, "payload")))
	require.NoError(t, err)
	require.NoError(t, inst.Wait(t.Context()))
	require.NoError(t, a.Close(context.Background()))

	require.Contains(t, e.jobLog(t, id), "hello from "+id.String())
	require.FileExists(t, filepath.Join(e.outputs, id.String()+".zip"))
	require.FileExists(t, filepath.Join(e.persist, id.String(), "_instanceId"))
}

func TestAgent_ExecInvalidPayload(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	dir := e.payload(t, filepath.Join(e.root, "payload"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, model.ProcessConfigFile), []byte("{"), 0o644))

	_, err := a.Exec(t.Context(), uuid.New(), dir)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNew_Invalid(t *testing.T) {
	e := newEnv(t)

	var tcases = []struct {
		name   string
		mutate func(*model.Config)
	}{
		{
			name:   "max age",
			mutate: func(c *model.Config) { c.Pool.MaxAge = "30m" },
		},
		{
			name: "maintenance",
			mutate: func(c *model.Config) {
				c.Pool.Maintenance = &model.Schedule{Duration: "every minute"}
			},
		},
		{
			name:   "attachments dir",
			mutate: func(c *model.Config) { c.Attachments = model.Attachments{Output: model.OutputDir} },
		},
		{
			name: "defaults file",
			mutate: func(c *model.Config) {
				c.Dependencies.DefaultsFile = &[]string{filepath.Join(e.root, "missing.txt")}[0]
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := e.cfg
			tc.mutate(&cfg)
			_, err := agent.New(t.Context(), cfg, agent.Options{})
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestQueue(t *testing.T) {
	e := newEnv(t)
	a := e.agent(t)

	queue := filepath.Join(e.root, "queue")
	id := uuid.New()
	e.payload(t, filepath.Join(queue, id.String()))
	// not a job
	e.payload(t, filepath.Join(queue, "incoming"))

	q := agent.NewQueue(a, queue, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(e.logs, id.String()+".log"))
		return err == nil && strings.Contains(string(b), "Process finished with: 0")
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return q.Running() == 0 }, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, a.Close(context.Background()))

	require.NoDirExists(t, filepath.Join(queue, id.String()))
	require.NoDirExists(t, filepath.Join(queue, agent.ClaimedDir, id.String()))
	require.DirExists(t, filepath.Join(queue, "incoming"))
	require.FileExists(t, filepath.Join(e.outputs, id.String()+".zip"))
}
