package executor_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Agent/internal/executor"

	"github.com/stretchr/testify/require"
)

func TestEnviron(t *testing.T) {
	t.Parallel()

	var tcases = []struct {
		name      string
		environ   []string
		localMode bool
		then      []string
	}{
		{
			name:      "set",
			environ:   []string{"PATH=/bin", executor.EnvDockerLocalMode + "=true"},
			localMode: true,
			then:      []string{executor.EnvDockerLocalMode + "=true"},
		},
		{
			name:      "unset",
			environ:   []string{"PATH=/bin"},
			localMode: true,
			then:      nil,
		},
		{
			name:      "agent value wins over the config",
			environ:   []string{"PATH=/bin", executor.EnvDockerLocalMode + "=false"},
			localMode: true,
			then:      []string{executor.EnvDockerLocalMode + "=false"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			s := executor.Settings{Environ: tc.environ}
			s.Docker.LocalMode = tc.localMode

			env, err := executor.SettingsEnviron(s, dir, filepath.Join(dir, executor.PayloadDir))
			require.NoError(t, err)

			var got []string
			for _, kv := range env {
				if strings.HasPrefix(kv, executor.EnvDockerLocalMode+"=") {
					got = append(got, kv)
				}
			}
			require.Equal(t, tc.then, got)
			require.Contains(t, env, executor.EnvTmpDir+"="+filepath.Join(dir, "tmp"))
			require.Contains(t, env, executor.EnvAttachmentsDir+"="+filepath.Join(dir, executor.PayloadDir, executor.AttachmentsDir))
			require.DirExists(t, filepath.Join(dir, "tmp"))
		})
	}
}
