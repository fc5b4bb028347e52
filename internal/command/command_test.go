package command_test

import (
	"testing"

	"github.com/CZERTAINLY/Agent/internal/command"
	"github.com/stretchr/testify/require"
)

func runtime() command.Runtime {
	return command.Runtime{
		JavaCmd:    "/usr/bin/java",
		Params:     []string{"-Xmx128m"},
		LogLevel:   "info",
		ClassPath:  "/opt/runtime/runtime.jar",
		ConfigPath: "/var/lib/agent/cfg/abc.json",
	}
}

func TestRuntimeBuild(t *testing.T) {
	t.Parallel()

	argv, err := runtime().Build()
	require.NoError(t, err)
	require.Equal(t, []string{
		"/usr/bin/java",
		"-Xmx128m",
		"-Dfile.encoding=UTF-8",
		"-Djava.net.preferIPv4Stack=true",
		"-Djava.security.egd=file:/dev/./urandom",
		"-Dsun.zip.disableMemoryMapping=true",
		"-DlogLevel=INFO",
		"-Druntime.exposeDockerDaemon=false",
		"-cp",
		"/opt/runtime/runtime.jar",
		command.DefaultEntryPoint,
		"/var/lib/agent/cfg/abc.json",
	}, argv)

	r := runtime()
	r.WorkDir = "/workspace/payload"
	r.ExtraVolumesFile = ".extraDockerVolumes"
	r.ExposeDockerDaemon = true
	r.EntryPoint = "custom.Main"
	argv, err = r.Build()
	require.NoError(t, err)
	require.Contains(t, argv, "-Duser.dir=/workspace/payload")
	require.Contains(t, argv, "-Druntime.extraDockerVolumes=.extraDockerVolumes")
	require.Contains(t, argv, "-Druntime.exposeDockerDaemon=true")
	require.Equal(t, "custom.Main", argv[len(argv)-2])
	require.Equal(t, "/var/lib/agent/cfg/abc.json", argv[len(argv)-1])
}

func TestRuntimeBuild_Incomplete(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		modify   func(*command.Runtime)
	}{
		{"no java", func(r *command.Runtime) { r.JavaCmd = "" }},
		{"no class path", func(r *command.Runtime) { r.ClassPath = "" }},
		{"no config", func(r *command.Runtime) { r.ConfigPath = "" }},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			r := runtime()
			tt.modify(&r)
			_, err := r.Build()
			require.ErrorIs(t, err, command.ErrIncomplete)
		})
	}
}

func TestHash(t *testing.T) {
	t.Parallel()

	a, err := runtime().Build()
	require.NoError(t, err)
	b, err := runtime().Build()
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, command.Hash(a), command.Hash(b))

	r := runtime()
	r.LogLevel = "debug"
	c, err := r.Build()
	require.NoError(t, err)
	require.NotEqual(t, command.Hash(a), command.Hash(c))

	require.NotEqual(t,
		command.Hash([]string{"ab", "c"}),
		command.Hash([]string{"a", "bc"}),
	)
	require.Len(t, command.Hash(nil).String(), 64)
}

func TestDockerBuild(t *testing.T) {
	t.Parallel()

	d := command.Docker{
		Image:       "library/runtime:1",
		ForcePull:   true,
		HostNetwork: true,
		Volumes: []command.Volume{
			{Host: "/tmp/proc", Container: "/workspace"},
			{Host: "/usr/lib/jvm", Container: "/opt/runner/java", ReadOnly: true},
		},
		Env:    map[string]string{"B": "2", "A": "1"},
		Labels: map[string]string{"runnerTxId": "1234"},
		CPU:    "2",
		Memory: "1g",
		Args:   []string{"java", "-cp", "it's"},
	}

	argv, err := d.Build()
	require.NoError(t, err)
	require.Len(t, argv, 3)
	require.Equal(t, "/bin/sh", argv[0])
	require.Equal(t, "-c", argv[1])
	require.Equal(t,
		"docker pull 'library/runtime:1' && docker run --rm -i "+
			"-v '/tmp/proc:/workspace' -v '/usr/lib/jvm:/opt/runner/java:ro' "+
			"-e 'A=1' -e 'B=2' --label 'runnerTxId=1234' --net=host --cpus '2' -m '1g' "+
			`'library/runtime:1' 'java' '-cp' 'it'\''s'`,
		argv[2])

	again, err := d.Build()
	require.NoError(t, err)
	require.Equal(t, argv, again)

	d.ForcePull = false
	argv, err = d.Build()
	require.NoError(t, err)
	require.NotContains(t, argv[2], "docker pull")

	_, err = command.Docker{}.Build()
	require.ErrorIs(t, err, command.ErrIncomplete)
}
