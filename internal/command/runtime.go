package command

import (
	"errors"
	"strconv"
	"strings"
)

// DefaultEntryPoint is launched when Runtime.EntryPoint is empty.
const DefaultEntryPoint = "runtime.Main"

var ErrIncomplete = errors.New("incomplete command")

// fixed flags shared by every launched runtime
var fixedFlags = []string{
	"-Dfile.encoding=UTF-8",
	"-Djava.net.preferIPv4Stack=true",
	"-Djava.security.egd=file:/dev/./urandom",
	"-Dsun.zip.disableMemoryMapping=true",
}

// Runtime describes the launch of the embedded flow runtime. The zero values
// of optional fields are omitted from the command line.
type Runtime struct {
	JavaCmd            string
	Params             []string
	WorkDir            string
	LogLevel           string
	ExtraVolumesFile   string
	ExposeDockerDaemon bool
	ClassPath          string
	EntryPoint         string
	ConfigPath         string
}

// Build returns the argv of the runtime. It is a pure function: the same
// Runtime always yields the same argv.
func (r Runtime) Build() ([]string, error) {
	switch {
	case r.JavaCmd == "":
		return nil, errors.Join(ErrIncomplete, errors.New("java command is empty"))
	case r.ClassPath == "":
		return nil, errors.Join(ErrIncomplete, errors.New("class path is empty"))
	case r.ConfigPath == "":
		return nil, errors.Join(ErrIncomplete, errors.New("config path is empty"))
	}

	argv := make([]string, 0, 1+len(r.Params)+len(fixedFlags)+8)
	argv = append(argv, r.JavaCmd)
	argv = append(argv, r.Params...)
	argv = append(argv, fixedFlags...)

	if r.WorkDir != "" {
		argv = append(argv, "-Duser.dir="+r.WorkDir)
	}
	if r.LogLevel != "" {
		argv = append(argv, "-DlogLevel="+strings.ToUpper(r.LogLevel))
	}
	if r.ExtraVolumesFile != "" {
		argv = append(argv, "-Druntime.extraDockerVolumes="+r.ExtraVolumesFile)
	}
	argv = append(argv, "-Druntime.exposeDockerDaemon="+strconv.FormatBool(r.ExposeDockerDaemon))

	argv = append(argv, "-cp", r.ClassPath)

	entryPoint := r.EntryPoint
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}
	argv = append(argv, entryPoint, r.ConfigPath)
	return argv, nil
}
