package command

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

// Volume is a single bind mount of a docker container.
type Volume struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (v Volume) String() string {
	s := v.Host + ":" + v.Container
	if v.ReadOnly {
		s += ":ro"
	}
	return s
}

// Docker describes a `docker run` invocation wrapped in a shell, so the image
// can be pulled first. Map fields are emitted in a sorted key order.
type Docker struct {
	Image        string
	ForcePull    bool
	User         string
	HostUser     bool
	HostNetwork  bool
	Volumes      []Volume
	ExtraVolumes []string
	Env          map[string]string
	Labels       map[string]string
	CPU          string
	Memory       string
	Options      []string
	Args         []string
}

// Build returns the argv of /bin/sh running the container.
func (d Docker) Build() ([]string, error) {
	if d.Image == "" {
		return nil, errors.Join(ErrIncomplete, errors.New("docker image is empty"))
	}

	run := d.run()
	if d.ForcePull {
		return []string{"/bin/sh", "-c", "docker pull " + quote(d.Image) + " && " + run}, nil
	}
	return []string{"/bin/sh", "-c", run}, nil
}

func (d Docker) run() string {
	c := []string{"docker", "run"}
	if d.User != "" && !d.HostUser {
		c = append(c, "-u", quote(d.User))
	}
	c = append(c, "--rm", "-i")
	for _, v := range d.Volumes {
		c = append(c, "-v", quote(v.String()))
	}
	for _, v := range d.ExtraVolumes {
		c = append(c, "-v", quote(v))
	}
	for _, k := range slices.Sorted(maps.Keys(d.Env)) {
		c = append(c, "-e", quote(k+"="+d.Env[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(d.Labels)) {
		label := k
		if v := d.Labels[k]; v != "" {
			label += "=" + v
		}
		c = append(c, "--label", quote(label))
	}
	if d.HostUser {
		// evaluated by the wrapping shell
		c = append(c,
			"-v", "/etc/passwd:/etc/passwd:ro",
			"-u", "\"$(id -u):$(id -g)\"",
			"-e", "HOME=/tmp",
		)
	}
	if d.HostNetwork {
		c = append(c, "--net=host")
	}
	if d.CPU != "" {
		c = append(c, "--cpus", quote(d.CPU))
	}
	if d.Memory != "" {
		c = append(c, "-m", quote(d.Memory))
	}
	for _, o := range d.Options {
		c = append(c, quote(o))
	}
	c = append(c, quote(d.Image))
	for _, a := range d.Args {
		c = append(c, quote(a))
	}
	return strings.Join(c, " ")
}

// quote makes s a single shell word
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
