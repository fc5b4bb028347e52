package model

import (
	"fmt"
	"maps"

	"github.com/spf13/viper"
)

// ProcessConfig is the typed view of the job's process configuration.
type ProcessConfig struct {
	Debug        bool             `mapstructure:"debug"`
	Dependencies []string         `mapstructure:"dependencies"`
	Runner       RunnerConfig     `mapstructure:"runner"`
	Requirements Requirements     `mapstructure:"requirements"`
	Container    *ContainerConfig `mapstructure:"container"`
}

type RunnerConfig struct {
	LogLevel string `mapstructure:"logLevel"`
}

type Requirements struct {
	JVM struct {
		ExtraArgs []string `mapstructure:"extraArgs"`
	} `mapstructure:"jvm"`
}

// ContainerConfig is the container block of a job.
type ContainerConfig struct {
	Image   string            `mapstructure:"image"`
	CPU     string            `mapstructure:"cpu"`
	RAM     string            `mapstructure:"ram"`
	Options []string          `mapstructure:"options"`
	Env     map[string]string `mapstructure:"-"`
}

// ParseProcessConfig decodes raw. Keys of container.env keep their case.
func ParseProcessConfig(raw map[string]any) (ProcessConfig, error) {
	v := viper.New()
	if err := v.MergeConfigMap(raw); err != nil {
		return ProcessConfig{}, &ConfigError{Msg: "invalid process configuration", Err: err}
	}

	var pc ProcessConfig
	if err := v.Unmarshal(&pc); err != nil {
		return ProcessConfig{}, &ConfigError{Msg: "invalid process configuration", Err: err}
	}
	if pc.Container == nil && v.IsSet("container") {
		pc.Container = &ContainerConfig{}
	}
	if pc.Container != nil {
		// viper lower cases map keys, environment names are case sensitive
		c, _ := raw["container"].(map[string]any)
		env, err := stringMap(c["env"])
		if err != nil {
			return ProcessConfig{}, &ConfigError{Msg: "invalid container.env", Err: err}
		}
		pc.Container.Env = env
	}
	return pc, nil
}

// ContainerConfig returns the container block, or a ConfigError when the
// job has none or the image is missing.
func (pc ProcessConfig) ContainerConfig() (ContainerConfig, error) {
	if pc.Container == nil {
		return ContainerConfig{}, &ConfigError{Msg: "container configuration is required"}
	}
	if pc.Container.Image == "" {
		return ContainerConfig{}, &ConfigError{Msg: "container.image is required"}
	}
	c := *pc.Container
	c.Env = maps.Clone(c.Env)
	return c, nil
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}
