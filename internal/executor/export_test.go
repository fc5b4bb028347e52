package executor

import (
	"github.com/CZERTAINLY/Agent/internal/command"
	"github.com/CZERTAINLY/Agent/internal/model"
)

func (c *ContainerStrategy) Docker(job model.Job, cc model.ContainerConfig, dir string, args []string) command.Docker {
	return c.docker(job, cc, dir, args)
}

var StagedName = stagedName

var SettingsEnviron = Settings.environ
