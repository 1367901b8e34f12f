package core

import (
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/taskr/internal/taskfile"
)

// ResolveTable picks the taskfile: an explicit path first, then the configured
// one, then a taskr.{yaml,yml,hcl} in dir, and finally the built-in table.
func ResolveTable(explicit string, cfg Config, dir string) (*taskfile.Table, error) {
	path := explicit
	if path == "" {
		path = cfg.Taskfile
	}
	if path == "" {
		if found, ok := taskfile.Discover(dir); ok {
			path = found
		}
	}
	if path == "" {
		log.Debug().Msg("no taskfile found, using built-in tasks")
		return taskfile.LoadBuiltin()
	}
	log.Debug().Str("taskfile", path).Msg("loading tasks")
	return taskfile.Load(path)
}
