package main

import (
	"github.com/cexll/companion/pkg/logging"
)

// reloadConfig re-reads configuration. The log level applies immediately;
// collaborators are already wired, so other changes wait for a restart.
func (a *app) reloadConfig(o *rootOptions) {
	if o.loader == nil {
		return
	}
	prev, _ := o.loader.Last()
	next, err := o.loader.Reload()
	if err != nil {
		a.logger.Warn("config reload failed", "error", err)
		return
	}
	o.applyFlags(next)
	if lvl, err := logging.ParseLevel(next.LogLevel); err == nil {
		o.level.Set(lvl)
	}
	if prev != nil && prev.SourceHash == next.SourceHash {
		a.logger.Debug("config unchanged", "path", next.SourcePath)
		return
	}
	a.logger.Info("config reloaded",
		"path", next.SourcePath,
		"hash", next.SourceHash,
		"log_level", next.LogLevel,
		"restart_required", true,
	)
}
