package main

import (
	"creativepipe/internal/config"
	"creativepipe/internal/daemon"
	"creativepipe/internal/events"
)

type daemonFlags struct {
	configPath string
	stages     string
	noGateway  bool
}

// options resolves the flag set against the loaded config. Generator
// credentials are only demanded when a stage that calls them is selected.
func (f daemonFlags) options(cfg *config.Config) (daemon.Options, error) {
	stages, err := daemon.ParseStages(f.stages)
	if err != nil {
		return daemon.Options{}, err
	}
	if needsGenerators(stages) {
		if err := cfg.RequireGenerators(); err != nil {
			return daemon.Options{}, err
		}
	}
	return daemon.Options{
		Stages:  stages,
		Gateway: !f.noGateway,
	}, nil
}

func needsGenerators(stages []string) bool {
	for _, name := range stages {
		switch name {
		case events.StageEnrichment, events.StageCreative, events.StageImaging:
			return true
		}
	}
	return false
}
