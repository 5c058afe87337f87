package config

import (
	env "github.com/caarlos0/env/v11"
)

// applyEnvOverrides lets deployments keep secrets out of the config file.
// Only fields carrying env tags participate; a set variable wins over
// whatever the file said.
func applyEnvOverrides(cfg *Config) error {
	return env.Parse(cfg)
}
