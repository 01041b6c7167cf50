package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. KEYHEAT_COLLECT_DEVICE.
const EnvPrefix = "KEYHEAT_"

// ParseEnv decodes environment variables into target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv reads KEYHEAT_* overrides. Unset variables leave their field nil.
func LoadEnv() (FileConfig, error) {
	var cfg FileConfig
	if err := ParseEnv(&cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}
