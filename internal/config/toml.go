// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file. The same shape is
// filled from KEYHEAT_* environment variables by LoadEnv.
type FileConfig struct {
	Collect CollectConfig `toml:"collect" envPrefix:"COLLECT_"`
	Render  RenderConfig  `toml:"render" envPrefix:"RENDER_"`
	Keymap  KeymapConfig  `toml:"keymap" envPrefix:"KEYMAP_"`
	Log     LogConfig     `toml:"log" envPrefix:"LOG_"`
}

// CollectConfig maps collection settings.
type CollectConfig struct {
	Device             *string        `toml:"device" env:"DEVICE"`
	Baud               *int           `toml:"baud" env:"BAUD"`
	Output             *string        `toml:"output" env:"OUTPUT"`
	Duration           *time.Duration `toml:"duration" env:"DURATION"`
	CheckpointInterval *time.Duration `toml:"checkpoint-interval" env:"CHECKPOINT_INTERVAL"`
	CheckpointEvery    *int           `toml:"checkpoint-every" env:"CHECKPOINT_EVERY"`
	MaxReconnects      *int           `toml:"max-reconnects" env:"MAX_RECONNECTS"`
	DeviceID           *string        `toml:"device-id" env:"DEVICE_ID"`
	RetainEvents       *bool          `toml:"retain-events" env:"RETAIN_EVENTS"`
	DB                 *string        `toml:"db" env:"DB"`
}

// RenderConfig maps rendering settings.
type RenderConfig struct {
	Layout   *string `toml:"layout" env:"LAYOUT"`
	Colormap *string `toml:"colormap" env:"COLORMAP"`
	Title    *string `toml:"title" env:"TITLE"`
	Output   *string `toml:"output" env:"OUTPUT"`
}

// KeymapConfig maps layout resolution settings.
type KeymapConfig struct {
	Rows        *int  `toml:"rows" env:"ROWS"`
	Cols        *int  `toml:"cols" env:"COLS"`
	Split       *bool `toml:"split" env:"SPLIT"`
	RightOffset *int  `toml:"right-offset" env:"RIGHT_OFFSET"`
}

// LogConfig maps logger settings.
type LogConfig struct {
	Level  *string `toml:"level" env:"LEVEL"`
	Format *string `toml:"format" env:"FORMAT"`
}

// LoadConfig reads a TOML config from the given path. Missing file is not an error.
func LoadConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Load reads the config file at path and applies environment overrides.
func Load(path string) (FileConfig, error) {
	fileCfg, err := LoadConfig(path)
	if err != nil {
		return FileConfig{}, err
	}
	envCfg, err := LoadEnv()
	if err != nil {
		return FileConfig{}, err
	}
	return fileCfg.Merge(envCfg), nil
}

// Merge returns c with every value set in over replacing its own.
func (c FileConfig) Merge(over FileConfig) FileConfig {
	out := c
	out.Collect.Device = pick(c.Collect.Device, over.Collect.Device)
	out.Collect.Baud = pick(c.Collect.Baud, over.Collect.Baud)
	out.Collect.Output = pick(c.Collect.Output, over.Collect.Output)
	out.Collect.Duration = pick(c.Collect.Duration, over.Collect.Duration)
	out.Collect.CheckpointInterval = pick(c.Collect.CheckpointInterval, over.Collect.CheckpointInterval)
	out.Collect.CheckpointEvery = pick(c.Collect.CheckpointEvery, over.Collect.CheckpointEvery)
	out.Collect.MaxReconnects = pick(c.Collect.MaxReconnects, over.Collect.MaxReconnects)
	out.Collect.DeviceID = pick(c.Collect.DeviceID, over.Collect.DeviceID)
	out.Collect.RetainEvents = pick(c.Collect.RetainEvents, over.Collect.RetainEvents)
	out.Collect.DB = pick(c.Collect.DB, over.Collect.DB)

	out.Render.Layout = pick(c.Render.Layout, over.Render.Layout)
	out.Render.Colormap = pick(c.Render.Colormap, over.Render.Colormap)
	out.Render.Title = pick(c.Render.Title, over.Render.Title)
	out.Render.Output = pick(c.Render.Output, over.Render.Output)

	out.Keymap.Rows = pick(c.Keymap.Rows, over.Keymap.Rows)
	out.Keymap.Cols = pick(c.Keymap.Cols, over.Keymap.Cols)
	out.Keymap.Split = pick(c.Keymap.Split, over.Keymap.Split)
	out.Keymap.RightOffset = pick(c.Keymap.RightOffset, over.Keymap.RightOffset)

	out.Log.Level = pick(c.Log.Level, over.Log.Level)
	out.Log.Format = pick(c.Log.Format, over.Log.Format)
	return out
}

func pick[T any](base, over *T) *T {
	if over != nil {
		return over
	}
	return base
}
