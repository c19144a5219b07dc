package config

import (
	"fmt"
	"strconv"
)

// Environment variables read by ApplyEnv.
const (
	EnvLogLevel    = "SEQUENCER_LOG_LEVEL"
	EnvLogFormat   = "SEQUENCER_LOG_FORMAT"
	EnvStorePath   = "SEQUENCER_STORE_PATH"
	EnvLabelPolicy = "SEQUENCER_LABEL_POLICY"
	EnvWatch       = "SEQUENCER_WATCH"
)

// ApplyEnv overrides configuration values from environment variables.
// Setting SEQUENCER_STORE_PATH also enables the store.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Telemetry.Logging.Format = v
	}
	if v, ok := lookup(EnvStorePath); ok && v != "" {
		c.Store.Enabled = true
		c.Store.SQLite.Path = v
	}
	if v, ok := lookup(EnvLabelPolicy); ok && v != "" {
		c.Engine.LabelPolicy = v
	}
	if v, ok := lookup(EnvWatch); ok && v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWatch, err)
		}
		c.Scripts.Watch = watch
	}
	return nil
}
