package config

import (
	"os"
	"strconv"
	"strings"
)

const envOverridePrefix = "BEACON_"

// Settings is the read-only key/value view over a loaded config.
// Params: dotted keys such as "telemetry.enabled".
// Returns: values with BEACON_* environment overrides applied.
type Settings struct {
	cfg       *Config
	lookupEnv func(string) (string, bool)
}

// NewSettings wraps a loaded config into a key/value reader.
// Params: cfg validated config.
// Returns: settings reader.
func NewSettings(cfg *Config) *Settings {
	return &Settings{cfg: cfg, lookupEnv: os.LookupEnv}
}

// GetBool returns a boolean setting, false for unknown keys.
// Params: key dotted setting name.
// Returns: effective boolean value.
func (s *Settings) GetBool(key string) bool {
	if raw, ok := s.override(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err == nil {
			return parsed
		}
	}
	if s == nil || s.cfg == nil {
		return false
	}

	switch key {
	case "telemetry.enabled":
		return s.cfg.Telemetry.IsEnabled()
	case "telemetry.disable_on_local_dev":
		return s.cfg.Telemetry.DisableOnLocalDev
	case "fallback.enabled":
		return s.cfg.Fallback.Enabled
	case "fallback.requeue":
		return s.cfg.Fallback.Requeue
	case "control.enabled":
		return s.cfg.Control.Enabled
	default:
		return false
	}
}

// GetString returns a string setting, empty for unknown keys.
// Params: key dotted setting name.
// Returns: effective string value.
func (s *Settings) GetString(key string) string {
	if raw, ok := s.override(key); ok {
		return strings.TrimSpace(raw)
	}
	if s == nil || s.cfg == nil {
		return ""
	}

	switch key {
	case "telemetry.api_key", "auth.control_api_key":
		return s.cfg.Auth.ControlAPIKey
	case "telemetry.endpoint":
		return s.cfg.Telemetry.Endpoint
	case "global.environment":
		return s.cfg.Global.Environment
	case "global.release":
		return s.cfg.Global.Release
	case "global.server_name":
		return s.cfg.Global.ServerName
	case "global.component":
		return s.cfg.Global.Component
	default:
		return ""
	}
}

// override resolves BEACON_<SECTION>_<KEY> environment value for key.
// Params: key dotted setting name.
// Returns: raw value and presence flag.
func (s *Settings) override(key string) (string, bool) {
	if s == nil || s.lookupEnv == nil {
		return "", false
	}
	name := envOverridePrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return s.lookupEnv(name)
}
