// Package config loads the TOML service configuration shared by the
// graph-builder and policy-engine, applies environment overrides and decodes
// the per-plugin settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/plugins"
)

// EnvPrefix namespaces the environment overrides, as in
// CINCINNATI_SERVICE_PORT=8080.
const EnvPrefix = "CINCINNATI"

// Service configures the main HTTP frontend and the background loop.
type Service struct {
	Address                   string `toml:"address"`
	Port                      int    `toml:"port"`
	PathPrefix                string `toml:"path_prefix"`
	MandatoryClientParameters string `toml:"mandatory_client_parameters"`
	PauseSecs                 int    `toml:"pause_secs"`
	ScrapeTimeoutSecs         int    `toml:"scrape_timeout_secs"`
}

// Status configures the status listener (liveness, readiness, metrics).
type Status struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Config is the top-level configuration document.
type Config struct {
	Verbosity int     `toml:"verbosity"`
	Service   Service `toml:"service"`
	Status    Status  `toml:"status"`

	PluginSettings []plugins.Settings `toml:"-"`

}

// file mirrors the TOML document before plugin settings are decoded.
type file struct {
	Verbosity      int              `toml:"verbosity"`
	Service        Service          `toml:"service"`
	Status         Status           `toml:"status"`
	PluginSettings []toml.Primitive `toml:"plugin_settings"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: Service{
			Address:           "127.0.0.1",
			Port:              8080,
			PathPrefix:        "/",
			PauseSecs:         30,
			ScrapeTimeoutSecs: 300,
		},
		Status: Status{
			Address: "127.0.0.1",
			Port:    9080,
		},
	}
}

// Load reads the TOML file at path (or only defaults when path is empty),
// applies CINCINNATI_* environment overrides and decodes the plugin settings.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to open config path %s: %w", path, err)
		}
		var parsed file
		parsed.Service = cfg.Service
		parsed.Status = cfg.Status
		md, err := toml.Decode(string(raw), &parsed)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		cfg.Verbosity = parsed.Verbosity
		cfg.Service = parsed.Service
		cfg.Status = parsed.Status

		for _, prim := range parsed.PluginSettings {
			settings, err := plugins.DeserializeSettings(md, prim)
			if err != nil {
				return cfg, fmt.Errorf("invalid plugin_settings entry: %w", err)
			}
			cfg.PluginSettings = append(cfg.PluginSettings, settings)
		}
	}

	if err := cfg.applyEnvOverrides(os.Environ()); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides replaces individual values from variables of the form
// <EnvPrefix>_<TABLE>_<KEY>, e.g. CINCINNATI_STATUS_PORT.
func (c *Config) applyEnvOverrides(environ []string) error {
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], EnvPrefix+"_") {
			continue
		}
		key, value := strings.TrimPrefix(parts[0], EnvPrefix+"_"), parts[1]
		if err := c.applyOverride(key, value); err != nil {
			return fmt.Errorf("invalid environment override %s: %w", parts[0], err)
		}
	}
	return nil
}

func (c *Config) applyOverride(key, value string) error {
	atoi := func(target *int) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}

	switch key {
	case "VERBOSITY":
		return atoi(&c.Verbosity)
	case "SERVICE_ADDRESS":
		c.Service.Address = value
	case "SERVICE_PORT":
		return atoi(&c.Service.Port)
	case "SERVICE_PATH_PREFIX":
		c.Service.PathPrefix = value
	case "SERVICE_MANDATORY_CLIENT_PARAMETERS":
		c.Service.MandatoryClientParameters = value
	case "SERVICE_PAUSE_SECS":
		return atoi(&c.Service.PauseSecs)
	case "SERVICE_SCRAPE_TIMEOUT_SECS":
		return atoi(&c.Service.ScrapeTimeoutSecs)
	case "STATUS_ADDRESS":
		c.Status.Address = value
	case "STATUS_PORT":
		return atoi(&c.Status.Port)
	default:
		logrus.Debugf("ignoring unrecognized environment override %s_%s", EnvPrefix, key)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Service.PauseSecs <= 0 {
		return fmt.Errorf("unexpected non-positive pause_secs")
	}
	if c.Service.ScrapeTimeoutSecs <= 0 {
		return fmt.Errorf("unexpected non-positive scrape_timeout_secs")
	}
	if c.Service.Port == c.Status.Port && c.Service.Address == c.Status.Address {
		return fmt.Errorf("main and status service configured with the same address and port")
	}
	return nil
}

// ParsePathPrefix strips all but one leading slash and all trailing slashes.
func ParsePathPrefix(pathPrefix string) string {
	return "/" + strings.Trim(pathPrefix, "/")
}

// ParseParamsSet parses a comma-separated set of client parameter keys.
func ParseParamsSet(params string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, key := range strings.Split(params, ",") {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

// VerbosityToLevel maps the -v count to a logrus level.
func VerbosityToLevel(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.WarnLevel
	case verbosity == 1:
		return logrus.InfoLevel
	case verbosity == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
