// Package config loads application configuration from file and
// environment, and builds the logger from it.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file (optional) and ZBRIDGE_*
// environment variables, on top of built-in defaults.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/zbridge.db")

	v.SetDefault("zabbix.url", "")
	v.SetDefault("zabbix.token", "")
	v.SetDefault("zabbix.username", "")
	v.SetDefault("zabbix.password", "")
	v.SetDefault("zabbix.verify_tls", true)
	v.SetDefault("zabbix.timeout", "30s")
	v.SetDefault("zabbix.session_ttl", "14m")

	v.SetDefault("probe.count", 4)
	v.SetDefault("probe.per_probe_timeout", "2s")

	v.SetDefault("chart.width", 900)
	v.SetDefault("chart.height", 300)

	v.SetDefault("ingress.rate_limit", 5)
	v.SetDefault("ingress.burst", 10)

	v.SetDefault("insight.surge_threshold", 3.0)

	// Environment: ZBRIDGE_ZABBIX_URL overrides zabbix.url, etc.
	v.SetEnvPrefix("ZBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", configPath, err)
		}
		return v, nil
	}

	v.SetConfigName("zbridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/zbridge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine; defaults and environment apply.
	}
	return v, nil
}
