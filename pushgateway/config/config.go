// Package config loads, maps and finalizes the gateway configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// AppType names the pushkin implementation serving an app-id pattern.
type AppType string

const (
	AppTypeAPNS    AppType = "apns"
	AppTypeGCM     AppType = "gcm"
	AppTypeWebPush AppType = "webpush"
)

const (
	DefaultPort                 = 5000
	DefaultMaxBodySize          = 512 * 1024
	DefaultMaxConnections       = 20
	DefaultInflightRequestLimit = 100
	DefaultWebPushTTL           = 900
)

type HTTPConfig struct {
	BindAddresses []string
	Port          int
	MaxBodySize   int64
}

type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
}

// App is the finalized per-app-id-pattern configuration.
type App struct {
	AppID string
	Type  AppType

	// APNs
	CertFile          string
	KeyFile           string
	KeyID             string
	TeamID            string
	Topic             string
	Platform          string
	PushType          string
	ConvertTokenToHex bool
	RejectReasons     []string

	// FCM
	APIKey             string
	APIVersion         string
	ProjectID          string
	ServiceAccountFile string
	FCMOptions         map[string]any

	// WebPush
	VapidPrivateKey   string
	VapidContactEmail string
	AllowedEndpoints  []string
	TTL               int

	// Shared
	MaxConnections       int
	InflightRequestLimit int64
	Proxy                string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	HTTP     HTTPConfig
	LogLevel string
	Metrics  MetricsConfig
	Proxy    string
	Apps     []App
}

// ProxyFor resolves the outbound proxy for an app: the app-level setting
// wins, then the global one.
func (c *Config) ProxyFor(app *App) string {
	if app.Proxy != "" {
		return app.Proxy
	}
	return c.Proxy
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil && port > 0 {
			logger.Debug("Overriding config value", "key", "PORT", "source", "env")
			cfg.HTTP.Port = port
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		logger.Debug("Overriding config value", "key", "LOG_LEVEL", "source", "env")
		cfg.LogLevel = val
	}
	if cfg.Proxy == "" {
		if val := os.Getenv("HTTPS_PROXY"); val != "" {
			logger.Debug("Overriding config value", "key", "HTTPS_PROXY", "source", "env")
			cfg.Proxy = val
		}
	}

	if len(cfg.HTTP.BindAddresses) == 0 {
		cfg.HTTP.BindAddresses = []string{"127.0.0.1"}
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = DefaultPort
	}
	if cfg.HTTP.MaxBodySize <= 0 {
		cfg.HTTP.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return nil, fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	if len(cfg.Apps) == 0 {
		return nil, fmt.Errorf("no apps configured; at least one app-id pattern is required")
	}
	seen := make(map[string]struct{}, len(cfg.Apps))
	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		if _, dup := seen[app.AppID]; dup {
			return nil, fmt.Errorf("app %q configured twice", app.AppID)
		}
		seen[app.AppID] = struct{}{}

		if app.MaxConnections <= 0 {
			app.MaxConnections = DefaultMaxConnections
		}
		if app.InflightRequestLimit <= 0 {
			app.InflightRequestLimit = DefaultInflightRequestLimit
		}
		if app.Type == AppTypeWebPush && app.TTL <= 0 {
			app.TTL = DefaultWebPushTTL
		}
		if app.Type == AppTypeGCM && app.APIVersion == "" {
			app.APIVersion = "legacy"
		}
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
