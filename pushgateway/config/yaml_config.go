package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

type YamlHTTPConfig struct {
	BindAddresses []string `yaml:"bind_addresses"`
	Port          int      `yaml:"port"`
	MaxBodySize   int64    `yaml:"max_body_size"`
}

type YamlLogConfig struct {
	Level string `yaml:"level"`
}

type YamlMetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file. The
// apps section is kept as a raw node so that app-id patterns retain their
// file order, which decides glob-match precedence.
type YamlConfig struct {
	HTTP    YamlHTTPConfig    `yaml:"http"`
	Log     YamlLogConfig     `yaml:"log"`
	Metrics YamlMetricsConfig `yaml:"metrics"`
	Proxy   string            `yaml:"proxy"`
	Apps    yaml.Node         `yaml:"apps"`
}

// YamlAppConfig is the per-app-id-pattern section. Fields are a union over
// the three pushkin types; each pushkin constructor validates the subset it
// needs.
type YamlAppConfig struct {
	Type string `yaml:"type"`

	// APNs
	CertFile          string   `yaml:"certfile"`
	KeyFile           string   `yaml:"keyfile"`
	KeyID             string   `yaml:"key_id"`
	TeamID            string   `yaml:"team_id"`
	Topic             string   `yaml:"topic"`
	Platform          string   `yaml:"platform"`
	PushType          string   `yaml:"push_type"`
	ConvertTokenToHex *bool    `yaml:"convert_device_token_to_hex"`
	RejectReasons     []string `yaml:"reject_reasons"`

	// FCM
	APIKey             string         `yaml:"api_key"`
	APIVersion         string         `yaml:"api_version"`
	ProjectID          string         `yaml:"project_id"`
	ServiceAccountFile string         `yaml:"service_account_file"`
	FCMOptions         map[string]any `yaml:"fcm_options"`

	// WebPush
	VapidPrivateKey   string   `yaml:"vapid_private_key"`
	VapidContactEmail string   `yaml:"vapid_contact_email"`
	AllowedEndpoints  []string `yaml:"allowed_endpoints"`
	TTL               int      `yaml:"ttl"`

	// Shared
	MaxConnections       int    `yaml:"max_connections"`
	InflightRequestLimit int64  `yaml:"inflight_request_limit"`
	Proxy                string `yaml:"proxy"`
}

var knownAppKeys = map[string]struct{}{
	"type": {},
	"certfile": {}, "keyfile": {}, "key_id": {}, "team_id": {}, "topic": {},
	"platform": {}, "push_type": {}, "convert_device_token_to_hex": {}, "reject_reasons": {},
	"api_key": {}, "api_version": {}, "project_id": {}, "service_account_file": {}, "fcm_options": {},
	"vapid_private_key": {}, "vapid_contact_email": {}, "allowed_endpoints": {}, "ttl": {},
	"max_connections": {}, "inflight_request_limit": {}, "proxy": {},
}

// LoadYamlConfig reads and parses the config file.
func LoadYamlConfig(path string) (*YamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg YamlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		HTTP: HTTPConfig{
			BindAddresses: baseCfg.HTTP.BindAddresses,
			Port:          baseCfg.HTTP.Port,
			MaxBodySize:   baseCfg.HTTP.MaxBodySize,
		},
		LogLevel: baseCfg.Log.Level,
		Metrics: MetricsConfig{
			Enabled:    baseCfg.Metrics.Enabled,
			ListenAddr: baseCfg.Metrics.ListenAddr,
		},
		Proxy: baseCfg.Proxy,
	}

	apps, err := decodeApps(&baseCfg.Apps, logger)
	if err != nil {
		return nil, err
	}
	cfg.Apps = apps

	logger.Debug("YAML config mapping complete",
		"apps", len(cfg.Apps),
		"bind_addresses", cfg.HTTP.BindAddresses,
		"port", cfg.HTTP.Port,
	)

	return cfg, nil
}

// decodeApps walks the apps mapping node pairwise so insertion order
// survives into Config.Apps.
func decodeApps(node *yaml.Node, logger *slog.Logger) ([]App, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("'apps' must be a mapping of app-id pattern to settings")
	}

	apps := make([]App, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		appID := keyNode.Value

		if valNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("app %q: settings must be a mapping", appID)
		}
		for j := 0; j+1 < len(valNode.Content); j += 2 {
			key := valNode.Content[j].Value
			if _, ok := knownAppKeys[key]; !ok {
				logger.Warn("Unrecognised key in app config", "app_id", appID, "key", key)
			}
		}

		var yc YamlAppConfig
		if err := valNode.Decode(&yc); err != nil {
			return nil, fmt.Errorf("app %q: %w", appID, err)
		}
		if yc.Type == "" {
			return nil, fmt.Errorf("app %q: missing 'type'", appID)
		}

		app := App{
			AppID:                appID,
			Type:                 AppType(yc.Type),
			CertFile:             yc.CertFile,
			KeyFile:              yc.KeyFile,
			KeyID:                yc.KeyID,
			TeamID:               yc.TeamID,
			Topic:                yc.Topic,
			Platform:             yc.Platform,
			PushType:             yc.PushType,
			ConvertTokenToHex:    true,
			RejectReasons:        yc.RejectReasons,
			APIKey:               yc.APIKey,
			APIVersion:           yc.APIVersion,
			ProjectID:            yc.ProjectID,
			ServiceAccountFile:   yc.ServiceAccountFile,
			FCMOptions:           yc.FCMOptions,
			VapidPrivateKey:      yc.VapidPrivateKey,
			VapidContactEmail:    yc.VapidContactEmail,
			AllowedEndpoints:     yc.AllowedEndpoints,
			TTL:                  yc.TTL,
			MaxConnections:       yc.MaxConnections,
			InflightRequestLimit: yc.InflightRequestLimit,
			Proxy:                yc.Proxy,
		}
		if yc.ConvertTokenToHex != nil {
			app.ConvertTokenToHex = *yc.ConvertTokenToHex
		}

		switch app.Type {
		case AppTypeAPNS, AppTypeGCM, AppTypeWebPush:
		default:
			return nil, fmt.Errorf("app %q: unknown type %q", appID, yc.Type)
		}

		apps = append(apps, app)
	}
	return apps, nil
}
