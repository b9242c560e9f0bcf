package config_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mapYaml(t *testing.T, raw string) *config.Config {
	t.Helper()
	var yamlCfg config.YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(raw), &yamlCfg))
	cfg, err := config.NewConfigFromYaml(&yamlCfg, newTestLogger())
	require.NoError(t, err)
	return cfg
}

const sampleYaml = `
http:
  bind_addresses: ["0.0.0.0"]
  port: 5000
log:
  level: debug
metrics:
  enabled: true
  listen_addr: "127.0.0.1:9100"
proxy: "http://proxy.example:3128"
apps:
  com.example.iosapp:
    type: apns
    keyfile: /etc/keys/apns.p8
    key_id: ABCD123456
    team_id: TEAMID1234
    topic: com.example.iosapp
    platform: sandbox
  com.example.android:
    type: gcm
    api_key: legacy-api-key
    inflight_request_limit: 5
  com.example.web:
    type: webpush
    vapid_private_key: /etc/keys/vapid.pem
    vapid_contact_email: admin@example.org
    allowed_endpoints:
      - "*.push.services.mozilla.com"
    proxy: "http://other.example:3128"
`

func TestNewConfigFromYaml(t *testing.T) {
	cfg := mapYaml(t, sampleYaml)

	assert.Equal(t, []string{"0.0.0.0"}, cfg.HTTP.BindAddresses)
	assert.Equal(t, 5000, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "http://proxy.example:3128", cfg.Proxy)

	require.Len(t, cfg.Apps, 3)
	assert.Equal(t, "com.example.iosapp", cfg.Apps[0].AppID)
	assert.Equal(t, config.AppTypeAPNS, cfg.Apps[0].Type)
	assert.Equal(t, "com.example.android", cfg.Apps[1].AppID)
	assert.Equal(t, "com.example.web", cfg.Apps[2].AppID)
	assert.True(t, cfg.Apps[0].ConvertTokenToHex, "hex conversion defaults on")
}

func TestAppsOrderIsFileOrder(t *testing.T) {
	// Registration order decides glob precedence, so the mapping must not
	// go through an unordered map.
	raw := `
apps:
  z.last.*: {type: webpush, vapid_private_key: k, vapid_contact_email: e}
  a.first.*: {type: webpush, vapid_private_key: k, vapid_contact_email: e}
  m.middle.*: {type: webpush, vapid_private_key: k, vapid_contact_email: e}
`
	cfg := mapYaml(t, raw)
	require.Len(t, cfg.Apps, 3)
	assert.Equal(t, "z.last.*", cfg.Apps[0].AppID)
	assert.Equal(t, "a.first.*", cfg.Apps[1].AppID)
	assert.Equal(t, "m.middle.*", cfg.Apps[2].AppID)
}

func TestUnknownAppKeyIsTolerated(t *testing.T) {
	raw := `
apps:
  com.example.app:
    type: gcm
    api_key: k
    definitely_not_a_key: 42
`
	cfg := mapYaml(t, raw)
	require.Len(t, cfg.Apps, 1)
}

func TestUnknownAppTypeFails(t *testing.T) {
	var yamlCfg config.YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
apps:
  com.example.app:
    type: carrier_pigeon
`), &yamlCfg))
	_, err := config.NewConfigFromYaml(&yamlCfg, newTestLogger())
	assert.Error(t, err)
}

func TestMissingTypeFails(t *testing.T) {
	var yamlCfg config.YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
apps:
  com.example.app:
    api_key: k
`), &yamlCfg))
	_, err := config.NewConfigFromYaml(&yamlCfg, newTestLogger())
	assert.Error(t, err)
}

func TestUpdateConfigWithEnvOverrides_Defaults(t *testing.T) {
	cfg := mapYaml(t, sampleYaml)
	cfg.HTTP.BindAddresses = nil
	cfg.HTTP.Port = 0

	cfg, err := config.UpdateConfigWithEnvOverrides(cfg, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1"}, cfg.HTTP.BindAddresses)
	assert.Equal(t, config.DefaultPort, cfg.HTTP.Port)
	assert.Equal(t, int64(config.DefaultMaxBodySize), cfg.HTTP.MaxBodySize)

	apns := cfg.Apps[0]
	assert.Equal(t, config.DefaultMaxConnections, apns.MaxConnections)
	assert.Equal(t, int64(config.DefaultInflightRequestLimit), apns.InflightRequestLimit)

	android := cfg.Apps[1]
	assert.Equal(t, "legacy", android.APIVersion)
	assert.Equal(t, int64(5), android.InflightRequestLimit, "explicit limit survives")

	web := cfg.Apps[2]
	assert.Equal(t, config.DefaultWebPushTTL, web.TTL)
}

func TestUpdateConfigWithEnvOverrides_EnvWins(t *testing.T) {
	t.Setenv("PORT", "8042")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := mapYaml(t, sampleYaml)
	cfg, err := config.UpdateConfigWithEnvOverrides(cfg, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, 8042, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestUpdateConfigWithEnvOverrides_ProxyFallback(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://env.example:3128")

	cfg := mapYaml(t, sampleYaml)
	cfg.Proxy = ""
	cfg, err := config.UpdateConfigWithEnvOverrides(cfg, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, "http://env.example:3128", cfg.Proxy)
}

func TestUpdateConfigWithEnvOverrides_NoApps(t *testing.T) {
	cfg := mapYaml(t, `http: {port: 5000}`)
	_, err := config.UpdateConfigWithEnvOverrides(cfg, newTestLogger())
	assert.Error(t, err)
}

func TestProxyFor(t *testing.T) {
	cfg := mapYaml(t, sampleYaml)

	assert.Equal(t, "http://proxy.example:3128", cfg.ProxyFor(&cfg.Apps[0]), "global proxy by default")
	assert.Equal(t, "http://other.example:3128", cfg.ProxyFor(&cfg.Apps[2]), "app-level proxy wins")
}
