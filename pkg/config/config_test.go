package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/session"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "handoff.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3*time.Second, cfg.Operator.ReconnectDelay)
	require.Equal(t, session.DefaultMessages(), cfg.Session.Messages)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
api:
  baseUrl: https://api.example.com/v1
  timeout: 5s
operator:
  url: wss://ops.example.com/ws
  name: Maria
  reconnectDelay: 1500ms
session:
  channel: whatsapp
  extraTriggers: ["suporte técnico"]
  messages:
    welcome: ""
    handoffAck: Transferindo...
bus:
  redis:
    enabled: true
    addr: redis:6379
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "https://api.example.com/v1", cfg.API.BaseURL)
	require.Equal(t, 5*time.Second, cfg.API.Timeout)
	require.Equal(t, "/handoff", cfg.API.HandoffPath)
	require.Equal(t, 1500*time.Millisecond, cfg.Operator.ReconnectDelay)
	require.Equal(t, 5, cfg.Operator.MaxReconnectAttempts)
	require.Equal(t, "whatsapp", cfg.Session.Channel)
	require.Equal(t, []string{"suporte técnico"}, cfg.Session.ExtraTriggers)
	require.Empty(t, cfg.Session.Messages.Welcome)
	require.Equal(t, "Transferindo...", cfg.Session.Messages.HandoffAck)
	require.Equal(t, session.DefaultMessages().HandoffFailed, cfg.Session.Messages.HandoffFailed)
	require.True(t, cfg.Bus.Redis.Enabled)
	require.Equal(t, "handoff-ui", cfg.Bus.Redis.Group)

	sc := cfg.SessionConfig()
	require.Equal(t, "wss://ops.example.com/ws", sc.Operator.URL)
	require.Equal(t, "Maria", sc.Operator.Name)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	p := writeFile(t, "api:\n  baseUrl: http://file:8080\n")
	t.Setenv("HANDOFF_API_BASE_URL", "http://env:9090")
	t.Setenv("HANDOFF_OPERATOR_RECONNECT_DELAY", "250ms")
	t.Setenv("HANDOFF_OPERATOR_MAX_RECONNECT_ATTEMPTS", "not-a-number")
	t.Setenv("HANDOFF_EXTRA_TRIGGERS", "gerente, supervisor ,")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "http://env:9090", cfg.API.BaseURL)
	require.Equal(t, 250*time.Millisecond, cfg.Operator.ReconnectDelay)
	require.Equal(t, 5, cfg.Operator.MaxReconnectAttempts)
	require.Equal(t, []string{"gerente", "supervisor"}, cfg.Session.ExtraTriggers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"api scheme":      func(c *Config) { c.API.BaseURL = "ftp://x" },
		"operator scheme": func(c *Config) { c.Operator.URL = "http://x/ws" },
		"delay":           func(c *Config) { c.Operator.ReconnectDelay = 0 },
		"attempts":        func(c *Config) { c.Operator.MaxReconnectAttempts = -1 },
		"feedback":        func(c *Config) { c.Feedback.Burst = 0 },
		"redis addr":      func(c *Config) { c.Bus.Redis.Enabled = true; c.Bus.Redis.Addr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestZeroMaxAttemptsIsValid(t *testing.T) {
	cfg := Default()
	cfg.Operator.MaxReconnectAttempts = 0
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0, cfg.SessionConfig().Operator.MaxReconnectAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
