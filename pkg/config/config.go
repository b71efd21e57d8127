// Package config loads the handoff client configuration: a YAML file overlaid
// by HANDOFF_* environment variables. Command-line flags are applied on top by
// the binaries.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/assistant"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/feedback"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/operator"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/session"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

const EnvPrefix = "HANDOFF_"

type API struct {
	BaseURL          string        `yaml:"baseUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	APIKey           string        `yaml:"apiKey"`
	ConversationPath string        `yaml:"conversationPath"`
	MessagesPath     string        `yaml:"messagesPath"`
	HandoffPath      string        `yaml:"handoffPath"`
	FeedbackPath     string        `yaml:"feedbackPath"`
}

func (a API) AssistantPaths() assistant.Paths {
	return assistant.Paths{Conversation: a.ConversationPath, Messages: a.MessagesPath}
}

type Operator struct {
	URL                  string        `yaml:"url"`
	Name                 string        `yaml:"name"`
	Role                 string        `yaml:"role"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	// MaxReconnectAttempts of 0 selects the adapter default (5).
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	PingInterval         time.Duration `yaml:"pingInterval"`
}

func (o Operator) ToOperator() operator.Config {
	return operator.Config{
		URL:                  o.URL,
		Role:                 o.Role,
		Name:                 o.Name,
		ReconnectDelay:       o.ReconnectDelay,
		MaxReconnectAttempts: o.MaxReconnectAttempts,
		HandshakeTimeout:     o.HandshakeTimeout,
		WriteTimeout:         o.WriteTimeout,
		PingInterval:         o.PingInterval,
	}
}

type Feedback struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`
	WithCaller bool   `yaml:"withCaller"`
	// File redirects logs away from the terminal; the chat UI owns stdout.
	File string `yaml:"file"`
}

type Config struct {
	API         API                  `yaml:"api"`
	Operator    Operator             `yaml:"operator"`
	Session     session.Config       `yaml:"session"`
	Bus         timeline.BusSettings `yaml:"bus"`
	Feedback    Feedback             `yaml:"feedback"`
	Log         Log                  `yaml:"log"`
	MetricsAddr string               `yaml:"metricsAddr"`
}

func Default() *Config {
	paths := assistant.DefaultPaths()
	return &Config{
		API: API{
			BaseURL:          "http://localhost:8080",
			Timeout:          15 * time.Second,
			ConversationPath: paths.Conversation,
			MessagesPath:     paths.Messages,
			HandoffPath:      escalation.DefaultPath,
			FeedbackPath:     feedback.DefaultPath,
		},
		Operator: Operator{
			URL:                  "ws://localhost:8080/operator/ws",
			Role:                 "user",
			ReconnectDelay:       3 * time.Second,
			MaxReconnectAttempts: 5,
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         5 * time.Second,
			PingInterval:         30 * time.Second,
		},
		Session: session.Config{
			Channel:  escalation.DefaultChannel,
			Messages: session.DefaultMessages(),
		},
		Bus:      timeline.DefaultBusSettings(),
		Feedback: Feedback{Rate: 2, Burst: 5},
		Log:      Log{Level: "info"},
	}
}

// Load reads path (optional) over the defaults and applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays HANDOFF_* variables. Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.Timeout = getEnvDuration("API_TIMEOUT", c.API.Timeout)
	c.API.APIKey = getEnv("API_KEY", c.API.APIKey)

	c.Operator.URL = getEnv("OPERATOR_URL", c.Operator.URL)
	c.Operator.Name = getEnv("OPERATOR_NAME", c.Operator.Name)
	c.Operator.ReconnectDelay = getEnvDuration("OPERATOR_RECONNECT_DELAY", c.Operator.ReconnectDelay)
	c.Operator.MaxReconnectAttempts = getEnvInt("OPERATOR_MAX_RECONNECT_ATTEMPTS", c.Operator.MaxReconnectAttempts)

	c.Session.Channel = getEnv("CHANNEL", c.Session.Channel)
	if v := getEnv("EXTRA_TRIGGERS", ""); v != "" {
		c.Session.ExtraTriggers = splitList(v)
	}

	c.Bus.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Bus.Redis.Enabled)
	c.Bus.Redis.Addr = getEnv("REDIS_ADDR", c.Bus.Redis.Addr)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("api.baseUrl %q must be an absolute http(s) url", c.API.BaseURL)
	}
	u, err = url.Parse(c.Operator.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.Errorf("operator.url %q must be an absolute ws(s) url", c.Operator.URL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if c.Operator.ReconnectDelay <= 0 {
		return errors.New("operator.reconnectDelay must be positive")
	}
	if c.Operator.MaxReconnectAttempts < 0 {
		return errors.New("operator.maxReconnectAttempts must not be negative")
	}
	if c.Feedback.Rate <= 0 || c.Feedback.Burst <= 0 {
		return errors.New("feedback.rate and feedback.burst must be positive")
	}
	if c.Bus.Redis.Enabled && c.Bus.Redis.Addr == "" {
		return errors.New("bus.redis.addr is required when redis is enabled")
	}
	return nil
}

// SessionConfig combines the session and operator sections.
func (c *Config) SessionConfig() session.Config {
	sc := c.Session
	sc.Operator = c.Operator.ToOperator()
	return sc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
