// Package config resolves relay settings from an optional YAML file with
// environment variables taking precedence. Env-only deployment works out
// of the box; the file exists for operators who prefer one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Callbacks   CallbacksConfig   `yaml:"callbacks"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Redis       RedisConfig       `yaml:"redis"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	Name       string `yaml:"name"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	MOTD       string `yaml:"motd"`
	MOTDFile   string `yaml:"motd_file"`
	DataDir    string `yaml:"data_dir"`
	LogTraffic bool   `yaml:"log_messages"`
}

type LimitsConfig struct {
	RateLimitMS        int  `yaml:"rate_limit_ms"`
	MessageBufferSize  int  `yaml:"message_buffer_size"`
	IdleTimeoutMS      int  `yaml:"idle_timeout_ms"`
	IdlePrompts        bool `yaml:"idle_prompts"`
	ChallengeTimeoutMS int  `yaml:"challenge_timeout_ms"`
	MaxConnsPerIP      int  `yaml:"max_connections_per_ip"`
}

type AdmissionConfig struct {
	AllowlistEnabled bool   `yaml:"allowlist_enabled"`
	AllowlistStrict  bool   `yaml:"allowlist_strict"`
	AdminKey         string `yaml:"admin_key"`
	LurkDisabled     bool   `yaml:"lurk_disabled"`
	CaptchaEnabled   bool   `yaml:"captcha_enabled"`
}

type CallbacksConfig struct {
	MaxDurationS int `yaml:"max_duration_s"`
	MaxPerAgent  int `yaml:"max_per_agent"`
	MaxPayload   int `yaml:"max_payload"`
	PollMS       int `yaml:"poll_ms"`
}

type ArbitrationConfig struct {
	// IndependenceDays excludes panel candidates who transacted with
	// either party within this many days. Zero disables the check.
	IndependenceDays int `yaml:"arbiter_independence_days"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Defaults returns the documented default configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    "8765",
			Name:    "agentchat",
			DataDir: "data",
		},
		Limits: LimitsConfig{
			RateLimitMS:        1000,
			MessageBufferSize:  200,
			IdleTimeoutMS:      300_000,
			IdlePrompts:        true,
			ChallengeTimeoutMS: 60_000,
		},
		Admission:   AdmissionConfig{CaptchaEnabled: true},
		Arbitration: ArbitrationConfig{IndependenceDays: 30},
		Callbacks: CallbacksConfig{
			MaxDurationS: 3600,
			MaxPerAgent:  50,
			MaxPayload:   500,
			PollMS:       1000,
		},
	}
}

// Load builds the effective config: defaults, then the YAML file at path
// (if non-empty), then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Server.MOTD == "" && cfg.Server.MOTDFile != "" {
		data, err := os.ReadFile(cfg.Server.MOTDFile)
		if err != nil {
			return nil, fmt.Errorf("read motd file: %w", err)
		}
		cfg.Server.MOTD = string(data)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Server.Host, "HOST")
	envStr(&c.Server.Port, "PORT")
	envStr(&c.Server.Name, "SERVER_NAME")
	envStr(&c.Server.TLSCert, "TLS_CERT")
	envStr(&c.Server.TLSKey, "TLS_KEY")
	envStr(&c.Server.MOTD, "MOTD")
	envStr(&c.Server.MOTDFile, "MOTD_FILE")
	envStr(&c.Server.DataDir, "DATA_DIR")
	envBool(&c.Server.LogTraffic, "LOG_MESSAGES")

	envInt(&c.Limits.RateLimitMS, "RATE_LIMIT_MS")
	envInt(&c.Limits.MessageBufferSize, "MESSAGE_BUFFER_SIZE")
	envInt(&c.Limits.IdleTimeoutMS, "IDLE_TIMEOUT_MS")
	envBool(&c.Limits.IdlePrompts, "IDLE_PROMPTS")
	envInt(&c.Limits.ChallengeTimeoutMS, "CHALLENGE_TIMEOUT_MS")
	envInt(&c.Limits.MaxConnsPerIP, "MAX_CONNECTIONS_PER_IP")

	envBool(&c.Admission.AllowlistEnabled, "ALLOWLIST_ENABLED")
	envBool(&c.Admission.AllowlistStrict, "ALLOWLIST_STRICT")
	envStr(&c.Admission.AdminKey, "ALLOWLIST_ADMIN_KEY")
	envBool(&c.Admission.LurkDisabled, "LURK_DISABLED")
	envBool(&c.Admission.CaptchaEnabled, "CAPTCHA_ENABLED")

	envInt(&c.Callbacks.MaxDurationS, "AGENTCHAT_CB_MAX_DURATION_S")
	envInt(&c.Callbacks.MaxPerAgent, "AGENTCHAT_CB_MAX_PER_AGENT")
	envInt(&c.Callbacks.MaxPayload, "AGENTCHAT_CB_MAX_PAYLOAD")
	envInt(&c.Callbacks.PollMS, "AGENTCHAT_CB_POLL_MS")

	envInt(&c.Arbitration.IndependenceDays, "ARBITER_INDEPENDENCE_DAYS")

	envStr(&c.Redis.Addr, "REDIS_ADDR")
	envStr(&c.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.Redis.DB, "REDIS_DB")
	envStr(&c.Redis.Prefix, "REDIS_PREFIX")
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

// ChallengeTimeout as a duration.
func (c *Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Limits.ChallengeTimeoutMS) * time.Millisecond
}

// IdleTimeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTimeoutMS) * time.Millisecond
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
