// Package config loads and validates the nested configuration surface
// described in the configuration reference: server, auth, vertex, openai,
// anthropic, rate_limit, circuit_breaker, and log sections. YAML is the file
// format; any key can be overridden by an environment variable named after
// its dotted path, uppercased with underscores (vertex.project_id ->
// VERTEX_PROJECT_ID).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Vertex         VertexConfig         `yaml:"vertex"`
	OpenAI         OpenAIConfig         `yaml:"openai"`
	Anthropic      AnthropicConfig      `yaml:"anthropic"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Log            LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	MaxRequestSize  int64  `yaml:"max_request_size"`
}

type AuthConfig struct {
	RequireAuth bool   `yaml:"require_auth"`
	MasterKey   string `yaml:"master_key"`
}

type VertexConfig struct {
	ProjectID       string `yaml:"project_id"`
	Region          string `yaml:"region"`
	APIKey          string `yaml:"api_key"`
	APIKeyBaseURL   string `yaml:"api_key_base_url"`
	OAuthBaseURL    string `yaml:"oauth_base_url"`
	CredentialsPath string `yaml:"credentials_path"`
}

type OpenAIConfig struct {
	HarvesterURL           string `yaml:"harvester_url"`
	AccessTokenTTLSecs     int    `yaml:"access_token_ttl_secs"`
	ArkoseTokenTTLSecs     int    `yaml:"arkose_token_ttl_secs"`
	TLSFingerprintEnabled  bool   `yaml:"tls_fingerprint_enabled"`
	TLSFingerprintTarget   string `yaml:"tls_fingerprint_target"`
}

type AnthropicConfig struct {
	BridgeURL string `yaml:"bridge_url"`
}

type RateLimitConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	RedisURL        string  `yaml:"redis_url"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	TimeoutSecs      int    `yaml:"timeout_secs"`
	SuccessThreshold int    `yaml:"success_threshold"`
	RedisURL         string `yaml:"redis_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied, matching
// the configuration reference's stated defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           4000,
			MaxRequestSize: 10 * 1024 * 1024,
		},
		Auth: AuthConfig{RequireAuth: false},
		Vertex: VertexConfig{
			Region:        "us-central1",
			APIKeyBaseURL: "https://generativelanguage.googleapis.com",
			OAuthBaseURL:  "https://us-central1-aiplatform.googleapis.com",
		},
		OpenAI: OpenAIConfig{
			HarvesterURL:       "http://localhost:4002",
			AccessTokenTTLSecs: 3600,
			ArkoseTokenTTLSecs: 120,
		},
		Anthropic: AnthropicConfig{BridgeURL: "http://localhost:4001"},
		RateLimit: RateLimitConfig{
			Capacity:        60,
			RefillPerSecond: 1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 10,
			TimeoutSecs:      60,
			SuccessThreshold: 3,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty and present) over Default(), then applies
// environment variable overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Host, "SERVER_HOST")
	overrideInt(&cfg.Server.Port, "SERVER_PORT")
	overrideInt64(&cfg.Server.MaxRequestSize, "SERVER_MAX_REQUEST_SIZE")

	overrideBool(&cfg.Auth.RequireAuth, "AUTH_REQUIRE_AUTH")
	overrideString(&cfg.Auth.MasterKey, "AUTH_MASTER_KEY")

	overrideString(&cfg.Vertex.ProjectID, "VERTEX_PROJECT_ID")
	overrideString(&cfg.Vertex.Region, "VERTEX_REGION")
	overrideString(&cfg.Vertex.APIKey, "VERTEX_API_KEY")
	overrideString(&cfg.Vertex.APIKeyBaseURL, "VERTEX_API_KEY_BASE_URL")
	overrideString(&cfg.Vertex.OAuthBaseURL, "VERTEX_OAUTH_BASE_URL")
	overrideString(&cfg.Vertex.CredentialsPath, "VERTEX_CREDENTIALS_PATH")
	if cfg.Vertex.CredentialsPath == "" {
		overrideString(&cfg.Vertex.CredentialsPath, "GOOGLE_APPLICATION_CREDENTIALS")
	}

	overrideString(&cfg.OpenAI.HarvesterURL, "OPENAI_HARVESTER_URL")
	overrideInt(&cfg.OpenAI.AccessTokenTTLSecs, "OPENAI_ACCESS_TOKEN_TTL_SECS")
	overrideInt(&cfg.OpenAI.ArkoseTokenTTLSecs, "OPENAI_ARKOSE_TOKEN_TTL_SECS")
	overrideBool(&cfg.OpenAI.TLSFingerprintEnabled, "OPENAI_TLS_FINGERPRINT_ENABLED")
	overrideString(&cfg.OpenAI.TLSFingerprintTarget, "OPENAI_TLS_FINGERPRINT_TARGET")

	overrideString(&cfg.Anthropic.BridgeURL, "ANTHROPIC_BRIDGE_URL")

	overrideFloat(&cfg.RateLimit.Capacity, "RATE_LIMIT_CAPACITY")
	overrideFloat(&cfg.RateLimit.RefillPerSecond, "RATE_LIMIT_REFILL_PER_SECOND")
	overrideString(&cfg.RateLimit.RedisURL, "RATE_LIMIT_REDIS_URL")

	overrideInt(&cfg.CircuitBreaker.FailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	overrideInt(&cfg.CircuitBreaker.TimeoutSecs, "CIRCUIT_BREAKER_TIMEOUT_SECS")
	overrideInt(&cfg.CircuitBreaker.SuccessThreshold, "CIRCUIT_BREAKER_SUCCESS_THRESHOLD")
	overrideString(&cfg.CircuitBreaker.RedisURL, "CIRCUIT_BREAKER_REDIS_URL")

	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.Format, "LOG_FORMAT")
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func overrideInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

// Validate enforces the load-time checks called for in the re-architecture
// guidance: port range, non-empty master key when auth is required, at least
// one Google credential mode.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Auth.RequireAuth && c.Auth.MasterKey == "" {
		return fmt.Errorf("auth.master_key must be set when auth.require_auth is true")
	}
	if c.Vertex.APIKey == "" && c.Vertex.CredentialsPath == "" {
		return fmt.Errorf("at least one of vertex.api_key or vertex.credentials_path must be set")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	switch c.Log.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("log.format must be json or pretty, got %q", c.Log.Format)
	}
	return nil
}
