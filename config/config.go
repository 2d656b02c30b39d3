package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/failover/health"
	"github.com/yanolja/failover/monitoring"
	"github.com/yanolja/failover/proxy"
	"github.com/yanolja/failover/utils/env"
)

const (
	ProviderTypeOpenAi = "openai"
	ProviderTypeClaude = "claude"
)

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint to publish performance
	// reports to. Reports are kept in memory if empty. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// API key to access the failover service. The user should provide this key
	// in the Authorization header with the Bearer scheme. No authentication if
	// empty.
	FailoverApiKey string `yaml:"-"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Maximum bytes of the in-memory report store.
	StoreMaxBytes int64 `yaml:"store_max_bytes"`

	Proxy ProxyConfig `yaml:"proxy"`

	Health HealthConfig `yaml:"health"`

	Monitoring monitoring.Config `yaml:"monitoring"`

	// Providers in registration order.
	Providers []ProviderConfig `yaml:"providers"`
}

// ProxyConfig holds the proxy settings with durations as strings. E.g., "30s"
type ProxyConfig struct {
	RetryAttempts           int    `yaml:"retry_attempts"`
	RetryDelay              string `yaml:"retry_delay"`
	Timeout                 string `yaml:"timeout"`
	CircuitBreakerThreshold int    `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string `yaml:"circuit_breaker_timeout"`
	FailureWindow           string `yaml:"failure_window"`
	MinRequests             int    `yaml:"min_requests"`
	HealthCheckInterval     string `yaml:"health_check_interval"`
	MetricsRetention        string `yaml:"metrics_retention"`
}

// HealthConfig holds the health scoring thresholds with durations as strings.
type HealthConfig struct {
	TargetResponseTime        string `yaml:"target_response_time"`
	MaxAcceptableResponseTime string `yaml:"max_acceptable_response_time"`
	MaxCheckInterval          string `yaml:"max_check_interval"`
}

type ProviderConfig struct {
	// Unique name the provider is requested by. E.g., "openai-primary"
	Name string `yaml:"name"`

	// One of "openai" or "claude".
	Type string `yaml:"type"`

	// Base URL of the API. Uses the provider's public endpoint if empty.
	// E.g., https://api.openai.com/v1
	BaseUrl string `yaml:"base_url"`

	// Environment variable holding the API key. E.g., OPENAI_API_KEY
	ApiKeyEnv string `yaml:"api_key_env"`

	// Model used when a request does not name one. E.g., gpt-4o-mini
	Model string `yaml:"model"`

	// Output token limit used when a request does not set one.
	MaxTokens int `yaml:"max_tokens"`
}

// ApiKey reads the key from the configured environment variable.
func (p ProviderConfig) ApiKey() string {
	if p.ApiKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.ApiKeyEnv)
}

func Default() Config {
	defaults := proxy.DefaultConfig()
	scorer := health.DefaultScorer()
	return Config{
		Port:          8080,
		StoreMaxBytes: 16 << 20,
		Proxy: ProxyConfig{
			RetryAttempts:           defaults.RetryAttempts,
			RetryDelay:              defaults.RetryDelay.String(),
			Timeout:                 defaults.Timeout.String(),
			CircuitBreakerThreshold: defaults.CircuitBreakerThreshold,
			CircuitBreakerTimeout:   defaults.CircuitBreakerTimeout.String(),
			FailureWindow:           defaults.FailureWindow.String(),
			MinRequests:             defaults.MinRequests,
			HealthCheckInterval:     defaults.HealthCheckInterval.String(),
			MetricsRetention:        defaults.MetricsRetention.String(),
		},
		Health: HealthConfig{
			TargetResponseTime:        scorer.TargetResponseTime.String(),
			MaxAcceptableResponseTime: scorer.MaxAcceptableResponseTime.String(),
			MaxCheckInterval:          scorer.MaxCheckInterval.String(),
		},
		Monitoring: monitoring.DefaultConfig(),
	}
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	if configSource != "" {
		configData, err := readConfig(configSource, configToken, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to get config data: %w", err)
		}
		// Overrides config with the YAML data.
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.FailoverApiKey = env.OptionalStringVariable("FAILOVER_API_KEY", config.FailoverApiKey)
	config.Port = env.OptionalIntVariable("PORT", config.Port)

	p := &config.Proxy
	p.RetryAttempts = env.OptionalIntVariable("RETRY_ATTEMPTS", p.RetryAttempts)
	p.RetryDelay = durationVariable("RETRY_DELAY", p.RetryDelay)
	p.Timeout = durationVariable("TIMEOUT", p.Timeout)
	p.CircuitBreakerThreshold = env.OptionalIntVariable("CIRCUIT_BREAKER_THRESHOLD", p.CircuitBreakerThreshold)
	p.CircuitBreakerTimeout = durationVariable("CIRCUIT_BREAKER_TIMEOUT", p.CircuitBreakerTimeout)
	p.FailureWindow = durationVariable("FAILURE_WINDOW", p.FailureWindow)
	p.MinRequests = env.OptionalIntVariable("MIN_REQUESTS", p.MinRequests)
	p.HealthCheckInterval = durationVariable("HEALTH_CHECK_INTERVAL", p.HealthCheckInterval)
	p.MetricsRetention = durationVariable("METRICS_RETENTION", p.MetricsRetention)

	m := &config.Monitoring
	m.Prometheus.Enabled = env.OptionalBoolVariable("PROMETHEUS_ENABLED", m.Prometheus.Enabled)
	m.OpenTelemetry.Enabled = env.OptionalBoolVariable("OTEL_ENABLED", m.OpenTelemetry.Enabled)
	m.OpenTelemetry.Endpoint = env.OptionalStringVariable("OTEL_EXPORTER_OTLP_ENDPOINT", m.OpenTelemetry.Endpoint)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// durationVariable overrides a duration from the YAML file with the one in
// the environment, if set.
func durationVariable(name string, value string) string {
	if !env.HasEnv(name) {
		return value
	}
	return env.OptionalDurationVariable(name, 0).String()
}

func (c *Config) Validate() error {
	if _, err := c.Proxy.ProxyConfig(); err != nil {
		return err
	}
	if _, err := c.Health.Scorer(); err != nil {
		return err
	}

	names := make(map[string]bool)
	for i, provider := range c.Providers {
		if provider.Name == "" {
			return fmt.Errorf("provider #%d has no name", i)
		}
		if names[provider.Name] {
			return fmt.Errorf("duplicate provider name: %s", provider.Name)
		}
		names[provider.Name] = true

		switch provider.Type {
		case ProviderTypeOpenAi, ProviderTypeClaude:
		default:
			return fmt.Errorf("provider %s has unsupported type %q", provider.Name, provider.Type)
		}
	}
	return nil
}

// ProxyConfig parses the durations into the proxy configuration.
func (p ProxyConfig) ProxyConfig() (proxy.Config, error) {
	var durations durationParser

	config := proxy.Config{
		RetryAttempts:           p.RetryAttempts,
		RetryDelay:              durations.parse("retry_delay", p.RetryDelay),
		Timeout:                 durations.parse("timeout", p.Timeout),
		CircuitBreakerThreshold: p.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   durations.parse("circuit_breaker_timeout", p.CircuitBreakerTimeout),
		FailureWindow:           durations.parse("failure_window", p.FailureWindow),
		MinRequests:             p.MinRequests,
		HealthCheckInterval:     durations.parse("health_check_interval", p.HealthCheckInterval),
		MetricsRetention:        durations.parse("metrics_retention", p.MetricsRetention),
	}
	if err := errors.Join(durations.errs...); err != nil {
		return proxy.Config{}, err
	}
	// An explicit zero disables backoff instead of picking the default.
	if p.RetryDelay != "" && config.RetryDelay == 0 {
		config.RetryDelay = proxy.NoRetryDelay
	}
	if err := config.Validate(); err != nil {
		return proxy.Config{}, err
	}
	return config, nil
}

func readConfig(source string, token string, logger *zap.SugaredLogger) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		logger.Infow("Fetching remote config", "url", source)
		return fetchRemoteConfig(source, token)
	}
	logger.Infow("Loading local config", "path", source)
	return os.ReadFile(source)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Scorer parses the durations into health scoring thresholds.
func (h HealthConfig) Scorer() (health.Scorer, error) {
	var durations durationParser

	scorer := health.Scorer{
		TargetResponseTime:        durations.parse("target_response_time", h.TargetResponseTime),
		MaxAcceptableResponseTime: durations.parse("max_acceptable_response_time", h.MaxAcceptableResponseTime),
		MaxCheckInterval:          durations.parse("max_check_interval", h.MaxCheckInterval),
	}
	if err := errors.Join(durations.errs...); err != nil {
		return health.Scorer{}, err
	}
	return scorer, nil
}

// durationParser collects every malformed duration instead of stopping at the
// first.
type durationParser struct {
	errs []error
}

func (d *durationParser) parse(field string, value string) time.Duration {
	if value == "" {
		return 0
	}
	parsed, err := env.ParseDuration(value)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("invalid %s %q: %w", field, value, err))
	}
	return parsed
}
