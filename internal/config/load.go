package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3000,
			RateLimitRPM:      60,
			HeartbeatInterval: 30,
		},
		Providers: map[string]ProviderConfig{},
		Agent: AgentConfig{
			MaxToolIterations: 20,
			Temperature:       0.7,
			MaxTokens:         4096,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentos",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENTOS_HOST", &c.Server.Host)
	if v := os.Getenv("AGENTOS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	envStr("AGENTOS_LEDGER_PATH", &c.Ledger.Path)
	envStr("AGENTOS_SYSTEM_PROMPT", &c.Agent.SystemPrompt)

	// Provider keys go to every configured provider of the matching
	// adapter type that has none of its own.
	c.applyProviderKey(AdapterOpenAI, os.Getenv("OPENAI_API_KEY"))
	c.applyProviderKey(AdapterAnthropic, os.Getenv("ANTHROPIC_API_KEY"))

	envStr("AGENTOS_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTOS_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTOS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTOS_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

func (c *Config) applyProviderKey(adapterType, key string) {
	if key == "" {
		return
	}
	for name, p := range c.Providers {
		if p.AdapterType == adapterType && p.APIKey == "" {
			p.APIKey = key
			c.Providers[name] = p
		}
	}
}
