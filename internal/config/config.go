package config

import "fmt"

// Model type labels as they appear in config files.
const (
	ModelTypeLLM   = "llm"
	ModelTypeEmbed = "embed"
)

// Adapter type labels. "custom" is any OpenAI-compatible endpoint.
const (
	AdapterOpenAI    = "openai"
	AdapterAnthropic = "anthropic"
	AdapterCustom    = "custom"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agent     AgentConfig               `json:"agent"`
	Ledger    LedgerConfig              `json:"ledger"`
	Telemetry TelemetryConfig           `json:"telemetry"`
}

// ServerConfig controls the HTTP transport.
type ServerConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	RateLimitRPM      int    `json:"rateLimitRpm"`
	HeartbeatInterval int    `json:"heartbeatIntervalSec"`
}

// ProviderConfig describes one model provider endpoint. The map key is the
// provider name used in logs and model listings.
type ProviderConfig struct {
	Endpoint    string        `json:"endpoint"`
	APIKey      string        `json:"apiKey"`
	AdapterType string        `json:"adapterType"`
	Models      []ModelConfig `json:"models"`
}

// ModelConfig declares one model a provider advertises.
type ModelConfig struct {
	Type string `json:"type"` // "llm" or "embed"
	Name string `json:"name"`
}

// AgentConfig holds run-loop defaults.
type AgentConfig struct {
	SystemPrompt      string  `json:"systemPrompt"`
	MaxToolIterations int     `json:"maxToolIterations"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"maxTokens"`
}

// LedgerConfig selects the persistence backend. An empty path keeps
// history in memory only.
type LedgerConfig struct {
	Path string `json:"path"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"serviceName"`
	Insecure    bool   `json:"insecure"`
}

// Validate checks the parts of the config that would otherwise fail at
// first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	for name, p := range c.Providers {
		switch p.AdapterType {
		case AdapterOpenAI, AdapterAnthropic, AdapterCustom:
		default:
			return fmt.Errorf("provider %q: unknown adapterType %q", name, p.AdapterType)
		}
		for _, m := range p.Models {
			if m.Type != ModelTypeLLM && m.Type != ModelTypeEmbed {
				return fmt.Errorf("provider %q: model %q has unknown type %q", name, m.Name, m.Type)
			}
			if m.Name == "" {
				return fmt.Errorf("provider %q: model with empty name", name)
			}
		}
	}
	return nil
}

// HasLLM reports whether any provider advertises at least one llm model.
func (c *Config) HasLLM() bool {
	for _, p := range c.Providers {
		for _, m := range p.Models {
			if m.Type == ModelTypeLLM {
				return true
			}
		}
	}
	return false
}
