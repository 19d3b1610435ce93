// Package model exposes the provider adapters as bus capabilities and
// relays streamed completion chunks to the transport.
package model

import (
	"fmt"
	"sort"

	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/internal/providers"
)

// Registry maps provider names to adapters and their advertised models.
// The advertised list is authoritative: a (provider, model) pair outside
// it is rejected before any network call.
type Registry struct {
	entries map[string]*entry
}

type entry struct {
	adapter providers.Adapter
	models  []config.ModelConfig
}

// ProviderModels is one row of a model listing.
type ProviderModels struct {
	Provider string   `json:"providerName"`
	Models   []string `json:"models"`
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// FromConfig builds a registry from the providers section. The "custom"
// adapter type is wire-compatible with OpenAI and keeps the configured
// provider name for logs and errors.
func FromConfig(cfgs map[string]config.ProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for name, pc := range cfgs {
		var adapter providers.Adapter
		switch pc.AdapterType {
		case config.AdapterOpenAI:
			adapter = providers.NewOpenAIAdapter(pc.Endpoint, pc.APIKey)
		case config.AdapterAnthropic:
			adapter = providers.NewAnthropicAdapter(pc.Endpoint, pc.APIKey)
		case config.AdapterCustom:
			adapter = providers.NewOpenAIAdapter(pc.Endpoint, pc.APIKey).WithName(name)
		default:
			return nil, fmt.Errorf("provider %q: unknown adapterType %q", name, pc.AdapterType)
		}
		r.Add(name, adapter, pc.Models)
	}
	return r, nil
}

// Add registers an adapter under name with its advertised models. An
// existing entry with the same name is replaced.
func (r *Registry) Add(name string, adapter providers.Adapter, models []config.ModelConfig) {
	r.entries[name] = &entry{adapter: adapter, models: models}
}

// Lookup returns the adapter for (provider, model) if the model is
// advertised with the given type.
func (r *Registry) Lookup(provider, model, modelType string) (providers.Adapter, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	for _, m := range e.models {
		if m.Name == model && m.Type == modelType {
			return e.adapter, nil
		}
	}
	return nil, fmt.Errorf("provider %q does not advertise %s model %q", provider, modelType, model)
}

// List returns providers advertising at least one model of modelType,
// sorted by provider name. Model order within a provider follows the
// configured order.
func (r *Registry) List(modelType string) []ProviderModels {
	out := []ProviderModels{}
	for name, e := range r.entries {
		var models []string
		for _, m := range e.models {
			if m.Type == modelType {
				models = append(models, m.Name)
			}
		}
		if len(models) > 0 {
			out = append(out, ProviderModels{Provider: name, Models: models})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
