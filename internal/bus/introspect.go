package bus

import (
	"context"
	"sort"
)

// Introspection abilities. These are the sole mechanism by which the
// run-loop discovers tools; nothing else in the runtime may hold a static
// list of abilities.
const (
	AbilityList      = "bus:list"
	AbilityAbilities = "bus:abilities"
	AbilitySchema    = "bus:schema"
	AbilityInspect   = "bus:inspect"
	AbilityCalls     = "bus:calls"
)

// ModuleInfo is one entry of the bus:list result.
type ModuleInfo struct {
	Module    string `json:"module"`
	Abilities int    `json:"abilities"`
}

// AbilityInfo is one entry of the bus:abilities result.
type AbilityInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SchemaPair is the bus:schema result.
type SchemaPair struct {
	Input  Schema `json:"input"`
	Output Schema `json:"output"`
}

func (b *Bus) registerIntrospection() {
	must := func(desc Descriptor, h Handler) {
		if err := b.Register(desc, h); err != nil {
			panic(err) // registration at construction time, ids are fixed
		}
	}

	must(Descriptor{
		ID:          AbilityList,
		Description: "Enumerate registered modules with per-module ability count",
		Output: ObjectSchema(map[string]any{
			"modules": map[string]any{"type": "array"},
		}, "modules"),
	}, b.handleList)

	must(Descriptor{
		ID:          AbilityAbilities,
		Description: "List id, name and description for every ability of one module",
		Input: ObjectSchema(map[string]any{
			"module": map[string]any{"type": "string"},
		}, "module"),
		Output: ObjectSchema(map[string]any{
			"abilities": map[string]any{"type": "array"},
		}, "abilities"),
	}, b.handleAbilities)

	must(Descriptor{
		ID:          AbilitySchema,
		Description: "Return the input and output schema for one ability",
		Input: ObjectSchema(map[string]any{
			"id": map[string]any{"type": "string"},
		}, "id"),
		Output: ObjectSchema(map[string]any{
			"input":  map[string]any{"type": "object"},
			"output": map[string]any{"type": "object"},
		}, "input", "output"),
	}, b.handleSchema)

	must(Descriptor{
		ID:          AbilityInspect,
		Description: "Return the full descriptor for one ability",
		Input: ObjectSchema(map[string]any{
			"id": map[string]any{"type": "string"},
		}, "id"),
		Output: ObjectSchema(map[string]any{
			"descriptor": map[string]any{"type": "object"},
		}, "descriptor"),
	}, b.handleInspect)

	must(Descriptor{
		ID:          AbilityCalls,
		Description: "Return the most recent call-log entries",
		Input: ObjectSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "minimum": 1},
		}),
		Output: ObjectSchema(map[string]any{
			"calls": map[string]any{"type": "array"},
		}, "calls"),
	}, b.handleCalls)
}

func (b *Bus) handleList(ctx context.Context, inv Invocation) (any, error) {
	b.mu.RLock()
	counts := make(map[string]int)
	for _, reg := range b.abilities {
		counts[reg.desc.Module]++
	}
	b.mu.RUnlock()

	modules := make([]ModuleInfo, 0, len(counts))
	for m, n := range counts {
		modules = append(modules, ModuleInfo{Module: m, Abilities: n})
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Module < modules[j].Module })
	return map[string]any{"modules": modules}, nil
}

func (b *Bus) handleAbilities(ctx context.Context, inv Invocation) (any, error) {
	var in struct {
		Module string `json:"module"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	b.mu.RLock()
	var abilities []AbilityInfo
	for _, reg := range b.abilities {
		if reg.desc.Module == in.Module {
			abilities = append(abilities, AbilityInfo{
				ID:          reg.desc.ID,
				Name:        reg.desc.Name,
				Description: reg.desc.Description,
			})
		}
	}
	b.mu.RUnlock()

	if abilities == nil {
		return nil, Errorf("module %q has no registered abilities", in.Module)
	}
	sort.Slice(abilities, func(i, j int) bool { return abilities[i].ID < abilities[j].ID })
	return map[string]any{"abilities": abilities}, nil
}

func (b *Bus) lookup(id string) (Descriptor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.abilities[id]
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}

func (b *Bus) handleSchema(ctx context.Context, inv Invocation) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}
	desc, ok := b.lookup(in.ID)
	if !ok {
		return nil, Errorf("ability %q is not registered", in.ID)
	}
	return SchemaPair{Input: desc.Input, Output: desc.Output}, nil
}

func (b *Bus) handleInspect(ctx context.Context, inv Invocation) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}
	desc, ok := b.lookup(in.ID)
	if !ok {
		return nil, Errorf("ability %q is not registered", in.ID)
	}
	return map[string]any{"descriptor": desc}, nil
}

func (b *Bus) handleCalls(ctx context.Context, inv Invocation) (any, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = 100
	}
	return map[string]any{"calls": b.log.Recent(in.Limit)}, nil
}
