// Package runtime assembles the subsystems into a running instance:
// bus, ledger, model layer, transport and task manager, wired in
// registration order and verified before the listener binds.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/internal/ledger"
	"github.com/openagentos/agentos/internal/ledger/sqlite"
	"github.com/openagentos/agentos/internal/model"
	"github.com/openagentos/agentos/internal/task"
	"github.com/openagentos/agentos/internal/transport"
)

// requiredAbilities must all be present after assembly; a missing one
// means a wiring bug and aborts startup.
var requiredAbilities = []string{
	task.AbilitySpawn,
	task.AbilitySend,
	task.AbilityCancel,
	task.AbilityActive,
	model.AbilityLLM,
	model.AbilityListLLM,
	model.AbilityListEmbed,
	transport.AbilityShellSend,
	transport.AbilityShellEvent,
	ledger.AbilityTaskSave,
	ledger.AbilityTaskGet,
	ledger.AbilityTaskQuery,
	ledger.AbilityCallSave,
	ledger.AbilityCallList,
	ledger.AbilityMsgSave,
	ledger.AbilityMsgList,
	bus.AbilityList,
	bus.AbilityAbilities,
	bus.AbilitySchema,
}

// Runtime is one assembled instance.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     *bus.Bus
	store   ledger.Ledger
	table   *transport.Table
	server  *transport.Server
	manager *task.Manager
}

// New builds and wires a runtime from cfg. The listener is not bound
// until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := bus.New()

	var store ledger.Ledger
	if cfg.Ledger.Path != "" {
		var err error
		store, err = sqlite.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		logger.Info("ledger ready", "backend", "sqlite", "path", cfg.Ledger.Path)
	} else {
		store = ledger.NewStub()
		logger.Info("ledger ready", "backend", "stub")
	}
	if err := ledger.Register(b, store); err != nil {
		return nil, fmt.Errorf("register ledger: %w", err)
	}

	registry, err := model.FromConfig(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	if err := model.NewService(registry, b, logger).Register(); err != nil {
		return nil, fmt.Errorf("register model layer: %w", err)
	}

	table := transport.NewTable(logger)
	if err := transport.RegisterCapabilities(b, table); err != nil {
		return nil, fmt.Errorf("register transport: %w", err)
	}
	server := transport.NewServer(cfg.Server, b, table, logger)

	manager := task.NewManager(b, cfg.Agent, logger)
	if err := manager.Register(); err != nil {
		return nil, fmt.Errorf("register task manager: %w", err)
	}

	for _, id := range requiredAbilities {
		if !b.Has(id) {
			return nil, fmt.Errorf("required ability %s missing after assembly", id)
		}
	}
	if !cfg.HasLLM() {
		logger.Warn("no llm models configured; spawned tasks will fail until a provider is added")
	}

	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		bus:     b,
		store:   store,
		table:   table,
		server:  server,
		manager: manager,
	}, nil
}

// Bus exposes the capability bus, mainly for embedding and tests.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Start binds the transport and blocks until ctx is cancelled, then
// drains run-loops and closes the ledger.
func (r *Runtime) Start(ctx context.Context) error {
	err := r.server.Start(ctx)

	r.manager.Shutdown()
	if cerr := r.store.Close(); cerr != nil {
		r.logger.Warn("ledger close failed", "error", cerr)
	}
	return err
}
