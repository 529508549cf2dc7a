package providerfactory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"apex-hq/meridian/pkg/cache"
	"apex-hq/meridian/pkg/providers"
	"apex-hq/meridian/pkg/ratelimit"
	"apex-hq/meridian/pkg/routing"
	"apex-hq/meridian/pkg/tasks"
	"apex-hq/meridian/pkg/telemetry/metrics"
)

// ManagerConfig carries the process-wide dependencies shared by every model.
type ManagerConfig struct {
	// Options builds the provider adapters.
	Options Options

	// Cache is the shared response cache; nil disables caching for every
	// model regardless of its cache mode.
	Cache cache.Store

	// Metrics receives instrumentation; nil records nothing.
	Metrics *metrics.Collector

	// Tracker runs deferred ticket returns and cache writes. A private
	// tracker is created when nil.
	Tracker *tasks.Tracker

	// StartSpan opens per-request spans; no-op when nil.
	StartSpan routing.SpanStarter
}

// Manager holds the router for every registered model. It owns the per-model
// rate-limit stores and the shared deferred-work tracker, and is safe for
// concurrent use.
type Manager struct {
	cfg     ManagerConfig
	tracker *tasks.Tracker

	mu      sync.RWMutex
	routers map[string]*routing.Router
	limits  map[string]*ratelimit.MemoryStore
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = tasks.New()
	}
	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		routers: make(map[string]*routing.Router),
		limits:  make(map[string]*ratelimit.MemoryStore),
	}
}

// Register validates a model configuration, builds its providers in routing
// order, and installs its router. Registering a name again replaces the
// previous router.
func (m *Manager) Register(cfg routing.ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	provs := make([]providers.Provider, 0, len(cfg.Routing))
	perProvider := make(map[string]routing.Timeouts, len(cfg.Routing))
	for _, name := range cfg.Routing {
		binding := cfg.Providers[name]
		p, err := New(name, binding, m.cfg.Options)
		if err != nil {
			return fmt.Errorf("model %q: %w", cfg.Name, err)
		}
		provs = append(provs, p)
		perProvider[name] = binding.Timeouts
	}

	var tickets *ratelimit.Manager
	var limitStore *ratelimit.MemoryStore
	if cfg.RateLimit.Enabled() {
		limitStore = ratelimit.NewMemoryStore(cfg.RateLimit)
		tickets = ratelimit.NewManager(limitStore, cfg.RateLimit)
	}

	router, err := routing.New(routing.Config{
		Model:            cfg.Name,
		Providers:        provs,
		Timeouts:         cfg.Timeouts,
		ProviderTimeouts: perProvider,
		Cache:            m.cfg.Cache,
		CacheMode:        cfg.Cache,
		Tickets:          tickets,
		Tracker:          m.tracker,
		Metrics:          m.cfg.Metrics,
		StartSpan:        m.cfg.StartSpan,
	})
	if err != nil {
		return fmt.Errorf("model %q: %w", cfg.Name, err)
	}

	m.mu.Lock()
	if _, ok := m.routers[cfg.Name]; ok {
		slog.Warn("replacing registered model", "model", cfg.Name)
		if old := m.limits[cfg.Name]; old != nil {
			old.Close()
		}
		delete(m.limits, cfg.Name)
	}
	m.routers[cfg.Name] = router
	if limitStore != nil {
		m.limits[cfg.Name] = limitStore
	}
	m.mu.Unlock()

	slog.Info("model registered",
		"model", cfg.Name,
		"providers", len(provs),
		"total_models", m.ModelCount(),
	)
	return nil
}

// Load registers a list of model configurations, collecting failures.
func (m *Manager) Load(configs []routing.ModelConfig) error {
	var failed int
	for _, cfg := range configs {
		if err := m.Register(cfg); err != nil {
			failed++
			slog.Error("failed to register model", "model", cfg.Name, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to register %d model(s)", failed)
	}
	return nil
}

// Router returns the router serving a logical model.
func (m *Manager) Router(model string) (*routing.Router, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	router, ok := m.routers[model]
	if !ok {
		return nil, fmt.Errorf("model %q is not registered", model)
	}
	return router, nil
}

// Models returns the registered logical model names.
func (m *Manager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.routers))
	for name := range m.routers {
		names = append(names, name)
	}
	return names
}

// ModelCount returns the number of registered models.
func (m *Manager) ModelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routers)
}

// Remove drops a model's router and closes its rate-limit store.
func (m *Manager) Remove(model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.routers[model]; !ok {
		return fmt.Errorf("model %q is not registered", model)
	}
	delete(m.routers, model)
	if store := m.limits[model]; store != nil {
		store.Close()
		delete(m.limits, model)
	}
	slog.Info("model removed", "model", model, "remaining_models", len(m.routers))
	return nil
}

// Shutdown drains deferred work (ticket returns, cache writes) and closes the
// per-model rate-limit stores. The context bounds the drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.tracker.Shutdown(ctx)

	m.mu.Lock()
	for model, store := range m.limits {
		store.Close()
		delete(m.limits, model)
	}
	m.routers = make(map[string]*routing.Router)
	m.mu.Unlock()

	slog.Info("provider manager closed")
	return err
}
