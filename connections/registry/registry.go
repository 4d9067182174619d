// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"sync"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// ProviderFactory creates a provider instance for a provider id, used
// for lazy instantiation of engines that are expensive to initialize.
type ProviderFactory func(providerID string) (base.Provider, error)

// Registry maps provider identifiers to pluggable provider
// implementations. A provider resolves only after it has signalled
// readiness; resolving an unknown or not-yet-ready id fails with
// ErrUnregisteredProvider. Thread-safe for concurrent access.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]base.Provider
	ready     map[string]bool
	factory   ProviderFactory
	log       *logger.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]base.Provider),
		ready:     make(map[string]bool),
		log:       logger.New("connections.registry"),
	}
}

// SetFactory sets the provider factory for lazy instantiation. A
// factory-created provider is considered ready as soon as the factory
// returns it.
func (r *Registry) SetFactory(factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
}

// Register adds a provider under its id, not yet ready. Registering an
// id twice is an error.
func (r *Registry) Register(provider base.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := provider.ID()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = provider
	r.log.Info("", "", "Provider registered", map[string]interface{}{"provider": id})
	return nil
}

// MarkReady signals that the provider for the id has finished its
// initialization handshake and may serve connection attempts.
func (r *Registry) MarkReady(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[providerID]; exists {
		r.ready[providerID] = true
	}
}

// Resolve returns the ready provider for the id. It fails with
// ErrUnregisteredProvider when the id is unknown or the provider has
// not signalled readiness.
func (r *Registry) Resolve(providerID string) (base.Provider, error) {
	r.mu.RLock()
	provider, exists := r.providers[providerID]
	isReady := r.ready[providerID]
	factory := r.factory
	r.mu.RUnlock()

	if exists && isReady {
		return provider, nil
	}
	if !exists && factory != nil {
		return r.lazyLoad(providerID)
	}
	return nil, fmt.Errorf("%w: %q", base.ErrUnregisteredProvider, providerID)
}

// lazyLoad creates a provider through the factory and marks it ready.
func (r *Registry) lazyLoad(providerID string) (base.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check whether another goroutine won the race.
	if provider, exists := r.providers[providerID]; exists {
		if r.ready[providerID] {
			return provider, nil
		}
		return nil, fmt.Errorf("%w: %q", base.ErrUnregisteredProvider, providerID)
	}

	provider, err := r.factory(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", base.ErrUnregisteredProvider, providerID, err)
	}

	r.providers[providerID] = provider
	r.ready[providerID] = true
	r.log.Info("", "", "Provider lazy-loaded", map[string]interface{}{"provider": providerID})
	return provider, nil
}

// Providers returns the ids of all registered providers, ready or not.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// IsReady reports whether the provider for the id has signalled
// readiness.
func (r *Registry) IsReady(providerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[providerID]
}

// SetCompletionSink registers the completion sink on every provider
// currently in the registry.
func (r *Registry) SetCompletionSink(sink base.CompletionSink) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, provider := range r.providers {
		provider.SetCompletionSink(sink)
	}
}

// DisconnectAll is used for graceful shutdown: every ready provider is
// asked to tear down its connections. Per-provider failures are logged,
// not propagated.
func (r *Registry) DisconnectAll(ctx context.Context, ownerURIs []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, ready := range r.ready {
		if !ready {
			continue
		}
		provider := r.providers[id]
		for _, uri := range ownerURIs {
			if _, err := provider.Disconnect(ctx, uri); err != nil {
				r.log.Warn(uri, "", "Disconnect during shutdown failed", map[string]interface{}{
					"provider": id,
					"error":    err.Error(),
				})
			}
		}
	}
}
