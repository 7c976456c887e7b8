/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ingress binds application ports to externally reachable subdomains.
package ingress

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Binding is one port-to-subdomain mapping, consumed by the edge proxy.
type Binding struct {
	// Subdomain is the bound subdomain.
	Subdomain string `json:"subdomain"`
	// TargetID is the VPS the traffic is routed to.
	TargetID string `json:"target_id"`
	// Port is the application port on the target.
	Port int `json:"port"`
	// URL is the externally reachable URL.
	URL string `json:"url"`
}

// Binder manages subdomain bindings. At most one binding exists per
// subdomain.
type Binder interface {
	// Bind routes a subdomain to a port on a target and returns the
	// externally reachable URL. Rebinding an existing subdomain replaces
	// the route.
	Bind(ctx context.Context, subdomain, targetID string, port int) (string, error)
	// Unbind removes a subdomain's route. Unbinding an absent subdomain is
	// a no-op.
	Unbind(ctx context.Context, subdomain string) error
}

// MemoryBinder keeps bindings in memory and serves them to the proxy config
// endpoint. The scheme is fixed to https; TLS terminates at the edge.
type MemoryBinder struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	logger   logr.Logger
}

// MemoryBinderOption configures a MemoryBinder.
type MemoryBinderOption func(*MemoryBinder)

// WithBinderLogger sets the logger.
func WithBinderLogger(logger logr.Logger) MemoryBinderOption {
	return func(b *MemoryBinder) {
		b.logger = logger
	}
}

// NewMemoryBinder creates an empty binder.
func NewMemoryBinder(opts ...MemoryBinderOption) *MemoryBinder {
	b := &MemoryBinder{
		bindings: make(map[string]Binding),
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind routes a subdomain to a port on a target.
func (b *MemoryBinder) Bind(ctx context.Context, subdomain, targetID string, port int) (string, error) {
	if subdomain == "" {
		return "", fmt.Errorf("subdomain must not be empty")
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("port %d out of range", port)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	binding := Binding{
		Subdomain: subdomain,
		TargetID:  targetID,
		Port:      port,
		URL:       fmt.Sprintf("https://%s", subdomain),
	}
	b.bindings[subdomain] = binding
	b.logger.V(1).Info("bound subdomain", "subdomain", subdomain, "target", targetID, "port", port)
	return binding.URL, nil
}

// Unbind removes a subdomain's route.
func (b *MemoryBinder) Unbind(ctx context.Context, subdomain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.bindings[subdomain]; !ok {
		return nil
	}
	delete(b.bindings, subdomain)
	b.logger.V(1).Info("unbound subdomain", "subdomain", subdomain)
	return nil
}

// Bindings returns all bindings ordered by subdomain.
func (b *MemoryBinder) Bindings() []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Binding, 0, len(b.bindings))
	for _, binding := range b.bindings {
		out = append(out, binding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out
}
