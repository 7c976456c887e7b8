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

// Package vps tracks the fleet of deployment targets and checks descriptor
// requirements against their capacity.
package vps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
)

// Well-known server labels.
const (
	// LabelManagedBy marks servers provisioned by this system.
	LabelManagedBy = "managed-by"
	// LabelMonthlyCost carries the provider's monthly price for display.
	LabelMonthlyCost = "monthly-cost"
)

// StatusRunning is the provider status of a usable target.
const StatusRunning = "running"

// ServerType describes a target's capacity.
type ServerType struct {
	// Name is the provider's type name, e.g. "cx22".
	Name string `json:"name" yaml:"name"`
	// Cores is the number of vCPU cores.
	Cores int `json:"cores" yaml:"cores"`
	// MemoryGB is the memory in GiB.
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
	// DiskGB is the local disk in GB.
	DiskGB float64 `json:"disk_gb" yaml:"disk_gb"`
}

// Server is one deployment target.
type Server struct {
	// ID identifies the server across the system.
	ID string `json:"id" yaml:"id"`
	// Provider names the hosting provider.
	Provider string `json:"provider" yaml:"provider"`
	// Status is the provider-reported lifecycle status.
	Status string `json:"status" yaml:"status"`
	// Type is the server's capacity.
	Type ServerType `json:"type" yaml:"type"`
	// PublicIPv4 is the server's public address.
	PublicIPv4 string `json:"public_ipv4" yaml:"public_ipv4"`
	// Labels carries provider and system labels.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Satisfies checks the server's capacity against a descriptor's minimum
// requirements. Capacity is compared whole-server; currently running
// workloads are not subtracted.
func (s Server) Satisfies(req catalog.Requirements) error {
	if s.Status != StatusRunning {
		return &TargetUnavailableError{ID: s.ID, Status: s.Status}
	}
	if milli := req.MinCPU.MilliValue(); milli > int64(s.Type.Cores)*1000 {
		return &InsufficientResourcesError{
			ID:     s.ID,
			Detail: fmt.Sprintf("needs %dm CPU, server has %d cores", milli, s.Type.Cores),
		}
	}
	if req.MinMemoryGB > s.Type.MemoryGB {
		return &InsufficientResourcesError{
			ID:     s.ID,
			Detail: fmt.Sprintf("needs %gGB memory, server has %gGB", req.MinMemoryGB, s.Type.MemoryGB),
		}
	}
	if req.MinDiskGB > s.Type.DiskGB {
		return &InsufficientResourcesError{
			ID:     s.ID,
			Detail: fmt.Sprintf("needs %gGB disk, server has %gGB", req.MinDiskGB, s.Type.DiskGB),
		}
	}
	return nil
}

// Provider lists the servers of one hosting provider.
type Provider interface {
	// ListServers returns the provider's current server inventory.
	ListServers(ctx context.Context) ([]Server, error)
}

// StaticProvider serves a fixed server list, for configuration-defined fleets
// and tests.
type StaticProvider struct {
	Servers []Server
}

// ListServers returns the configured servers.
func (p *StaticProvider) ListServers(ctx context.Context) ([]Server, error) {
	out := make([]Server, len(p.Servers))
	copy(out, p.Servers)
	return out, nil
}

// Mirror is a read-mostly snapshot of the fleet, refreshed from the provider.
// Lookups never hit the provider.
type Mirror struct {
	provider Provider
	logger   logr.Logger

	mu      sync.RWMutex
	servers map[string]Server
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithMirrorLogger sets the logger.
func WithMirrorLogger(logger logr.Logger) MirrorOption {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// NewMirror creates a Mirror over a provider. Call Sync before first use.
func NewMirror(provider Provider, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		provider: provider,
		logger:   logr.Discard(),
		servers:  make(map[string]Server),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sync refreshes the snapshot from the provider. On provider failure the
// previous snapshot stays in place.
func (m *Mirror) Sync(ctx context.Context) error {
	servers, err := m.provider.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	next := make(map[string]Server, len(servers))
	for _, s := range servers {
		next[s.ID] = s
	}

	m.mu.Lock()
	m.servers = next
	m.mu.Unlock()

	m.logger.V(1).Info("synced server inventory", "servers", len(next))
	return nil
}

// Get returns a server by id.
func (m *Mirror) Get(id string) (Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	return s, ok
}

// List returns all known servers ordered by id.
func (m *Mirror) List() []Server {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TargetUnavailableError reports a target that is unknown or not running.
type TargetUnavailableError struct {
	// ID is the requested target.
	ID string
	// Status is the provider status, empty when the target is unknown.
	Status string
}

func (e *TargetUnavailableError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("target %q is not known", e.ID)
	}
	return fmt.Sprintf("target %q is %s, not running", e.ID, e.Status)
}

// InsufficientResourcesError reports a target too small for a descriptor's
// minimum requirements.
type InsufficientResourcesError struct {
	// ID is the requested target.
	ID string
	// Detail names the violated requirement.
	Detail string
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("target %q cannot host application: %s", e.ID, e.Detail)
}
