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

package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage persists Deployment and PortForward records. Implementations must
// enforce natural-key uniqueness on create.
type Storage interface {
	// CreateDeployment stores a new deployment. Fails with
	// DuplicateDeploymentError when a record for the natural key exists.
	CreateDeployment(ctx context.Context, d *Deployment) error
	// UpdateDeployment replaces an existing record.
	UpdateDeployment(ctx context.Context, d *Deployment) error
	// GetDeployment fetches by registry id.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	// GetDeploymentByKey fetches by natural key.
	GetDeploymentByKey(ctx context.Context, key Key) (*Deployment, error)
	// ListDeployments lists records matching the filter, ordered by key.
	ListDeployments(ctx context.Context, filter Filter) ([]*Deployment, error)
	// DeleteDeployment removes a record and its port-forwards.
	DeleteDeployment(ctx context.Context, id string) error

	// CreatePortForward stores a port-forward record.
	CreatePortForward(ctx context.Context, pf *PortForward) error
	// GetPortForward fetches the port-forward owned by a deployment.
	GetPortForward(ctx context.Context, deploymentID string) (*PortForward, error)
	// ListPortForwards lists all port-forward records.
	ListPortForwards(ctx context.Context) ([]*PortForward, error)
	// DeletePortForward removes the port-forward owned by a deployment.
	// Removing an absent record is a no-op.
	DeletePortForward(ctx context.Context, deploymentID string) error
}

// MemoryStorage is the in-memory Storage used by default and in tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
	byKey       map[Key]string
	forwards    map[string]*PortForward
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		deployments: make(map[string]*Deployment),
		byKey:       make(map[Key]string),
		forwards:    make(map[string]*PortForward),
	}
}

// CreateDeployment stores a new deployment.
func (s *MemoryStorage) CreateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[d.Key]; exists {
		return &DuplicateDeploymentError{Key: d.Key}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cp := *d
	s.deployments[d.ID] = &cp
	s.byKey[d.Key] = d.ID
	return nil
}

// UpdateDeployment replaces an existing record.
func (s *MemoryStorage) UpdateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[d.ID]; !ok {
		return &NotFoundError{Ref: d.ID}
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	s.deployments[d.ID] = &cp
	return nil
}

// GetDeployment fetches by registry id.
func (s *MemoryStorage) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, &NotFoundError{Ref: id}
	}
	cp := *d
	return &cp, nil
}

// GetDeploymentByKey fetches by natural key.
func (s *MemoryStorage) GetDeploymentByKey(ctx context.Context, key Key) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, &NotFoundError{Ref: key.String()}
	}
	cp := *s.deployments[id]
	return &cp, nil
}

// ListDeployments lists records matching the filter, ordered by key.
func (s *MemoryStorage) ListDeployments(ctx context.Context, filter Filter) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Deployment
	for _, d := range s.deployments {
		if !filter.Matches(d) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// DeleteDeployment removes a record and its port-forwards.
func (s *MemoryStorage) DeleteDeployment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deployments[id]
	if !ok {
		return &NotFoundError{Ref: id}
	}
	delete(s.byKey, d.Key)
	delete(s.deployments, id)
	delete(s.forwards, id)
	return nil
}

// CreatePortForward stores a port-forward record.
func (s *MemoryStorage) CreatePortForward(ctx context.Context, pf *PortForward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pf.ID == "" {
		pf.ID = uuid.NewString()
	}
	if pf.CreatedAt.IsZero() {
		pf.CreatedAt = time.Now().UTC()
	}
	cp := *pf
	s.forwards[pf.DeploymentID] = &cp
	return nil
}

// GetPortForward fetches the port-forward owned by a deployment.
func (s *MemoryStorage) GetPortForward(ctx context.Context, deploymentID string) (*PortForward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pf, ok := s.forwards[deploymentID]
	if !ok {
		return nil, &NotFoundError{Ref: deploymentID}
	}
	cp := *pf
	return &cp, nil
}

// ListPortForwards lists all port-forward records.
func (s *MemoryStorage) ListPortForwards(ctx context.Context) ([]*PortForward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PortForward, 0, len(s.forwards))
	for _, pf := range s.forwards {
		cp := *pf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdomain < out[j].Subdomain })
	return out, nil
}

// DeletePortForward removes the port-forward owned by a deployment.
func (s *MemoryStorage) DeletePortForward(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forwards, deploymentID)
	return nil
}

// Count returns the number of deployments in the store.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deployments)
}
