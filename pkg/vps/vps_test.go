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

package vps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
)

func runningServer() Server {
	return Server{
		ID:       "vps-1",
		Provider: "hetzner",
		Status:   StatusRunning,
		Type:     ServerType{Name: "cx22", Cores: 2, MemoryGB: 4, DiskGB: 40},
	}
}

func requirements(cpu string, memoryGB, diskGB float64) catalog.Requirements {
	return catalog.Requirements{
		MinCPU:      catalog.Quantity{Quantity: resource.MustParse(cpu)},
		MinMemoryGB: memoryGB,
		MinDiskGB:   diskGB,
	}
}

func TestServer_Satisfies(t *testing.T) {
	t.Parallel()

	s := runningServer()
	assert.NoError(t, s.Satisfies(requirements("500m", 1, 5)))
	assert.NoError(t, s.Satisfies(requirements("2", 4, 40)))

	var insufficient *InsufficientResourcesError
	require.ErrorAs(t, s.Satisfies(requirements("4", 1, 5)), &insufficient)
	assert.Contains(t, insufficient.Detail, "CPU")

	require.ErrorAs(t, s.Satisfies(requirements("500m", 64, 5)), &insufficient)
	assert.Contains(t, insufficient.Detail, "memory")

	require.ErrorAs(t, s.Satisfies(requirements("500m", 1, 500)), &insufficient)
	assert.Contains(t, insufficient.Detail, "disk")
}

func TestServer_SatisfiesNotRunning(t *testing.T) {
	t.Parallel()

	s := runningServer()
	s.Status = "off"

	var unavailable *TargetUnavailableError
	require.ErrorAs(t, s.Satisfies(requirements("500m", 1, 5)), &unavailable)
	assert.Equal(t, "off", unavailable.Status)
}

type failingProvider struct{}

func (failingProvider) ListServers(ctx context.Context) ([]Server, error) {
	return nil, errors.New("provider down")
}

func TestMirror_SyncKeepsSnapshotOnFailure(t *testing.T) {
	t.Parallel()

	static := &StaticProvider{Servers: []Server{runningServer()}}
	m := NewMirror(static)
	require.NoError(t, m.Sync(context.Background()))

	got, ok := m.Get("vps-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.Type.Cores)

	failing := NewMirror(failingProvider{})
	require.Error(t, failing.Sync(context.Background()))
	assert.Empty(t, failing.List())

	// The healthy mirror is untouched by other mirrors failing.
	assert.Len(t, m.List(), 1)
}
