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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeployment(descriptor, target, subdomain string) *Deployment {
	return &Deployment{
		Key:            Key{DescriptorID: descriptor, TargetID: target, Subdomain: subdomain},
		Namespace:      descriptor,
		ReleaseName:    descriptor + "-" + target,
		Port:           8080,
		DesiredVersion: "v1.0.0",
		Status:         StatusPending,
	}
}

func TestMemoryStorage_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	d := testDeployment("code-server", "vps-1", "ide.example.com")
	require.NoError(t, s.CreateDeployment(ctx, d))
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Key, got.Key)

	byKey, err := s.GetDeploymentByKey(ctx, d.Key)
	require.NoError(t, err)
	assert.Equal(t, d.ID, byKey.ID)
}

func TestMemoryStorage_NaturalKeyUnique(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, s.CreateDeployment(ctx, testDeployment("code-server", "vps-1", "ide.example.com")))

	err := s.CreateDeployment(ctx, testDeployment("code-server", "vps-1", "ide.example.com"))
	var dup *DuplicateDeploymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, s.Count())

	// A different subdomain is a different natural key.
	require.NoError(t, s.CreateDeployment(ctx, testDeployment("code-server", "vps-1", "ide2.example.com")))
	assert.Equal(t, 2, s.Count())
}

func TestMemoryStorage_UpdateIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	d := testDeployment("code-server", "vps-1", "ide.example.com")
	require.NoError(t, s.CreateDeployment(ctx, d))

	d.Status = StatusRunning
	d.ObservedVersion = "v1.0.0"
	require.NoError(t, s.UpdateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// Mutating the returned copy must not affect the store.
	got.Status = StatusError
	again, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, again.Status)
}

func TestMemoryStorage_ListFilter(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	a := testDeployment("code-server", "vps-1", "ide.example.com")
	b := testDeployment("dashboard", "vps-1", "dash.example.com")
	c := testDeployment("dashboard", "vps-2", "dash2.example.com")
	for _, d := range []*Deployment{a, b, c} {
		require.NoError(t, s.CreateDeployment(ctx, d))
	}
	b.Status = StatusRunning
	require.NoError(t, s.UpdateDeployment(ctx, b))

	all, err := s.ListDeployments(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dashboards, err := s.ListDeployments(ctx, Filter{DescriptorID: "dashboard"})
	require.NoError(t, err)
	assert.Len(t, dashboards, 2)

	running, err := s.ListDeployments(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)
}

func TestMemoryStorage_DeleteCascadesPortForward(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	ctx := context.Background()

	d := testDeployment("code-server", "vps-1", "ide.example.com")
	require.NoError(t, s.CreateDeployment(ctx, d))
	require.NoError(t, s.CreatePortForward(ctx, &PortForward{
		DeploymentID: d.ID,
		Port:         8080,
		Subdomain:    "ide.example.com",
		URL:          "https://ide.example.com",
	}))

	pf, err := s.GetPortForward(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://ide.example.com", pf.URL)

	require.NoError(t, s.DeleteDeployment(ctx, d.ID))
	_, err = s.GetPortForward(ctx, d.ID)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	err = s.DeleteDeployment(ctx, d.ID)
	assert.ErrorAs(t, err, &notFound)
}
