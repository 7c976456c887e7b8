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

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
	"github.com/chrishham/xanthus-sub007/pkg/cluster"
	"github.com/chrishham/xanthus-sub007/pkg/events"
	"github.com/chrishham/xanthus-sub007/pkg/ingress"
	"github.com/chrishham/xanthus-sub007/pkg/registry"
	"github.com/chrishham/xanthus-sub007/pkg/version"
	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

const codeServerDescriptor = `id: code-server
name: Code Server
category: development
version_source:
  type: source-control-tags
  source: https://github.com/coder/code-server
  pattern: v*
helm_chart:
  repository: https://charts.example.com
  chart: code-server
  namespace: code-server
  values_template: code-server
  placeholders:
    VERSION: version.clean
    PORT: app.port
    SUBDOMAIN: app.subdomain
default_port: 8080
requirements:
  min_cpu: 500m
  min_memory_gb: 1
  min_disk_gb: 5
`

const codeServerTemplate = `image:
  tag: "${VERSION}"
service:
  port: ${PORT}
ingress:
  host: ${SUBDOMAIN}
`

type stubTagLister struct {
	mu   sync.Mutex
	tags []version.Tag
}

func (s *stubTagLister) ListTags(ctx context.Context, repoURL string) ([]version.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]version.Tag, len(s.tags))
	copy(out, s.tags)
	return out, nil
}

func (s *stubTagLister) set(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = s.tags[:0]
	for _, n := range names {
		s.tags = append(s.tags, version.Tag{Name: n})
	}
}

type harness struct {
	orc     *Orchestrator
	storage *registry.MemoryStorage
	applier *cluster.FakeApplier
	binder  *ingress.MemoryBinder
	bus     *events.Bus
	tags    *stubTagLister
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	descDir := filepath.Join(root, "apps")
	tmplDir := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(descDir, 0o755))
	require.NoError(t, os.MkdirAll(tmplDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(descDir, "code-server.yaml"), []byte(codeServerDescriptor), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "code-server.yaml"), []byte(codeServerTemplate), 0o644))

	store := catalog.NewStore([]catalog.Source{{Name: "test", DescriptorDir: descDir, TemplateDir: tmplDir}})
	_, err := store.Load(context.Background())
	require.NoError(t, err)

	tags := &stubTagLister{}
	tags.set("v4.9.0", "v4.9.1")
	// TTL zero keeps the resolver honest about newly published tags.
	resolver := version.NewResolver(tags, nil, version.WithTTL(0))

	fleet := vps.NewMirror(&vps.StaticProvider{Servers: []vps.Server{{
		ID:       "vps-1",
		Provider: "hetzner",
		Status:   vps.StatusRunning,
		Type:     vps.ServerType{Name: "cx22", Cores: 2, MemoryGB: 4, DiskGB: 40},
	}}})
	require.NoError(t, fleet.Sync(context.Background()))

	h := &harness{
		storage: registry.NewMemoryStorage(),
		applier: cluster.NewFakeApplier(),
		binder:  ingress.NewMemoryBinder(),
		bus:     events.NewBus(),
		tags:    tags,
	}
	h.orc = New(store, resolver, h.storage, h.applier, h.binder,
		WithFleet(fleet), WithBus(h.bus))
	return h
}

func (h *harness) install(t *testing.T) *registry.Deployment {
	t.Helper()
	d, err := h.orc.Install(context.Background(), InstallRequest{
		DescriptorID: "code-server",
		TargetID:     "vps-1",
		Subdomain:    "ide.example.com",
	})
	require.NoError(t, err)
	return d
}

func eventTypes(evs []cloudevents.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type()
	}
	return out
}

func TestInstall_CodeServerScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.install(t)

	assert.Equal(t, registry.StatusRunning, d.Status)
	assert.Equal(t, "v4.9.1", d.DesiredVersion)
	assert.Equal(t, "v4.9.1", d.ObservedVersion)
	assert.NotEmpty(t, d.AppliedValuesHash)

	applies := h.applier.Applies()
	require.Len(t, applies, 1)
	assert.Equal(t, "code-server", applies[0].Namespace)
	assert.Contains(t, string(applies[0].Values), `tag: "4.9.1"`)
	assert.Contains(t, string(applies[0].Values), "host: ide.example.com")

	pf, err := h.storage.GetPortForward(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://ide.example.com", pf.URL)
	assert.Equal(t, 8080, pf.Port)

	assert.Equal(t, []string{
		events.TypePending,
		events.TypeDeploying,
		events.TypeRunning,
	}, eventTypes(h.bus.Recent()))
}

func TestInstall_DuplicateRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.install(t)

	_, err := h.orc.Install(context.Background(), InstallRequest{
		DescriptorID: "code-server",
		TargetID:     "vps-1",
		Subdomain:    "ide.example.com",
	})
	var dup *registry.DuplicateDeploymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, h.storage.Count())
}

func TestInstall_UnknownDescriptor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orc.Install(context.Background(), InstallRequest{
		DescriptorID: "no-such-app",
		TargetID:     "vps-1",
		Subdomain:    "x.example.com",
	})
	var notFound *catalog.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, h.storage.Count())
}

func TestInstall_UnknownTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.orc.Install(context.Background(), InstallRequest{
		DescriptorID: "code-server",
		TargetID:     "vps-99",
		Subdomain:    "ide.example.com",
	})
	var unavailable *vps.TargetUnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 0, h.storage.Count())
}

func TestInstall_ApplyFailureEntersErrorState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.applier.FailApplies = 1

	d, err := h.orc.Install(context.Background(), InstallRequest{
		DescriptorID: "code-server",
		TargetID:     "vps-1",
		Subdomain:    "ide.example.com",
	})
	var applyErr *cluster.ApplyError
	require.ErrorAs(t, err, &applyErr)

	// The deployment record survives the failure for diagnosis.
	got, err := h.storage.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, got.Status)
	assert.Contains(t, got.LastError, "timed out")
	assert.Empty(t, got.ObservedVersion)

	types := eventTypes(h.bus.Recent())
	assert.Equal(t, events.TypeError, types[len(types)-1])
}

func TestUpgrade_MovesToNewVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tags.set("v4.9.0")
	d := h.install(t)
	require.Equal(t, "v4.9.0", d.ObservedVersion)

	h.tags.set("v4.9.0", "v4.10.0")
	upgraded, err := h.orc.Upgrade(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, upgraded.Status)
	assert.Equal(t, "v4.10.0", upgraded.ObservedVersion)

	applies := h.applier.Applies()
	require.Len(t, applies, 2)
	assert.Contains(t, string(applies[1].Values), `tag: "4.10.0"`)
}

func TestUpgrade_RejectedFromPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := &registry.Deployment{
		Key:            registry.Key{DescriptorID: "code-server", TargetID: "vps-1", Subdomain: "ide.example.com"},
		Namespace:      "code-server",
		ReleaseName:    "code-server-ide",
		Port:           8080,
		DesiredVersion: "v4.9.1",
		Status:         registry.StatusPending,
	}
	require.NoError(t, h.storage.CreateDeployment(context.Background(), d))

	_, err := h.orc.Upgrade(context.Background(), d.ID)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, registry.StatusPending, invalid.Status)
}

func TestUpgrade_FailureKeepsObservedVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tags.set("v4.9.0")
	d := h.install(t)

	h.tags.set("v4.9.0", "v4.10.0")
	h.applier.FailApplies = 1
	_, err := h.orc.Upgrade(context.Background(), d.ID)
	require.Error(t, err)

	got, err := h.storage.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, got.Status)
	assert.Equal(t, "v4.10.0", got.DesiredVersion)
	assert.Equal(t, "v4.9.0", got.ObservedVersion)

	// An errored deployment can be retried via Upgrade.
	retried, err := h.orc.Upgrade(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, retried.Status)
	assert.Equal(t, "v4.10.0", retried.ObservedVersion)
}

func TestCheckUpgrade_ReportsUpdateWithoutMutating(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tags.set("v4.9.0")
	d := h.install(t)

	h.tags.set("v4.9.0", "v4.10.0")
	check, err := h.orc.CheckUpgrade(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "v4.9.0", check.CurrentVersion)
	assert.Equal(t, "v4.10.0", check.LatestVersion)
	assert.True(t, check.UpdateAvailable)
	assert.False(t, check.ValuesDrift)

	got, err := h.storage.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "v4.9.0", got.ObservedVersion)
	assert.Len(t, h.applier.Applies(), 1)
}

func TestRemove_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.install(t)

	require.NoError(t, h.orc.Remove(context.Background(), d.ID))
	assert.Equal(t, 0, h.storage.Count())
	assert.Empty(t, h.binder.Bindings())
	require.Len(t, h.applier.Uninstalls(), 1)

	types := eventTypes(h.bus.Recent())
	assert.Equal(t, events.TypeStopped, types[len(types)-1])

	// Removing again is a no-op.
	require.NoError(t, h.orc.Remove(context.Background(), d.ID))
	assert.Len(t, h.applier.Uninstalls(), 1)
}

func TestRemove_UninstallFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	d := h.install(t)

	h.applier.FailUninstalls = 1
	err := h.orc.Remove(context.Background(), d.ID)
	var uninstallErr *cluster.UninstallError
	require.ErrorAs(t, err, &uninstallErr)

	got, err := h.storage.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, got.Status)

	// The retry succeeds and cleans up.
	require.NoError(t, h.orc.Remove(context.Background(), d.ID))
	assert.Equal(t, 0, h.storage.Count())
}

func TestConcurrentUpgradesSerialize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tags.set("v4.9.0")
	d := h.install(t)

	h.tags.set("v4.9.0", "v4.10.0")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orc.Upgrade(context.Background(), d.ID)
		}(i)
	}
	wg.Wait()

	// Both may succeed (second re-applies the same version) but neither may
	// observe a half-finished state.
	for _, err := range errs {
		if err != nil {
			var invalid *InvalidStateError
			assert.ErrorAs(t, err, &invalid)
		}
	}
	got, err := h.storage.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, got.Status)
	assert.Equal(t, "v4.10.0", got.ObservedVersion)
	assert.Equal(t, "v4.10.0", got.DesiredVersion)
}
