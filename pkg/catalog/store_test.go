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

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishham/xanthus-sub007/pkg/values"
)

const codeServerDescriptor = `id: code-server
name: Code Server
category: development
version_source:
  type: source-control-tags
  source: https://github.com/coder/code-server
  pattern: v*
helm_chart:
  repository: https://github.com/coder/code-server
  chart: code-server
  namespace: code-server
  values_template: code-server
  placeholders:
    VERSION: version.clean
    PORT: app.port
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
`

// writeSource lays out a catalog source in a temp dir and returns it.
func writeSource(t *testing.T, descriptors, templates map[string]string) Source {
	t.Helper()
	root := t.TempDir()
	descDir := filepath.Join(root, "apps")
	tmplDir := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(descDir, 0o755))
	require.NoError(t, os.MkdirAll(tmplDir, 0o755))
	for name, content := range descriptors {
		require.NoError(t, os.WriteFile(filepath.Join(descDir, name), []byte(content), 0o644))
	}
	for name, content := range templates {
		require.NoError(t, os.WriteFile(filepath.Join(tmplDir, name), []byte(content), 0o644))
	}
	return Source{Name: "test", DescriptorDir: descDir, TemplateDir: tmplDir}
}

func TestStore_LoadValidDescriptor(t *testing.T) {
	t.Parallel()

	src := writeSource(t,
		map[string]string{"code-server.yaml": codeServerDescriptor},
		map[string]string{"code-server.yaml": codeServerTemplate},
	)
	store := NewStore([]Source{src})

	report, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Empty(t, report.Excluded)

	d, err := store.Get("code-server")
	require.NoError(t, err)
	assert.Equal(t, "Code Server", d.Name)
	assert.Equal(t, SourceControlTags, d.VersionSource.Type)
	assert.Equal(t, ChartVersionStable, d.HelmChart.Version, "chart version policy should default to stable")
	assert.Equal(t, int64(500), d.Requirements.MinCPU.MilliValue())
	assert.Equal(t, 8080, d.DefaultPort)
}

func TestStore_GetUnknown(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	_, err := store.Get("nope")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func TestStore_MissingPlaceholderExcludesDescriptor(t *testing.T) {
	t.Parallel()

	src := writeSource(t,
		map[string]string{"code-server.yaml": codeServerDescriptor},
		// Template references SUBDOMAIN which the descriptor does not map.
		map[string]string{"code-server.yaml": codeServerTemplate + "ingress:\n  host: \"${SUBDOMAIN}\"\n"},
	)
	store := NewStore([]Source{src})

	report, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "code-server", report.Excluded[0].DescriptorID)
	assert.Contains(t, report.Excluded[0].Reason, "SUBDOMAIN")

	_, err = store.Get("code-server")
	assert.Error(t, err)
}

func TestStore_DuplicateIDExcluded(t *testing.T) {
	t.Parallel()

	src := writeSource(t,
		map[string]string{
			"a-code-server.yaml": codeServerDescriptor,
			"b-code-server.yaml": codeServerDescriptor,
		},
		map[string]string{"code-server.yaml": codeServerTemplate},
	)
	store := NewStore([]Source{src})

	report, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "id", report.Excluded[0].Field)
}

func TestStore_NegativeRequirementExcluded(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(codeServerDescriptor, "min_disk_gb: 5", "min_disk_gb: -5", 1)

	src := writeSource(t,
		map[string]string{"code-server.yaml": bad},
		map[string]string{"code-server.yaml": codeServerTemplate},
	)
	store := NewStore([]Source{src})

	report, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, "requirements.min_disk_gb", report.Excluded[0].Field)
}

func TestStore_RefreshSwapsSnapshot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	descDir := filepath.Join(root, "apps")
	tmplDir := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(descDir, 0o755))
	require.NoError(t, os.MkdirAll(tmplDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "code-server.yaml"), []byte(codeServerTemplate), 0o644))

	store := NewStore([]Source{{Name: "t", DescriptorDir: descDir, TemplateDir: tmplDir}})
	report, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)

	require.NoError(t, os.WriteFile(filepath.Join(descDir, "code-server.yaml"), []byte(codeServerDescriptor), 0o644))
	report, err = store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Len(t, store.List(), 1)
}

// A descriptor that survives validation must always render: the template's
// placeholder set is covered by its mappings and each mapping evaluates.
func TestStore_ValidatedDescriptorAlwaysRenders(t *testing.T) {
	t.Parallel()

	src := writeSource(t,
		map[string]string{"code-server.yaml": codeServerDescriptor},
		map[string]string{"code-server.yaml": codeServerTemplate},
	)
	store := NewStore([]Source{src})
	_, err := store.Load(context.Background())
	require.NoError(t, err)

	d, err := store.Get("code-server")
	require.NoError(t, err)
	tmpl, ok := store.Template(d.HelmChart.ValuesTemplate)
	require.True(t, ok)

	doc, err := values.Render(tmpl, d.HelmChart.Placeholders, values.Inputs{
		Version:   "v4.9.1",
		ChartName: d.HelmChart.Chart,
		Namespace: d.HelmChart.Namespace,
		AppID:     d.ID,
		Subdomain: "ide.example.com",
		Port:      d.DefaultPort,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Hash)
}
