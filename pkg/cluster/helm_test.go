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

package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChartArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  ApplyRequest
		want []string
	}{
		{
			name: "repository chart",
			req:  ApplyRequest{Repository: "https://charts.example.com", Chart: "code-server"},
			want: []string{"code-server", "--repo", "https://charts.example.com"},
		},
		{
			name: "oci repository",
			req:  ApplyRequest{Repository: "oci://registry.example.com/charts", Chart: "code-server"},
			want: []string{"oci://registry.example.com/charts/code-server"},
		},
		{
			name: "local archive",
			req:  ApplyRequest{Repository: "/var/lib/xanthus/charts/code-server-1.0.0.tgz", Chart: "code-server"},
			want: []string{"/var/lib/xanthus/charts/code-server-1.0.0.tgz"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chartArgs(tt.req))
		})
	}
}

func TestFakeApplier_TracksReleases(t *testing.T) {
	t.Parallel()

	f := NewFakeApplier()
	ctx := context.Background()

	req := ApplyRequest{Namespace: "code-server", ReleaseName: "code-server-ide", Chart: "code-server"}
	require.NoError(t, f.Apply(ctx, req))

	got, ok := f.Release("code-server", "code-server-ide")
	require.True(t, ok)
	assert.Equal(t, "code-server", got.Chart)

	// Re-applying converges, it does not duplicate.
	require.NoError(t, f.Apply(ctx, req))
	assert.Len(t, f.Applies(), 2)

	require.NoError(t, f.Uninstall(ctx, "code-server", "code-server-ide"))
	_, ok = f.Release("code-server", "code-server-ide")
	assert.False(t, ok)
}

func TestFakeApplier_InjectedFailures(t *testing.T) {
	t.Parallel()

	f := NewFakeApplier()
	f.FailApplies = 1

	err := f.Apply(context.Background(), ApplyRequest{ReleaseName: "r"})
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "r", applyErr.ReleaseName)

	require.NoError(t, f.Apply(context.Background(), ApplyRequest{ReleaseName: "r"}))
}
