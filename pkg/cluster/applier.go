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

// Package cluster provides the chart apply/uninstall collaborator the
// orchestrator drives. The primitive is expected to be idempotent and to
// restart workloads on values-content change via the checksum-annotation
// convention; Helm's atomic upgrade satisfies both.
package cluster

import (
	"context"
	"fmt"
)

// ApplyRequest describes one chart application.
type ApplyRequest struct {
	// Namespace is the target namespace.
	Namespace string
	// ReleaseName is the release to install or upgrade.
	ReleaseName string
	// Repository locates the chart repository. An "oci://" prefix or a
	// ".tgz" suffix changes how the chart is addressed.
	Repository string
	// Chart is the chart name.
	Chart string
	// ChartVersion pins the chart version; empty selects the repository's
	// latest.
	ChartVersion string
	// Values is the rendered values document.
	Values []byte
}

// Applier applies and uninstalls chart releases.
type Applier interface {
	// Apply installs or upgrades a release. Re-applying an identical
	// request converges on the same release.
	Apply(ctx context.Context, req ApplyRequest) error
	// Uninstall removes a release. Uninstalling an absent release is a
	// no-op.
	Uninstall(ctx context.Context, namespace, releaseName string) error
}

// ApplyError carries the collaborator's failure for one release. The
// orchestrator records it verbatim on the Deployment.
type ApplyError struct {
	// ReleaseName is the release that failed.
	ReleaseName string
	// Output is the collaborator's output, when available.
	Output string
	// Err is the underlying failure.
	Err error
}

func (e *ApplyError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("applying release %q: %v: %s", e.ReleaseName, e.Err, e.Output)
	}
	return fmt.Sprintf("applying release %q: %v", e.ReleaseName, e.Err)
}

// Unwrap returns the underlying error.
func (e *ApplyError) Unwrap() error { return e.Err }

// UninstallError carries the collaborator's failure for one uninstall.
type UninstallError struct {
	// ReleaseName is the release that failed to uninstall.
	ReleaseName string
	// Output is the collaborator's output, when available.
	Output string
	// Err is the underlying failure.
	Err error
}

func (e *UninstallError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("uninstalling release %q: %v: %s", e.ReleaseName, e.Err, e.Output)
	}
	return fmt.Sprintf("uninstalling release %q: %v", e.ReleaseName, e.Err)
}

// Unwrap returns the underlying error.
func (e *UninstallError) Unwrap() error { return e.Err }
