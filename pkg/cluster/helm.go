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
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

const defaultApplyTimeout = 10 * time.Minute

// HelmApplier drives the helm binary. "upgrade --install --atomic" gives the
// apply primitive its idempotency: a fresh install and a re-apply of the same
// request converge on the same release, and a failed upgrade rolls back.
type HelmApplier struct {
	binary     string
	kubeconfig string
	timeout    time.Duration
	logger     logr.Logger
}

// HelmOption configures a HelmApplier.
type HelmOption func(*HelmApplier)

// WithHelmBinary overrides the helm binary path.
func WithHelmBinary(path string) HelmOption {
	return func(h *HelmApplier) {
		h.binary = path
	}
}

// WithKubeconfig sets the kubeconfig passed to every invocation.
func WithKubeconfig(path string) HelmOption {
	return func(h *HelmApplier) {
		h.kubeconfig = path
	}
}

// WithApplyTimeout bounds a single apply or uninstall.
func WithApplyTimeout(d time.Duration) HelmOption {
	return func(h *HelmApplier) {
		h.timeout = d
	}
}

// WithHelmLogger sets the logger.
func WithHelmLogger(logger logr.Logger) HelmOption {
	return func(h *HelmApplier) {
		h.logger = logger
	}
}

// NewHelmApplier creates an Applier backed by the helm binary.
func NewHelmApplier(opts ...HelmOption) *HelmApplier {
	h := &HelmApplier{
		binary:  "helm",
		timeout: defaultApplyTimeout,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Apply installs or upgrades a release.
func (h *HelmApplier) Apply(ctx context.Context, req ApplyRequest) error {
	valuesFile, err := os.CreateTemp("", "values-*.yaml")
	if err != nil {
		return &ApplyError{ReleaseName: req.ReleaseName, Err: err}
	}
	defer os.Remove(valuesFile.Name())
	if _, err := valuesFile.Write(req.Values); err != nil {
		valuesFile.Close()
		return &ApplyError{ReleaseName: req.ReleaseName, Err: err}
	}
	if err := valuesFile.Close(); err != nil {
		return &ApplyError{ReleaseName: req.ReleaseName, Err: err}
	}

	args := []string{
		"upgrade", "--install", req.ReleaseName,
	}
	args = append(args, chartArgs(req)...)
	args = append(args,
		"--namespace", req.Namespace,
		"--create-namespace",
		"--atomic",
		"--wait",
		"--values", valuesFile.Name(),
	)
	if req.ChartVersion != "" && !strings.HasSuffix(req.Repository, ".tgz") {
		args = append(args, "--version", strings.TrimPrefix(req.ChartVersion, "v"))
	}

	h.logger.V(1).Info("applying release", "release", req.ReleaseName, "namespace", req.Namespace, "chart", req.Chart, "version", req.ChartVersion)
	if out, err := h.run(ctx, args); err != nil {
		return &ApplyError{ReleaseName: req.ReleaseName, Output: out, Err: err}
	}
	return nil
}

// Uninstall removes a release. Absent releases are treated as already
// uninstalled.
func (h *HelmApplier) Uninstall(ctx context.Context, namespace, releaseName string) error {
	args := []string{"uninstall", releaseName, "--namespace", namespace, "--wait"}

	h.logger.V(1).Info("uninstalling release", "release", releaseName, "namespace", namespace)
	out, err := h.run(ctx, args)
	if err != nil {
		if strings.Contains(out, "release: not found") {
			return nil
		}
		return &UninstallError{ReleaseName: releaseName, Output: out, Err: err}
	}
	return nil
}

func (h *HelmApplier) run(ctx context.Context, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.kubeconfig != "" {
		args = append(args, "--kubeconfig", h.kubeconfig)
	}
	cmd := exec.CommandContext(ctx, h.binary, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// chartArgs addresses the chart: a local or remote archive is passed as-is,
// an OCI repository is joined with the chart name, anything else uses --repo.
func chartArgs(req ApplyRequest) []string {
	switch {
	case strings.HasSuffix(req.Repository, ".tgz"):
		return []string{req.Repository}
	case strings.HasPrefix(req.Repository, "oci://"):
		return []string{strings.TrimSuffix(req.Repository, "/") + "/" + req.Chart}
	default:
		return []string{req.Chart, "--repo", req.Repository}
	}
}
