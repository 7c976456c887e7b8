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

// Package orchestrator drives application deployments through their
// lifecycle: install, upgrade check, upgrade, removal, and reconciliation.
// All state transitions are persisted before the corresponding event is
// published, and operations on the same deployment are serialized by
// natural key.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
	"github.com/chrishham/xanthus-sub007/pkg/cluster"
	"github.com/chrishham/xanthus-sub007/pkg/events"
	"github.com/chrishham/xanthus-sub007/pkg/ingress"
	"github.com/chrishham/xanthus-sub007/pkg/observability"
	"github.com/chrishham/xanthus-sub007/pkg/registry"
	"github.com/chrishham/xanthus-sub007/pkg/values"
	"github.com/chrishham/xanthus-sub007/pkg/version"
	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

// Orchestrator coordinates the catalog, version resolver, renderer, cluster
// applier, ingress binder and registry into deployment lifecycle operations.
type Orchestrator struct {
	catalog  *catalog.Store
	resolver *version.Resolver
	storage  registry.Storage
	applier  cluster.Applier
	binder   ingress.Binder
	fleet    *vps.Mirror
	bus      *events.Bus
	metrics  *observability.OrchestratorMetrics
	logger   logr.Logger
	locks    *keyedMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFleet enables target validation against the server inventory.
func WithFleet(fleet *vps.Mirror) Option {
	return func(o *Orchestrator) {
		o.fleet = fleet
	}
}

// WithBus sets the lifecycle event bus.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithMetrics sets the lifecycle metrics.
func WithMetrics(m *observability.OrchestratorMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an Orchestrator.
func New(store *catalog.Store, resolver *version.Resolver, storage registry.Storage, applier cluster.Applier, binder ingress.Binder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:  store,
		resolver: resolver,
		storage:  storage,
		applier:  applier,
		binder:   binder,
		bus:      events.NewBus(),
		metrics:  observability.NoopMetrics(),
		logger:   logr.Discard(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InstallRequest asks for one application on one target under one subdomain.
type InstallRequest struct {
	// DescriptorID selects the catalog descriptor.
	DescriptorID string `json:"descriptor_id"`
	// TargetID selects the VPS to deploy to.
	TargetID string `json:"target_id"`
	// Subdomain is the subdomain the application will be reachable under.
	Subdomain string `json:"subdomain"`
}

// Install deploys an application. On success the deployment is running with
// its port forward bound; on apply failure the deployment stays in the error
// status for diagnosis and retry via Upgrade.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) (*registry.Deployment, error) {
	key := registry.Key{DescriptorID: req.DescriptorID, TargetID: req.TargetID, Subdomain: req.Subdomain}
	unlock := o.locks.lock(key)
	defer unlock()

	desc, err := o.catalog.Get(req.DescriptorID)
	if err != nil {
		return nil, err
	}
	if err := o.validateTarget(req.TargetID, desc); err != nil {
		return nil, err
	}

	resolved, err := o.resolver.Resolve(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("resolving version for %s: %w", desc.ID, err)
	}

	d := &registry.Deployment{
		Key:            key,
		Namespace:      desc.HelmChart.Namespace,
		ReleaseName:    releaseName(key),
		Port:           desc.DefaultPort,
		DesiredVersion: resolved.Version,
		Status:         registry.StatusPending,
	}
	if err := o.storage.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	o.bus.Publish(d, registry.StatusPending, "")
	o.logger.Info("install accepted", "deployment", d.Key.String(), "version", d.DesiredVersion)

	if err := o.transition(ctx, d, registry.StatusDeploying, ""); err != nil {
		return d, err
	}
	if err := o.apply(ctx, desc, d); err != nil {
		o.fail(ctx, d, err)
		return d, err
	}
	if err := o.ensureBinding(ctx, d); err != nil {
		o.fail(ctx, d, err)
		return d, err
	}
	if err := o.transition(ctx, d, registry.StatusRunning, ""); err != nil {
		return d, err
	}
	o.metrics.InstallsTotal.Add(ctx, 1)
	o.logger.Info("install complete", "deployment", d.Key.String(), "version", d.ObservedVersion)
	return d, nil
}

// UpgradeCheck is the read-only answer to "is there anything to do".
type UpgradeCheck struct {
	// DeploymentID is the checked deployment.
	DeploymentID string `json:"deployment_id"`
	// CurrentVersion is the last successfully applied version.
	CurrentVersion string `json:"current_version"`
	// LatestVersion is the version the resolver selects now.
	LatestVersion string `json:"latest_version"`
	// UpdateAvailable is true when LatestVersion differs from CurrentVersion.
	UpdateAvailable bool `json:"update_available"`
	// ValuesDrift is true when re-rendering the current version yields a
	// different values document than the one last applied.
	ValuesDrift bool `json:"values_drift"`
}

// CheckUpgrade re-resolves the deployment's version and re-renders its
// values without mutating anything.
func (o *Orchestrator) CheckUpgrade(ctx context.Context, deploymentID string) (*UpgradeCheck, error) {
	d, err := o.storage.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	desc, err := o.catalog.Get(d.Key.DescriptorID)
	if err != nil {
		return nil, err
	}

	resolved, err := o.resolver.Resolve(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("resolving version for %s: %w", desc.ID, err)
	}

	current := d.ObservedVersion
	if current == "" {
		current = d.DesiredVersion
	}

	check := &UpgradeCheck{
		DeploymentID:    d.ID,
		CurrentVersion:  current,
		LatestVersion:   resolved.Version,
		UpdateAvailable: resolved.Version != current,
	}
	if current != "" {
		doc, err := o.render(desc, d, current)
		if err != nil {
			return nil, err
		}
		check.ValuesDrift = d.AppliedValuesHash != "" && doc.Hash != d.AppliedValuesHash
	}
	return check, nil
}

// Upgrade re-resolves the version, bypassing the cache, and applies it. Only
// running and errored deployments can be upgraded; an errored deployment is
// retried this way. On failure ObservedVersion keeps the last successfully
// applied version.
func (o *Orchestrator) Upgrade(ctx context.Context, deploymentID string) (*registry.Deployment, error) {
	d, err := o.storage.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.lock(d.Key)
	defer unlock()

	// Reread under the lock; a concurrent operation may have moved it.
	d, err = o.storage.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != registry.StatusRunning && d.Status != registry.StatusError {
		return nil, &InvalidStateError{DeploymentID: d.ID, Status: d.Status, Operation: "upgrade"}
	}

	desc, err := o.catalog.Get(d.Key.DescriptorID)
	if err != nil {
		return nil, err
	}
	resolved, err := o.resolver.Refresh(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("resolving version for %s: %w", desc.ID, err)
	}

	d.DesiredVersion = resolved.Version
	if err := o.transition(ctx, d, registry.StatusUpgrading, ""); err != nil {
		return d, err
	}
	if err := o.apply(ctx, desc, d); err != nil {
		o.fail(ctx, d, err)
		return d, err
	}
	if err := o.ensureBinding(ctx, d); err != nil {
		o.fail(ctx, d, err)
		return d, err
	}
	if err := o.transition(ctx, d, registry.StatusRunning, ""); err != nil {
		return d, err
	}
	o.metrics.UpgradesTotal.Add(ctx, 1)
	o.logger.Info("upgrade complete", "deployment", d.Key.String(), "version", d.ObservedVersion)
	return d, nil
}

// Remove uninstalls a deployment and deletes its records. Removing an absent
// deployment is a no-op, so Remove can be retried safely. The stopped event
// is published after the uninstall succeeds and before the record is
// deleted.
func (o *Orchestrator) Remove(ctx context.Context, deploymentID string) error {
	d, err := o.storage.GetDeployment(ctx, deploymentID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	unlock := o.locks.lock(d.Key)
	defer unlock()

	d, err = o.storage.GetDeployment(ctx, deploymentID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if err := o.applier.Uninstall(ctx, d.Namespace, d.ReleaseName); err != nil {
		o.fail(ctx, d, err)
		return err
	}
	o.bus.Publish(d, registry.StatusStopped, "")

	if err := o.binder.Unbind(ctx, d.Key.Subdomain); err != nil {
		o.logger.Error(err, "unbinding subdomain", "subdomain", d.Key.Subdomain)
	}
	if err := o.storage.DeletePortForward(ctx, d.ID); err != nil {
		return err
	}
	if err := o.storage.DeleteDeployment(ctx, d.ID); err != nil {
		return err
	}
	o.metrics.RemovalsTotal.Add(ctx, 1)
	o.logger.Info("removal complete", "deployment", d.Key.String())
	return nil
}

// validateTarget checks the requested target exists, is running, and is big
// enough for the descriptor's requirements. Without a fleet the check is
// skipped.
func (o *Orchestrator) validateTarget(targetID string, desc *catalog.ApplicationDescriptor) error {
	if o.fleet == nil {
		return nil
	}
	server, ok := o.fleet.Get(targetID)
	if !ok {
		return &vps.TargetUnavailableError{ID: targetID}
	}
	return server.Satisfies(desc.Requirements)
}

// apply renders the deployment's values for its desired version and applies
// the chart. On success the deployment's observed version and values hash
// are advanced in memory; the caller persists them via transition.
func (o *Orchestrator) apply(ctx context.Context, desc *catalog.ApplicationDescriptor, d *registry.Deployment) error {
	doc, err := o.render(desc, d, d.DesiredVersion)
	if err != nil {
		return err
	}
	req := cluster.ApplyRequest{
		Namespace:    d.Namespace,
		ReleaseName:  d.ReleaseName,
		Repository:   chartRepository(desc),
		Chart:        desc.HelmChart.Chart,
		ChartVersion: chartVersion(desc, d.DesiredVersion),
		Values:       doc.Raw,
	}
	if err := o.applier.Apply(ctx, req); err != nil {
		return err
	}
	d.ObservedVersion = d.DesiredVersion
	d.AppliedValuesHash = doc.Hash
	return nil
}

// render evaluates the descriptor's values template for a concrete version.
func (o *Orchestrator) render(desc *catalog.ApplicationDescriptor, d *registry.Deployment, ver string) (*values.Document, error) {
	template, ok := o.catalog.Template(desc.HelmChart.ValuesTemplate)
	if !ok {
		return nil, &catalog.NotFoundError{ID: desc.HelmChart.ValuesTemplate}
	}
	in := values.Inputs{
		Version:      ver,
		ChartName:    desc.HelmChart.Chart,
		ChartVersion: chartVersion(desc, ver),
		Namespace:    d.Namespace,
		AppID:        desc.ID,
		Subdomain:    d.Key.Subdomain,
		Port:         d.Port,
	}
	return values.Render(template, desc.HelmChart.Placeholders, in)
}

// ensureBinding binds the deployment's subdomain and upserts its port
// forward record.
func (o *Orchestrator) ensureBinding(ctx context.Context, d *registry.Deployment) error {
	url, err := o.binder.Bind(ctx, d.Key.Subdomain, d.Key.TargetID, d.Port)
	if err != nil {
		return err
	}
	return o.storage.CreatePortForward(ctx, &registry.PortForward{
		DeploymentID: d.ID,
		Port:         d.Port,
		Subdomain:    d.Key.Subdomain,
		URL:          url,
	})
}

// transition persists a status change, then publishes the matching event.
func (o *Orchestrator) transition(ctx context.Context, d *registry.Deployment, status registry.Status, lastError string) error {
	d.Status = status
	d.LastError = lastError
	if err := o.storage.UpdateDeployment(ctx, d); err != nil {
		return err
	}
	o.bus.Publish(d, status, lastError)
	return nil
}

// fail moves the deployment to the error status, recording the failure
// verbatim.
func (o *Orchestrator) fail(ctx context.Context, d *registry.Deployment, cause error) {
	o.metrics.FailuresTotal.Add(ctx, 1)
	o.logger.Error(cause, "deployment failed", "deployment", d.Key.String())
	if err := o.transition(ctx, d, registry.StatusError, cause.Error()); err != nil {
		o.logger.Error(err, "persisting error status", "deployment", d.Key.String())
	}
}

// chartRepository returns the chart location: the verified local archive
// when the descriptor carries one, the chart repository otherwise.
func chartRepository(desc *catalog.ApplicationDescriptor) string {
	if desc.HelmChart.Archive != "" {
		return desc.HelmChart.Archive
	}
	return desc.HelmChart.Repository
}

// chartVersion picks the chart version for a render: a pinned chart version
// wins; when the chart tracks "stable" and the version source is the chart
// repository itself, the resolved version is the chart version; otherwise
// the repository's latest chart is used.
func chartVersion(desc *catalog.ApplicationDescriptor, resolved string) string {
	if desc.HelmChart.Version != catalog.ChartVersionStable {
		return desc.HelmChart.Version
	}
	if desc.VersionSource.Type == catalog.HelmRepository {
		return resolved
	}
	return ""
}

// releaseName derives a DNS-safe release name from the natural key.
func releaseName(key registry.Key) string {
	label := key.Subdomain
	if i := strings.IndexByte(label, '.'); i > 0 {
		label = label[:i]
	}
	name := strings.ToLower(key.DescriptorID + "-" + label)
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, name)
	return strings.Trim(name, "-")
}

// InvalidStateError reports a lifecycle operation attempted from a status
// that does not allow it.
type InvalidStateError struct {
	// DeploymentID is the deployment the operation targeted.
	DeploymentID string
	// Status is the deployment's current status.
	Status registry.Status
	// Operation names the rejected operation.
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s deployment %s in status %q", e.Operation, e.DeploymentID, e.Status)
}

func isNotFound(err error) bool {
	var notFound *registry.NotFoundError
	return errors.As(err, &notFound)
}
