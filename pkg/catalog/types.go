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

// Package catalog loads and validates application descriptors. The active
// descriptor set is an immutable snapshot that a refresh rebuilds and swaps
// atomically; descriptors are never mutated in place.
package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// VersionSourceKind identifies where a descriptor's versions come from.
type VersionSourceKind string

const (
	// SourceControlTags resolves versions from a source-control tag feed.
	SourceControlTags VersionSourceKind = "source-control-tags"
	// HelmRepository resolves versions from a Helm repository chart index.
	HelmRepository VersionSourceKind = "helm-repository"
)

// ChartVersionStable selects the highest non-pre-release chart version.
// Any other value of ChartRef.Version is treated as a pinned version.
const ChartVersionStable = "stable"

// Quantity wraps resource.Quantity so descriptors can carry Kubernetes-style
// quantities ("500m", "2") through YAML.
type Quantity struct {
	resource.Quantity
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (q *Quantity) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		q.Quantity = resource.Quantity{}
		return nil
	}
	parsed, err := resource.ParseQuantity(s)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	q.Quantity = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (q Quantity) MarshalYAML() (any, error) {
	return q.String(), nil
}

// VersionSource specifies how the current application version is resolved.
type VersionSource struct {
	// Type is the source kind.
	Type VersionSourceKind `yaml:"type" json:"type"`
	// Source locates the feed: a git repository URL for source-control-tags,
	// a Helm repository URL for helm-repository.
	Source string `yaml:"source" json:"source"`
	// Pattern is a glob filtering tags (source-control-tags only).
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty" default:"*"`
	// Chart overrides the chart name looked up in the repository index
	// (helm-repository only; defaults to the chart reference's chart name).
	Chart string `yaml:"chart,omitempty" json:"chart,omitempty"`
	// IncludePrerelease opts pre-release tags into latest/stable selection.
	IncludePrerelease bool `yaml:"include_prerelease,omitempty" json:"include_prerelease,omitempty"`
}

// ChartRef references the Helm chart a descriptor deploys.
type ChartRef struct {
	// Repository locates the chart repository.
	Repository string `yaml:"repository" json:"repository"`
	// Chart is the chart name.
	Chart string `yaml:"chart" json:"chart"`
	// Version is the chart version policy: "stable" or a pinned version.
	Version string `yaml:"version,omitempty" json:"version,omitempty" default:"stable"`
	// Namespace is the target namespace for releases.
	Namespace string `yaml:"namespace" json:"namespace"`
	// ValuesTemplate names the values template rendered for this chart.
	ValuesTemplate string `yaml:"values_template" json:"values_template"`
	// Placeholders maps template placeholder names to source expressions.
	Placeholders map[string]string `yaml:"placeholders,omitempty" json:"placeholders,omitempty"`
	// Archive is an optional path to a bundled chart archive. When set, the
	// archive is opened at load time and its name checked against Chart.
	Archive string `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// Requirements are the minimum resources a target must provide.
type Requirements struct {
	// MinCPU is the minimum CPU (cores, Kubernetes quantity form).
	MinCPU Quantity `yaml:"min_cpu,omitempty" json:"min_cpu,omitempty"`
	// MinMemoryGB is the minimum memory in gigabytes.
	MinMemoryGB float64 `yaml:"min_memory_gb,omitempty" json:"min_memory_gb,omitempty"`
	// MinDiskGB is the minimum disk in gigabytes.
	MinDiskGB float64 `yaml:"min_disk_gb,omitempty" json:"min_disk_gb,omitempty"`
}

// ApplicationDescriptor is a catalog entry for an installable application.
// Descriptors are immutable once loaded; a catalog refresh replaces the whole
// set.
type ApplicationDescriptor struct {
	// ID is the unique catalog key.
	ID string `yaml:"id" json:"id"`
	// Name is the display name.
	Name string `yaml:"name" json:"name"`
	// Category groups the application in the catalog.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	// VersionSource specifies version resolution for the application.
	VersionSource VersionSource `yaml:"version_source" json:"version_source"`
	// HelmChart references the chart that deploys the application.
	HelmChart ChartRef `yaml:"helm_chart" json:"helm_chart"`
	// DefaultPort is the port the application exposes.
	DefaultPort int `yaml:"default_port" json:"default_port"`
	// Requirements are the minimum target resources.
	Requirements Requirements `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// IndexChart returns the chart name used for helm-repository index lookups.
func (d *ApplicationDescriptor) IndexChart() string {
	if d.VersionSource.Chart != "" {
		return d.VersionSource.Chart
	}
	return d.HelmChart.Chart
}

// ValidationError reports a malformed descriptor. The descriptor is excluded
// from the active set; the load itself continues.
type ValidationError struct {
	// DescriptorID is the id of the offending descriptor, if known.
	DescriptorID string
	// Field is the descriptor field at fault.
	Field string
	// Reason describes the problem.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.DescriptorID == "" {
		return fmt.Sprintf("invalid descriptor: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid descriptor %q: %s: %s", e.DescriptorID, e.Field, e.Reason)
}

// NotFoundError reports a descriptor id absent from the active set.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("descriptor %q not found", e.ID)
}
