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

// Package registry persists the set of installed applications: Deployment
// records and the PortForward records they own.
package registry

import (
	"fmt"
	"time"
)

// Status is a deployment lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusUpgrading Status = "upgrading"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// Key is the natural key of a Deployment: at most one Deployment exists per
// (descriptor id, target id, subdomain) triple.
type Key struct {
	// DescriptorID is the catalog descriptor id.
	DescriptorID string `json:"descriptor_id"`
	// TargetID identifies the VPS the deployment runs on.
	TargetID string `json:"target_id"`
	// Subdomain is the externally reachable subdomain.
	Subdomain string `json:"subdomain"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DescriptorID, k.TargetID, k.Subdomain)
}

// Deployment is the orchestrated unit: one application release on one target.
type Deployment struct {
	// ID is the registry identifier.
	ID string `json:"id"`
	// Key is the natural key.
	Key Key `json:"key"`
	// Namespace is the cluster namespace releases go to.
	Namespace string `json:"namespace"`
	// ReleaseName is the release name derived from the natural key.
	ReleaseName string `json:"release_name"`
	// Port is the assigned application port.
	Port int `json:"port"`
	// DesiredVersion is the version the deployment should converge to.
	DesiredVersion string `json:"desired_version"`
	// ObservedVersion is the last successfully applied version.
	ObservedVersion string `json:"observed_version,omitempty"`
	// Status is the lifecycle status.
	Status Status `json:"status"`
	// AppliedValuesHash is the content hash of the last successfully applied
	// values document, used for drift detection.
	AppliedValuesHash string `json:"applied_values_hash,omitempty"`
	// LastError holds the most recent failure, verbatim, for diagnosis.
	LastError string `json:"last_error,omitempty"`
	// CreatedAt is when the deployment was requested.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// PortForward maps a deployment's port to an externally reachable URL. It is
// owned by its Deployment and has no independent lifecycle.
type PortForward struct {
	// ID is the registry identifier.
	ID string `json:"id"`
	// DeploymentID references the owning Deployment.
	DeploymentID string `json:"deployment_id"`
	// Port is the forwarded application port.
	Port int `json:"port"`
	// Subdomain is the bound subdomain.
	Subdomain string `json:"subdomain"`
	// URL is the externally reachable URL.
	URL string `json:"url"`
	// CreatedAt is when the binding was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows deployment listings. Zero fields match everything.
type Filter struct {
	DescriptorID string
	TargetID     string
	Status       Status
}

// Matches reports whether the deployment satisfies the filter.
func (f Filter) Matches(d *Deployment) bool {
	if f.DescriptorID != "" && d.Key.DescriptorID != f.DescriptorID {
		return false
	}
	if f.TargetID != "" && d.Key.TargetID != f.TargetID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// DuplicateDeploymentError reports an install request for a natural key that
// already has a Deployment.
type DuplicateDeploymentError struct {
	Key Key
}

func (e *DuplicateDeploymentError) Error() string {
	return fmt.Sprintf("deployment already exists for %s", e.Key)
}

// NotFoundError reports an absent deployment.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("deployment %s not found", e.Ref)
}
