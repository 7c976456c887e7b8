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

// Package version resolves the current version of a catalog application from
// its declared version source: a source-control tag feed or a Helm repository
// chart index. Results are cached per descriptor with a bounded TTL; an
// explicit refresh bypasses the cache.
package version

import (
	"errors"
	"fmt"
	"time"
)

// ResolvedVersion is the outcome of resolving a descriptor's version source
// at a point in time. It is always re-derived, never persisted.
type ResolvedVersion struct {
	// DescriptorID is the descriptor this resolution belongs to.
	DescriptorID string `json:"descriptor_id"`
	// Version is the resolved version string, in its published form.
	Version string `json:"version"`
	// PublishedAt is the publish timestamp, when the source provides one.
	PublishedAt time.Time `json:"published_at,omitempty"`
	// IsLatest is true when no higher candidate exists in the source,
	// pre-releases included.
	IsLatest bool `json:"is_latest"`
	// IsStable is true when the version carries no pre-release component.
	IsStable bool `json:"is_stable"`
}

// SourceUnreachableError reports a network or API failure against a version
// source. It is transient and safe to retry with backoff.
type SourceUnreachableError struct {
	// Source is the source locator that failed.
	Source string
	// Err is the underlying failure.
	Err error
}

func (e *SourceUnreachableError) Error() string {
	return fmt.Sprintf("version source %q unreachable: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceUnreachableError) Unwrap() error { return e.Err }

// Transient marks the error as retryable.
func (e *SourceUnreachableError) Transient() bool { return true }

// NoVersionsFoundError reports that a source yielded zero candidates matching
// the descriptor's selection. Not retryable until the source changes.
type NoVersionsFoundError struct {
	// DescriptorID is the descriptor being resolved.
	DescriptorID string
	// Source is the source locator.
	Source string
	// Detail narrows down what was searched for.
	Detail string
}

func (e *NoVersionsFoundError) Error() string {
	return fmt.Sprintf("no versions found for %q in %q (%s)", e.DescriptorID, e.Source, e.Detail)
}

// Transient marks the error as non-retryable.
func (e *NoVersionsFoundError) Transient() bool { return false }

// IsTransient reports whether err (or anything it wraps) is a transient
// failure that may be retried.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Tag is a source-control tag.
type Tag struct {
	// Name is the tag name, e.g. "v1.3.0".
	Name string
	// PublishedAt is the tag timestamp, zero when the feed does not expose one.
	PublishedAt time.Time
}

// IndexEntry is one chart version from a Helm repository index.
type IndexEntry struct {
	// Version is the chart version.
	Version string
	// AppVersion is the packaged application version, if declared.
	AppVersion string
	// PublishedAt is the index "created" timestamp.
	PublishedAt time.Time
}
