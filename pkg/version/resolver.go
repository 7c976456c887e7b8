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

package version

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	"golang.org/x/time/rate"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
)

// DefaultTTL bounds how long a resolution is served from cache.
const DefaultTTL = 15 * time.Minute

// Resolver resolves descriptor versions with per-descriptor caching. Cache
// entries carry their own lock, so refreshing one descriptor never blocks
// resolution of another.
type Resolver struct {
	tags    TagLister
	charts  ChartIndexFetcher
	logger  logr.Logger
	ttl     time.Duration
	limiter *rate.Limiter
	retries uint64

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu       sync.Mutex
	resolved *ResolvedVersion
	expires  time.Time
}

// ResolverOption configures the resolver.
type ResolverOption func(*Resolver)

// WithTTL sets the cache TTL.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l logr.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithRateLimit caps external source calls to one per interval with the
// given burst.
func WithRateLimit(interval time.Duration, burst int) ResolverOption {
	return func(r *Resolver) {
		r.limiter = rate.NewLimiter(rate.Every(interval), burst)
	}
}

// WithMaxRetries bounds internal retries of transient source failures.
func WithMaxRetries(n uint64) ResolverOption {
	return func(r *Resolver) {
		r.retries = n
	}
}

// NewResolver creates a resolver over the given sources.
func NewResolver(tags TagLister, charts ChartIndexFetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		tags:    tags,
		charts:  charts,
		logger:  logr.Discard(),
		ttl:     DefaultTTL,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		retries: 3,
		entries: make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the current resolvable version for the descriptor, serving
// from cache while the entry is fresh.
func (r *Resolver) Resolve(ctx context.Context, d *catalog.ApplicationDescriptor) (*ResolvedVersion, error) {
	entry := r.entry(d.ID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.resolved != nil && time.Now().Before(entry.expires) {
		cached := *entry.resolved
		return &cached, nil
	}
	return r.resolveLocked(ctx, d, entry)
}

// Refresh resolves bypassing the cache and replaces the cached entry.
func (r *Resolver) Refresh(ctx context.Context, d *catalog.ApplicationDescriptor) (*ResolvedVersion, error) {
	entry := r.entry(d.ID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.resolveLocked(ctx, d, entry)
}

// Invalidate drops the cached resolution for the descriptor.
func (r *Resolver) Invalidate(descriptorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, descriptorID)
}

func (r *Resolver) entry(descriptorID string) *cacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[descriptorID]
	if !ok {
		e = &cacheEntry{}
		r.entries[descriptorID] = e
	}
	return e
}

// resolveLocked resolves with bounded retry of transient failures. The
// caller holds the entry lock.
func (r *Resolver) resolveLocked(ctx context.Context, d *catalog.ApplicationDescriptor, entry *cacheEntry) (*ResolvedVersion, error) {
	var resolved *ResolvedVersion
	op := func() error {
		rv, err := r.resolveOnce(ctx, d)
		if err != nil {
			if IsTransient(err) {
				r.logger.V(1).Info("Transient resolution failure, retrying",
					"descriptor", d.ID, "error", err.Error())
				return err
			}
			return backoff.Permanent(err)
		}
		resolved = rv
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	entry.resolved = resolved
	entry.expires = time.Now().Add(r.ttl)
	r.logger.V(1).Info("Version resolved",
		"descriptor", d.ID, "version", resolved.Version,
		"stable", resolved.IsStable, "latest", resolved.IsLatest)

	cached := *resolved
	return &cached, nil
}

// resolveOnce performs a single resolution against the external source.
func (r *Resolver) resolveOnce(ctx context.Context, d *catalog.ApplicationDescriptor) (*ResolvedVersion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	switch d.VersionSource.Type {
	case catalog.SourceControlTags:
		return r.resolveFromTags(ctx, d)
	case catalog.HelmRepository:
		return r.resolveFromChartIndex(ctx, d)
	default:
		return nil, fmt.Errorf("descriptor %q: unknown version source kind %q", d.ID, d.VersionSource.Type)
	}
}

func (r *Resolver) resolveFromTags(ctx context.Context, d *catalog.ApplicationDescriptor) (*ResolvedVersion, error) {
	tags, err := r.tags.ListTags(ctx, d.VersionSource.Source)
	if err != nil {
		return nil, err
	}

	pattern, err := glob.Compile(d.VersionSource.Pattern)
	if err != nil {
		return nil, fmt.Errorf("descriptor %q: invalid tag pattern: %w", d.ID, err)
	}

	var cands []candidate
	for _, tag := range tags {
		if !pattern.Match(tag.Name) {
			continue
		}
		sv, err := semver.NewVersion(tag.Name)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{raw: tag.Name, version: sv, published: tag.PublishedAt})
	}

	chosen, isLatest, ok := selectHighest(cands, d.VersionSource.IncludePrerelease)
	if !ok {
		return nil, &NoVersionsFoundError{
			DescriptorID: d.ID,
			Source:       d.VersionSource.Source,
			Detail:       fmt.Sprintf("pattern %q", d.VersionSource.Pattern),
		}
	}

	return &ResolvedVersion{
		DescriptorID: d.ID,
		Version:      chosen.raw,
		PublishedAt:  chosen.published,
		IsLatest:     isLatest,
		IsStable:     chosen.version.Prerelease() == "",
	}, nil
}

func (r *Resolver) resolveFromChartIndex(ctx context.Context, d *catalog.ApplicationDescriptor) (*ResolvedVersion, error) {
	index, err := r.charts.FetchChartIndex(ctx, d.VersionSource.Source)
	if err != nil {
		return nil, err
	}

	chartName := d.IndexChart()
	entries := index[chartName]

	var cands []candidate
	for _, e := range entries {
		sv, err := semver.NewVersion(e.Version)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{raw: e.Version, version: sv, published: e.PublishedAt})
	}

	// A pinned chart version must exist in the index.
	if pinned := d.HelmChart.Version; pinned != catalog.ChartVersionStable {
		want, err := semver.NewVersion(pinned)
		if err != nil {
			return nil, fmt.Errorf("descriptor %q: pinned version %q is not semver: %w", d.ID, pinned, err)
		}
		for _, c := range cands {
			if c.version.Equal(want) {
				highest, _, _ := selectHighest(cands, true)
				return &ResolvedVersion{
					DescriptorID: d.ID,
					Version:      c.raw,
					PublishedAt:  c.published,
					IsLatest:     highest.version.Equal(c.version),
					IsStable:     c.version.Prerelease() == "",
				}, nil
			}
		}
		return nil, &NoVersionsFoundError{
			DescriptorID: d.ID,
			Source:       d.VersionSource.Source,
			Detail:       fmt.Sprintf("pinned chart version %q for chart %q", pinned, chartName),
		}
	}

	chosen, isLatest, ok := selectHighest(cands, d.VersionSource.IncludePrerelease)
	if !ok {
		return nil, &NoVersionsFoundError{
			DescriptorID: d.ID,
			Source:       d.VersionSource.Source,
			Detail:       fmt.Sprintf("chart %q", chartName),
		}
	}

	return &ResolvedVersion{
		DescriptorID: d.ID,
		Version:      chosen.raw,
		PublishedAt:  chosen.published,
		IsLatest:     isLatest,
		IsStable:     chosen.version.Prerelease() == "",
	}, nil
}

type candidate struct {
	raw       string
	version   *semver.Version
	published time.Time
}

// selectHighest picks the highest candidate by semantic-version ordering.
// Pre-releases are excluded unless includePrerelease is set. Exact version
// ties break toward the most recent publish timestamp. The second return is
// true when no candidate at all, pre-releases included, is higher than the
// chosen one.
func selectHighest(cands []candidate, includePrerelease bool) (candidate, bool, bool) {
	var (
		chosen   candidate
		found    bool
		overall  candidate
		anyFound bool
	)
	for _, c := range cands {
		if !anyFound || c.version.GreaterThan(overall.version) {
			overall = c
			anyFound = true
		}
		if c.version.Prerelease() != "" && !includePrerelease {
			continue
		}
		switch {
		case !found:
			chosen = c
			found = true
		case c.version.GreaterThan(chosen.version):
			chosen = c
		case c.version.Equal(chosen.version) && c.published.After(chosen.published):
			chosen = c
		}
	}
	if !found {
		return candidate{}, false, false
	}
	isLatest := !overall.version.GreaterThan(chosen.version)
	return chosen, isLatest, true
}
