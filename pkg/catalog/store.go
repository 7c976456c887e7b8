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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/chrishham/xanthus-sub007/pkg/values"
)

// Source is a catalog source directory pair: descriptors plus the values
// templates they reference.
type Source struct {
	// Name is a friendly name for the source.
	Name string
	// DescriptorDir holds descriptor YAML files.
	DescriptorDir string
	// TemplateDir holds values templates, one file per template id.
	TemplateDir string
}

// snapshot is the immutable result of one load.
type snapshot struct {
	descriptors map[string]*ApplicationDescriptor
	templates   map[string]string
	issues      []*ValidationError
	loadedAt    time.Time
}

// LoadReport summarizes a catalog load.
type LoadReport struct {
	// Loaded is the number of descriptors in the active set.
	Loaded int
	// Excluded lists descriptors rejected by validation.
	Excluded []*ValidationError
	// LoadedAt is when the snapshot was built.
	LoadedAt time.Time
}

// Store owns the active descriptor set. Reads hit the current snapshot;
// Refresh builds a new snapshot from the sources and swaps the reference.
type Store struct {
	sources []Source
	logger  logr.Logger

	current atomic.Pointer[snapshot]
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(l logr.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a catalog store over the given sources. The store is empty
// until the first Load.
func NewStore(sources []Source, opts ...StoreOption) *Store {
	s := &Store{
		sources: sources,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{
		descriptors: map[string]*ApplicationDescriptor{},
		templates:   map[string]string{},
	})
	return s
}

// Load reads all sources, validates each descriptor, and installs the result
// as the active set. A descriptor failing validation is excluded and reported
// in the returned LoadReport, never fatal to the load. Load returns an error
// only when a source itself is unreadable.
func (s *Store) Load(ctx context.Context) (*LoadReport, error) {
	snap := &snapshot{
		descriptors: make(map[string]*ApplicationDescriptor),
		templates:   make(map[string]string),
		loadedAt:    time.Now().UTC(),
	}

	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.loadTemplates(src, snap); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.loadDescriptors(src, snap); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	s.current.Store(snap)

	report := &LoadReport{
		Loaded:   len(snap.descriptors),
		Excluded: snap.issues,
		LoadedAt: snap.loadedAt,
	}
	s.logger.Info("Catalog loaded", "descriptors", report.Loaded, "excluded", len(report.Excluded))
	for _, issue := range report.Excluded {
		s.logger.Info("Descriptor excluded", "descriptor", issue.DescriptorID, "field", issue.Field, "reason", issue.Reason)
	}
	return report, nil
}

// Refresh reloads from the sources and atomically swaps the active set.
func (s *Store) Refresh(ctx context.Context) (*LoadReport, error) {
	return s.Load(ctx)
}

// Get returns the descriptor with the given id from the active set.
func (s *Store) Get(id string) (*ApplicationDescriptor, error) {
	snap := s.current.Load()
	d, ok := snap.descriptors[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return d, nil
}

// List returns the active descriptors ordered by id.
func (s *Store) List() []*ApplicationDescriptor {
	snap := s.current.Load()
	out := make([]*ApplicationDescriptor, 0, len(snap.descriptors))
	for _, d := range snap.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Template returns the values template with the given id.
func (s *Store) Template(id string) (string, bool) {
	snap := s.current.Load()
	t, ok := snap.templates[id]
	return t, ok
}

// Issues returns the validation issues recorded by the last load.
func (s *Store) Issues() []*ValidationError {
	return s.current.Load().issues
}

func (s *Store) loadTemplates(src Source, snap *snapshot) error {
	if src.TemplateDir == "" {
		return nil
	}
	entries, err := os.ReadDir(src.TemplateDir)
	if err != nil {
		return fmt.Errorf("reading template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(src.TemplateDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading template %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		snap.templates[id] = string(raw)
	}
	return nil
}

func (s *Store) loadDescriptors(src Source, snap *snapshot) error {
	entries, err := os.ReadDir(src.DescriptorDir)
	if err != nil {
		return fmt.Errorf("reading descriptor dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(src.DescriptorDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading descriptor %s: %w", entry.Name(), err)
		}

		var d ApplicationDescriptor
		if err := yaml.Unmarshal(raw, &d); err != nil {
			snap.issues = append(snap.issues, &ValidationError{
				DescriptorID: strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
				Field:        "document",
				Reason:       err.Error(),
			})
			continue
		}
		if err := defaults.Set(&d); err != nil {
			return fmt.Errorf("applying defaults to %s: %w", entry.Name(), err)
		}

		if issue := s.validate(&d, snap); issue != nil {
			snap.issues = append(snap.issues, issue)
			continue
		}
		snap.descriptors[d.ID] = &d
	}
	return nil
}

// validate checks a single descriptor against the snapshot built so far and
// returns the first problem found.
func (s *Store) validate(d *ApplicationDescriptor, snap *snapshot) *ValidationError {
	fail := func(field, reason string) *ValidationError {
		return &ValidationError{DescriptorID: d.ID, Field: field, Reason: reason}
	}

	if d.ID == "" {
		return fail("id", "must not be empty")
	}
	if _, exists := snap.descriptors[d.ID]; exists {
		return fail("id", "duplicate id")
	}

	switch d.VersionSource.Type {
	case SourceControlTags:
		if d.VersionSource.Source == "" {
			return fail("version_source.source", "must not be empty")
		}
		if _, err := glob.Compile(d.VersionSource.Pattern); err != nil {
			return fail("version_source.pattern", fmt.Sprintf("invalid glob: %v", err))
		}
	case HelmRepository:
		if d.VersionSource.Source == "" {
			return fail("version_source.source", "must not be empty")
		}
	default:
		return fail("version_source.type", fmt.Sprintf("unknown kind %q", d.VersionSource.Type))
	}

	if d.HelmChart.Repository == "" {
		return fail("helm_chart.repository", "must not be empty")
	}
	if d.HelmChart.Chart == "" {
		return fail("helm_chart.chart", "must not be empty")
	}
	if d.HelmChart.Namespace == "" {
		return fail("helm_chart.namespace", "must not be empty")
	}
	if d.HelmChart.ValuesTemplate == "" {
		return fail("helm_chart.values_template", "must not be empty")
	}
	if d.HelmChart.Version != ChartVersionStable && !validPinnedVersion(d.HelmChart.Version) {
		return fail("helm_chart.version", fmt.Sprintf("%q is neither %q nor a semantic version", d.HelmChart.Version, ChartVersionStable))
	}

	tmpl, ok := snap.templates[d.HelmChart.ValuesTemplate]
	if !ok {
		return fail("helm_chart.values_template", fmt.Sprintf("template %q not found", d.HelmChart.ValuesTemplate))
	}
	if err := values.Validate(tmpl, d.HelmChart.Placeholders); err != nil {
		return fail("helm_chart.placeholders", err.Error())
	}

	if d.DefaultPort <= 0 || d.DefaultPort > 65535 {
		return fail("default_port", "must be in 1..65535")
	}
	if d.Requirements.MinCPU.Sign() < 0 {
		return fail("requirements.min_cpu", "must be non-negative")
	}
	if d.Requirements.MinMemoryGB < 0 {
		return fail("requirements.min_memory_gb", "must be non-negative")
	}
	if d.Requirements.MinDiskGB < 0 {
		return fail("requirements.min_disk_gb", "must be non-negative")
	}

	if d.HelmChart.Archive != "" {
		if err := verifyChartArchive(d.HelmChart.Archive, d.HelmChart.Chart); err != nil {
			return fail("helm_chart.archive", err.Error())
		}
	}
	return nil
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
