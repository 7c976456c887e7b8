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
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage/memory"
	"gopkg.in/yaml.v3"
)

// TagLister lists tags from a source-control repository.
type TagLister interface {
	ListTags(ctx context.Context, repoURL string) ([]Tag, error)
}

// ChartIndexFetcher fetches a Helm repository's chart index.
type ChartIndexFetcher interface {
	FetchChartIndex(ctx context.Context, repoURL string) (map[string][]IndexEntry, error)
}

// GitTagLister lists tags from a remote git repository without cloning it.
type GitTagLister struct{}

// NewGitTagLister creates a GitTagLister.
func NewGitTagLister() *GitTagLister {
	return &GitTagLister{}
}

// ListTags lists the remote's tags via the git reference advertisement.
// The feed carries no timestamps, so PublishedAt stays zero.
func (l *GitTagLister) ListTags(ctx context.Context, repoURL string) ([]Tag, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, &SourceUnreachableError{Source: repoURL, Err: err}
	}

	var tags []Tag
	for _, ref := range refs {
		if !ref.Name().IsTag() {
			continue
		}
		name := ref.Name().Short()
		// Annotated tags advertise both the tag and its peeled target.
		name = strings.TrimSuffix(name, "^{}")
		tags = append(tags, Tag{Name: name})
	}
	return tags, nil
}

// HTTPChartIndexFetcher fetches and parses index.yaml from a Helm repository
// served over HTTP(S).
type HTTPChartIndexFetcher struct {
	client *http.Client
}

// NewHTTPChartIndexFetcher creates a fetcher with the given client. A nil
// client falls back to a default with a 30s timeout.
func NewHTTPChartIndexFetcher(client *http.Client) *HTTPChartIndexFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPChartIndexFetcher{client: client}
}

// chartIndexDoc mirrors the subset of the Helm repository index format the
// resolver needs.
type chartIndexDoc struct {
	APIVersion string `yaml:"apiVersion"`
	Entries    map[string][]struct {
		Version    string    `yaml:"version"`
		AppVersion string    `yaml:"appVersion"`
		Created    time.Time `yaml:"created"`
	} `yaml:"entries"`
}

// FetchChartIndex downloads <repo>/index.yaml and returns its entries keyed
// by chart name.
func (f *HTTPChartIndexFetcher) FetchChartIndex(ctx context.Context, repoURL string) (map[string][]IndexEntry, error) {
	indexURL := strings.TrimSuffix(repoURL, "/") + "/index.yaml"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building index request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &SourceUnreachableError{Source: repoURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SourceUnreachableError{
			Source: repoURL,
			Err:    fmt.Errorf("unexpected status %s fetching %s", resp.Status, indexURL),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceUnreachableError{Source: repoURL, Err: err}
	}

	var doc chartIndexDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing chart index from %s: %w", indexURL, err)
	}

	entries := make(map[string][]IndexEntry, len(doc.Entries))
	for name, versions := range doc.Entries {
		list := make([]IndexEntry, 0, len(versions))
		for _, v := range versions {
			list = append(list, IndexEntry{
				Version:     v.Version,
				AppVersion:  v.AppVersion,
				PublishedAt: v.Created,
			})
		}
		entries[name] = list
	}
	return entries, nil
}
