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
	"errors"
	"fmt"
	"sync"
)

// FakeApplier records apply and uninstall calls in memory. It stands in for
// a cluster in tests and in dry-run mode.
type FakeApplier struct {
	mu sync.Mutex

	// FailApplies makes the next n Apply calls fail.
	FailApplies int
	// FailUninstalls makes the next n Uninstall calls fail.
	FailUninstalls int

	applies    []ApplyRequest
	uninstalls []string
	releases   map[string]ApplyRequest
}

// NewFakeApplier creates an empty fake.
func NewFakeApplier() *FakeApplier {
	return &FakeApplier{releases: make(map[string]ApplyRequest)}
}

// Apply records the request and tracks the release as installed.
func (f *FakeApplier) Apply(ctx context.Context, req ApplyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailApplies > 0 {
		f.FailApplies--
		return &ApplyError{ReleaseName: req.ReleaseName, Output: "timed out waiting for the condition", Err: errors.New("exit status 1")}
	}
	f.applies = append(f.applies, req)
	f.releases[releaseKey(req.Namespace, req.ReleaseName)] = req
	return nil
}

// Uninstall records the call and drops the release.
func (f *FakeApplier) Uninstall(ctx context.Context, namespace, releaseName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailUninstalls > 0 {
		f.FailUninstalls--
		return &UninstallError{ReleaseName: releaseName, Err: errors.New("exit status 1")}
	}
	f.uninstalls = append(f.uninstalls, releaseKey(namespace, releaseName))
	delete(f.releases, releaseKey(namespace, releaseName))
	return nil
}

// Applies returns the recorded apply requests in order.
func (f *FakeApplier) Applies() []ApplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ApplyRequest, len(f.applies))
	copy(out, f.applies)
	return out
}

// Uninstalls returns the recorded uninstall calls as "namespace/release".
func (f *FakeApplier) Uninstalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.uninstalls))
	copy(out, f.uninstalls)
	return out
}

// Release returns the last applied request for a release, if installed.
func (f *FakeApplier) Release(namespace, releaseName string) (ApplyRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.releases[releaseKey(namespace, releaseName)]
	return req, ok
}

func releaseKey(namespace, releaseName string) string {
	return fmt.Sprintf("%s/%s", namespace, releaseName)
}
