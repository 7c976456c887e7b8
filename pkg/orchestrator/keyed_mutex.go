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

package orchestrator

import (
	"sync"

	"github.com/chrishham/xanthus-sub007/pkg/registry"
)

// keyedMutex serializes lifecycle operations per natural key. Operations on
// distinct deployments proceed concurrently; two operations on the same
// deployment never interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[registry.Key]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[registry.Key]*sync.Mutex)}
}

// lock acquires the mutex for a key and returns its unlock function.
func (k *keyedMutex) lock(key registry.Key) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
