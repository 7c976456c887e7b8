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

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishham/xanthus-sub007/pkg/registry"
)

func testDeployment() *registry.Deployment {
	return &registry.Deployment{
		ID:             "dep-1",
		Key:            registry.Key{DescriptorID: "code-server", TargetID: "vps-1", Subdomain: "ide.example.com"},
		DesiredVersion: "v4.9.1",
	}
}

func TestBus_PublishToSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(testDeployment(), registry.StatusRunning, "")

	e := <-ch
	assert.Equal(t, TypeRunning, e.Type())
	assert.Equal(t, Source, e.Source())
	assert.Equal(t, "code-server/vps-1/ide.example.com", e.Subject())

	var payload Payload
	require.NoError(t, json.Unmarshal(e.Data(), &payload))
	assert.Equal(t, "dep-1", payload.DeploymentID)
	assert.Equal(t, "v4.9.1", payload.Version)
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(WithBufferSize(1))
	ch := bus.Subscribe()

	d := testDeployment()
	bus.Publish(d, registry.StatusPending, "")
	bus.Publish(d, registry.StatusDeploying, "")
	bus.Publish(d, registry.StatusRunning, "")

	// Only the first event fit the buffer; the bus never blocked.
	e := <-ch
	assert.Equal(t, TypePending, e.Type())
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event %s", e.Type())
	default:
	}

	// The ring keeps everything for the API regardless.
	assert.Len(t, bus.Recent(), 3)
}

func TestBus_RetentionBounded(t *testing.T) {
	t.Parallel()

	bus := NewBus(WithRetention(2))
	d := testDeployment()
	bus.Publish(d, registry.StatusPending, "")
	bus.Publish(d, registry.StatusDeploying, "")
	bus.Publish(d, registry.StatusRunning, "")

	recent := bus.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, TypeDeploying, recent[0].Type())
	assert.Equal(t, TypeRunning, recent[1].Type())
}

func TestBus_ErrorEventCarriesFailure(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Publish(testDeployment(), registry.StatusError, "helm: timed out")

	recent := bus.Recent()
	require.Len(t, recent, 1)
	var payload Payload
	require.NoError(t, json.Unmarshal(recent[0].Data(), &payload))
	assert.Equal(t, "helm: timed out", payload.Error)
}
