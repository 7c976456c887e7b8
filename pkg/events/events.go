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

// Package events publishes deployment lifecycle events as CloudEvents.
package events

import (
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/chrishham/xanthus-sub007/pkg/registry"
)

// Source is the CloudEvents source of all lifecycle events.
const Source = "https://github.com/chrishham/xanthus"

// Lifecycle event types. One event is emitted per status transition,
// including the terminal "stopped" emitted between uninstall and registry
// deletion.
const (
	TypePending   = "com.xanthus.deployment.pending"
	TypeDeploying = "com.xanthus.deployment.deploying"
	TypeRunning   = "com.xanthus.deployment.running"
	TypeUpgrading = "com.xanthus.deployment.upgrading"
	TypeError     = "com.xanthus.deployment.error"
	TypeStopped   = "com.xanthus.deployment.stopped"
)

// typeForStatus maps a registry status to its event type.
var typeForStatus = map[registry.Status]string{
	registry.StatusPending:   TypePending,
	registry.StatusDeploying: TypeDeploying,
	registry.StatusRunning:   TypeRunning,
	registry.StatusUpgrading: TypeUpgrading,
	registry.StatusError:     TypeError,
	registry.StatusStopped:   TypeStopped,
}

// Payload is the event data attached to every lifecycle event.
type Payload struct {
	// DeploymentID is the registry identifier.
	DeploymentID string `json:"deployment_id"`
	// Key is the deployment's natural key.
	Key registry.Key `json:"key"`
	// Status is the status entered.
	Status registry.Status `json:"status"`
	// Version is the deployment's desired version at transition time.
	Version string `json:"version,omitempty"`
	// Error carries the failure when Status is "error".
	Error string `json:"error,omitempty"`
}

const defaultBufferSize = 256

// Bus fans lifecycle events out to subscribers and retains the most recent
// ones for the API. Publishing never blocks: a subscriber that cannot keep
// up loses events.
type Bus struct {
	logger     logr.Logger
	bufferSize int
	retain     int

	mu     sync.Mutex
	subs   []chan cloudevents.Event
	recent []cloudevents.Event
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger.
func WithBusLogger(logger logr.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		b.bufferSize = n
	}
}

// WithRetention sets how many recent events the bus keeps for the API.
func WithRetention(n int) BusOption {
	return func(b *Bus) {
		b.retain = n
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:     logr.Discard(),
		bufferSize: defaultBufferSize,
		retain:     defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() <-chan cloudevents.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan cloudevents.Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish emits one lifecycle event for a status transition.
func (b *Bus) Publish(d *registry.Deployment, status registry.Status, lastError string) {
	eventType, ok := typeForStatus[status]
	if !ok {
		b.logger.Info("dropping event for unknown status", "status", status)
		return
	}

	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(Source)
	e.SetType(eventType)
	e.SetSubject(d.Key.String())
	e.SetTime(time.Now().UTC())
	if err := e.SetData(cloudevents.ApplicationJSON, Payload{
		DeploymentID: d.ID,
		Key:          d.Key,
		Status:       status,
		Version:      d.DesiredVersion,
		Error:        lastError,
	}); err != nil {
		b.logger.Error(err, "encoding event data", "type", eventType)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, e)
	if len(b.recent) > b.retain {
		b.recent = b.recent[len(b.recent)-b.retain:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Info("subscriber buffer full, dropping event", "type", eventType)
		}
	}
}

// Recent returns the retained events, oldest first.
func (b *Bus) Recent() []cloudevents.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]cloudevents.Event, len(b.recent))
	copy(out, b.recent)
	return out
}
