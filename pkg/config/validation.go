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

package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for problems and returns them all.
func (c Config) Validate() error {
	var errs ValidationErrors
	fail := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message})
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		fail("serviceName", "is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port", "must be in 1..65535")
	}

	if len(c.Catalog.Sources) == 0 {
		fail("catalog.sources", "at least one source is required")
	}
	for i, src := range c.Catalog.Sources {
		if src.DescriptorDir == "" {
			fail(fmt.Sprintf("catalog.sources[%d].descriptorDir", i), "is required")
		}
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageMySQL:
		if c.Storage.DSN == "" {
			fail("storage.dsn", "is required for the mysql backend")
		}
	default:
		fail("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}

	if !c.Cluster.DryRun && c.Cluster.HelmBinary == "" {
		fail("cluster.helmBinary", "is required")
	}

	for i, s := range c.Fleet.Servers {
		if s.ID == "" {
			fail(fmt.Sprintf("fleet.servers[%d].id", i), "is required")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
