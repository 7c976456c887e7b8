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

package values

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// placeholderPattern matches ${NAME} references in a values template.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// SubstitutionError reports a declared placeholder whose source expression
// could not be evaluated, or a template reference with no mapping. It
// indicates a descriptor or template bug and is never retryable.
type SubstitutionError struct {
	// Placeholder is the placeholder that failed.
	Placeholder string
	// Reason describes the failure.
	Reason string
}

func (e *SubstitutionError) Error() string {
	return fmt.Sprintf("placeholder %q: %s", e.Placeholder, e.Reason)
}

// Document is a fully substituted values document ready for the cluster-apply
// collaborator.
type Document struct {
	// Raw is the substituted YAML text.
	Raw []byte
	// Values is the decoded document.
	Values map[string]any
	// Hash is the content hash of Raw, used for drift detection.
	Hash string
}

// Placeholders returns the distinct placeholder names referenced by the
// template, in order of first appearance.
func Placeholders(template string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Render substitutes the declared placeholders into the template and decodes
// the result. Every placeholder referenced by the template must have a
// mapping, and every mapped expression must evaluate; anything else fails
// with a SubstitutionError.
func Render(template string, placeholders map[string]string, in Inputs) (*Document, error) {
	resolved := make(map[string]string, len(placeholders))

	// Evaluate the declared set first so an unused-but-broken mapping still
	// surfaces as a descriptor bug.
	names := make([]string, 0, len(placeholders))
	for name := range placeholders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expr, err := ParseExpression(placeholders[name])
		if err != nil {
			return nil, &SubstitutionError{Placeholder: name, Reason: err.Error()}
		}
		val, err := expr.Evaluate(in)
		if err != nil {
			return nil, &SubstitutionError{Placeholder: name, Reason: err.Error()}
		}
		resolved[name] = val
	}

	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		val, ok := resolved[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return val
	})
	if missing != "" {
		return nil, &SubstitutionError{Placeholder: missing, Reason: "referenced by template but not declared"}
	}

	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(out), &decoded); err != nil {
		return nil, fmt.Errorf("rendered document is not valid YAML: %w", err)
	}

	sum := sha256.Sum256([]byte(out))
	return &Document{
		Raw:    []byte(out),
		Values: decoded,
		Hash:   hex.EncodeToString(sum[:]),
	}, nil
}

// HashOf returns the content hash Render would assign to the given raw
// document text.
func HashOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validate checks template/mapping consistency without evaluating against
// real inputs: the template must not reference undeclared placeholders and
// every declared expression must parse. Used at catalog load so a validated
// descriptor can never fail substitution for structural reasons.
func Validate(template string, placeholders map[string]string) error {
	for name, src := range placeholders {
		if _, err := ParseExpression(src); err != nil {
			return &SubstitutionError{Placeholder: name, Reason: err.Error()}
		}
	}
	for _, name := range Placeholders(template) {
		if _, ok := placeholders[name]; !ok {
			return &SubstitutionError{Placeholder: name, Reason: "referenced by template but not declared"}
		}
	}
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("values template is empty")
	}
	return nil
}
