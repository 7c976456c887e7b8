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

// Package values renders descriptor values templates by substituting the
// declared placeholder set. Substitution is a closed evaluation over a fixed
// expression vocabulary; there is no general template engine on this path so a
// descriptor author cannot smuggle computed state into a rendered document.
package values

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Inputs carries the resolved state an expression may reference. Everything an
// expression can evaluate to must be present here up front.
type Inputs struct {
	// Version is the resolved application version, as published (tag form).
	Version string
	// ChartName is the chart name from the descriptor's chart reference.
	ChartName string
	// ChartVersion is the chart version selected for this render.
	ChartVersion string
	// Namespace is the target namespace.
	Namespace string
	// AppID is the descriptor id.
	AppID string
	// Subdomain is the subdomain the deployment is reachable under.
	Subdomain string
	// Port is the exposed application port.
	Port int
}

// Expression is a parsed placeholder source expression.
type Expression struct {
	root    string
	literal string
}

// Expression roots accepted by ParseExpression. Single-quoted strings are
// literals; everything else must be one of these.
const (
	exprVersion      = "version"
	exprVersionClean = "version.clean"
	exprVersionMajor = "version.major"
	exprVersionMinor = "version.minor"
	exprVersionPatch = "version.patch"
	exprChartName    = "chart.name"
	exprChartVersion = "chart.version"
	exprNamespace    = "namespace"
	exprAppID        = "app.id"
	exprAppPort      = "app.port"
	exprAppSubdomain = "app.subdomain"
)

// ParseExpression parses a placeholder source expression. It returns an error
// for anything outside the closed vocabulary.
func ParseExpression(s string) (Expression, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Expression{}, fmt.Errorf("empty expression")
	}
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		return Expression{root: "literal", literal: s[1 : len(s)-1]}, nil
	}
	switch s {
	case exprVersion, exprVersionClean, exprVersionMajor, exprVersionMinor, exprVersionPatch,
		exprChartName, exprChartVersion, exprNamespace, exprAppID, exprAppPort, exprAppSubdomain:
		return Expression{root: s}, nil
	}
	return Expression{}, fmt.Errorf("unknown expression %q", s)
}

// String returns the canonical form of the expression.
func (e Expression) String() string {
	if e.root == "literal" {
		return "'" + e.literal + "'"
	}
	return e.root
}

// Evaluate resolves the expression against the given inputs.
func (e Expression) Evaluate(in Inputs) (string, error) {
	switch e.root {
	case "literal":
		return e.literal, nil
	case exprVersion:
		if in.Version == "" {
			return "", fmt.Errorf("version not resolved")
		}
		return in.Version, nil
	case exprVersionClean:
		if in.Version == "" {
			return "", fmt.Errorf("version not resolved")
		}
		return strings.TrimPrefix(in.Version, "v"), nil
	case exprVersionMajor, exprVersionMinor, exprVersionPatch:
		if in.Version == "" {
			return "", fmt.Errorf("version not resolved")
		}
		v, err := semver.NewVersion(in.Version)
		if err != nil {
			return "", fmt.Errorf("version %q is not semver: %w", in.Version, err)
		}
		switch e.root {
		case exprVersionMajor:
			return strconv.FormatUint(v.Major(), 10), nil
		case exprVersionMinor:
			return strconv.FormatUint(v.Minor(), 10), nil
		default:
			return strconv.FormatUint(v.Patch(), 10), nil
		}
	case exprChartName:
		return in.ChartName, nil
	case exprChartVersion:
		if in.ChartVersion == "" {
			return "", fmt.Errorf("chart version not resolved")
		}
		return in.ChartVersion, nil
	case exprNamespace:
		return in.Namespace, nil
	case exprAppID:
		return in.AppID, nil
	case exprAppPort:
		if in.Port <= 0 {
			return "", fmt.Errorf("port not assigned")
		}
		return strconv.Itoa(in.Port), nil
	case exprAppSubdomain:
		return in.Subdomain, nil
	}
	return "", fmt.Errorf("unknown expression %q", e.root)
}
