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
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"helm.sh/helm/v4/pkg/chart"
	"helm.sh/helm/v4/pkg/chart/loader"
)

// validPinnedVersion reports whether s is an explicit semantic version.
func validPinnedVersion(s string) bool {
	_, err := semver.NewVersion(s)
	return err == nil
}

// verifyChartArchive opens a bundled chart archive and checks that the chart
// it contains matches the declared chart name.
func verifyChartArchive(path, wantChart string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening chart archive: %w", err)
	}
	defer f.Close()

	charter, err := loader.LoadArchive(f)
	if err != nil {
		return fmt.Errorf("loading chart archive: %w", err)
	}
	accessor, err := chart.NewDefaultAccessor(charter)
	if err != nil {
		return fmt.Errorf("reading chart metadata: %w", err)
	}
	if accessor.Name() != wantChart {
		return fmt.Errorf("archive contains chart %q, descriptor declares %q", accessor.Name(), wantChart)
	}
	return nil
}
