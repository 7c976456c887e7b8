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
	"context"
	"time"

	"github.com/chrishham/xanthus-sub007/pkg/registry"
)

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	// Examined is the number of deployments looked at.
	Examined int `json:"examined"`
	// Resumed is the number of interrupted operations driven to completion.
	Resumed int `json:"resumed"`
	// Reapplied is the number of running deployments re-applied for values
	// drift.
	Reapplied int `json:"reapplied"`
	// Failed is the number of deployments that ended the pass in the error
	// status.
	Failed int `json:"failed"`
}

// Reconcile drives every deployment back to a settled state: deployments
// interrupted mid-install or mid-upgrade are resumed, and running
// deployments whose rendered values no longer match what was applied are
// re-applied. Reconcile is meant to run at startup and on a timer.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	defer func() {
		o.metrics.ReconcileDuration.Record(ctx, time.Since(start).Seconds())
	}()

	deployments, err := o.storage.ListDeployments(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, d := range deployments {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		report.Examined++
		o.reconcileOne(ctx, d, report)
	}
	o.logger.Info("reconcile pass complete",
		"examined", report.Examined, "resumed", report.Resumed,
		"reapplied", report.Reapplied, "failed", report.Failed)
	return report, nil
}

func (o *Orchestrator) reconcileOne(ctx context.Context, stale *registry.Deployment, report *ReconcileReport) {
	unlock := o.locks.lock(stale.Key)
	defer unlock()

	// Reread under the lock; the listing may be stale by now.
	d, err := o.storage.GetDeployment(ctx, stale.ID)
	if err != nil {
		return
	}

	switch d.Status {
	case registry.StatusDeploying, registry.StatusUpgrading:
		if o.resume(ctx, d) {
			report.Resumed++
		} else {
			report.Failed++
		}
	case registry.StatusRunning:
		reapplied, ok := o.reapplyOnDrift(ctx, d)
		if reapplied {
			report.Reapplied++
		}
		if !ok {
			report.Failed++
		}
	default:
		// pending deployments are owned by an in-flight Install; error and
		// stopped wait for an operator decision.
	}
}

// resume finishes an interrupted install or upgrade by applying the desired
// version again. The apply primitive is idempotent, so re-applying work that
// actually completed before the interruption is harmless.
func (o *Orchestrator) resume(ctx context.Context, d *registry.Deployment) bool {
	desc, err := o.catalog.Get(d.Key.DescriptorID)
	if err != nil {
		o.fail(ctx, d, err)
		return false
	}
	o.logger.Info("resuming interrupted operation", "deployment", d.Key.String(), "status", d.Status, "version", d.DesiredVersion)

	if err := o.apply(ctx, desc, d); err != nil {
		o.fail(ctx, d, err)
		return false
	}
	if err := o.ensureBinding(ctx, d); err != nil {
		o.fail(ctx, d, err)
		return false
	}
	if err := o.transition(ctx, d, registry.StatusRunning, ""); err != nil {
		return false
	}
	return true
}

// reapplyOnDrift re-renders the deployment's values at its observed version
// and re-applies when the document hash no longer matches what was applied.
// Returns whether a re-apply happened and whether the deployment is healthy.
func (o *Orchestrator) reapplyOnDrift(ctx context.Context, d *registry.Deployment) (reapplied, ok bool) {
	desc, err := o.catalog.Get(d.Key.DescriptorID)
	if err != nil {
		o.fail(ctx, d, err)
		return false, false
	}
	doc, err := o.render(desc, d, d.ObservedVersion)
	if err != nil {
		o.fail(ctx, d, err)
		return false, false
	}
	if doc.Hash == d.AppliedValuesHash {
		return false, true
	}

	o.logger.Info("values drift detected, re-applying", "deployment", d.Key.String(), "version", d.ObservedVersion)
	d.DesiredVersion = d.ObservedVersion
	if err := o.apply(ctx, desc, d); err != nil {
		o.fail(ctx, d, err)
		return false, false
	}
	if err := o.transition(ctx, d, registry.StatusRunning, ""); err != nil {
		return true, false
	}
	return true, true
}
