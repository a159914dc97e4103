/*
Copyright The PostgreSQL Operation Manager Contributors

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
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// DemoteResult is the body of a completed demote-all
type DemoteResult struct {
	Message  string   `json:"message"`
	Demoted  []string `json:"demoted"`
	Warnings []string `json:"warnings,omitempty"`
}

// DemoteAll converges the cluster towards zero primaries, turning every
// reachable backup into a standby. Replicas are already pinned and left
// alone. The operation succeeds when every node that was a primary at
// entry is a standby at exit, even if some other node failed.
func (o *Orchestrator) DemoteAll(ctx context.Context) (*DemoteResult, error) {
	const operation = "demote-all"

	holder, busyErr := o.lock.TryAcquire(operation, o.config.DemoteDeadline())
	if busyErr != nil {
		return nil, busyErr
	}
	defer o.lock.Release(holder)
	o.operationStarted(operation)

	contextLogger := log.FromContext(ctx).WithValues(
		"operation", operation, "operationId", holder.ID)
	ctx = log.IntoContext(ctx, contextLogger)

	opCtx, cancel := context.WithDeadline(ctx, holder.Deadline)
	defer cancel()

	result, err := o.demoteAll(opCtx)
	if err != nil {
		var operationError *OperationError
		if !errors.As(err, &operationError) {
			if opCtx.Err() != nil {
				err = newDeadlineError(operation)
			} else {
				err = newInternalError(err.Error(), nil)
			}
		}
		contextLogger.Error(err, "Demotion failed")
	} else {
		contextLogger.Info("Demotion done", "demoted", result.Demoted)
	}

	o.operationCompleted(operation, err)
	return result, err
}

func (o *Orchestrator) demoteAll(ctx context.Context) (*DemoteResult, error) {
	contextLogger := log.FromContext(ctx)

	view := o.scanner.Scan(ctx)
	previousPrimaries := view.Primaries()

	var names []string
	for name, obs := range view.Observations {
		if obs.Connected && obs.Node.Kind == topology.KindBackup {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var demoted, warnings []string
	failures := make(map[string]interface{})
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := view.Observations[name].Node
		if err := o.demoteNode(ctx, node); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			contextLogger.Warning("Node not demoted", "node", name, "err", err.Error())
			failures[name] = err.Error()
			warnings = append(warnings, fmt.Sprintf("%v: %v", name, err))
			continue
		}
		demoted = append(demoted, name)
	}

	// the operation holds iff no previously-writable node is left writable
	for _, name := range previousPrimaries {
		if _, failed := failures[name]; failed {
			return nil, newInternalError(
				fmt.Sprintf("previous primary %v is still writable", name),
				map[string]interface{}{"failures": failures})
		}
	}

	probeTime := time.Now()
	for _, name := range demoted {
		o.registry.SetRoleHint(name, topology.RoleStandby, probeTime)
	}

	return &DemoteResult{
		Message:  fmt.Sprintf("%v nodes are now standbys", len(demoted)),
		Demoted:  demoted,
		Warnings: warnings,
	}, nil
}

// demoteNode pins a node into recovery and restarts it
func (o *Orchestrator) demoteNode(ctx context.Context, node topology.Node) error {
	commands := [][]string{
		{"touch", path.Join(o.config.PgData, "standby.signal")},
		{"pg_ctl", "restart", "-D", o.config.PgData, "-m", "fast"},
	}
	for _, argv := range commands {
		if err := o.execOnNode(ctx, node, argv); err != nil {
			return err
		}
	}

	return o.waitForRecoveryState(ctx, node, false, o.config.VerifyDeadline())
}
