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
	"strconv"
	"time"

	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/postgres"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// PromoteResult is the body of a successful promotion
type PromoteResult struct {
	Message    string   `json:"message"`
	NewPrimary string   `json:"new_primary"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Promote elects the target backup node as the new primary. The workflow
// refuses to run when the target has not received every WAL byte written
// by the current primary.
func (o *Orchestrator) Promote(ctx context.Context, targetName string) (*PromoteResult, error) {
	const operation = "promote"

	holder, busyErr := o.lock.TryAcquire(operation, o.config.PromoteDeadline())
	if busyErr != nil {
		return nil, busyErr
	}
	defer o.lock.Release(holder)
	o.operationStarted(operation)

	contextLogger := log.FromContext(ctx).WithValues(
		"operation", operation, "operationId", holder.ID, "target", targetName)
	ctx = log.IntoContext(ctx, contextLogger)

	opCtx, cancel := context.WithDeadline(ctx, holder.Deadline)
	defer cancel()

	result, err := o.promote(opCtx, targetName)
	if err != nil {
		var operationError *OperationError
		if !errors.As(err, &operationError) {
			if opCtx.Err() != nil {
				err = newDeadlineError(operation)
			} else {
				err = newPromoteFailedError("%v", err)
			}
		}
		contextLogger.Error(err, "Promotion failed")
	} else {
		contextLogger.Info("Promotion done", "newPrimary", result.NewPrimary,
			"warnings", len(result.Warnings))
	}

	o.operationCompleted(operation, err)
	return result, err
}

// promoteState accumulates the workflow progress shared between steps
type promoteState struct {
	target     topology.Node
	view       *topology.ClusterView
	reattached []string
	warnings   []string
}

func (o *Orchestrator) promote(ctx context.Context, targetName string) (*PromoteResult, error) {
	contextLogger := log.FromContext(ctx)

	target, found := o.registry.Get(targetName)
	if !found {
		return nil, newInvalidTargetError("node %v is not registered", targetName)
	}
	if target.Kind != topology.KindBackup {
		return nil, newInvalidTargetError("node %v is a pinned replica and cannot be promoted", targetName)
	}

	isPrimary, err := o.probeIsPrimary(ctx, target)
	if err != nil {
		return nil, newUnreachableError(targetName, err)
	}
	if isPrimary {
		contextLogger.Info("Node is already the primary, nothing to do")
		return &PromoteResult{
			Message:    fmt.Sprintf("%v is already the primary", targetName),
			NewPrimary: targetName,
		}, nil
	}

	state := &promoteState{target: target, view: o.scanner.Scan(ctx)}
	if err := o.lagGate(ctx, state); err != nil {
		return nil, err
	}

	steps := []step{
		{
			name:    "quiesce",
			timeout: 30 * time.Second,
			run:     func(stepCtx context.Context) error { return o.quiescePrimaries(stepCtx, state) },
		},
		{
			name:    "resume-replay",
			timeout: 15 * time.Second,
			run: func(stepCtx context.Context) error {
				db, err := o.db(state.target)
				if err != nil {
					return err
				}
				return postgres.ResumeWalReplay(stepCtx, db)
			},
		},
		{
			name:    "remove-standby-signal",
			timeout: 15 * time.Second,
			run: func(stepCtx context.Context) error {
				return o.execOnNode(stepCtx, state.target,
					[]string{"rm", "-f", path.Join(o.config.PgData, "standby.signal")})
			},
		},
		{
			name:    "promote",
			timeout: 30 * time.Second,
			run: func(stepCtx context.Context) error {
				return o.execOnNode(stepCtx, state.target,
					[]string{"pg_ctl", "promote", "-D", o.config.PgData})
			},
		},
		{
			name: "verify",
			run: func(stepCtx context.Context) error {
				err := o.waitForRecoveryState(stepCtx, state.target, true, o.config.VerifyDeadline())
				if err != nil && stepCtx.Err() == nil {
					return newPromoteFailedError(
						"node %v did not leave recovery within %v",
						state.target.Name, o.config.VerifyDeadline())
				}
				return err
			},
		},
		{
			name: "reconfigure",
			run:  func(stepCtx context.Context) error { return o.reconfigureStandbys(stepCtx, state) },
		},
		{
			name: "finalize",
			run: func(stepCtx context.Context) error {
				o.registry.ApplyPromotion(state.target.Name, state.reattached, time.Now())
				return nil
			},
		},
	}

	if err := o.runSteps(ctx, steps); err != nil {
		return nil, err
	}

	return &PromoteResult{
		Message:    fmt.Sprintf("%v promoted to primary", targetName),
		NewPrimary: targetName,
		Warnings:   state.warnings,
	}, nil
}

// lagGate refuses the promotion unless the target has received every WAL
// byte written by the current primaries. With no reachable primary the
// election is forced and the gate does not apply.
func (o *Orchestrator) lagGate(ctx context.Context, state *promoteState) error {
	contextLogger := log.FromContext(ctx)

	var primaries []string
	for _, name := range state.view.Primaries() {
		if name != state.target.Name {
			primaries = append(primaries, name)
		}
	}
	if len(primaries) == 0 {
		contextLogger.Info("No reachable primary, forcing the election")
		return nil
	}

	receiveLsn := state.view.Observations[state.target.Name].ReceiveLSN
	if receiveLsn == "" {
		// a standby that never received WAL is behind by the whole stream
		receiveLsn = "0/0"
	}

	for _, primaryName := range primaries {
		primary := state.view.Observations[primaryName].Node
		db, err := o.db(primary)
		if err != nil {
			return newUnreachableError(primaryName, err)
		}

		probeCtx, cancel := context.WithTimeout(ctx, o.config.ProbeDeadline())
		currentLsn, err := postgres.CurrentWALLsn(probeCtx, db)
		if err == nil {
			var gap int64
			gap, err = postgres.WalLsnDiff(probeCtx, db, currentLsn, receiveLsn)
			if err == nil && gap > 0 {
				cancel()
				return newLagTooHighError(primaryName, gap, currentLsn, receiveLsn)
			}
			if err == nil {
				contextLogger.Info("Lag gate passed",
					"primary", primaryName, "gapBytes", gap,
					"primaryLsn", currentLsn, "receiveLsn", receiveLsn)
			}
		}
		cancel()
		if err != nil {
			return newUnreachableError(primaryName, err)
		}
	}

	return nil
}

// quiescePrimaries checkpoints every reachable primary so the WAL stream
// settles before the switch. Unreachable primaries are skipped.
func (o *Orchestrator) quiescePrimaries(ctx context.Context, state *promoteState) error {
	contextLogger := log.FromContext(ctx)

	for _, primaryName := range state.view.Primaries() {
		if primaryName == state.target.Name {
			continue
		}

		primary := state.view.Observations[primaryName].Node
		db, err := o.db(primary)
		if err == nil {
			err = postgres.Checkpoint(ctx, db)
		}
		if err != nil {
			contextLogger.Warning("Cannot checkpoint the old primary, proceeding",
				"primary", primaryName, "err", err.Error())
		}
	}

	return nil
}

// reconfigureStandbys rebuilds every other reachable node as a standby of
// the new primary. A node that fails to re-attach is reported as a
// warning without aborting the promotion.
func (o *Orchestrator) reconfigureStandbys(ctx context.Context, state *promoteState) error {
	contextLogger := log.FromContext(ctx)

	var names []string
	for name := range state.view.Observations {
		if name != state.target.Name {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		obs := state.view.Observations[name]
		if !obs.Connected {
			state.warnings = append(state.warnings,
				fmt.Sprintf("%v: unreachable, not reconfigured", name))
			continue
		}

		if err := o.reconfigureStandby(ctx, obs.Node, state.target); err != nil {
			if ctx.Err() != nil {
				return err
			}
			contextLogger.Warning("Standby not re-attached",
				"node", name, "err", err.Error())
			state.warnings = append(state.warnings, fmt.Sprintf("%v: %v", name, err))
			continue
		}
		state.reattached = append(state.reattached, name)
	}

	return nil
}

func (o *Orchestrator) reconfigureStandby(
	ctx context.Context,
	node topology.Node,
	target topology.Node,
) error {
	contextLogger := log.FromContext(ctx).WithValues("node", node.Name)
	contextLogger.Info("Rebuilding node as a standby of the new primary")

	pgData := o.config.PgData
	commands := [][]string{
		{"pg_ctl", "stop", "-D", pgData, "-m", "fast"},
		{"/bin/sh", "-c", fmt.Sprintf("rm -rf %v", path.Join(pgData, "*"))},
		{
			"pg_basebackup",
			"-h", target.Host,
			"-p", strconv.Itoa(target.Port),
			"-D", pgData,
			"-U", o.config.ReplicationUser,
			"-P", "-R",
		},
	}
	if node.Kind == topology.KindReplica {
		commands = append(commands, []string{"touch", path.Join(pgData, "standby.signal")})
	}
	commands = append(commands, []string{"pg_ctl", "restart", "-D", pgData, "-m", "fast"})

	for _, argv := range commands {
		if err := o.execOnNode(ctx, node, argv); err != nil {
			return err
		}
	}

	return o.waitForRecoveryState(ctx, node, false, o.config.ReconfigDeadline())
}
