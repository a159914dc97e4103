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

// Package orchestrator serializes and runs the operations that reshape
// the replication topology: promotion, demotion and registry changes.
// It is the only component issuing mutating commands to the nodes.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Revenberg/postgresql/internal/configuration"
	"github.com/Revenberg/postgresql/pkg/management/exec"
	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/postgres"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// ExecDriver runs a command inside a node container
type ExecDriver interface {
	Run(ctx context.Context, container string, argv []string) (exec.Result, error)
}

// Metrics counts the orchestrated operations. The webserver provides the
// Prometheus-backed implementation.
type Metrics interface {
	OperationStarted(operation string)
	OperationCompleted(operation string, outcome string)
}

// The verification polls check the node state every verifyPace
const verifyPace = 2 * time.Second

// Orchestrator owns the operation lock and runs the mutating workflows
type Orchestrator struct {
	lock       *OperationLock
	registry   *topology.Registry
	scanner    *topology.Scanner
	provider   topology.DBProvider
	execDriver ExecDriver
	config     *configuration.Data
	metrics    Metrics
}

// New creates an Orchestrator over the given drivers and registry
func New(
	registry *topology.Registry,
	scanner *topology.Scanner,
	provider topology.DBProvider,
	execDriver ExecDriver,
	config *configuration.Data,
	metrics Metrics,
) *Orchestrator {
	return &Orchestrator{
		lock:       NewOperationLock(),
		registry:   registry,
		scanner:    scanner,
		provider:   provider,
		execDriver: execDriver,
		config:     config,
		metrics:    metrics,
	}
}

// Lock exposes the operation lock, for observability only
func (o *Orchestrator) Lock() *OperationLock {
	return o.lock
}

func (o *Orchestrator) operationStarted(operation string) {
	if o.metrics != nil {
		o.metrics.OperationStarted(operation)
	}
}

func (o *Orchestrator) operationCompleted(operation string, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	var operationError *OperationError
	if errors.As(err, &operationError) {
		outcome = string(operationError.Kind)
	} else if err != nil {
		outcome = string(KindInternal)
	}
	o.metrics.OperationCompleted(operation, outcome)
}

// db opens the SQL session towards a node
func (o *Orchestrator) db(node topology.Node) (*sql.DB, error) {
	return o.provider.DB(node.Host, node.Port)
}

// probeIsPrimary checks the recovery state of a node within the probe
// deadline
func (o *Orchestrator) probeIsPrimary(ctx context.Context, node topology.Node) (bool, error) {
	db, err := o.db(node)
	if err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.config.ProbeDeadline())
	defer cancel()
	return postgres.IsPrimary(probeCtx, db)
}

// waitForRecoveryState polls a node until its recovery state matches the
// wanted one, pacing the probes, within the given budget
func (o *Orchestrator) waitForRecoveryState(
	ctx context.Context,
	node topology.Node,
	wantPrimary bool,
	budget time.Duration,
) error {
	contextLogger := log.FromContext(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for {
		isPrimary, err := o.probeIsPrimary(waitCtx, node)
		if err == nil && isPrimary == wantPrimary {
			return nil
		}
		if err != nil {
			contextLogger.Debug("Recovery state probe failed, retrying",
				"node", node.Name, "err", err.Error())
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("node %v did not reach the wanted state within %v: %w",
				node.Name, budget, waitCtx.Err())
		case <-time.After(verifyPace):
		}
	}
}

// step is one named stage of an orchestrated workflow
type step struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// runSteps advances the workflow one step at a time, each under its own
// deadline, stopping at the first failure
func (o *Orchestrator) runSteps(ctx context.Context, steps []step) error {
	contextLogger := log.FromContext(ctx)

	for _, current := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if current.timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, current.timeout)
		}

		contextLogger.Info("Workflow step started", "step", current.name)
		start := time.Now()
		err := current.run(stepCtx)
		cancel()
		if err != nil {
			contextLogger.Error(err, "Workflow step failed",
				"step", current.name, "elapsed", time.Since(start).String())
			return err
		}
		contextLogger.Info("Workflow step done",
			"step", current.name, "elapsed", time.Since(start).String())
	}

	return nil
}

// execOnNode runs argv inside the node container, mapping driver
// failures into the public taxonomy. A non-zero exit status becomes an
// error carrying the captured stderr.
func (o *Orchestrator) execOnNode(ctx context.Context, node topology.Node, argv []string) error {
	result, err := o.execDriver.Run(ctx, node.Container, argv)
	switch {
	case errors.Is(err, exec.ErrDeadline):
		return fmt.Errorf("command on %v abandoned: %w", node.Name, context.DeadlineExceeded)
	case errors.Is(err, exec.ErrUnreachable):
		return newUnreachableError(node.Name, err)
	case err != nil:
		return err
	case result.ExitCode != 0:
		return fmt.Errorf("command on %v failed with status %v: %v",
			node.Name, result.ExitCode, result.Stderr)
	default:
		return nil
	}
}
