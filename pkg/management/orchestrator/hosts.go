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
	"time"

	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// registryBudget bounds the registry operations; they only probe at most
// one node
const registryBudget = 15 * time.Second

// HostSpec is the registration request of a new node
type HostSpec struct {
	Name      string `json:"name"`
	Container string `json:"container"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Kind      string `json:"kind"`
}

// AddHost registers a node. No PostgreSQL configuration is performed:
// the node only becomes visible to the status and promotion paths.
func (o *Orchestrator) AddHost(ctx context.Context, spec HostSpec) (*topology.Node, error) {
	const operation = "add-host"

	holder, busyErr := o.lock.TryAcquire(operation, registryBudget)
	if busyErr != nil {
		return nil, busyErr
	}
	defer o.lock.Release(holder)
	o.operationStarted(operation)

	contextLogger := log.FromContext(ctx).WithValues(
		"operation", operation, "operationId", holder.ID, "node", spec.Name)

	kind, err := topology.ParseKind(spec.Kind)
	if err != nil {
		o.operationCompleted(operation, err)
		return nil, newInvalidTargetError("%v", err)
	}

	node := topology.Node{
		Name:      spec.Name,
		Container: spec.Container,
		Host:      spec.Host,
		Port:      spec.Port,
		Kind:      kind,
		RoleHint:  topology.RoleUnknown,
	}
	if err := o.registry.Add(node); err != nil {
		var operationError *OperationError
		switch {
		case errors.Is(err, topology.ErrDuplicate):
			operationError = newDuplicateError("%v", err)
		default:
			operationError = newInvalidTargetError("%v", err)
		}
		o.operationCompleted(operation, operationError)
		return nil, operationError
	}

	contextLogger.Info("Node registered", "kind", kind)
	o.operationCompleted(operation, nil)
	return &node, nil
}

// DeleteHost unregisters a node given its name or host address. The
// current primary cannot be removed.
func (o *Orchestrator) DeleteHost(ctx context.Context, identifier string) (*topology.Node, error) {
	const operation = "delete-host"

	holder, busyErr := o.lock.TryAcquire(operation, registryBudget)
	if busyErr != nil {
		return nil, busyErr
	}
	defer o.lock.Release(holder)
	o.operationStarted(operation)

	contextLogger := log.FromContext(ctx).WithValues(
		"operation", operation, "operationId", holder.ID, "node", identifier)

	node, found := o.findNode(identifier)
	if !found {
		err := newNotFoundError(identifier)
		o.operationCompleted(operation, err)
		return nil, err
	}

	opCtx, cancel := context.WithDeadline(ctx, holder.Deadline)
	defer cancel()

	if isPrimary, err := o.probeIsPrimary(opCtx, node); err == nil && isPrimary {
		operationError := newInvalidTargetError(
			"node %v is the current primary and cannot be removed", node.Name)
		o.operationCompleted(operation, operationError)
		return nil, operationError
	}

	removed, err := o.registry.Remove(node.Name)
	if err != nil {
		operationError := newNotFoundError(identifier)
		o.operationCompleted(operation, operationError)
		return nil, operationError
	}

	contextLogger.Info("Node unregistered")
	o.operationCompleted(operation, nil)
	return &removed, nil
}

func (o *Orchestrator) findNode(identifier string) (topology.Node, bool) {
	if node, found := o.registry.Get(identifier); found {
		return node, true
	}
	for _, node := range o.registry.Nodes() {
		if node.Host == identifier {
			return node, true
		}
	}
	return topology.Node{}, false
}
