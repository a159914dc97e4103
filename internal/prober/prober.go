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

// Package prober refreshes the advisory role hints of the registered
// nodes on a schedule. It only touches the advisory fields and never
// takes the operation lock.
package prober

import (
	"context"

	"github.com/robfig/cron"

	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// Prober periodically sweeps the cluster and records what it saw
type Prober struct {
	registry *topology.Registry
	scanner  *topology.Scanner
	schedule string
	cron     *cron.Cron
}

// New creates a Prober with the given cron schedule
func New(registry *topology.Registry, scanner *topology.Scanner, schedule string) *Prober {
	return &Prober{
		registry: registry,
		scanner:  scanner,
		schedule: schedule,
	}
}

// Start schedules the sweeps. The first sweep happens at the first tick.
func (p *Prober) Start() error {
	p.cron = cron.New()
	if err := p.cron.AddFunc(p.schedule, p.Sweep); err != nil {
		return err
	}
	p.cron.Start()

	log.WithName("prober").Info("Role prober started", "schedule", p.schedule)
	return nil
}

// Stop halts the scheduled sweeps
func (p *Prober) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// Sweep probes every node once and refreshes the role hints
func (p *Prober) Sweep() {
	ctx := log.IntoContext(context.Background(), log.WithName("prober"))

	view := p.scanner.Scan(ctx)
	for name, obs := range view.Observations {
		role := topology.RoleUnknown
		switch {
		case obs.Connected && obs.IsPrimary:
			role = topology.RolePrimary
		case obs.Connected:
			role = topology.RoleStandby
		}
		p.registry.SetRoleHint(name, role, view.ProbeTime)
	}
}
