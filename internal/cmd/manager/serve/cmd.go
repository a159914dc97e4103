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

// Package serve implements the "serve" subcommand, running the
// operation manager service
package serve

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Revenberg/postgresql/internal/configuration"
	"github.com/Revenberg/postgresql/internal/prober"
	"github.com/Revenberg/postgresql/pkg/management/exec"
	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/orchestrator"
	"github.com/Revenberg/postgresql/pkg/management/postgres"
	"github.com/Revenberg/postgresql/pkg/management/postgres/webserver"
	"github.com/Revenberg/postgresql/pkg/management/postgres/webserver/metricserver"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// NewCmd creates the "serve" subcommand
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the PostgreSQL operation manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configuration.Current)
		},
	}

	return cmd
}

func run(ctx context.Context, config *configuration.Data) error {
	log.SetLogLevel(config.LogLevel)
	logger := log.WithName("manager")
	ctx = log.IntoContext(ctx, logger)

	execArgv, err := config.ExecArgv()
	if err != nil {
		return err
	}

	registry := topology.NewRegistry()
	initialNodes, err := config.ParseInitialNodes()
	if err != nil {
		return err
	}
	for _, spec := range initialNodes {
		kind, err := topology.ParseKind(spec.Kind)
		if err != nil {
			return err
		}
		if err := registry.Add(topology.Node{
			Name:      spec.Name,
			Container: spec.Container,
			Host:      spec.Host,
			Port:      spec.Port,
			Kind:      kind,
			RoleHint:  topology.RoleUnknown,
		}); err != nil {
			return err
		}
	}
	logger.Info("Node registry loaded", "nodes", registry.Len())

	sqlDriver := postgres.NewDriver(postgres.Credentials{
		User:     config.DBUser,
		Password: config.DBPassword,
		Database: config.DBName,
	}, config.ProbeDeadline())
	defer sqlDriver.Shutdown()

	scanner := topology.NewScanner(registry, sqlDriver, config.ProbeDeadline())
	metrics := metricserver.New()
	scanner.SetMetrics(metrics)
	orch := orchestrator.New(
		registry, scanner, sqlDriver, exec.NewDriver(execArgv), config, metrics)

	roleProber := prober.New(registry, scanner, config.ProbeSchedule)
	if err := roleProber.Start(); err != nil {
		return err
	}
	defer roleProber.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return webserver.New(config, scanner, orch, metrics).Serve(ctx)
}
