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

// Package status implements the "status" subcommand, rendering the
// overview document of a running operation manager
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// NewCmd creates the "status" subcommand
func NewCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cluster topology and replication lag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Status(cmd.Context(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:5001",
		"Base URL of the operation manager")

	return cmd
}

// Status fetches and renders the overview document
func Status(ctx context.Context, baseURL string) error {
	overview, err := fetchOverview(ctx, baseURL)
	if err != nil {
		return err
	}

	fmt.Println("Cluster status:", coloredVerdict(overview.ClusterStatus))
	if overview.PrimaryNode != nil {
		fmt.Println("Primary node: ", aurora.Green(*overview.PrimaryNode))
	} else {
		fmt.Println("Primary node: ", aurora.Red("none"))
	}
	fmt.Println()

	names := make([]string, 0, len(overview.Nodes))
	for name := range overview.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tabby.New()
	table.AddHeader("NAME", "ROLE", "CONNECTED", "VERSION", "GAP (BYTES)")
	for _, name := range names {
		node := overview.Nodes[name]
		gap := "-"
		if node.ReplicationGap != nil {
			gap = fmt.Sprintf("%v", node.ReplicationGap.GapBytes)
		}
		table.AddLine(name, coloredRole(node.Role), node.Connected, node.PostgresVersion, gap)
	}
	table.Print()

	return nil
}

func fetchOverview(ctx context.Context, baseURL string) (*topology.Overview, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL+"/api/operationmanagement/overview", nil)
	if err != nil {
		return nil, err
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %v from the operation manager", response.StatusCode)
	}

	var overview topology.Overview
	if err := json.NewDecoder(response.Body).Decode(&overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

func coloredVerdict(verdict topology.Verdict) aurora.Value {
	switch verdict {
	case topology.VerdictHealthy:
		return aurora.Green(string(verdict))
	case topology.VerdictDegraded:
		return aurora.Yellow(string(verdict))
	default:
		return aurora.Red(string(verdict))
	}
}

func coloredRole(role topology.Role) aurora.Value {
	switch role {
	case topology.RolePrimary:
		return aurora.Green(string(role))
	case topology.RoleStandby:
		return aurora.Cyan(string(role))
	default:
		return aurora.Yellow(string(role))
	}
}
