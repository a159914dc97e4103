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

package topology

import "time"

// Verdict is the cluster-level health summary
type Verdict string

// The four cluster verdicts. Consumers are expected to treat any value
// they do not recognize as DEGRADED.
const (
	VerdictHealthy    Verdict = "HEALTHY"
	VerdictNoPrimary  Verdict = "NO_PRIMARY"
	VerdictSplitBrain Verdict = "SPLIT_BRAIN"
	VerdictDegraded   Verdict = "DEGRADED"
)

// NodeStatus is the per-node entry of the Status document
type NodeStatus struct {
	IsPrimary bool   `json:"is_primary"`
	Container string `json:"container"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Role      Role   `json:"role"`
}

// Status is the topology snapshot served by the status endpoint
type Status struct {
	Nodes map[string]NodeStatus `json:"nodes"`
}

// ReplicationGap is the lag of one standby behind the primary. GapBytes
// may be negative when the standby reports a position taken after the
// primary sample.
type ReplicationGap struct {
	GapBytes   int64  `json:"gap_bytes"`
	PrimaryLSN string `json:"primary_lsn"`
	ReceiveLSN string `json:"receive_lsn"`
}

// OverviewNode enriches NodeStatus with replication details
type OverviewNode struct {
	NodeStatus
	ReplicationGap  *ReplicationGap `json:"replication_gap,omitempty"`
	PostgresVersion string          `json:"postgres_version,omitempty"`
	LastProbe       *time.Time      `json:"last_probe,omitempty"`
}

// Overview is the enriched snapshot served by the overview endpoint
type Overview struct {
	Nodes         map[string]OverviewNode `json:"nodes"`
	PrimaryNode   *string                 `json:"primary_node"`
	ClusterStatus Verdict                 `json:"cluster_status"`
}
