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

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/postgres"
)

// DBProvider opens a SQL session towards a node endpoint
type DBProvider interface {
	DB(host string, port int) (*sql.DB, error)
}

// ProbeMetrics counts the per-node probe failures observed by the
// scanner. The webserver provides the Prometheus-backed implementation.
type ProbeMetrics interface {
	ProbeFailed(node string)
}

// Observation is the outcome of probing one node
type Observation struct {
	Node       Node
	Connected  bool
	IsPrimary  bool
	ReceiveLSN string
	Version    string
}

// ClusterView is the outcome of probing every registered node
type ClusterView struct {
	ProbeTime    time.Time
	Observations map[string]Observation
}

// Primaries lists the names of the reachable nodes that are out of
// recovery, sorted for stable output
func (view *ClusterView) Primaries() []string {
	var result []string
	for name, obs := range view.Observations {
		if obs.Connected && obs.IsPrimary {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// Primary returns the unique reachable primary, when there is exactly one
func (view *ClusterView) Primary() (Observation, bool) {
	primaries := view.Primaries()
	if len(primaries) != 1 {
		return Observation{}, false
	}
	return view.Observations[primaries[0]], true
}

// Scanner probes the registered nodes and aggregates the outcome into
// the public documents. It never mutates the registry and never takes
// the operation lock.
type Scanner struct {
	registry      *Registry
	provider      DBProvider
	probeDeadline time.Duration
	metrics       ProbeMetrics
}

// NewScanner creates a Scanner over the given registry
func NewScanner(registry *Registry, provider DBProvider, probeDeadline time.Duration) *Scanner {
	return &Scanner{
		registry:      registry,
		provider:      provider,
		probeDeadline: probeDeadline,
	}
}

// SetMetrics attaches the probe failure counters to the scanner
func (s *Scanner) SetMetrics(metrics ProbeMetrics) {
	s.metrics = metrics
}

func (s *Scanner) probeFailed(node string) {
	if s.metrics != nil {
		s.metrics.ProbeFailed(node)
	}
}

// Scan probes every node in parallel, each with its own deadline
func (s *Scanner) Scan(ctx context.Context) *ClusterView {
	nodes := s.registry.Nodes()
	view := &ClusterView{
		ProbeTime:    time.Now(),
		Observations: make(map[string]Observation, len(nodes)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node Node) {
			defer wg.Done()
			obs := s.probeNode(ctx, node)
			mu.Lock()
			view.Observations[node.Name] = obs
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	return view
}

func (s *Scanner) probeNode(ctx context.Context, node Node) Observation {
	contextLogger := log.FromContext(ctx).WithValues("node", node.Name)
	obs := Observation{Node: node}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeDeadline)
	defer cancel()

	db, err := s.provider.DB(node.Host, node.Port)
	if err != nil {
		contextLogger.Debug("Node session not available", "err", err.Error())
		s.probeFailed(node.Name)
		return obs
	}

	isPrimary, err := postgres.IsPrimary(probeCtx, db)
	if err != nil {
		contextLogger.Debug("Node probe failed",
			"kind", postgres.ClassifySQLError(err).Kind, "err", err.Error())
		s.probeFailed(node.Name)
		return obs
	}
	obs.Connected = true
	obs.IsPrimary = isPrimary

	if !isPrimary {
		if lsn, err := postgres.LastReceivedLsn(probeCtx, db); err == nil {
			obs.ReceiveLSN = lsn
		}
	}
	if version, err := postgres.ServerVersion(probeCtx, db); err == nil {
		obs.Version = version.String()
	}

	return obs
}

// BuildStatus renders the Status document out of a cluster view
func (s *Scanner) BuildStatus(view *ClusterView) *Status {
	status := &Status{Nodes: make(map[string]NodeStatus, len(view.Observations))}
	for name, obs := range view.Observations {
		status.Nodes[name] = nodeStatus(obs)
	}
	return status
}

// BuildOverview renders the Overview document, computing per-standby
// replication gaps on the primary session when a unique primary exists
func (s *Scanner) BuildOverview(ctx context.Context, view *ClusterView, healthyLagBytes int64) *Overview {
	contextLogger := log.FromContext(ctx)

	overview := &Overview{Nodes: make(map[string]OverviewNode, len(view.Observations))}
	for name, obs := range view.Observations {
		entry := OverviewNode{
			NodeStatus:      nodeStatus(obs),
			PostgresVersion: obs.Version,
		}
		if obs.Connected {
			probeTime := view.ProbeTime
			entry.LastProbe = &probeTime
		} else {
			entry.LastProbe = obs.Node.LastProbe
		}
		overview.Nodes[name] = entry
	}

	primaries := view.Primaries()
	switch len(primaries) {
	case 0:
		overview.ClusterStatus = VerdictNoPrimary
		return overview
	case 1:
		// fallthrough to the gap computation below
	default:
		overview.ClusterStatus = VerdictSplitBrain
		return overview
	}

	primaryName := primaries[0]
	overview.PrimaryNode = &primaryName

	degraded := false
	primaryObs := view.Observations[primaryName]
	primaryDB, primaryLsn, err := s.primarySession(ctx, primaryObs)
	if err != nil {
		contextLogger.Warning("Cannot sample the primary WAL position",
			"primary", primaryName, "err", err.Error())
		degraded = true
	}

	for name, obs := range view.Observations {
		if name == primaryName {
			continue
		}
		if !obs.Connected {
			degraded = true
			continue
		}

		entry := overview.Nodes[name]
		gap, gapErr := s.standbyGap(ctx, primaryDB, primaryLsn, obs)
		if gapErr != nil || gap == nil {
			degraded = true
			overview.Nodes[name] = entry
			continue
		}
		entry.ReplicationGap = gap
		overview.Nodes[name] = entry

		if gap.GapBytes > healthyLagBytes {
			degraded = true
		}
	}

	if degraded {
		overview.ClusterStatus = VerdictDegraded
	} else {
		overview.ClusterStatus = VerdictHealthy
	}
	return overview
}

func (s *Scanner) primarySession(ctx context.Context, primary Observation) (*sql.DB, string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeDeadline)
	defer cancel()

	db, err := s.provider.DB(primary.Node.Host, primary.Node.Port)
	if err != nil {
		return nil, "", err
	}
	lsn, err := postgres.CurrentWALLsn(probeCtx, db)
	if err != nil {
		return nil, "", err
	}
	return db, lsn, nil
}

func (s *Scanner) standbyGap(
	ctx context.Context,
	primaryDB *sql.DB,
	primaryLsn string,
	standby Observation,
) (*ReplicationGap, error) {
	if primaryDB == nil || standby.ReceiveLSN == "" {
		return nil, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeDeadline)
	defer cancel()

	gapBytes, err := postgres.WalLsnDiff(probeCtx, primaryDB, primaryLsn, standby.ReceiveLSN)
	if err != nil {
		return nil, err
	}

	return &ReplicationGap{
		GapBytes:   gapBytes,
		PrimaryLSN: primaryLsn,
		ReceiveLSN: standby.ReceiveLSN,
	}, nil
}

func nodeStatus(obs Observation) NodeStatus {
	role := RoleUnknown
	switch {
	case obs.Connected && obs.IsPrimary:
		role = RolePrimary
	case obs.Connected:
		role = RoleStandby
	}

	return NodeStatus{
		IsPrimary: obs.Connected && obs.IsPrimary,
		Container: obs.Node.Container,
		Port:      obs.Node.Port,
		Connected: obs.Connected,
		Role:      role,
	}
}
