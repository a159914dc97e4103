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
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeProvider hands out sqlmock sessions per endpoint
type fakeProvider struct {
	databases map[string]*sql.DB
}

func (p *fakeProvider) DB(host string, port int) (*sql.DB, error) {
	db, ok := p.databases[fmt.Sprintf("%v:%v", host, port)]
	if !ok {
		return nil, fmt.Errorf("no session for %v:%v", host, port)
	}
	return db, nil
}

func observation(name, host string, connected, isPrimary bool, receiveLsn string) Observation {
	return Observation{
		Node:       backupNode(name, host),
		Connected:  connected,
		IsPrimary:  isPrimary,
		ReceiveLSN: receiveLsn,
	}
}

var _ = Describe("Cluster view", func() {
	It("finds the unique primary", func() {
		view := &ClusterView{Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, false, "0/3000000"),
		}}
		primary, found := view.Primary()
		Expect(found).To(BeTrue())
		Expect(primary.Node.Name).To(Equal("node1"))
	})

	It("reports no unique primary during a split brain", func() {
		view := &ClusterView{Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, true, ""),
		}}
		Expect(view.Primaries()).To(Equal([]string{"node1", "node2"}))
		_, found := view.Primary()
		Expect(found).To(BeFalse())
	})
})

// fakeProbeMetrics records the probe failures reported by the scanner
type fakeProbeMetrics struct {
	mu       sync.Mutex
	failures map[string]int
}

func (m *fakeProbeMetrics) ProbeFailed(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[node]++
}

var _ = Describe("Probe failure accounting", func() {
	It("counts the nodes that cannot be probed", func() {
		registry := NewRegistry()
		Expect(registry.Add(backupNode("node1", "10.0.0.1"))).To(Succeed())
		Expect(registry.Add(backupNode("node2", "10.0.0.2"))).To(Succeed())

		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock.ExpectQuery(regexp.QuoteMeta("SELECT NOT pg_is_in_recovery()")).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT current_setting('server_version')")).
			WillReturnRows(sqlmock.NewRows([]string{"setting"}).AddRow("16.1"))

		metrics := &fakeProbeMetrics{}
		scanner := NewScanner(registry,
			&fakeProvider{databases: map[string]*sql.DB{"10.0.0.1:5432": db}}, time.Second)
		scanner.SetMetrics(metrics)

		scanner.Scan(context.Background())

		Expect(metrics.failures).To(Equal(map[string]int{"node2": 1}))
	})
})

var _ = Describe("Status document", func() {
	It("renders roles and connectivity", func() {
		scanner := NewScanner(NewRegistry(), &fakeProvider{}, time.Second)
		view := &ClusterView{Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, false, "0/3000000"),
			"node3": observation("node3", "10.0.0.3", false, false, ""),
		}}

		status := scanner.BuildStatus(view)
		Expect(status.Nodes["node1"].IsPrimary).To(BeTrue())
		Expect(status.Nodes["node1"].Role).To(Equal(RolePrimary))
		Expect(status.Nodes["node2"].Role).To(Equal(RoleStandby))
		Expect(status.Nodes["node3"].Connected).To(BeFalse())
		Expect(status.Nodes["node3"].Role).To(Equal(RoleUnknown))
		Expect(status.Nodes["node2"].Container).To(Equal("pg-node2"))
	})
})

var _ = Describe("Overview document", func() {
	var provider *fakeProvider
	var primaryMock sqlmock.Sqlmock

	BeforeEach(func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		primaryMock = mock
		provider = &fakeProvider{databases: map[string]*sql.DB{
			"10.0.0.1:5432": db,
		}}
	})

	It("is NO_PRIMARY when every node is in recovery", func() {
		scanner := NewScanner(NewRegistry(), provider, time.Second)
		view := &ClusterView{ProbeTime: time.Now(), Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, false, "0/1000000"),
			"node2": observation("node2", "10.0.0.2", true, false, "0/1000000"),
		}}

		overview := scanner.BuildOverview(context.Background(), view, 1048576)
		Expect(overview.ClusterStatus).To(Equal(VerdictNoPrimary))
		Expect(overview.PrimaryNode).To(BeNil())
	})

	It("is SPLIT_BRAIN when two primaries are reachable", func() {
		scanner := NewScanner(NewRegistry(), provider, time.Second)
		view := &ClusterView{ProbeTime: time.Now(), Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, true, ""),
		}}

		overview := scanner.BuildOverview(context.Background(), view, 1048576)
		Expect(overview.ClusterStatus).To(Equal(VerdictSplitBrain))
	})

	It("is HEALTHY when the standby caught up", func() {
		primaryMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_current_wal_lsn()::text")).
			WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow("0/3000060"))
		primaryMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)")).
			WithArgs("0/3000060", "0/3000060").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(int64(0)))

		scanner := NewScanner(NewRegistry(), provider, time.Second)
		view := &ClusterView{ProbeTime: time.Now(), Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, false, "0/3000060"),
		}}

		overview := scanner.BuildOverview(context.Background(), view, 1048576)
		Expect(overview.ClusterStatus).To(Equal(VerdictHealthy))
		Expect(*overview.PrimaryNode).To(Equal("node1"))
		Expect(overview.Nodes["node2"].ReplicationGap).ToNot(BeNil())
		Expect(overview.Nodes["node2"].ReplicationGap.GapBytes).To(Equal(int64(0)))
	})

	It("is DEGRADED when the standby lags over the threshold", func() {
		primaryMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_current_wal_lsn()::text")).
			WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow("0/9000000"))
		primaryMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)")).
			WithArgs("0/9000000", "0/1000000").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(int64(2 * 1048576)))

		scanner := NewScanner(NewRegistry(), provider, time.Second)
		view := &ClusterView{ProbeTime: time.Now(), Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node2": observation("node2", "10.0.0.2", true, false, "0/1000000"),
		}}

		overview := scanner.BuildOverview(context.Background(), view, 1048576)
		Expect(overview.ClusterStatus).To(Equal(VerdictDegraded))
		Expect(overview.Nodes["node2"].ReplicationGap.GapBytes).To(Equal(int64(2 * 1048576)))
	})

	It("is DEGRADED when a standby is unreachable", func() {
		primaryMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_current_wal_lsn()::text")).
			WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow("0/3000060"))

		scanner := NewScanner(NewRegistry(), provider, time.Second)
		view := &ClusterView{ProbeTime: time.Now(), Observations: map[string]Observation{
			"node1": observation("node1", "10.0.0.1", true, true, ""),
			"node3": observation("node3", "10.0.0.3", false, false, ""),
		}}

		overview := scanner.BuildOverview(context.Background(), view, 1048576)
		Expect(overview.ClusterStatus).To(Equal(VerdictDegraded))
		Expect(overview.Nodes["node3"].ReplicationGap).To(BeNil())
	})
})
