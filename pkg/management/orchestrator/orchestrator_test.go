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
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Revenberg/postgresql/internal/configuration"
	"github.com/Revenberg/postgresql/pkg/management/exec"
	"github.com/Revenberg/postgresql/pkg/management/topology"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeExec records the commands it receives and can be told to fail
// commands matching a substring
type fakeExec struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]exec.Result
}

func (f *fakeExec) Run(_ context.Context, container string, argv []string) (exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := container + " " + strings.Join(argv, " ")
	f.calls = append(f.calls, call)
	for substring, result := range f.failOn {
		if strings.Contains(call, substring) {
			return result, nil
		}
	}
	return exec.Result{}, nil
}

func (f *fakeExec) ran(substring string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, call := range f.calls {
		if strings.Contains(call, substring) {
			return true
		}
	}
	return false
}

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

func testConfig() *configuration.Data {
	return &configuration.Data{
		DBUser:                  "postgres",
		DBName:                  "postgres",
		ReplicationUser:         "replicator",
		PgData:                  "/var/lib/postgresql/data",
		HealthyLagBytes:         1048576,
		PromoteDeadlineSeconds:  60,
		DemoteDeadlineSeconds:   60,
		ProbeDeadlineSeconds:    2,
		VerifyDeadlineSeconds:   5,
		ReconfigDeadlineSeconds: 5,
	}
}

type harness struct {
	orchestrator *Orchestrator
	registry     *topology.Registry
	execDriver   *fakeExec
	provider     *fakeProvider
	mocks        map[string]sqlmock.Sqlmock
}

func newHarness(nodes ...topology.Node) *harness {
	registry := topology.NewRegistry()
	provider := &fakeProvider{databases: make(map[string]*sql.DB)}
	mocks := make(map[string]sqlmock.Sqlmock)
	for _, node := range nodes {
		Expect(registry.Add(node)).To(Succeed())
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		provider.databases[fmt.Sprintf("%v:%v", node.Host, node.Port)] = db
		mocks[node.Name] = mock
	}

	config := testConfig()
	execDriver := &fakeExec{failOn: make(map[string]exec.Result)}
	scanner := topology.NewScanner(registry, provider, config.ProbeDeadline())
	return &harness{
		orchestrator: New(registry, scanner, provider, execDriver, config, nil),
		registry:     registry,
		execDriver:   execDriver,
		provider:     provider,
		mocks:        mocks,
	}
}

func node(name, host string, kind topology.Kind) topology.Node {
	return topology.Node{
		Name:      name,
		Container: "pg-" + name,
		Host:      host,
		Port:      5432,
		Kind:      kind,
	}
}

const (
	recoveryQuery = "SELECT NOT pg_is_in_recovery()"
	receiveQuery  = "SELECT COALESCE(pg_last_wal_receive_lsn()::text, '')"
	versionQuery  = "SELECT current_setting('server_version')"
	currentQuery  = "SELECT pg_current_wal_lsn()::text"
	diffQuery     = "SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)"
	pausedQuery   = "SELECT pg_is_wal_replay_paused()"
)

func expectRecovery(mock sqlmock.Sqlmock, isPrimary bool) {
	mock.ExpectQuery(regexp.QuoteMeta(recoveryQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(isPrimary))
}

func expectScanStandby(mock sqlmock.Sqlmock, receiveLsn string) {
	expectRecovery(mock, false)
	mock.ExpectQuery(regexp.QuoteMeta(receiveQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow(receiveLsn))
	mock.ExpectQuery(regexp.QuoteMeta(versionQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"setting"}).AddRow("16.1"))
}

func expectScanPrimary(mock sqlmock.Sqlmock) {
	expectRecovery(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta(versionQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"setting"}).AddRow("16.1"))
}

func expectLagGate(mock sqlmock.Sqlmock, currentLsn string, gap int64) {
	mock.ExpectQuery(regexp.QuoteMeta(currentQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow(currentLsn))
	mock.ExpectQuery(regexp.QuoteMeta(diffQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(gap))
}

func expectResumeReplay(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(pausedQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"paused"}).AddRow(false))
}

var _ = Describe("Promotion workflow", func() {
	It("switches the primary when the target caught up", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)

		// target validation, then status sweep
		expectRecovery(h.mocks["node2"], false)
		expectScanStandby(h.mocks["node2"], "0/5000000")
		expectScanPrimary(h.mocks["node1"])

		// the gate runs on the old primary and sees no missing bytes
		expectLagGate(h.mocks["node1"], "0/5000000", 0)

		// quiesce checkpoints the old primary
		h.mocks["node1"].ExpectExec(regexp.QuoteMeta("CHECKPOINT")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		// replay resume and post-promotion verification on the target
		expectResumeReplay(h.mocks["node2"])
		expectRecovery(h.mocks["node2"], true)

		// the old primary is rebuilt and observed back in recovery
		expectRecovery(h.mocks["node1"], false)

		result, err := h.orchestrator.Promote(context.Background(), "node2")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.NewPrimary).To(Equal("node2"))
		Expect(result.Warnings).To(BeEmpty())

		Expect(h.execDriver.ran("pg-node2 rm -f /var/lib/postgresql/data/standby.signal")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node2 pg_ctl promote")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node1 pg_ctl stop")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node1 pg_basebackup -h 10.0.0.2")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node1 pg_ctl restart")).To(BeTrue())

		node1, _ := h.registry.Get("node1")
		node2, _ := h.registry.Get("node2")
		Expect(node2.RoleHint).To(Equal(topology.RolePrimary))
		Expect(node1.RoleHint).To(Equal(topology.RoleStandby))
	})

	It("elects a primary without a gate when nobody is writable", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)

		expectRecovery(h.mocks["node2"], false)
		expectScanStandby(h.mocks["node2"], "")
		expectScanStandby(h.mocks["node1"], "")

		expectResumeReplay(h.mocks["node2"])
		expectRecovery(h.mocks["node2"], true)
		expectRecovery(h.mocks["node1"], false)

		result, err := h.orchestrator.Promote(context.Background(), "node2")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.NewPrimary).To(Equal("node2"))
		Expect(h.execDriver.ran("pg-node2 pg_ctl promote")).To(BeTrue())
	})

	It("refuses a promotion when a single byte is missing", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node3", "10.0.0.3", topology.KindBackup),
		)

		expectRecovery(h.mocks["node3"], false)
		expectScanStandby(h.mocks["node3"], "0/4FFFFFF")
		expectScanPrimary(h.mocks["node1"])
		expectLagGate(h.mocks["node1"], "0/5000000", 1)

		_, err := h.orchestrator.Promote(context.Background(), "node3")
		Expect(err).To(HaveOccurred())

		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindLagTooHigh))
		Expect(operationError.HTTPStatus()).To(Equal(409))
		Expect(operationError.Details["gap_bytes"]).To(Equal(int64(1)))

		// the gate must refuse before any mutation
		Expect(h.execDriver.calls).To(BeEmpty())
	})

	It("accepts a standby that is ahead of the primary sample", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)

		expectRecovery(h.mocks["node2"], false)
		expectScanStandby(h.mocks["node2"], "0/5000060")
		expectScanPrimary(h.mocks["node1"])
		expectLagGate(h.mocks["node1"], "0/5000000", -96)

		h.mocks["node1"].ExpectExec(regexp.QuoteMeta("CHECKPOINT")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectResumeReplay(h.mocks["node2"])
		expectRecovery(h.mocks["node2"], true)
		expectRecovery(h.mocks["node1"], false)

		_, err := h.orchestrator.Promote(context.Background(), "node2")
		Expect(err).ToNot(HaveOccurred())
	})

	It("is idempotent on a node that is already primary", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))

		expectRecovery(h.mocks["node1"], true)

		result, err := h.orchestrator.Promote(context.Background(), "node1")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.NewPrimary).To(Equal("node1"))
		Expect(h.execDriver.calls).To(BeEmpty())
	})

	It("refuses an unknown target", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))

		_, err := h.orchestrator.Promote(context.Background(), "nope")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindInvalidTarget))
		Expect(operationError.HTTPStatus()).To(Equal(400))
	})

	It("refuses to promote a pinned replica", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("r3", "10.0.0.9", topology.KindReplica),
		)

		_, err := h.orchestrator.Promote(context.Background(), "r3")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindInvalidTarget))
	})

	It("reports an unreachable target", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))
		delete(h.provider.databases, "10.0.0.1:5432")

		_, err := h.orchestrator.Promote(context.Background(), "node1")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindUnreachable))
		Expect(operationError.HTTPStatus()).To(Equal(502))
	})

	It("fails fast while another operation is running", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))

		holder, busyErr := h.orchestrator.Lock().TryAcquire("promote", testConfig().PromoteDeadline())
		Expect(busyErr).To(BeNil())
		defer h.orchestrator.Lock().Release(holder)

		_, err := h.orchestrator.Promote(context.Background(), "node1")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindBusy))
		Expect(operationError.HTTPStatus()).To(Equal(409))
	})

	It("keeps going when a standby fails to re-attach", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
			node("node3", "10.0.0.3", topology.KindBackup),
		)
		h.execDriver.failOn["pg-node3 pg_basebackup"] = exec.Result{ExitCode: 1, Stderr: "could not connect"}

		expectRecovery(h.mocks["node2"], false)
		expectScanStandby(h.mocks["node2"], "0/5000000")
		expectScanPrimary(h.mocks["node1"])
		expectScanStandby(h.mocks["node3"], "0/5000000")
		expectLagGate(h.mocks["node1"], "0/5000000", 0)
		h.mocks["node1"].ExpectExec(regexp.QuoteMeta("CHECKPOINT")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectResumeReplay(h.mocks["node2"])
		expectRecovery(h.mocks["node2"], true)
		expectRecovery(h.mocks["node1"], false)

		result, err := h.orchestrator.Promote(context.Background(), "node2")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Warnings).To(HaveLen(1))
		Expect(result.Warnings[0]).To(ContainSubstring("node3"))

		node3, _ := h.registry.Get("node3")
		Expect(node3.RoleHint).To(Equal(topology.RoleUnknown))
	})
})

var _ = Describe("Demotion workflow", func() {
	It("pins every backup into recovery", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
			node("r1", "10.0.0.9", topology.KindReplica),
		)

		expectScanPrimary(h.mocks["node1"])
		expectScanStandby(h.mocks["node2"], "0/5000000")
		expectScanStandby(h.mocks["r1"], "0/5000000")

		// both backups are verified back in recovery
		expectRecovery(h.mocks["node1"], false)
		expectRecovery(h.mocks["node2"], false)

		result, err := h.orchestrator.DemoteAll(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Demoted).To(Equal([]string{"node1", "node2"}))

		Expect(h.execDriver.ran("pg-node1 touch /var/lib/postgresql/data/standby.signal")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node1 pg_ctl restart")).To(BeTrue())
		Expect(h.execDriver.ran("pg-node2 touch")).To(BeTrue())
		// replicas are already pinned
		Expect(h.execDriver.ran("pg-r1")).To(BeFalse())
	})

	It("fails when a previous primary stays writable", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)
		h.execDriver.failOn["pg-node1 pg_ctl restart"] = exec.Result{ExitCode: 1, Stderr: "restart failed"}

		expectScanPrimary(h.mocks["node1"])
		expectScanStandby(h.mocks["node2"], "0/5000000")
		expectRecovery(h.mocks["node2"], false)

		_, err := h.orchestrator.DemoteAll(context.Background())
		Expect(err).To(HaveOccurred())

		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindInternal))
		Expect(operationError.Details["failures"]).ToNot(BeNil())
	})

	It("succeeds when only a plain standby fails", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)
		h.execDriver.failOn["pg-node2 pg_ctl restart"] = exec.Result{ExitCode: 1, Stderr: "restart failed"}

		expectScanPrimary(h.mocks["node1"])
		expectScanStandby(h.mocks["node2"], "0/5000000")
		expectRecovery(h.mocks["node1"], false)

		result, err := h.orchestrator.DemoteAll(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Demoted).To(Equal([]string{"node1"}))
		Expect(result.Warnings).To(HaveLen(1))
	})
})

var _ = Describe("Host registry operations", func() {
	It("registers and unregisters a node", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))

		added, err := h.orchestrator.AddHost(context.Background(), HostSpec{
			Name: "r3", Container: "pg-r3", Host: "10.0.0.13", Port: 5432, Kind: "replica",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(added.Kind).To(Equal(topology.KindReplica))
		Expect(h.registry.Len()).To(Equal(2))

		// the new node has no session, hence cannot be the primary
		removed, err := h.orchestrator.DeleteHost(context.Background(), "r3")
		Expect(err).ToNot(HaveOccurred())
		Expect(removed.Name).To(Equal("r3"))
		Expect(h.registry.Len()).To(Equal(1))
	})

	It("rejects an invalid kind", func() {
		h := newHarness()

		_, err := h.orchestrator.AddHost(context.Background(), HostSpec{
			Name: "x", Host: "10.0.0.20", Port: 5432, Kind: "witness",
		})
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindInvalidTarget))
		Expect(operationError.HTTPStatus()).To(Equal(400))
	})

	It("rejects duplicates", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))

		_, err := h.orchestrator.AddHost(context.Background(), HostSpec{
			Name: "node1", Host: "10.0.0.42", Port: 5432, Kind: "backup",
		})
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindDuplicate))
		Expect(operationError.HTTPStatus()).To(Equal(409))
	})

	It("reports the removal of an unknown node", func() {
		h := newHarness()

		_, err := h.orchestrator.DeleteHost(context.Background(), "ghost")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindNotFound))
		Expect(operationError.HTTPStatus()).To(Equal(404))
	})

	It("refuses to remove the current primary", func() {
		h := newHarness(node("node1", "10.0.0.1", topology.KindBackup))
		expectRecovery(h.mocks["node1"], true)

		_, err := h.orchestrator.DeleteHost(context.Background(), "node1")
		operationError := err.(*OperationError)
		Expect(operationError.Kind).To(Equal(KindInvalidTarget))
		Expect(operationError.HTTPStatus()).To(Equal(400))
		Expect(h.registry.Len()).To(Equal(1))
	})

	It("removes a node by its host address", func() {
		h := newHarness(
			node("node1", "10.0.0.1", topology.KindBackup),
			node("node2", "10.0.0.2", topology.KindBackup),
		)
		expectRecovery(h.mocks["node2"], false)

		removed, err := h.orchestrator.DeleteHost(context.Background(), "10.0.0.2")
		Expect(err).ToNot(HaveOccurred())
		Expect(removed.Name).To(Equal("node2"))
	})
})
