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

package postgres

import (
	"context"
	"regexp"

	"github.com/DATA-DOG/go-sqlmock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Typed probes", func() {
	It("detects a primary", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT NOT pg_is_in_recovery()")).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))

		primary, err := IsPrimary(context.Background(), db)
		Expect(err).ToNot(HaveOccurred())
		Expect(primary).To(BeTrue())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("detects a standby", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT NOT pg_is_in_recovery()")).
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))

		primary, err := IsPrimary(context.Background(), db)
		Expect(err).ToNot(HaveOccurred())
		Expect(primary).To(BeFalse())
	})

	It("reads WAL positions as opaque strings", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_current_wal_lsn()::text")).
			WillReturnRows(sqlmock.NewRows([]string{"lsn"}).AddRow("0/3000060"))

		lsn, err := CurrentWALLsn(context.Background(), db)
		Expect(err).ToNot(HaveOccurred())
		Expect(lsn).To(Equal("0/3000060"))
	})

	It("computes the replication gap on the server side", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)")).
			WithArgs("0/3000060", "0/3000000").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(int64(96)))

		diff, err := WalLsnDiff(context.Background(), db, "0/3000060", "0/3000000")
		Expect(err).ToNot(HaveOccurred())
		Expect(diff).To(Equal(int64(96)))
	})

	It("accepts a negative replication gap", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)")).
			WithArgs("0/3000000", "0/3000060").
			WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(int64(-96)))

		diff, err := WalLsnDiff(context.Background(), db, "0/3000000", "0/3000060")
		Expect(err).ToNot(HaveOccurred())
		Expect(diff).To(Equal(int64(-96)))
	})

	It("resumes a paused WAL replay", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_is_wal_replay_paused()")).
			WillReturnRows(sqlmock.NewRows([]string{"paused"}).AddRow(true))
		mock.ExpectExec(regexp.QuoteMeta("SELECT pg_wal_replay_resume()")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		Expect(ResumeWalReplay(context.Background(), db)).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("does not resume a replay that is not paused", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_is_wal_replay_paused()")).
			WillReturnRows(sqlmock.NewRows([]string{"paused"}).AddRow(false))

		Expect(ResumeWalReplay(context.Background(), db)).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("lists the streaming peers of a primary", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery("FROM pg_catalog.pg_stat_replication").
			WillReturnRows(sqlmock.NewRows([]string{
				"client_addr", "state", "sync_state", "write_lag", "flush_lag", "replay_lag",
			}).
				AddRow("10.0.0.2", "streaming", "async", "00:00:00.000101", "00:00:00.000322", "00:00:00.000511").
				AddRow("10.0.0.3", "catchup", "async", "", "", ""))

		peers, err := ReplicationStatus(context.Background(), db)
		Expect(err).ToNot(HaveOccurred())
		Expect(peers).To(HaveLen(2))
		Expect(peers[0].ClientAddr).To(Equal("10.0.0.2"))
		Expect(peers[0].State).To(Equal("streaming"))
		Expect(peers[1].State).To(Equal("catchup"))
	})

	It("lists the replication slots", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectQuery("FROM pg_catalog.pg_replication_slots").
			WillReturnRows(sqlmock.NewRows([]string{"slot_name", "active", "restart_lsn"}).
				AddRow("node2_slot", true, "0/2000028"))

		slots, err := ReplicationSlots(context.Background(), db)
		Expect(err).ToNot(HaveOccurred())
		Expect(slots).To(HaveLen(1))
		Expect(slots[0].SlotName).To(Equal("node2_slot"))
		Expect(slots[0].Active).To(BeTrue())
	})
})

var _ = Describe("Version probe", func() {
	It("parses a plain server version", func() {
		version, err := parseVersion("14.5")
		Expect(err).ToNot(HaveOccurred())
		Expect(version.Major).To(Equal(uint64(14)))
		Expect(version.Minor).To(Equal(uint64(5)))
	})

	It("parses a vendor-decorated server version", func() {
		version, err := parseVersion("14.5 (Debian 14.5-1.pgdg110+1)")
		Expect(err).ToNot(HaveOccurred())
		Expect(version.Major).To(Equal(uint64(14)))
	})

	It("parses a bare major version", func() {
		version, err := parseVersion("16")
		Expect(err).ToNot(HaveOccurred())
		Expect(version.Major).To(Equal(uint64(16)))
	})
})
