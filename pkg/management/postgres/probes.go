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
	"database/sql"
)

// ReplicationPeer is one row of pg_stat_replication as seen on a primary
type ReplicationPeer struct {
	ClientAddr string `json:"client_addr"`
	State      string `json:"state"`
	SyncState  string `json:"sync_state"`
	WriteLag   string `json:"write_lag"`
	FlushLag   string `json:"flush_lag"`
	ReplayLag  string `json:"replay_lag"`
}

// ReplicationSlot is one row of pg_replication_slots
type ReplicationSlot struct {
	SlotName   string `json:"slot_name"`
	Active     bool   `json:"active"`
	RestartLSN string `json:"restart_lsn"`
}

// IsPrimary reports whether the node is out of recovery, hence writable
func IsPrimary(ctx context.Context, db *sql.DB) (bool, error) {
	row := db.QueryRowContext(ctx, "SELECT NOT pg_is_in_recovery()")

	var primary bool
	if err := row.Scan(&primary); err != nil {
		return false, err
	}
	return primary, nil
}

// CurrentWALLsn returns the write position of a primary. The value is an
// opaque monotone string, never parsed locally: positions are compared
// only through WalLsnDiff on a live session.
func CurrentWALLsn(ctx context.Context, db *sql.DB) (string, error) {
	row := db.QueryRowContext(ctx, "SELECT pg_current_wal_lsn()::text")

	var lsn string
	if err := row.Scan(&lsn); err != nil {
		return "", err
	}
	return lsn, nil
}

// LastReceivedLsn returns the last WAL position received by a standby,
// or an empty string when the standby never received anything
func LastReceivedLsn(ctx context.Context, db *sql.DB) (string, error) {
	row := db.QueryRowContext(ctx, "SELECT COALESCE(pg_last_wal_receive_lsn()::text, '')")

	var lsn string
	if err := row.Scan(&lsn); err != nil {
		return "", err
	}
	return lsn, nil
}

// LastReplayLsn returns the last WAL position replayed by a standby
func LastReplayLsn(ctx context.Context, db *sql.DB) (string, error) {
	row := db.QueryRowContext(ctx, "SELECT COALESCE(pg_last_wal_replay_lsn()::text, '')")

	var lsn string
	if err := row.Scan(&lsn); err != nil {
		return "", err
	}
	return lsn, nil
}

// WalLsnDiff computes the signed byte distance between two WAL positions.
// It must be issued on a live server, usually the current primary.
func WalLsnDiff(ctx context.Context, db *sql.DB, upstreamLsn, downstreamLsn string) (int64, error) {
	row := db.QueryRowContext(ctx,
		"SELECT pg_wal_lsn_diff($1::pg_lsn, $2::pg_lsn)", upstreamLsn, downstreamLsn)

	var diff int64
	if err := row.Scan(&diff); err != nil {
		return 0, err
	}
	return diff, nil
}

// Checkpoint issues a checkpoint, flushing every dirty buffer to disk
func Checkpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "CHECKPOINT")
	return err
}

// ResumeWalReplay resumes a paused WAL replay on a standby. Resuming an
// already-running replay is a no-op.
func ResumeWalReplay(ctx context.Context, db *sql.DB) error {
	row := db.QueryRowContext(ctx, "SELECT pg_is_wal_replay_paused()")

	var paused bool
	if err := row.Scan(&paused); err != nil {
		return err
	}
	if !paused {
		return nil
	}

	_, err := db.ExecContext(ctx, "SELECT pg_wal_replay_resume()")
	return err
}

// ReplicationStatus lists the streaming peers attached to a primary
func ReplicationStatus(ctx context.Context, db *sql.DB) ([]ReplicationPeer, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT
			coalesce(client_addr::text, ''),
			coalesce(state, ''),
			coalesce(sync_state, ''),
			coalesce(write_lag::text, ''),
			coalesce(flush_lag::text, ''),
			coalesce(replay_lag::text, '')
		FROM pg_catalog.pg_stat_replication`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var peers []ReplicationPeer
	for rows.Next() {
		var peer ReplicationPeer
		if err := rows.Scan(
			&peer.ClientAddr,
			&peer.State,
			&peer.SyncState,
			&peer.WriteLag,
			&peer.FlushLag,
			&peer.ReplayLag,
		); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// ReplicationSlots lists the replication slots present on a node
func ReplicationSlots(ctx context.Context, db *sql.DB) ([]ReplicationSlot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT
			slot_name,
			active,
			coalesce(restart_lsn::text, '')
		FROM pg_catalog.pg_replication_slots`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var slots []ReplicationSlot
	for rows.Next() {
		var slot ReplicationSlot
		if err := rows.Scan(&slot.SlotName, &slot.Active, &slot.RestartLSN); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}

	return slots, rows.Err()
}
