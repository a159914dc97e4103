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

// Package postgres contains the SQL access layer towards the cluster
// nodes: session management and the typed probes used to observe the
// replication topology
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Revenberg/postgresql/pkg/management/postgres/pool"
)

// driverBadConn aliases the driver-level bad connection marker used by
// lib/pq when the server goes away under an open session
var driverBadConn = driver.ErrBadConn

// Credentials is the process-wide triple used for every SQL session,
// immutable after startup
type Credentials struct {
	User     string
	Password string
	Database string
}

// Driver opens SQL sessions against the cluster nodes, one pool per
// endpoint
type Driver struct {
	credentials    Credentials
	connectTimeout time.Duration

	mu    sync.Mutex
	pools map[string]*pool.ConnectionPool
}

// NewDriver creates a Driver using the given credentials for every session
func NewDriver(credentials Credentials, connectTimeout time.Duration) *Driver {
	return &Driver{
		credentials:    credentials,
		connectTimeout: connectTimeout,
		pools:          make(map[string]*pool.ConnectionPool),
	}
}

// DB returns the database handle for the given endpoint
func (d *Driver) DB(host string, port int) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := net.JoinHostPort(host, strconv.Itoa(port))
	endpointPool, ok := d.pools[key]
	if !ok {
		connectTimeout := int(d.connectTimeout.Seconds())
		if connectTimeout < 1 {
			connectTimeout = 1
		}
		endpointPool = pool.NewConnectionPool(fmt.Sprintf(
			"host=%v port=%v user=%v password=%v sslmode=disable connect_timeout=%v",
			host, port, d.credentials.User, d.credentials.Password, connectTimeout))
		d.pools[key] = endpointPool
	}

	return endpointPool.Connection(d.credentials.Database)
}

// Shutdown closes every connection of every endpoint pool
func (d *Driver) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, endpointPool := range d.pools {
		endpointPool.ShutdownConnections()
	}
	d.pools = make(map[string]*pool.ConnectionPool)
}

// SQLErrorKind classifies a failed SQL session
type SQLErrorKind string

// The session error kinds surfaced to the orchestrator
const (
	SQLConnRefused SQLErrorKind = "CONN_REFUSED"
	SQLAuthFailed  SQLErrorKind = "AUTH_FAILED"
	SQLReadOnly    SQLErrorKind = "READ_ONLY"
	SQLTimeout     SQLErrorKind = "TIMEOUT"
	SQLOther       SQLErrorKind = "OTHER"
)

// SQLError is a classified session failure
type SQLError struct {
	Kind    SQLErrorKind
	Code    string
	Message string
}

// Error implements the error interface
func (e *SQLError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v (%v): %v", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Message)
}

// ClassifySQLError maps a raw driver error into a SQLError. A nil error
// maps to nil.
func ClassifySQLError(err error) *SQLError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &SQLError{Kind: SQLTimeout, Message: err.Error()}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28":
			// invalid_authorization_specification, invalid_password
			return &SQLError{Kind: SQLAuthFailed, Code: string(pqErr.Code), Message: pqErr.Message}
		case pqErr.Code == "25006":
			// read_only_sql_transaction
			return &SQLError{Kind: SQLReadOnly, Code: string(pqErr.Code), Message: pqErr.Message}
		case pqErr.Code == "57014":
			// query_canceled
			return &SQLError{Kind: SQLTimeout, Code: string(pqErr.Code), Message: pqErr.Message}
		default:
			return &SQLError{Kind: SQLOther, Code: string(pqErr.Code), Message: pqErr.Message}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &SQLError{Kind: SQLTimeout, Message: err.Error()}
		}
		return &SQLError{Kind: SQLConnRefused, Message: err.Error()}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driverBadConn) {
		return &SQLError{Kind: SQLConnRefused, Message: err.Error()}
	}

	return &SQLError{Kind: SQLOther, Message: err.Error()}
}
