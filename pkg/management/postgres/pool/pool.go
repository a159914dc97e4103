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

// Package pool contains a connection pool to multiple databases
package pool

import (
	"database/sql"
	"fmt"
	"sync"

	// this is needed to correctly open the sql connection with the lib/pq driver
	_ "github.com/lib/pq"
)

// ConnectionPool is a repository of DB connections, pointing to the same
// endpoint, one per requested database
type ConnectionPool struct {
	// This is the base connection string (without the database name)
	connectionString string

	mu            sync.Mutex
	connectionMap map[string]*sql.DB
}

// NewConnectionPool creates a new connection pool with the given base
// connection string
func NewConnectionPool(connectionString string) *ConnectionPool {
	return &ConnectionPool{
		connectionString: connectionString,
		connectionMap:    make(map[string]*sql.DB),
	}
}

// Connection gets the connection for the given database, creating it
// when needed
func (pool *ConnectionPool) Connection(dbname string) (*sql.DB, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if result, ok := pool.connectionMap[dbname]; ok {
		return result, nil
	}

	connection, err := pool.newConnection(dbname)
	if err != nil {
		return nil, err
	}

	pool.connectionMap[dbname] = connection
	return connection, nil
}

// ShutdownConnections closes every database connection of the pool
func (pool *ConnectionPool) ShutdownConnections() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	for _, db := range pool.connectionMap {
		_ = db.Close()
	}
	pool.connectionMap = make(map[string]*sql.DB)
}

// newConnection creates a database connection, keeping the internal pool
// at one connection at most: the sessions opened against the cluster
// nodes are short-lived probes and holding idle connections to a node
// that may be restarted underneath us is never useful
func (pool *ConnectionPool) newConnection(dbname string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%v dbname=%v", pool.connectionString, dbname)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)
	return db, nil
}
