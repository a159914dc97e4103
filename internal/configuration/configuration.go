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

// Package configuration contains the configuration of the operation manager,
// reading it from environment variables
package configuration

import (
	"fmt"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/Revenberg/postgresql/pkg/configparser"
)

const (
	// DefaultListenAddr is the address the HTTP server binds to when
	// LISTEN_ADDR is not given
	DefaultListenAddr = ":5001"

	// DefaultHealthyLagBytes is the replication gap over which a standby
	// stops being considered healthy
	DefaultHealthyLagBytes = 1048576

	// DefaultExecCommand is the command prefix used to run a command
	// inside a container
	DefaultExecCommand = "docker exec"

	// DefaultPgData is the PostgreSQL data directory inside the containers
	DefaultPgData = "/var/lib/postgresql/data"
)

// NodeSpec is one member of the INITIAL_NODES list
type NodeSpec struct {
	Name      string `yaml:"name" json:"name"`
	Container string `yaml:"container" json:"container"`
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	Kind      string `yaml:"kind" json:"kind"`
}

// Data is the struct containing the configuration of the operation manager.
// Usually the code will use the "Current" configuration.
type Data struct {
	// ListenAddr is the bind address of the HTTP API
	ListenAddr string `json:"listenAddr" env:"LISTEN_ADDR"`

	// DBUser is the user of every SQL session opened against the nodes
	DBUser string `json:"dbUser" env:"DB_USER"`

	// DBPassword is the password of every SQL session
	DBPassword string `json:"-" env:"DB_PASSWORD"`

	// DBName is the database of every SQL session
	DBName string `json:"dbName" env:"DB_NAME"`

	// ReplicationUser is the user passed to pg_basebackup when a standby
	// is rebuilt from the new primary
	ReplicationUser string `json:"replicationUser" env:"REPLICATION_USER"`

	// PgData is the PostgreSQL data directory inside the node containers
	PgData string `json:"pgData" env:"PGDATA"`

	// HealthyLagBytes is the threshold for the healthy cluster verdict
	HealthyLagBytes int64 `json:"healthyLagBytes" env:"HEALTHY_LAG_BYTES"`

	// PromoteDeadlineSeconds bounds a whole promote operation
	PromoteDeadlineSeconds int `json:"promoteDeadlineSeconds" env:"PROMOTE_DEADLINE_SECONDS"`

	// DemoteDeadlineSeconds bounds a whole demote-all operation
	DemoteDeadlineSeconds int `json:"demoteDeadlineSeconds" env:"DEMOTE_DEADLINE_SECONDS"`

	// ProbeDeadlineSeconds bounds every per-node probe
	ProbeDeadlineSeconds int `json:"probeDeadlineSeconds" env:"PROBE_DEADLINE_SECONDS"`

	// VerifyDeadlineSeconds bounds the post-promotion verification poll
	VerifyDeadlineSeconds int `json:"verifyDeadlineSeconds" env:"VERIFY_DEADLINE_SECONDS"`

	// ReconfigDeadlineSeconds bounds the rebuild of every single standby
	ReconfigDeadlineSeconds int `json:"reconfigDeadlineSeconds" env:"RECONFIG_DEADLINE_SECONDS"`

	// LogLevel selects the verbosity of the structured log
	LogLevel string `json:"logLevel" env:"LOG_LEVEL"`

	// ExecCommand is the command prefix used to reach a shell inside a
	// node container, e.g. "docker exec" or "podman exec"
	ExecCommand string `json:"execCommand" env:"EXEC_COMMAND"`

	// ProbeSchedule is the cron expression of the background role prober
	ProbeSchedule string `json:"probeSchedule" env:"PROBE_SCHEDULE"`

	// InitialNodes is the YAML list of nodes registered at startup
	InitialNodes string `json:"initialNodes" env:"INITIAL_NODES"`
}

// Current is the configuration used by the operation manager
var Current = NewConfiguration()

// newDefaultConfig creates a configuration holding the defaults
func newDefaultConfig() *Data {
	return &Data{
		ListenAddr:              DefaultListenAddr,
		DBUser:                  "postgres",
		DBName:                  "postgres",
		ReplicationUser:         "replicator",
		PgData:                  DefaultPgData,
		HealthyLagBytes:         DefaultHealthyLagBytes,
		PromoteDeadlineSeconds:  180,
		DemoteDeadlineSeconds:   120,
		ProbeDeadlineSeconds:    5,
		VerifyDeadlineSeconds:   30,
		ReconfigDeadlineSeconds: 60,
		LogLevel:                "info",
		ExecCommand:             DefaultExecCommand,
		ProbeSchedule:           "@every 30s",
	}
}

// NewConfiguration creates a new configuration by reading the
// environment variables
func NewConfiguration() *Data {
	configuration := newDefaultConfig()
	configuration.ReadConfigMap(nil)
	return configuration
}

// ReadConfigMap reads the configuration from the environment and the
// given map of overrides
func (config *Data) ReadConfigMap(data map[string]string) {
	configparser.ReadConfigMap(config, newDefaultConfig(), data)
}

// ExecArgv returns the container exec command prefix as an argv slice
func (config *Data) ExecArgv() ([]string, error) {
	argv, err := shlex.Split(config.ExecCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid EXEC_COMMAND %q: %w", config.ExecCommand, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid EXEC_COMMAND %q: empty command", config.ExecCommand)
	}
	return argv, nil
}

// ParseInitialNodes decodes the INITIAL_NODES list. An empty variable is
// a valid empty registry.
func (config *Data) ParseInitialNodes() ([]NodeSpec, error) {
	if config.InitialNodes == "" {
		return nil, nil
	}

	var nodes []NodeSpec
	if err := yaml.Unmarshal([]byte(config.InitialNodes), &nodes); err != nil {
		return nil, fmt.Errorf("invalid INITIAL_NODES: %w", err)
	}
	return nodes, nil
}

// PromoteDeadline is the global budget of a promote operation
func (config *Data) PromoteDeadline() time.Duration {
	return time.Duration(config.PromoteDeadlineSeconds) * time.Second
}

// DemoteDeadline is the global budget of a demote-all operation
func (config *Data) DemoteDeadline() time.Duration {
	return time.Duration(config.DemoteDeadlineSeconds) * time.Second
}

// ProbeDeadline is the budget of a single per-node probe
func (config *Data) ProbeDeadline() time.Duration {
	return time.Duration(config.ProbeDeadlineSeconds) * time.Second
}

// VerifyDeadline is the budget of the post-promotion verification poll
func (config *Data) VerifyDeadline() time.Duration {
	return time.Duration(config.VerifyDeadlineSeconds) * time.Second
}

// ReconfigDeadline is the budget of a single standby rebuild
func (config *Data) ReconfigDeadline() time.Duration {
	return time.Duration(config.ReconfigDeadlineSeconds) * time.Second
}
