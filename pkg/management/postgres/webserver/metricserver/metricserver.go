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

// Package metricserver exposes the operation counters and the cluster
// verdict as Prometheus metrics
package metricserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The namespace of every exported metric
const namespace = "pg_operation_manager"

// The verdicts tracked by the cluster status gauge
var verdicts = []string{"HEALTHY", "NO_PRIMARY", "SPLIT_BRAIN", "DEGRADED"}

// MetricServer holds the metric registry of the operation manager
type MetricServer struct {
	registry *prometheus.Registry

	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	probeFailures       *prometheus.CounterVec
	clusterVerdict      *prometheus.GaugeVec
}

// New creates a MetricServer with every collector registered
func New() *MetricServer {
	server := &MetricServer{
		registry: prometheus.NewRegistry(),
		operationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Number of topology operations started, by operation",
		}, []string{"operation"}),
		operationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Number of topology operations completed, by operation and outcome",
		}, []string{"operation", "outcome"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Number of failed node probes, by node",
		}, []string{"node"}),
		clusterVerdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_status",
			Help:      "Last observed cluster verdict (1 on the active one)",
		}, []string{"verdict"}),
	}

	server.registry.MustRegister(
		server.operationsStarted,
		server.operationsCompleted,
		server.probeFailures,
		server.clusterVerdict,
	)
	return server
}

// Handler serves the metrics in the Prometheus text format
func (m *MetricServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OperationStarted counts the start of an operation
func (m *MetricServer) OperationStarted(operation string) {
	m.operationsStarted.WithLabelValues(operation).Inc()
}

// OperationCompleted counts the completion of an operation with its outcome
func (m *MetricServer) OperationCompleted(operation string, outcome string) {
	m.operationsCompleted.WithLabelValues(operation, outcome).Inc()
}

// ProbeFailed counts a failed probe towards a node
func (m *MetricServer) ProbeFailed(node string) {
	m.probeFailures.WithLabelValues(node).Inc()
}

// ObserveVerdict records the verdict computed by the last overview
func (m *MetricServer) ObserveVerdict(verdict string) {
	for _, known := range verdicts {
		value := 0.0
		if known == verdict {
			value = 1.0
		}
		m.clusterVerdict.WithLabelValues(known).Set(value)
	}
}
