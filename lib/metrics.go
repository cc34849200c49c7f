package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server   *http.Server         // the http prometheus server
	config   MetricsConfig        // the configuration
	registry *prometheus.Registry // private registry so several nodes may live in one process
	log      LoggerI              // the logger

	NodeMetrics       // general telemetry about the node
	ConsensusMetrics  // state machine telemetry
	RunnerMetrics     // runner gateway telemetry
	DispatcherMetrics // crawler and appeal worker telemetry
}

// NodeMetrics represents general telemetry for the node's health
type NodeMetrics struct {
	NodeStatus prometheus.Gauge // is the node alive?
}

// ConsensusMetrics represents the telemetry for the transaction state machine
type ConsensusMetrics struct {
	Transitions    *prometheus.CounterVec // how many transactions entered each status?
	Rounds         prometheus.Counter     // how many PROPOSING -> REVEALING rounds ran?
	Rotations      prometheus.Counter     // how many times did a leader rotate?
	Appeals        *prometheus.CounterVec // appeals by kind and outcome
	ProcessingTime prometheus.Histogram   // how long does it take to process a transaction to a decision?
}

// RunnerMetrics represents the telemetry for the runner gateway
type RunnerMetrics struct {
	CallTime     *prometheus.HistogramVec // how long does a leader / validator call take?
	CallFailures *prometheus.CounterVec   // how many calls were treated as abstentions?
}

// DispatcherMetrics represents the telemetry for the dispatcher loops
type DispatcherMetrics struct {
	QueueDepth    prometheus.Gauge   // how many transactions are queued across contracts?
	ActiveTasks   prometheus.Gauge   // how many contract tasks are running?
	Expired       prometheus.Counter // how many queued transactions were canceled by expiry?
	Finalizations prometheus.Counter // how many transactions were finalized?
}

// NewMetricsServer() creates a new telemetry server
func NewMetricsServer(config MetricsConfig, logger LoggerI) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Metrics{
		server:   &http.Server{Addr: config.PrometheusAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		config:   config,
		registry: reg,
		log:      logger,
		NodeMetrics: NodeMetrics{
			NodeStatus: factory.NewGauge(prometheus.GaugeOpts{
				Name: "verdict_node_status",
				Help: "The node is alive and processing transactions",
			}),
		},
		ConsensusMetrics: ConsensusMetrics{
			Transitions: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "verdict_transaction_transitions",
				Help: "Number of transactions that entered each status",
			}, []string{"status"}),
			Rounds: factory.NewCounter(prometheus.CounterOpts{
				Name: "verdict_consensus_rounds",
				Help: "Total number of consensus rounds",
			}),
			Rotations: factory.NewCounter(prometheus.CounterOpts{
				Name: "verdict_consensus_rotations",
				Help: "Total number of leader rotations",
			}),
			Appeals: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "verdict_appeals",
				Help: "Appeals by kind (validator, leader) and outcome",
			}, []string{"kind", "outcome"}),
			ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
				Name: "verdict_transaction_processing_time",
				Help: "Time to take a transaction from PENDING to a decision in seconds",
			}),
		},
		RunnerMetrics: RunnerMetrics{
			CallTime: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name: "verdict_runner_call_time",
				Help: "Runner call latency in seconds",
			}, []string{"role"}),
			CallFailures: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "verdict_runner_call_failures",
				Help: "Runner calls that failed and were counted as abstentions",
			}, []string{"role"}),
		},
		DispatcherMetrics: DispatcherMetrics{
			QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
				Name: "verdict_dispatcher_queue_depth",
				Help: "Transactions queued across all contracts",
			}),
			ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
				Name: "verdict_dispatcher_active_tasks",
				Help: "Contract processing tasks currently running",
			}),
			Expired: factory.NewCounter(prometheus.CounterOpts{
				Name: "verdict_dispatcher_expired",
				Help: "Queued transactions canceled by expiry",
			}),
			Finalizations: factory.NewCounter(prometheus.CounterOpts{
				Name: "verdict_dispatcher_finalizations",
				Help: "Transactions finalized by the appeal window worker",
			}),
		},
	}
}

// Registry() exposes the private registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	// exit if empty
	if m == nil {
		return nil
	}
	return m.registry
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	// exit if empty
	if m == nil {
		return
	}
	// set node is active
	m.NodeStatus.Set(1)
	// if the metrics server is enabled
	if m.config.MetricsEnabled {
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
			// run the server
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	// exit if empty
	if m == nil {
		return
	}
	m.NodeStatus.Set(0)
	// if the metrics server is enabled
	if m.config.MetricsEnabled {
		// shutdown the server
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// ObserveTransition() counts a transaction entering a status
func (m *Metrics) ObserveTransition(status TransactionStatus) {
	// exit if empty
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(status)).Inc()
}

// ObserveRound() counts a round and whether it ended with a rotation
func (m *Metrics) ObserveRound(rotated bool) {
	// exit if empty
	if m == nil {
		return
	}
	m.Rounds.Inc()
	if rotated {
		m.Rotations.Inc()
	}
}

// ObserveAppeal() counts an appeal by kind and outcome
func (m *Metrics) ObserveAppeal(kind, outcome string) {
	// exit if empty
	if m == nil {
		return
	}
	m.Appeals.WithLabelValues(kind, outcome).Inc()
}

// ObserveProcessing() records the time from admission to a decision
func (m *Metrics) ObserveProcessing(d time.Duration) {
	// exit if empty
	if m == nil {
		return
	}
	m.ProcessingTime.Observe(d.Seconds())
}

// ObserveRunnerCall() records the latency of a runner call and whether it failed
func (m *Metrics) ObserveRunnerCall(role string, d time.Duration, failed bool) {
	// exit if empty
	if m == nil {
		return
	}
	m.CallTime.WithLabelValues(role).Observe(d.Seconds())
	if failed {
		m.CallFailures.WithLabelValues(role).Inc()
	}
}

// UpdateDispatcher() is a setter for the dispatcher gauges
func (m *Metrics) UpdateDispatcher(queued, active int) {
	// exit if empty
	if m == nil {
		return
	}
	// set the number of queued transactions
	m.QueueDepth.Set(float64(queued))
	// set the number of running contract tasks
	m.ActiveTasks.Set(float64(active))
}

// ObserveExpired() counts queued transactions canceled by expiry
func (m *Metrics) ObserveExpired(n int) {
	// exit if empty
	if m == nil {
		return
	}
	m.Expired.Add(float64(n))
}

// ObserveFinalized() counts a finalization
func (m *Metrics) ObserveFinalized() {
	// exit if empty
	if m == nil {
		return
	}
	m.Finalizations.Inc()
}
