package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the engine's own concerns:
// execution/step outcomes, queue depth, the worker pool, the adaptive
// concurrency gate, and the HTTP surface those all ride on.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec

	StepsDispatched *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	StepRetries     *prometheus.CounterVec

	QueueDepth       *prometheus.GaugeVec
	QueueLeaseWait   prometheus.Histogram
	QueueReapedTotal prometheus.Counter

	LoopIterationsExpanded *prometheus.CounterVec
	LoopCompletionsTotal   *prometheus.CounterVec

	WorkersActive    prometheus.Gauge
	GateLimit        prometheus.Gauge
	Gate503Total     prometheus.Counter
	HTTPRequestTotal *prometheus.CounterVec
	HTTPRequestDur   *prometheus.HistogramVec
}

// NewMetrics constructs a Metrics with every collector initialized but not
// yet registered.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_executions_started_total",
			Help: "Executions started by trigger event type.",
		}, []string{"trigger_event_type"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_executions_finished_total",
			Help: "Executions finished by terminal status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flow_execution_duration_seconds",
			Help:    "Execution wall-clock duration from start event to terminal event.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"status"}),

		StepsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_steps_dispatched_total",
			Help: "Steps dispatched to the queue by step type.",
		}, []string{"step_type"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flow_step_duration_seconds",
			Help:    "Step duration from action_started to action_completed/error.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"step_type", "status"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_step_retries_total",
			Help: "Retry decisions made by the retry controller, by outcome.",
		}, []string{"outcome"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flow_queue_depth",
			Help: "Queue rows by status (pending, leased).",
		}, []string{"status"}),
		QueueLeaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flow_queue_lease_wait_seconds",
			Help:    "Time a job spent pending before being leased.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}),
		QueueReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_queue_reaped_total",
			Help: "Jobs reclaimed by the reaper after a lapsed lease.",
		}),

		LoopIterationsExpanded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_loop_iterations_expanded_total",
			Help: "Loop iterations expanded into dispatched steps.",
		}, []string{"loop_name"}),
		LoopCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_loop_completions_total",
			Help: "Loops that reached loop_completed.",
		}, []string{"loop_name"}),

		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flow_workers_active",
			Help: "Worker pool goroutines currently executing a job.",
		}),
		GateLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flow_gate_limit",
			Help: "Current adaptive concurrency gate limit.",
		}),
		Gate503Total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flow_gate_503_total",
			Help: "503 responses observed by the adaptive concurrency gate.",
		}),

		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flow_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Register adds every collector to reg. Safe to call once at startup.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.ExecutionsStarted, m.ExecutionsFinished, m.ExecutionDuration,
		m.StepsDispatched, m.StepDuration, m.StepRetries,
		m.QueueDepth, m.QueueLeaseWait, m.QueueReapedTotal,
		m.LoopIterationsExpanded, m.LoopCompletionsTotal,
		m.WorkersActive, m.GateLimit, m.Gate503Total,
		m.HTTPRequestTotal, m.HTTPRequestDur,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordExecutionStart increments the started counter for a trigger type.
func (m *Metrics) RecordExecutionStart(triggerEventType string) {
	m.ExecutionsStarted.WithLabelValues(triggerEventType).Inc()
}

// RecordExecutionFinish increments the finished counter and observes the
// duration for a terminal status (execution_complete or failed_terminal).
func (m *Metrics) RecordExecutionFinish(status string, durationSeconds float64) {
	m.ExecutionsFinished.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStepDispatch increments the dispatched counter for a step type.
func (m *Metrics) RecordStepDispatch(stepType string) {
	m.StepsDispatched.WithLabelValues(stepType).Inc()
}

// RecordStepDuration observes a step's duration, labeled by outcome.
func (m *Metrics) RecordStepDuration(stepType, status string, durationSeconds float64) {
	m.StepDuration.WithLabelValues(stepType, status).Observe(durationSeconds)
}

// RecordRetryDecision increments the retry counter for "retry" or "exhausted".
func (m *Metrics) RecordRetryDecision(outcome string) {
	m.StepRetries.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current queue gauge for a status.
func (m *Metrics) SetQueueDepth(status string, depth float64) {
	m.QueueDepth.WithLabelValues(status).Set(depth)
}

// ObserveQueueLeaseWait records how long a job waited pending before lease.
func (m *Metrics) ObserveQueueLeaseWait(seconds float64) {
	m.QueueLeaseWait.Observe(seconds)
}

// RecordQueueReaped increments the reaped-job counter by n.
func (m *Metrics) RecordQueueReaped(n int) {
	m.QueueReapedTotal.Add(float64(n))
}

// RecordLoopIteration increments the loop iteration counter for a loop name.
func (m *Metrics) RecordLoopIteration(loopName string) {
	m.LoopIterationsExpanded.WithLabelValues(loopName).Inc()
}

// RecordLoopCompletion increments the loop completion counter for a loop name.
func (m *Metrics) RecordLoopCompletion(loopName string) {
	m.LoopCompletionsTotal.WithLabelValues(loopName).Inc()
}

// SetGateLimit records the adaptive gate's current limit.
func (m *Metrics) SetGateLimit(limit float64) {
	m.GateLimit.Set(limit)
}

// RecordGate503 increments the count of 503 responses the gate observed.
func (m *Metrics) RecordGate503() {
	m.Gate503Total.Inc()
}

// RecordHTTPRequest records an HTTP request's route, status class, and
// duration.
func (m *Metrics) RecordHTTPRequest(route, statusClass string, durationSeconds float64) {
	m.HTTPRequestTotal.WithLabelValues(route, statusClass).Inc()
	m.HTTPRequestDur.WithLabelValues(route).Observe(durationSeconds)
}
