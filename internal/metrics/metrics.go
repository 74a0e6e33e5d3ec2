// Package metrics provides Prometheus metrics for the sqlsink worker.
//
// Metrics are held in an explicit *Metrics value created once by the process
// and passed to the components that record them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace is the Prometheus namespace for all sqlsink metrics.
	Namespace = "sqlsink"

	// Subsystem constants for metric organization.
	SubsystemPipeline   = "pipeline"
	SubsystemBackend    = "backend"
	SubsystemDeadLetter = "dead_letter"
)

// Label constants for consistent labeling across metrics.
const (
	LabelBackend   = "backend"
	LabelTable     = "table"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelPartition = "partition"
)

// Status label values for RecordsTotal.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Metrics holds every collector the worker records to.
type Metrics struct {
	// RecordsTotal counts records by outcome.
	RecordsTotal *prometheus.CounterVec

	// DecodeErrorsTotal counts payloads that failed to decode.
	DecodeErrorsTotal prometheus.Counter

	// RetriesTotal counts retry attempts of transient failures.
	RetriesTotal *prometheus.CounterVec

	// ExecErrorsTotal counts failed Execute calls by classification.
	ExecErrorsTotal *prometheus.CounterVec

	// ExecuteDuration tracks the duration of successful statements.
	ExecuteDuration *prometheus.HistogramVec

	// NoopMutationsTotal counts Update and Delete operations that matched no rows.
	NoopMutationsTotal *prometheus.CounterVec

	// PipelineState is the current consumption loop state.
	// Values: 0=idle, 1=awaiting_record, 2=decoding, 3=executing, 4=acknowledging, 5=terminated
	PipelineState prometheus.Gauge

	// LastAckedOffset is the last acknowledged offset per partition.
	LastAckedOffset *prometheus.GaugeVec

	// CheckpointErrorsTotal counts failed checkpoint writes.
	CheckpointErrorsTotal prometheus.Counter

	// DeadLettersTotal counts records written to the dead-letter table.
	DeadLettersTotal *prometheus.CounterVec
}

// New creates the worker metrics and registers them with reg. A nil reg
// leaves the collectors unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "records_total",
				Help:      "Total number of records processed",
			},
			[]string{LabelBackend, LabelTable, LabelOperation, LabelStatus},
		),
		DecodeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "decode_errors_total",
				Help:      "Total number of payloads that failed to decode",
			},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "retries_total",
				Help:      "Total number of retry attempts",
			},
			[]string{LabelBackend},
		),
		ExecErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemBackend,
				Name:      "exec_errors_total",
				Help:      "Total number of failed statement executions",
			},
			[]string{LabelBackend, LabelErrorType},
		),
		ExecuteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: SubsystemBackend,
				Name:      "execute_duration_seconds",
				Help:      "Duration of statement executions in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{LabelBackend, LabelOperation},
		),
		NoopMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemBackend,
				Name:      "noop_mutations_total",
				Help:      "Total number of updates and deletes that matched no rows",
			},
			[]string{LabelBackend, LabelOperation},
		),
		PipelineState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "state",
				Help:      "Current loop state (0=idle, 1=awaiting_record, 2=decoding, 3=executing, 4=acknowledging, 5=terminated)",
			},
		),
		LastAckedOffset: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "last_acked_offset",
				Help:      "Offset of the last acknowledged record",
			},
			[]string{LabelPartition},
		),
		CheckpointErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemPipeline,
				Name:      "checkpoint_errors_total",
				Help:      "Total number of failed checkpoint writes",
			},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: SubsystemDeadLetter,
				Name:      "records_total",
				Help:      "Total number of records written to the dead-letter table",
			},
			[]string{LabelErrorType},
		),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsTotal,
		m.DecodeErrorsTotal,
		m.RetriesTotal,
		m.ExecErrorsTotal,
		m.ExecuteDuration,
		m.NoopMutationsTotal,
		m.PipelineState,
		m.LastAckedOffset,
		m.CheckpointErrorsTotal,
		m.DeadLettersTotal,
	}
}

// NewRegistry creates a Prometheus registry with the standard Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
