// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the workflow
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_step_executions_total",
			Help: "Total step handler executions by step type and terminal status",
		},
		[]string{"step_type", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepflow_step_duration_seconds",
			Help:    "Step handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_tool_calls_total",
			Help: "Total tool invocations by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	journalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepflow_journal_writes_total",
			Help: "Total step-run journal upserts by row status",
		},
		[]string{"status"},
	)
)

// RecordStepExecution increments the step execution counter.
func RecordStepExecution(stepType, status string) {
	stepExecutions.WithLabelValues(stepType, status).Inc()
}

// ObserveStepDuration records how long a step handler ran.
func ObserveStepDuration(stepType string, elapsed time.Duration) {
	stepDuration.WithLabelValues(stepType).Observe(elapsed.Seconds())
}

// RecordToolCall increments the tool call counter.
// outcome is one of: success, timeout, transport, decode, tool.
func RecordToolCall(tool, outcome string) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordJournalWrite increments the journal write counter.
func RecordJournalWrite(status string) {
	journalWrites.WithLabelValues(status).Inc()
}
