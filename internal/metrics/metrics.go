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

// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/ragrunner/pkg/llm"
	"github.com/tombee/ragrunner/pkg/workflow"
)

// Namespace prefixes every metric name.
const Namespace = "ragrunner"

// Collector implements the engine observer contract on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	tools        *prometheus.CounterVec
	truncations  *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
}

// New creates a collector. Go runtime and process collectors are
// registered alongside the engine metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		// requests counts executions by terminal status
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Total executions by spec, spec kind and terminal status",
		}, []string{"spec", "kind", "status"}),

		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "steps_total",
			Help:      "Total steps and agent iterations by outcome",
		}, []string{"spec", "step", "kind", "status"}),

		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds by step kind",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"spec", "kind"}),

		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "step_retries_total",
			Help:      "Total step retries after transient failures",
		}, []string{"spec", "step"}),

		// tokens splits usage into input and output
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed by spec and token type",
		}, []string{"spec", "type"}),

		tools: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tool_executions_total",
			Help:      "Total tool invocations by tool and outcome",
		}, []string{"tool", "status"}),

		truncations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retrieval_truncations_total",
			Help:      "Total retrievals whose context was cut to fit the token limit",
		}, []string{"spec"}),

		execDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Execution duration in seconds by spec",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"spec"}),
	}
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ExecutionFinished records the execution outcome and its token usage.
func (c *Collector) ExecutionFinished(spec string, kind workflow.SpecKind, status workflow.Status, usage llm.TokenUsage, duration time.Duration) {
	c.requests.WithLabelValues(spec, string(kind), string(status)).Inc()
	c.execDuration.WithLabelValues(spec).Observe(duration.Seconds())
	if usage.InputTokens > 0 {
		c.tokens.WithLabelValues(spec, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		c.tokens.WithLabelValues(spec, "output").Add(float64(usage.OutputTokens))
	}
}

// StepFinished records a step or agent iteration.
func (c *Collector) StepFinished(spec string, step workflow.StepResult) {
	c.steps.WithLabelValues(spec, step.Name, string(step.Kind), string(step.Status)).Inc()
	if step.Status != workflow.StepSkipped {
		c.stepDuration.WithLabelValues(spec, string(step.Kind)).Observe(step.Duration.Seconds())
	}
}

// StepRetried counts one retry.
func (c *Collector) StepRetried(spec, step string, _ error) {
	c.retries.WithLabelValues(spec, step).Inc()
}

// ToolExecuted counts one tool invocation.
func (c *Collector) ToolExecuted(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.tools.WithLabelValues(tool, status).Inc()
}

// ContextTruncated counts one truncated retrieval.
func (c *Collector) ContextTruncated(spec string) {
	c.truncations.WithLabelValues(spec).Inc()
}
