// Copyright 2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus collectors reporting push worker activity. A nil *Metrics records
// nothing.
type Metrics struct {
	connections   *prometheus.GaugeVec
	eventsSent    *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	pollDuration  prometheus.Histogram
}

// MustNewMetrics define the collectors and register them with the registerer. Panics on
// registration failure.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "connections",
				Help:      "Number of open event streams.",
			},
			[]string{"handler"},
		),
		eventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "events_sent_total",
				Help:      "Number of events queued onto event streams.",
			},
			[]string{"event"},
		),
		sendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "send_failures_total",
				Help:      "Number of events which could not be queued onto an event stream.",
			},
			[]string{"event"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "handler_errors_total",
				Help:      "Number of failed handler calls.",
			},
			[]string{"handler", "operation"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "admission_rejections_total",
				Help:      "Number of refused event stream requests.",
			},
			[]string{"reason"},
		),
		pollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "httppush",
				Subsystem: "push",
				Name:      "poll_duration_seconds",
				Help:      "Duration of one change poll tick of one worker.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(
		m.connections, m.eventsSent, m.sendFailures, m.handlerErrors, m.rejections, m.pollDuration,
	)
	return m
}

func (m *Metrics) connectionOpened(handler string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(handler).Inc()
}

func (m *Metrics) connectionClosed(handler string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(handler).Dec()
}

func (m *Metrics) eventSent(event string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sendFailures.WithLabelValues(event).Inc()
		return
	}
	m.eventsSent.WithLabelValues(event).Inc()
}

func (m *Metrics) handlerError(handler, operation string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(handler, operation).Inc()
}

func (m *Metrics) admissionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) observePoll(duration time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(duration.Seconds())
}
