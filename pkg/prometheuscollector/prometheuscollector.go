// Package prometheuscollector exposes the handler's metrics in the
// Prometheus exposition format
// (https://prometheus.io/docs/instrumenting/exposition_formats/):
//
//	h, err := handler.NewUnroutedHandler(…)
//	collector := prometheuscollector.New(h.Metrics)
//	prometheus.MustRegister(collector)
package prometheuscollector

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/transferd/transferd/pkg/handler"
)

var (
	requestsTotalDesc = prometheus.NewDesc(
		"transferd_requests_total",
		"Total number of requests served per method.",
		[]string{"method"}, nil)
	errorsTotalDesc = prometheus.NewDesc(
		"transferd_errors_total",
		"Total number of errors per status and code.",
		[]string{"status", "code"}, nil)
	bytesReceivedDesc = prometheus.NewDesc(
		"transferd_bytes_received",
		"Number of bytes received for uploads.",
		nil, nil)
	uploadsCreatedDesc = prometheus.NewDesc(
		"transferd_uploads_created",
		"Number of created uploads.",
		nil, nil)
	uploadsFinishedDesc = prometheus.NewDesc(
		"transferd_uploads_finished",
		"Number of finished uploads.",
		nil, nil)
	uploadsTerminatedDesc = prometheus.NewDesc(
		"transferd_uploads_terminated",
		"Number of terminated uploads.",
		nil, nil)
)

type Collector struct {
	metrics handler.Metrics
}

// New creates a new collector which reads from the provided Metrics
// struct.
func New(metrics handler.Metrics) Collector {
	return Collector{
		metrics: metrics,
	}
}

func (Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- requestsTotalDesc
	descs <- errorsTotalDesc
	descs <- bytesReceivedDesc
	descs <- uploadsCreatedDesc
	descs <- uploadsFinishedDesc
	descs <- uploadsTerminatedDesc
}

func (c Collector) Collect(metrics chan<- prometheus.Metric) {
	for method, valuePtr := range c.metrics.RequestsTotal {
		metrics <- prometheus.MustNewConstMetric(
			requestsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			method,
		)
	}

	for protocolError, valuePtr := range c.metrics.ErrorsTotal.Load() {
		metrics <- prometheus.MustNewConstMetric(
			errorsTotalDesc,
			prometheus.CounterValue,
			float64(atomic.LoadUint64(valuePtr)),
			strconv.Itoa(protocolError.StatusCode),
			protocolError.ErrorCode,
		)
	}

	metrics <- prometheus.MustNewConstMetric(
		bytesReceivedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.BytesReceived)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsFinishedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsFinished)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsCreatedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsCreated)),
	)

	metrics <- prometheus.MustNewConstMetric(
		uploadsTerminatedDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(c.metrics.UploadsTerminated)),
	)
}
