// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exports Prometheus metrics about proxied exchanges.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-core-stack/context-proxy/pkg/plugin"
	"github.com/go-core-stack/context-proxy/pkg/plugins/outputscan"
	"github.com/go-core-stack/context-proxy/pkg/proxy"
	"github.com/go-core-stack/context-proxy/pkg/tools"
)

// Name identifies the plugin.
const Name = "metrics"

// otherTool labels exchanges from tools without a routing policy. The tool
// id comes from the request path, so it is not trusted as a label value.
const otherTool = "other"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Plugin records exchange counters and latencies into its own registry.
type Plugin struct {
	registry *prometheus.Registry
	now      func() time.Time
	known    map[string]struct{}

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	firstByte     *prometheus.HistogramVec
	responseBytes *prometheus.CounterVec
	errors        *prometheus.CounterVec
	scanAlerts    *prometheus.CounterVec
}

// New creates the plugin with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Plugin {
	p := &Plugin{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		known:    map[string]struct{}{"unknown": {}},
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "context_proxy_requests_total",
			Help: "Proxied exchanges by tool, provider and relayed status.",
		}, []string{"tool", "provider", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "context_proxy_request_duration_seconds",
			Help:    "Exchange duration from arrival to the end of the relay.",
			Buckets: latencyBuckets,
		}, []string{"tool", "provider"}),
		firstByte: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "context_proxy_time_to_first_byte_seconds",
			Help:    "Time until the first streamed body chunk reached the relay.",
			Buckets: latencyBuckets,
		}, []string{"tool", "provider"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "context_proxy_response_bytes_total",
			Help: "Response body bytes relayed to tools.",
		}, []string{"tool", "provider"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "context_proxy_errors_total",
			Help: "Failed exchanges by failure type.",
		}, []string{"tool", "provider", "type"}),
		scanAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "context_proxy_scan_alerts_total",
			Help: "Suspicious URLs found in model output.",
		}, []string{"tool", "provider"}),
	}

	for _, id := range tools.Known() {
		p.known[id] = struct{}{}
	}

	p.registry.MustRegister(
		p.requests,
		p.duration,
		p.firstByte,
		p.responseBytes,
		p.errors,
		p.scanAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Registry exposes the registry for tests and embedding.
func (p *Plugin) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Plugin) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Plugin) tool(ex *plugin.Exchange) string {
	if _, ok := p.known[ex.Tool]; ok {
		return ex.Tool
	}
	return otherTool
}

// OnChunk observes the time to the first streamed chunk.
func (p *Plugin) OnChunk(_ context.Context, ex *plugin.Exchange, _ []byte) error {
	if ex.Response != nil && ex.Response.Bytes == 0 {
		p.firstByte.WithLabelValues(p.tool(ex), ex.Provider).Observe(p.now().Sub(ex.Started).Seconds())
	}
	return nil
}

// OnError counts failures by type.
func (p *Plugin) OnError(_ context.Context, ex *plugin.Exchange, err error) {
	p.errors.WithLabelValues(p.tool(ex), ex.Provider, proxy.ErrorType(err)).Inc()
}

// OnComplete records the exchange outcome.
func (p *Plugin) OnComplete(_ context.Context, ex *plugin.Exchange) {
	status := "none"
	if code := ex.StatusCode(); code != 0 {
		status = strconv.Itoa(code)
	}
	tool := p.tool(ex)
	p.requests.WithLabelValues(tool, ex.Provider, status).Inc()
	p.duration.WithLabelValues(tool, ex.Provider).Observe(p.now().Sub(ex.Started).Seconds())
	if ex.Response != nil {
		p.responseBytes.WithLabelValues(tool, ex.Provider).Add(float64(ex.Response.Bytes))
	}
	if raw, ok := ex.Annotation(outputscan.AnnotationAlerts); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.scanAlerts.WithLabelValues(tool, ex.Provider).Add(float64(n))
		}
	}
}
