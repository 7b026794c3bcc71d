// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus-backed MetricsSink described in SPEC_FULL §10.5:
// an active-pair gauge, lifetime counters for accepted pairs and
// handshake failures, and a per-leg byte counter.
type Metrics struct {
	pairsActive      prometheus.Gauge
	pairsTotal       prometheus.Counter
	handshakeFailed  prometheus.Counter
	bytesForwarded   *prometheus.CounterVec
	srv              *http.Server
}

// NewMetrics registers the relayproxy collectors against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) lets
// tests construct independent Metrics instances without collector
// double-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pairsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayproxy_pairs_active",
			Help: "Connection pairs currently forwarding or handshaking.",
		}),
		pairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayproxy_pairs_total",
			Help: "Connection pairs accepted since start.",
		}),
		handshakeFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayproxy_handshake_failures_total",
			Help: "Framing codec handshakes that did not complete.",
		}),
		bytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayproxy_bytes_forwarded_total",
			Help: "Plaintext bytes forwarded, labeled by the leg that received them.",
		}, []string{"leg"}),
	}
}

func (m *Metrics) PairAccepted() {
	m.pairsActive.Inc()
	m.pairsTotal.Inc()
}

func (m *Metrics) PairClosed() {
	m.pairsActive.Dec()
}

func (m *Metrics) BytesForwarded(leg string, n int) {
	if n <= 0 {
		return
	}
	m.bytesForwarded.WithLabelValues(leg).Add(float64(n))
}

func (m *Metrics) HandshakeFailed() {
	m.handshakeFailed.Inc()
}

// Serve runs the /metrics HTTP endpoint on addr and blocks until the
// listener fails (its error is returned) or ctx is canceled, at which point
// the server is closed immediately and Serve returns nil.
func (m *Metrics) Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = m.srv.Close()
		return nil
	}
}
