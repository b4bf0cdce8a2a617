package mid

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ardanlabs/blockstore/foundation/web"
	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics holds the collectors updated for every request.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	errors   prometheus.Counter
	latency  *prometheus.HistogramVec
}

// NewRequestMetrics registers the request collectors.
func NewRequestMetrics(reg prometheus.Registerer) (*RequestMetrics, error) {
	m := RequestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockstore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests handled by status code.",
		}, []string{"code"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockstore",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Requests whose handler returned an error.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blockstore",
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "Request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.errors, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// Metrics updates the request collectors.
func Metrics(m *RequestMetrics) web.Middleware {

	// This is the actual middleware function to be executed.
	mw := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			// Call the next handler.
			err := handler(ctx, w, r)

			if v, verr := web.GetValues(ctx); verr == nil {
				m.requests.WithLabelValues(strconv.Itoa(v.StatusCode)).Inc()
				m.latency.WithLabelValues(r.Method).Observe(time.Since(v.Now).Seconds())
			}

			if err != nil {
				m.errors.Inc()
			}

			// Return the error so it can be handled further up the chain.
			return err
		}

		return h
	}

	return mw
}
