package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reservationsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Reservations created by initiateOrder",
	})

	reservationsResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reservations_resumed_total",
		Help: "initiateOrder calls that returned the buyer's existing reservation",
	})

	reservationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reservation_conflicts_total",
		Help: "initiateOrder calls rejected because another buyer holds the listing",
	})

	reservationsRetired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_retired_total",
			Help: "Reservations moved to a terminal status",
		},
		[]string{"status"},
	)

	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment results reconciled into the ledger",
		},
		[]string{"result"},
	)

	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Expiration sweep passes",
	})

	reserveAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reserve_attempts_total",
			Help: "Individual reserve attempts including retries",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		reservationsCreated,
		reservationsResumed,
		reservationConflicts,
		reservationsRetired,
		paymentsTotal,
		sweepRuns,
		reserveAttempts,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

func ReservationCreated()              { reservationsCreated.Inc() }
func ReservationResumed()              { reservationsResumed.Inc() }
func ReservationConflict()             { reservationConflicts.Inc() }
func ReservationRetired(status string) { reservationsRetired.WithLabelValues(status).Inc() }
func PaymentResult(result string)      { paymentsTotal.WithLabelValues(result).Inc() }
func SweepRun()                        { sweepRuns.Inc() }
func ReserveAttempt(outcome string)    { reserveAttempts.WithLabelValues(outcome).Inc() }

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
