package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// SIP traffic metrics
	RequestsTotal  *prometheus.CounterVec
	ResponsesTotal *prometheus.CounterVec
	ForwardedTotal *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	ParseErrors    prometheus.Counter

	// State table metrics
	ActiveDialogs  prometheus.Gauge
	ActiveBindings prometheus.Gauge

	// Transport metrics
	SendErrors *prometheus.CounterVec

	// CDR metrics
	CDRRowsWritten *prometheus.CounterVec

	// Auth metrics
	AuthChallenges prometheus.Counter
	AuthFailures   prometheus.Counter
)

// Init registers all proxy metrics with a private registry.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		RequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_requests_total",
				Help: "Total number of SIP requests received",
			},
			[]string{"method"},
		)

		ResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_responses_total",
				Help: "Total number of SIP responses received",
			},
			[]string{"status"},
		)

		ForwardedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_forwarded_total",
				Help: "Total number of messages forwarded downstream",
			},
			[]string{"kind"},
		)

		DroppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_dropped_total",
				Help: "Total number of messages intentionally dropped",
			},
			[]string{"reason"},
		)

		ParseErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipproxy_parse_errors_total",
				Help: "Total number of datagrams that failed SIP parsing",
			},
		)

		ActiveDialogs = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipproxy_active_dialogs",
				Help: "Number of live dialog contexts",
			},
		)

		ActiveBindings = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sipproxy_registered_aors",
				Help: "Number of AORs with at least one active binding",
			},
		)

		SendErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_send_errors_total",
				Help: "Total number of datagram send failures",
			},
			[]string{"kind"},
		)

		CDRRowsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipproxy_cdr_rows_total",
				Help: "Total number of CDR rows written",
			},
			[]string{"record_type"},
		)

		AuthChallenges = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipproxy_auth_challenges_total",
				Help: "Total number of 401 challenges issued",
			},
		)

		AuthFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipproxy_auth_failures_total",
				Help: "Total number of failed digest verifications",
			},
		)

		registry.MustRegister(
			RequestsTotal, ResponsesTotal, ForwardedTotal, DroppedTotal,
			ParseErrors, ActiveDialogs, ActiveBindings, SendErrors,
			CDRRowsWritten, AuthChallenges, AuthFailures,
		)

		logger.Info("Metrics registry initialized")
	})
}

// StartServer serves /metrics on addr in the background.
func StartServer(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", addr).Info("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
