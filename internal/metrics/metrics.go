package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_jobs_scheduled_total",
			Help: "Total email jobs accepted for scheduling",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_email_failures_total",
			Help: "Total failed email dispatches",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_rate_limited_total",
			Help: "Total dispatches deferred by the hourly rate caps",
		},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_jobs_recovered_total",
			Help: "Total jobs requeued by startup recovery",
		},
	)
)

func Init() {
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(JobsRecovered)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
