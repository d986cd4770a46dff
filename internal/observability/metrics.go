package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "newsletter_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	MailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "newsletter_mail_send_total", Help: "Mail transport send outcomes"},
		[]string{"result"},
	)
	MailLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "newsletter_mail_send_latency_seconds", Help: "Mail transport send latency"},
	)
	Batches = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "newsletter_batches_total", Help: "Completed batches"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "newsletter_runs_total", Help: "Dispatch runs by final status"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "newsletter_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
	RetryBudgetExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "newsletter_retry_budget_exceeded_total", Help: "Runs started past RETRY_ATTEMPTS"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, MailSend, MailLatency, Batches, Runs, Enqueues, RetryBudgetExceeded)
}
