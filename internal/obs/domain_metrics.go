package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// InvoicesSavedTotal counts invoice save outcomes per billing mode.
	InvoicesSavedTotal *prometheus.CounterVec
	// InvoiceGrandTotal records the grand total of saved invoices.
	InvoiceGrandTotal *prometheus.HistogramVec
	// ScanLookupsTotal counts barcode lookups by result (hit, miss, error).
	ScanLookupsTotal *prometheus.CounterVec
	// SessionMutationsTotal counts billing session mutations by operation.
	SessionMutationsTotal *prometheus.CounterVec
	// EmailDeliveriesTotal tracks invoice email delivery outcomes.
	EmailDeliveriesTotal *prometheus.CounterVec
	// QueueJobsTotal counts background job outcomes by kind.
	QueueJobsTotal *prometheus.CounterVec
	// BreakerState exposes breaker state per target: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitionsTotal counts breaker state changes.
	BreakerTransitionsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers billing collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		InvoicesSavedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_invoices_saved_total",
			Help:      "Count of invoice save attempts by billing mode and outcome.",
		}, []string{"billing_mode", "result"}))
		InvoiceGrandTotal = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_invoice_grand_total",
			Help:      "Grand total of saved invoices in currency units.",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		}, []string{"billing_mode"}))
		ScanLookupsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_scan_lookups_total",
			Help:      "Count of barcode lookups by result.",
		}, []string{"result"}))
		SessionMutationsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_session_mutations_total",
			Help:      "Count of billing session mutations by operation.",
		}, []string{"op"}))
		EmailDeliveriesTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_email_deliveries_total",
			Help:      "Count of invoice email delivery outcomes.",
		}, []string{"result"}))
		QueueJobsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Count of background job outcomes by kind.",
		}, []string{"kind", "result"}))
		BreakerState = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed,1=open,2=half-open.",
		}, []string{"target"}))
		BreakerTransitionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Count of breaker state transitions.",
		}, []string{"target", "from", "to"}))
	})
}

// incCounter is a no-op until MustRegisterDomainMetrics has run, so packages
// can record metrics in tests without a registry.
func incCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

func ObserveInvoiceSaved(mode, result string, grandTotal float64) {
	incCounter(InvoicesSavedTotal, mode, result)
	if InvoiceGrandTotal != nil && result == "ok" {
		InvoiceGrandTotal.WithLabelValues(mode).Observe(grandTotal)
	}
}

func ObserveScan(result string) { incCounter(ScanLookupsTotal, result) }

func ObserveSessionMutation(op string) { incCounter(SessionMutationsTotal, op) }

func ObserveEmailDelivery(result string) { incCounter(EmailDeliveriesTotal, result) }

func ObserveQueueJob(kind, result string) { incCounter(QueueJobsTotal, kind, result) }

// ObserveBreaker records a breaker transition and the resulting state.
func ObserveBreaker(target, from, to string, state float64) {
	if BreakerState != nil {
		BreakerState.WithLabelValues(target).Set(state)
	}
	if from != to {
		incCounter(BreakerTransitionsTotal, target, from, to)
	}
}
