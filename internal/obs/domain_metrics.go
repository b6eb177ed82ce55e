package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// VoucherIssuedTotal counts vouchers created by the issuer per meal type.
	VoucherIssuedTotal *prometheus.CounterVec
	// VoucherRedemptionsTotal counts redemption attempts by outcome.
	VoucherRedemptionsTotal *prometheus.CounterVec
	// BulkIssueDuration records bulk issuance run latency in milliseconds.
	BulkIssueDuration prometheus.Histogram
	// BulkIssueGuestsTotal counts guests handled by bulk issuance by outcome.
	BulkIssueGuestsTotal *prometheus.CounterVec
	// DirectoryLookupsTotal counts directory reads by source and outcome.
	DirectoryLookupsTotal *prometheus.CounterVec
	// TasksProcessedTotal counts background task executions by type and outcome.
	TasksProcessedTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		VoucherIssuedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_issued_total",
			Help:      "Count of vouchers created by meal type.",
		}, []string{"meal_type"}))
		VoucherRedemptionsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_redemptions_total",
			Help:      "Count of voucher redemption attempts by outcome.",
		}, []string{"result"}))
		BulkIssueDuration = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_issue_duration_ms",
			Help:      "Latency of bulk issuance runs in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}))
		BulkIssueGuestsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_issue_guests_total",
			Help:      "Count of guests processed by bulk issuance by outcome.",
		}, []string{"result"}))
		DirectoryLookupsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Count of guest directory reads by source and outcome.",
		}, []string{"source", "result"}))
		TasksProcessedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Count of background tasks processed by type and outcome.",
		}, []string{"type", "result"}))
	})
}

// CountIssued increments the issued counter when domain metrics are registered.
func CountIssued(mealType string, n int) {
	if VoucherIssuedTotal == nil || n <= 0 {
		return
	}
	VoucherIssuedTotal.WithLabelValues(mealType).Add(float64(n))
}

// CountRedemption records a redemption outcome when domain metrics are registered.
func CountRedemption(result string) {
	if VoucherRedemptionsTotal == nil {
		return
	}
	VoucherRedemptionsTotal.WithLabelValues(result).Inc()
}

// CountDirectoryLookup records a directory read outcome when domain metrics are registered.
func CountDirectoryLookup(source, result string) {
	if DirectoryLookupsTotal == nil {
		return
	}
	DirectoryLookupsTotal.WithLabelValues(source, result).Inc()
}

// CountTask records a background task outcome when domain metrics are registered.
func CountTask(taskType, result string) {
	if TasksProcessedTotal == nil {
		return
	}
	TasksProcessedTotal.WithLabelValues(taskType, result).Inc()
}

// ObserveBulkIssue records a finished bulk issuance run.
func ObserveBulkIssue(elapsed time.Duration) {
	if BulkIssueDuration == nil {
		return
	}
	BulkIssueDuration.Observe(float64(elapsed.Milliseconds()))
}

// CountBulkGuest records the outcome for one guest of a bulk run.
func CountBulkGuest(result string) {
	if BulkIssueGuestsTotal == nil {
		return
	}
	BulkIssueGuestsTotal.WithLabelValues(result).Inc()
}
