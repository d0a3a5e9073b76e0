// internal/pkg/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sales"

// 结果标签
const (
	OutcomeSuccess       = "success"
	OutcomeRejected      = "rejected"
	OutcomeRolledBack    = "rolled_back"
	OutcomeInconsistency = "inconsistency"
)

// SaleMetrics 汇总销售协调流程的 Prometheus 指标。
// nil 接收者上的方法都是空操作，方便在测试或未启用监控时直接传 nil。
type SaleMetrics struct {
	operations      *prometheus.CounterVec
	adjustments     *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	inconsistencies *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

// NewSaleMetrics 创建并注册指标。reg 为 nil 时使用默认注册表。
func NewSaleMetrics(reg prometheus.Registerer) *SaleMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SaleMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Sale mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_adjustments_total",
			Help:      "Conditional stock adjustments by direction and outcome.",
		}, []string{"direction", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating stock adjustments executed during rollback.",
		}, []string{"op"}),
		inconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistencies_total",
			Help:      "Failures that left the stock and sale ledgers divergent.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of sale mutations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(m.operations, m.adjustments, m.compensations, m.inconsistencies, m.duration)
	return m
}

func (m *SaleMetrics) ObserveOperation(op, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *SaleMetrics) ObserveAdjustment(delta int64, err error) {
	if m == nil {
		return
	}
	direction := "release"
	if delta < 0 {
		direction = "allocate"
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeRejected
	}
	m.adjustments.WithLabelValues(direction, outcome).Inc()
}

func (m *SaleMetrics) IncCompensation(op string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(op).Inc()
}

func (m *SaleMetrics) IncInconsistency(op string) {
	if m == nil {
		return
	}
	m.inconsistencies.WithLabelValues(op).Inc()
}
