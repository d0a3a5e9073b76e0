package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSaleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSaleMetrics(reg)

	m.ObserveOperation("create_sale", OutcomeSuccess, time.Now())
	m.ObserveOperation("create_sale", OutcomeSuccess, time.Now())
	m.ObserveAdjustment(-2, nil)
	m.ObserveAdjustment(-2, errors.New("boom"))
	m.ObserveAdjustment(3, nil)
	m.IncCompensation("create_sale")
	m.IncInconsistency("delete_sale")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("create_sale", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("allocate", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("allocate", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("release", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compensations.WithLabelValues("create_sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inconsistencies.WithLabelValues("delete_sale")))
}

func TestSaleMetrics_NilReceiver(t *testing.T) {
	var m *SaleMetrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("create_sale", OutcomeSuccess, time.Now())
		m.ObserveAdjustment(1, nil)
		m.IncCompensation("x")
		m.IncInconsistency("x")
	})
}
