// internal/service/sale/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleEventType 标识销售领域事件。
type SaleEventType string

const (
	SaleRecorded SaleEventType = "SALE_RECORDED"
	SaleAmended  SaleEventType = "SALE_AMENDED"
	SaleVoided   SaleEventType = "SALE_VOIDED"
)

// SaleEvent 在销售变更提交之后发布。
type SaleEvent struct {
	Type       SaleEventType   `json:"type"`
	SaleID     string          `json:"saleId"`
	Version    int64           `json:"version"`
	LineItems  []EventLineItem `json:"lineItems"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	OccurredAt time.Time       `json:"occurredAt"`
	TraceID    string          `json:"traceId,omitempty"`
}

type EventLineItem struct {
	ProductID       string          `json:"productId"`
	QuantitySold    int64           `json:"quantitySold"`
	UnitPriceAtSale decimal.Decimal `json:"unitPriceAtSale"`
	Subtotal        decimal.Decimal `json:"subtotal"`
}

// NewSaleEvent 从销售快照构造事件。
func NewSaleEvent(t SaleEventType, s *Sale) *SaleEvent {
	items := make([]EventLineItem, 0, len(s.LineItems))
	for _, it := range s.LineItems {
		items = append(items, EventLineItem{
			ProductID:       it.ProductID,
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: it.UnitPriceAtSale,
			Subtotal:        it.Subtotal,
		})
	}
	return &SaleEvent{
		Type:       t,
		SaleID:     s.ID,
		Version:    s.Version,
		LineItems:  items,
		Tax:        s.Tax,
		Total:      s.Total,
		OccurredAt: time.Now().UTC(),
	}
}

// InconsistencyReport 是提交给人工对账的报告。
type InconsistencyReport struct {
	Op         Operation         `json:"op"`
	SaleID     string            `json:"saleId"`
	Unapplied  []StockAdjustment `json:"unapplied"`
	Cause      string            `json:"cause"`
	DetectedAt time.Time         `json:"detectedAt"`
	TraceID    string            `json:"traceId,omitempty"`
}

func NewInconsistencyReport(e *InconsistencyError) *InconsistencyReport {
	cause := ""
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return &InconsistencyReport{
		Op:         e.Op,
		SaleID:     e.SaleID,
		Unapplied:  append([]StockAdjustment(nil), e.Unapplied...),
		Cause:      cause,
		DetectedAt: time.Now().UTC(),
	}
}
