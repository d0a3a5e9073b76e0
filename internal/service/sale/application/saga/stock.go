package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/service/sale/domain"
)

// ReleaseHandler 归还快照中销售占用的库存（更新和删除的第一步）。
type ReleaseHandler struct {
	NextHandler
}

func (h *ReleaseHandler) Handle(saleCtx *SaleContext) error {
	if saleCtx.Op == domain.OpUpdateSale && saleCtx.Patch != nil && saleCtx.Patch.LineItems == nil {
		// 明细不变：归还和重新占用相互抵消，两步都省略，只改税额。
		return h.executeNext(saleCtx)
	}
	if err := applyAdjustments(saleCtx, "saga.ReleaseStock", saleCtx.Sale.Release()); err != nil {
		return err
	}
	return h.executeNext(saleCtx)
}

// AllocateHandler 按新明细扣减库存。创建时用 Sale，更新时用 Patch 中的新明细。
type AllocateHandler struct {
	NextHandler
}

func (h *AllocateHandler) Handle(saleCtx *SaleContext) error {
	var adjustments []domain.StockAdjustment
	switch {
	case saleCtx.Op == domain.OpCreateSale:
		adjustments = saleCtx.Sale.Allocation()
	case saleCtx.Patch != nil && saleCtx.Patch.LineItems != nil:
		adjustments = (&domain.Sale{LineItems: saleCtx.Patch.LineItems}).Allocation()
	}
	if err := applyAdjustments(saleCtx, "saga.AllocateStock", adjustments); err != nil {
		return err
	}
	return h.executeNext(saleCtx)
}

// applyAdjustments 依次执行条件调整。每一步之前先记录它的撤销动作，
// 调整被拒绝时撤回该记录，因为条件写失败意味着没有生效。
func applyAdjustments(saleCtx *SaleContext, name string, adjustments []domain.StockAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	ctx, span := saleCtx.Tracer.Start(saleCtx.Ctx, name, traceAttrs(saleCtx)...)
	defer span.End()
	log := logger.Ctx(saleCtx.Ctx)

	for _, adj := range adjustments {
		if err := saleCtx.Advance(domain.PhaseAdjusting); err != nil {
			return err
		}
		saleCtx.AddCompensation(domain.StockAdjustment{ProductID: adj.ProductID, Delta: -adj.Delta})

		var quantity int64
		err := saleCtx.step(ctx, name, func(stepCtx context.Context) error {
			var err error
			quantity, err = saleCtx.Stock.Adjust(stepCtx, adj.ProductID, adj.Delta)
			return err
		})
		saleCtx.Metrics.ObserveAdjustment(adj.Delta, err)
		if err != nil {
			saleCtx.dropCompensation()
			span.RecordError(err)
			span.SetStatus(codes.Error, "stock adjustment failed")
			span.SetAttributes(attribute.String("failed_product_id", adj.ProductID))
			log.Warn().Err(err).Str("op", string(saleCtx.Op)).Str("product_id", adj.ProductID).
				Int64("delta", adj.Delta).Msg("stock adjustment rejected")
			return domain.NewTransactionAbort(name, err)
		}
		log.Debug().Str("product_id", adj.ProductID).Int64("delta", adj.Delta).
			Int64("quantity", quantity).Msg("stock adjusted")
	}
	span.AddEvent("stock adjusted", trace.WithAttributes(attribute.Int("count", len(adjustments))))
	return nil
}
