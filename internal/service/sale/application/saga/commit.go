package saga

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/service/sale/domain"
)

// InsertSaleHandler 写入新的销售记录。
type InsertSaleHandler struct {
	NextHandler
}

func (h *InsertSaleHandler) Handle(saleCtx *SaleContext) error {
	ctx, span := saleCtx.Tracer.Start(saleCtx.Ctx, "saga.InsertSale", traceAttrs(saleCtx)...)
	defer span.End()

	if err := saleCtx.Advance(domain.PhaseCommitting); err != nil {
		return err
	}
	err := saleCtx.step(ctx, "insert_sale", func(stepCtx context.Context) error {
		id, err := saleCtx.Sales.Insert(stepCtx, saleCtx.Sale)
		if err != nil {
			return err
		}
		saleCtx.Sale.ID = id
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert sale failed")
		return domain.NewTransactionAbort("insert_sale", err)
	}
	saleCtx.Result = saleCtx.Sale
	return h.executeNext(saleCtx)
}

// UpdateSaleHandler 按版本号条件写入更新后的销售记录。
type UpdateSaleHandler struct {
	NextHandler
}

func (h *UpdateSaleHandler) Handle(saleCtx *SaleContext) error {
	ctx, span := saleCtx.Tracer.Start(saleCtx.Ctx, "saga.UpdateSale", traceAttrs(saleCtx)...)
	defer span.End()

	if err := saleCtx.Advance(domain.PhaseCommitting); err != nil {
		return err
	}
	var updated *domain.Sale
	err := saleCtx.step(ctx, "update_sale", func(stepCtx context.Context) error {
		var err error
		updated, err = saleCtx.Sales.Update(stepCtx, saleCtx.Sale.ID, *saleCtx.Patch)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update sale failed")
		return domain.NewTransactionAbort("update_sale", err)
	}
	saleCtx.Result = updated
	return h.executeNext(saleCtx)
}

// DeleteSaleHandler 删除销售记录。库存已经归还，所以删除结果无法确认时不能回滚也不能重试，
// 只能报告不一致。
type DeleteSaleHandler struct {
	NextHandler
}

func (h *DeleteSaleHandler) Handle(saleCtx *SaleContext) error {
	ctx, span := saleCtx.Tracer.Start(saleCtx.Ctx, "saga.DeleteSale", traceAttrs(saleCtx)...)
	defer span.End()

	if err := saleCtx.Advance(domain.PhaseCommitting); err != nil {
		return err
	}
	err := saleCtx.step(ctx, "delete_sale", func(stepCtx context.Context) error {
		return saleCtx.Sales.Delete(stepCtx, saleCtx.Sale.ID, saleCtx.Sale.Version)
	})
	if err == nil {
		saleCtx.Result = saleCtx.Sale
		return h.executeNext(saleCtx)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "delete sale failed")
	switch {
	case domain.IsClassified(err), errors.Is(err, domain.ErrVersionConflict), saleCtx.Native:
		// 记录确定没有被删除（或者数据库会整体回滚），可以安全补偿
		return domain.NewTransactionAbort("delete_sale", err)
	default:
		logger.Ctx(saleCtx.Ctx).Error().Err(err).Str("sale_id", saleCtx.Sale.ID).
			Msg("CRITICAL: sale deletion outcome unknown after stock was released")
		return &domain.InconsistencyError{
			Op:        saleCtx.Op,
			SaleID:    saleCtx.Sale.ID,
			Unapplied: saleCtx.Compensations(),
			Cause:     err,
		}
	}
}
