package saga

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/service/sale/domain"
)

// TransactionHandler 负责整个责任链的事务生命周期：成功时进入 Done，
// 失败或 panic 时按撤销栈回滚。补偿本身失败时返回 *domain.InconsistencyError。
// Native 模式下成功只停在 Committing，是否 Done 要等数据库提交的结果。
type TransactionHandler struct {
	NextHandler
}

func (h *TransactionHandler) Handle(saleCtx *SaleContext) (err error) {
	ctx, span := saleCtx.Tracer.Start(saleCtx.Ctx, "saga.Transaction", traceAttrs(saleCtx)...)
	defer span.End()
	log := logger.Ctx(saleCtx.Ctx)

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewTransactionAbort(string(saleCtx.Op), fmt.Errorf("panic recovered: %v", r))
		}

		if err == nil && saleCtx.Native {
			span.AddEvent("chain finished, awaiting commit")
			return
		}
		if err == nil {
			if advErr := saleCtx.Advance(domain.PhaseDone); advErr != nil {
				err = advErr
			} else {
				span.AddEvent("transaction committed")
				return
			}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "sale transaction failed")
		err = h.rollback(ctx, saleCtx, err)
		if errors.Is(err, domain.ErrInconsistency) {
			log.Error().Err(err).Str("op", string(saleCtx.Op)).Str("sale_id", saleCtx.saleID()).
				Msg("CRITICAL: ledgers left inconsistent")
		}
	}()

	return h.executeNext(saleCtx)
}

func (h *TransactionHandler) rollback(ctx context.Context, saleCtx *SaleContext, cause error) error {
	log := logger.Ctx(saleCtx.Ctx)
	phase := saleCtx.Phase()

	// 步骤自己已经判定为不一致（比如删除结果无法确认），不能再补偿。
	var inconsistency *domain.InconsistencyError
	if errors.As(cause, &inconsistency) {
		return cause
	}

	// 还在校验阶段：没有任何存储写入发生。
	if phase == domain.PhaseValidating {
		return cause
	}

	if saleCtx.Native {
		log.Warn().Err(cause).Str("op", string(saleCtx.Op)).Msg("rolling back database transaction")
		_ = saleCtx.Advance(domain.PhaseRolledBack)
		return cause
	}

	log.Warn().Err(cause).Str("op", string(saleCtx.Op)).Str("sale_id", saleCtx.saleID()).
		Str("phase", string(phase)).Msg("sale transaction failed, compensating")

	// 补偿在脱离调用方取消信号的 ctx 上执行，调用方取消不会打断回滚。
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saleCtx.CompensationTimeout)
	defer cancel()

	unapplied := saleCtx.TriggerCompensation(compCtx)
	if len(unapplied) > 0 {
		return &domain.InconsistencyError{
			Op:        saleCtx.Op,
			SaleID:    saleCtx.saleID(),
			Unapplied: unapplied,
			Cause:     cause,
		}
	}
	_ = saleCtx.Advance(domain.PhaseRolledBack)
	log.Info().Str("op", string(saleCtx.Op)).Str("sale_id", saleCtx.saleID()).Msg("rollback complete")
	return cause
}

func traceAttrs(saleCtx *SaleContext) []trace.SpanStartOption {
	return []trace.SpanStartOption{trace.WithAttributes(
		attribute.String("sale.op", string(saleCtx.Op)),
		attribute.String("sale.id", saleCtx.saleID()),
	)}
}
