package saga

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/pkg/metrics"
	"salesledger/internal/service/sale/domain"
)

const (
	DefaultStepTimeout         = 5 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
)

// SaleContext 在一次销售变更的责任链中传递数据，每次调用新建一个，调用之间不共享状态。
type SaleContext struct {
	Ctx     context.Context
	Op      domain.Operation
	Tracer  trace.Tracer
	Metrics *metrics.SaleMetrics

	// 依赖的两个账本
	Stock domain.StockLedger
	Sales domain.SaleLedger

	// Sale 对创建是待写入的新销售，对更新和删除是读取到的当前快照。
	Sale *domain.Sale
	// Patch 仅用于更新。
	Patch *domain.SalePatch
	// Result 是提交后的销售。
	Result *domain.Sale

	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	// Native 为 true 时整条链运行在数据库事务中，失败时由数据库回滚，不执行补偿。
	Native bool

	phase         domain.Phase
	compensations []domain.StockAdjustment
	compLock      sync.Mutex
}

// NewSaleContext 创建处于 Validating 阶段的上下文。
func NewSaleContext(ctx context.Context, op domain.Operation) *SaleContext {
	return &SaleContext{
		Ctx:                 ctx,
		Op:                  op,
		Tracer:              otel.Tracer("salesledger/saga"),
		StepTimeout:         DefaultStepTimeout,
		CompensationTimeout: DefaultCompensationTimeout,
		phase:               domain.PhaseValidating,
	}
}

func (c *SaleContext) Phase() domain.Phase {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	return c.phase
}

// Advance 推进状态机，同一阶段内重复进入是允许的。
func (c *SaleContext) Advance(next domain.Phase) error {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	if c.phase == next && next == domain.PhaseAdjusting {
		return nil
	}
	p, err := c.phase.Transition(next)
	if err != nil {
		return err
	}
	c.phase = p
	return nil
}

func (c *SaleContext) saleID() string {
	if c.Sale == nil {
		return ""
	}
	return c.Sale.ID
}

// AddCompensation 记录一个撤销动作，后记录的先执行。
func (c *SaleContext) AddCompensation(undo domain.StockAdjustment) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]domain.StockAdjustment{undo}, c.compensations...)
}

// dropCompensation 撤回最近一次记录的撤销动作，用于正向步骤确定没有生效的情况。
func (c *SaleContext) dropCompensation() {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	if len(c.compensations) > 0 {
		c.compensations = c.compensations[1:]
	}
}

// Compensations 返回当前撤销栈的副本，执行顺序在前。
func (c *SaleContext) Compensations() []domain.StockAdjustment {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	return append([]domain.StockAdjustment(nil), c.compensations...)
}

// TriggerCompensation 逆序执行所有撤销动作。单个失败不会中断后续动作，
// 返回值是没能执行成功的那些，需要人工对账。
func (c *SaleContext) TriggerCompensation(ctx context.Context) []domain.StockAdjustment {
	pending := c.Compensations()
	log := logger.Ctx(c.Ctx)
	log.Info().Str("op", string(c.Op)).Str("sale_id", c.saleID()).
		Int("count", len(pending)).Msg("executing compensations")

	var unapplied []domain.StockAdjustment
	for _, undo := range pending {
		compCtx, span := c.Tracer.Start(ctx, "saga.compensation.Adjust", trace.WithAttributes(
			attribute.String("product_id", undo.ProductID),
			attribute.Int64("delta", undo.Delta),
		))
		stepCtx, cancel := context.WithTimeout(compCtx, c.StepTimeout)
		_, err := c.Stock.Adjust(stepCtx, undo.ProductID, undo.Delta)
		cancel()
		c.Metrics.IncCompensation(string(c.Op))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			log.Error().Err(err).Str("op", string(c.Op)).Str("sale_id", c.saleID()).
				Str("product_id", undo.ProductID).Int64("delta", undo.Delta).
				Msg("CRITICAL: compensation failed")
			unapplied = append(unapplied, undo)
		}
		span.End()
	}

	c.compLock.Lock()
	c.compensations = nil
	c.compLock.Unlock()
	return unapplied
}

// step 在两个步骤之间检查取消，然后在脱离调用方取消信号的 ctx 上执行存储调用：
// 已经发出的调用一定会得到确定的结果。
func (c *SaleContext) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := c.Ctx.Err(); err != nil {
		return domain.NewTransactionAbort(name, err)
	}
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// Handler 和 NextHandler 组成责任链。
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(saleCtx *SaleContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(saleCtx *SaleContext) error {
	if h.next != nil {
		return h.next.Handle(saleCtx)
	}
	return nil
}

// Chain 按顺序把处理器串起来，返回链头。
func Chain(handlers ...Handler) Handler {
	for i := 0; i+1 < len(handlers); i++ {
		handlers[i].SetNext(handlers[i+1])
	}
	return handlers[0]
}
