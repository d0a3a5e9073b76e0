// internal/service/sale/application/service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"salesledger/internal/pkg/keylock"
	"salesledger/internal/pkg/logger"
	"salesledger/internal/pkg/metrics"
	"salesledger/internal/service/sale/application/saga"
	"salesledger/internal/service/sale/domain"
	"salesledger/internal/service/sale/domain/port"
)

// SaleApplicationService 协调库存账本和销售账本，保证每次销售变更要么完整生效，要么不留痕迹。
// 它在调用之间不保存状态，可以随请求创建。
type SaleApplicationService struct {
	stock domain.StockLedger
	sales domain.SaleLedger

	transactor domain.Transactor
	publisher  port.SaleEventPublisher
	reporter   port.InconsistencyReporter
	saleLocker keylock.Locker
	metrics    *metrics.SaleMetrics
	tracer     trace.Tracer

	stepTimeout         time.Duration
	compensationTimeout time.Duration
	now                 func() time.Time
}

type Option func(*SaleApplicationService)

// WithTransactor 启用原生事务模式，两个账本必须共享同一个数据库。
func WithTransactor(t domain.Transactor) Option {
	return func(s *SaleApplicationService) { s.transactor = t }
}

func WithEventPublisher(p port.SaleEventPublisher) Option {
	return func(s *SaleApplicationService) { s.publisher = p }
}

func WithInconsistencyReporter(r port.InconsistencyReporter) Option {
	return func(s *SaleApplicationService) { s.reporter = r }
}

// WithSaleLocker 让同一笔销售的更新和删除串行执行（例如跨实例的 ZooKeeper 锁）。
func WithSaleLocker(l keylock.Locker) Option {
	return func(s *SaleApplicationService) { s.saleLocker = l }
}

func WithMetrics(m *metrics.SaleMetrics) Option {
	return func(s *SaleApplicationService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *SaleApplicationService) { s.tracer = t }
}

func WithTimeouts(step, compensation time.Duration) Option {
	return func(s *SaleApplicationService) {
		if step > 0 {
			s.stepTimeout = step
		}
		if compensation > 0 {
			s.compensationTimeout = compensation
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SaleApplicationService) { s.now = now }
}

func NewSaleApplicationService(stock domain.StockLedger, sales domain.SaleLedger, opts ...Option) *SaleApplicationService {
	s := &SaleApplicationService{
		stock:               stock,
		sales:               sales,
		tracer:              otel.Tracer("sales-service"),
		stepTimeout:         saga.DefaultStepTimeout,
		compensationTimeout: saga.DefaultCompensationTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSale 为每一行扣减库存并写入销售记录。任何一步失败都会撤销已经执行的调整。
func (s *SaleApplicationService) CreateSale(ctx context.Context, req CreateSaleRequest) (*domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateSale", trace.WithAttributes(attribute.Int("line_items", len(req.LineItems))))
	defer span.End()
	ctx = logger.WithTraceID(ctx)
	started := time.Now()

	// 1. Validating：先做纯形状校验，再加载引用的商品
	if err := validateRequestItems(req.LineItems); err != nil {
		return nil, s.reject(ctx, span, domain.OpCreateSale, started, err)
	}
	if err := domain.ValidateMoney("tax", req.Tax); err != nil {
		return nil, s.reject(ctx, span, domain.OpCreateSale, started, err)
	}
	items, err := s.resolveLineItems(ctx, req.LineItems, nil)
	if err != nil {
		return nil, s.reject(ctx, span, domain.OpCreateSale, started, err)
	}
	sale, err := domain.NewSale(items, req.Tax)
	if err != nil {
		return nil, s.reject(ctx, span, domain.OpCreateSale, started, err)
	}
	span.SetAttributes(attribute.String("sale.id", sale.ID))

	// 2. Adjusting → Committing
	saleCtx := s.newSaleContext(ctx, domain.OpCreateSale)
	saleCtx.Sale = sale
	chain := saga.Chain(&saga.TransactionHandler{}, &saga.AllocateHandler{}, &saga.InsertSaleHandler{})
	if err := s.run(saleCtx, chain); err != nil {
		return nil, s.fail(ctx, span, saleCtx, started, err)
	}

	s.succeed(ctx, saleCtx, started, domain.SaleRecorded)
	logger.Ctx(ctx).Info().Str("sale_id", sale.ID).Str("total", sale.Total.String()).Msg("sale recorded")
	return saleCtx.Result, nil
}

// UpdateSale 归还原有明细的库存、按新明细重新扣减，然后写入新版本。
// 失败时恢复原来的占用，调用对库存没有任何影响。
func (s *SaleApplicationService) UpdateSale(ctx context.Context, id string, req UpdateSaleRequest) (*domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "app.UpdateSale", trace.WithAttributes(attribute.String("sale.id", id)))
	defer span.End()
	ctx = logger.WithTraceID(ctx)
	started := time.Now()

	if req.LineItems != nil {
		if err := validateRequestItems(req.LineItems); err != nil {
			return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
		}
	}
	if req.Tax != nil {
		if err := domain.ValidateMoney("tax", *req.Tax); err != nil {
			return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
		}
	}

	unlock, err := s.lockSale(ctx, id)
	if err != nil {
		return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
	}
	defer unlock()

	current, err := s.sales.Get(ctx, id)
	if err != nil {
		return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		err := errors.Wrapf(domain.ErrVersionConflict, "sale %s is at version %d, not %d", id, current.Version, req.ExpectedVersion)
		return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
	}

	patch := domain.SalePatch{Tax: req.Tax, ExpectedVersion: current.Version, UpdatedAt: s.now().UTC()}
	if req.LineItems != nil {
		if patch.LineItems, err = s.resolveLineItems(ctx, req.LineItems, current); err != nil {
			return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
		}
	}
	if _, err := patch.Apply(current); err != nil {
		return nil, s.reject(ctx, span, domain.OpUpdateSale, started, err)
	}

	saleCtx := s.newSaleContext(ctx, domain.OpUpdateSale)
	saleCtx.Sale = current
	saleCtx.Patch = &patch
	chain := saga.Chain(&saga.TransactionHandler{}, &saga.ReleaseHandler{}, &saga.AllocateHandler{}, &saga.UpdateSaleHandler{})
	if err := s.run(saleCtx, chain); err != nil {
		return nil, s.fail(ctx, span, saleCtx, started, err)
	}

	s.succeed(ctx, saleCtx, started, domain.SaleAmended)
	logger.Ctx(ctx).Info().Str("sale_id", id).Int64("version", saleCtx.Result.Version).Msg("sale amended")
	return saleCtx.Result, nil
}

// DeleteSale 归还库存后删除销售记录。
func (s *SaleApplicationService) DeleteSale(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "app.DeleteSale", trace.WithAttributes(attribute.String("sale.id", id)))
	defer span.End()
	ctx = logger.WithTraceID(ctx)
	started := time.Now()

	unlock, err := s.lockSale(ctx, id)
	if err != nil {
		return s.reject(ctx, span, domain.OpDeleteSale, started, err)
	}
	defer unlock()

	current, err := s.sales.Get(ctx, id)
	if err != nil {
		return s.reject(ctx, span, domain.OpDeleteSale, started, err)
	}

	saleCtx := s.newSaleContext(ctx, domain.OpDeleteSale)
	saleCtx.Sale = current
	chain := saga.Chain(&saga.TransactionHandler{}, &saga.ReleaseHandler{}, &saga.DeleteSaleHandler{})
	if err := s.run(saleCtx, chain); err != nil {
		return s.fail(ctx, span, saleCtx, started, err)
	}

	s.succeed(ctx, saleCtx, started, domain.SaleVoided)
	logger.Ctx(ctx).Info().Str("sale_id", id).Msg("sale voided")
	return nil
}

func (s *SaleApplicationService) newSaleContext(ctx context.Context, op domain.Operation) *saga.SaleContext {
	saleCtx := saga.NewSaleContext(ctx, op)
	saleCtx.Tracer = s.tracer
	saleCtx.Metrics = s.metrics
	saleCtx.Stock = s.stock
	saleCtx.Sales = s.sales
	saleCtx.StepTimeout = s.stepTimeout
	saleCtx.CompensationTimeout = s.compensationTimeout
	return saleCtx
}

// run 执行责任链。配置了 Transactor 时整条链在一个数据库事务中运行。
func (s *SaleApplicationService) run(saleCtx *saga.SaleContext, chain saga.Handler) error {
	if s.transactor == nil {
		return chain.Handle(saleCtx)
	}
	saleCtx.Native = true
	err := s.transactor.WithinTransaction(saleCtx.Ctx, func(txCtx context.Context) error {
		saleCtx.Ctx = txCtx
		return chain.Handle(saleCtx)
	})
	if err == nil {
		return saleCtx.Advance(domain.PhaseDone)
	}
	// 提交本身失败时链已经停在 Adjusting 或 Committing，数据库已回滚
	switch saleCtx.Phase() {
	case domain.PhaseAdjusting, domain.PhaseCommitting:
		_ = saleCtx.Advance(domain.PhaseRolledBack)
	}
	return domain.NewTransactionAbort(string(saleCtx.Op), err)
}

func (s *SaleApplicationService) lockSale(ctx context.Context, id string) (func(), error) {
	if s.saleLocker == nil {
		return func() {}, nil
	}
	unlock, err := s.saleLocker.Lock(ctx, "sale-"+id)
	if err != nil {
		return nil, domain.NewTransactionAbort("lock_sale", err)
	}
	return unlock, nil
}

// validateRequestItems 在任何存储调用之前检查输入形状。
func validateRequestItems(items []LineItemRequest) error {
	shape := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		li := domain.LineItem{ProductID: it.ProductID, QuantitySold: it.QuantitySold}
		if it.UnitPrice != nil {
			li.UnitPriceAtSale = *it.UnitPrice
		}
		shape = append(shape, li)
	}
	return domain.ValidateLineItems(shape)
}

// resolveLineItems 确认商品存在并确定成交单价：优先使用请求中的价格，
// 其次沿用原销售中同一商品的成交价，最后使用商品当前价格。
func (s *SaleApplicationService) resolveLineItems(ctx context.Context, reqItems []LineItemRequest, original *domain.Sale) ([]domain.LineItem, error) {
	products := make(map[string]*domain.Product)
	items := make([]domain.LineItem, 0, len(reqItems))
	for _, it := range reqItems {
		p, ok := products[it.ProductID]
		if !ok {
			var err error
			if p, err = s.stock.Get(ctx, it.ProductID); err != nil {
				return nil, err
			}
			products[it.ProductID] = p
		}

		price := p.UnitPrice
		if original != nil {
			for _, old := range original.LineItems {
				if old.ProductID == it.ProductID {
					price = old.UnitPriceAtSale
					break
				}
			}
		}
		if it.UnitPrice != nil {
			price = *it.UnitPrice
		}
		items = append(items, domain.LineItem{ProductID: it.ProductID, QuantitySold: it.QuantitySold, UnitPriceAtSale: price})
	}
	return items, nil
}

// reject 处理校验阶段的失败：还没有任何写入发生。
func (s *SaleApplicationService) reject(ctx context.Context, span trace.Span, op domain.Operation, started time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "sale request rejected")
	logger.Ctx(ctx).Warn().Err(err).Str("op", string(op)).Msg("sale request rejected")
	s.metrics.ObserveOperation(string(op), metrics.OutcomeRejected, started)
	return err
}

// fail 处理责任链的失败。不一致会被记录、计数并提交对账。
func (s *SaleApplicationService) fail(ctx context.Context, span trace.Span, saleCtx *saga.SaleContext, started time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "sale transaction failed")

	var inconsistency *domain.InconsistencyError
	switch {
	case errors.As(err, &inconsistency):
		s.metrics.ObserveOperation(string(saleCtx.Op), metrics.OutcomeInconsistency, started)
		s.metrics.IncInconsistency(string(saleCtx.Op))
		s.reportInconsistency(ctx, inconsistency)
	case saleCtx.Phase() == domain.PhaseRolledBack:
		s.metrics.ObserveOperation(string(saleCtx.Op), metrics.OutcomeRolledBack, started)
	default:
		s.metrics.ObserveOperation(string(saleCtx.Op), metrics.OutcomeRejected, started)
	}
	logger.Ctx(ctx).Error().Err(err).Str("op", string(saleCtx.Op)).
		Str("phase", string(saleCtx.Phase())).Msg("sale transaction failed")
	return err
}

func (s *SaleApplicationService) reportInconsistency(ctx context.Context, e *domain.InconsistencyError) {
	adjustments := make([]string, 0, len(e.Unapplied))
	for _, a := range e.Unapplied {
		adjustments = append(adjustments, a.String())
	}
	logger.Ctx(ctx).Error().Err(e.Cause).
		Str("op", string(e.Op)).
		Str("sale_id", e.SaleID).
		Strs("unapplied", adjustments).
		Msg("CRITICAL: stock and sale ledgers are inconsistent, manual reconciliation required")

	if s.reporter == nil {
		return
	}
	report := domain.NewInconsistencyReport(e)
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()
	if err := s.reporter.ReportInconsistency(reportCtx, report); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("sale_id", e.SaleID).Msg("CRITICAL: failed to submit inconsistency report")
	}
}

func (s *SaleApplicationService) succeed(ctx context.Context, saleCtx *saga.SaleContext, started time.Time, eventType domain.SaleEventType) {
	s.metrics.ObserveOperation(string(saleCtx.Op), metrics.OutcomeSuccess, started)
	if s.publisher == nil || saleCtx.Result == nil {
		return
	}
	event := domain.NewSaleEvent(eventType, saleCtx.Result)
	if err := s.publisher.PublishSaleEvent(ctx, event); err != nil {
		// 销售已经提交，事件丢失只影响下游
		logger.Ctx(ctx).Error().Err(err).Str("sale_id", event.SaleID).Str("event", string(eventType)).
			Msg("failed to publish sale event")
	}
}

// GetSale 返回带商品引用的销售视图。
func (s *SaleApplicationService) GetSale(ctx context.Context, id string) (*SaleView, error) {
	sale, err := s.sales.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	views, err := s.resolveViews(ctx, []*domain.Sale{sale})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// ViewSale 把已经提交的销售转换为视图。商品引用尽力解析，读取失败的商品记为 nil。
func (s *SaleApplicationService) ViewSale(ctx context.Context, sale *domain.Sale) *SaleView {
	products := make(map[string]*domain.Product)
	for _, it := range sale.LineItems {
		if _, seen := products[it.ProductID]; seen {
			continue
		}
		p, err := s.stock.Get(ctx, it.ProductID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Str("sale_id", sale.ID).Str("product_id", it.ProductID).
				Msg("failed to resolve product for sale view")
		}
		products[it.ProductID] = p
	}
	return toSaleView(sale, products)
}

// ListSales 按条件列出销售，并解析每行的商品引用。
func (s *SaleApplicationService) ListSales(ctx context.Context, filter domain.SaleFilter) ([]*SaleView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ListSales")
	defer span.End()

	sales, err := s.sales.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.resolveViews(ctx, sales)
}

// SalesToday 列出当天的销售。
func (s *SaleApplicationService) SalesToday(ctx context.Context) ([]*SaleView, error) {
	return s.ListSales(ctx, domain.Today(s.now()))
}

func (s *SaleApplicationService) resolveViews(ctx context.Context, sales []*domain.Sale) ([]*SaleView, error) {
	products := make(map[string]*domain.Product)
	for _, sale := range sales {
		for _, it := range sale.LineItems {
			if _, seen := products[it.ProductID]; seen {
				continue
			}
			p, err := s.stock.Get(ctx, it.ProductID)
			switch {
			case err == nil:
				products[it.ProductID] = p
			case errors.Is(err, domain.ErrNotFound):
				products[it.ProductID] = nil
			default:
				return nil, err
			}
		}
	}
	views := make([]*SaleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, toSaleView(sale, products))
	}
	return views, nil
}

// ProductQuantity 返回商品当前库存。
func (s *SaleApplicationService) ProductQuantity(ctx context.Context, productID string) (int64, error) {
	p, err := s.stock.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

func (s *SaleApplicationService) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.stock.Get(ctx, productID)
}

func (s *SaleApplicationService) CreateProduct(ctx context.Context, req CreateProductRequest) (*domain.Product, error) {
	p, err := domain.NewProduct(req.ID, req.Name, req.UnitPrice, req.Quantity)
	if err != nil {
		return nil, err
	}
	if err := s.stock.Create(ctx, p); err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("product_id", p.ID).Int64("quantity", p.Quantity).Msg("product created")
	return p, nil
}

// ListProducts 列出商品，inStockOnly 为 true 时只返回有库存的。
func (s *SaleApplicationService) ListProducts(ctx context.Context, inStockOnly bool) ([]*domain.Product, error) {
	products, err := s.stock.List(ctx)
	if err != nil {
		return nil, err
	}
	if !inStockOnly {
		return products, nil
	}
	out := products[:0]
	for _, p := range products {
		if p.InStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProduct 删除商品。仍被销售引用的商品不能删除。
// 这里的引用检查只是快速失败；gorm 账本在删除语句里再检查一次，其他存储与并发的销售之间仍有竞争窗口。
func (s *SaleApplicationService) DeleteProduct(ctx context.Context, productID string) error {
	if _, err := s.stock.Get(ctx, productID); err != nil {
		return err
	}
	refs, err := s.sales.List(ctx, domain.SaleFilter{ProductID: productID, Limit: 1})
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return domain.NewValidationError("productId", fmt.Sprintf("product %s is referenced by sale %s", productID, refs[0].ID))
	}
	return s.stock.Delete(ctx, productID)
}

// AdjustStock 用于入库和盘点损耗，同样走条件调整。
func (s *SaleApplicationService) AdjustStock(ctx context.Context, productID string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, domain.NewValidationError("delta", "must not be zero")
	}
	if err := domain.ValidateDelta(delta); err != nil {
		return 0, err
	}
	q, err := s.stock.Adjust(ctx, productID, delta)
	s.metrics.ObserveAdjustment(delta, err)
	if err != nil {
		return 0, err
	}
	logger.Ctx(ctx).Info().Str("product_id", productID).Int64("delta", delta).Int64("quantity", q).Msg("stock adjusted")
	return q, nil
}

// CheckAvailability 只读地检查库存是否足够。结果可能立即过期，写入时仍以条件调整为准。
func (s *SaleApplicationService) CheckAvailability(ctx context.Context, items []LineItemRequest) ([]Availability, error) {
	if err := validateRequestItems(items); err != nil {
		return nil, err
	}
	requested := make(map[string]int64)
	order := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := requested[it.ProductID]; !ok {
			order = append(order, it.ProductID)
		}
		requested[it.ProductID] += it.QuantitySold
	}

	out := make([]Availability, 0, len(order))
	for _, id := range order {
		p, err := s.stock.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Availability{
			ProductID:  id,
			Available:  p.Quantity,
			Requested:  requested[id],
			Sufficient: p.Quantity >= requested[id],
		})
	}
	return out, nil
}
