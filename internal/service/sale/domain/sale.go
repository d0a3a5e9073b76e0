// internal/service/sale/domain/sale.go
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineItem 是销售中的一行，没有独立的生命周期。
type LineItem struct {
	ProductID       string
	QuantitySold    int64
	UnitPriceAtSale decimal.Decimal // 下单时锁定的单价，不随商品后续调价变化
	Subtotal        decimal.Decimal // 派生字段，每次写入前重新计算
}

// Sale 是销售聚合根。
type Sale struct {
	ID        string
	LineItems []LineItem
	Tax       decimal.Decimal
	Total     decimal.Decimal // Σ Subtotal + Tax，从不信任外部输入
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSale 构造一个新的销售实体并计算金额。
func NewSale(items []LineItem, tax decimal.Decimal) (*Sale, error) {
	now := time.Now().UTC()
	s := &Sale{
		ID:        uuid.NewString(),
		LineItems: append([]LineItem(nil), items...),
		Tax:       tax,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Recalculate()
	return s, nil
}

// Recalculate 重新计算每行小计与总额。
func (s *Sale) Recalculate() {
	sum := decimal.Zero
	for i := range s.LineItems {
		item := &s.LineItems[i]
		item.Subtotal = item.UnitPriceAtSale.Mul(decimal.NewFromInt(item.QuantitySold))
		sum = sum.Add(item.Subtotal)
	}
	s.Total = sum.Add(s.Tax)
}

// Validate 只做形状校验。
func (s *Sale) Validate() error {
	if err := ValidateLineItems(s.LineItems); err != nil {
		return err
	}
	if err := ValidateMoney("tax", s.Tax); err != nil {
		return err
	}
	// 派生金额也必须能被精确存储
	total := s.Tax
	for i, item := range s.LineItems {
		subtotal := item.UnitPriceAtSale.Mul(decimal.NewFromInt(item.QuantitySold))
		if err := ValidateMoney(fmt.Sprintf("lineItems[%d].subtotal", i), subtotal); err != nil {
			return err
		}
		total = total.Add(subtotal)
	}
	return ValidateMoney("total", total)
}

func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return NewValidationError("lineItems", "a sale must contain at least one line item")
	}
	for i, item := range items {
		field := fmt.Sprintf("lineItems[%d]", i)
		if item.ProductID == "" {
			return NewValidationError(field+".productId", "must not be empty")
		}
		if item.QuantitySold <= 0 {
			return NewValidationError(field+".quantitySold", "must be a positive integer")
		}
		if item.QuantitySold > MaxQuantity {
			return NewValidationError(field+".quantitySold", fmt.Sprintf("must not exceed %d", MaxQuantity))
		}
		if err := ValidateMoney(field+".unitPriceAtSale", item.UnitPriceAtSale); err != nil {
			return err
		}
	}
	return nil
}

// Allocation 返回这笔销售占用的库存（负数表示扣减）。
func (s *Sale) Allocation() []StockAdjustment {
	return allocationOf(s.LineItems, -1)
}

// Release 返回归还这笔销售库存所需的变动。
func (s *Sale) Release() []StockAdjustment {
	return allocationOf(s.LineItems, 1)
}

func allocationOf(items []LineItem, sign int64) []StockAdjustment {
	out := make([]StockAdjustment, 0, len(items))
	for _, item := range items {
		out = append(out, StockAdjustment{ProductID: item.ProductID, Delta: sign * item.QuantitySold})
	}
	return out
}

// References 判断这笔销售是否引用了指定商品。
func (s *Sale) References(productID string) bool {
	for _, item := range s.LineItems {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// Clone 深拷贝，内存账本用它隔离调用方。
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	c := *s
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	return &c
}

// SalePatch 描述一次销售更新。LineItems 为 nil 表示不修改明细。
type SalePatch struct {
	LineItems       []LineItem
	Tax             *decimal.Decimal
	ExpectedVersion int64
	UpdatedAt       time.Time
}

// Apply 把补丁应用到副本上并重新计算金额，返回新版本的销售。
func (p SalePatch) Apply(s *Sale) (*Sale, error) {
	next := s.Clone()
	if p.LineItems != nil {
		next.LineItems = append([]LineItem(nil), p.LineItems...)
	}
	if p.Tax != nil {
		next.Tax = *p.Tax
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Recalculate()
	next.Version = s.Version + 1
	next.UpdatedAt = p.UpdatedAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	return next, nil
}

// SaleFilter 是销售列表查询条件，零值字段不参与过滤。
type SaleFilter struct {
	From      time.Time
	To        time.Time
	ProductID string
	Limit     int
}

// Match 供没有查询语言的存储（内存）使用。
func (f SaleFilter) Match(s *Sale) bool {
	if !f.From.IsZero() && s.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.CreatedAt.After(f.To) {
		return false
	}
	if f.ProductID != "" && !s.References(f.ProductID) {
		return false
	}
	return true
}

// Today 返回覆盖 now 所在自然日的过滤条件。
func Today(now time.Time) SaleFilter {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return SaleFilter{From: start, To: start.Add(24*time.Hour - time.Nanosecond)}
}
