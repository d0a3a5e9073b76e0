// internal/service/sale/domain/product.go
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxQuantity 是库存数量和单次调整量绝对值的上限。
// 在这个范围内各存储的整数运算（包括 Lua 脚本中的 double）都是精确的。
const MaxQuantity int64 = 1_000_000_000_000

// 金额最多 4 位小数，整数部分最多 16 位，与 decimal(20,4) 列一致。
const (
	MoneyScale         = 4
	MoneyIntegerDigits = 16
)

var maxMoney = decimal.New(1, MoneyIntegerDigits)

// ValidateMoney 检查金额非负且在存储可以精确表示的范围内。
func ValidateMoney(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return NewValidationError(field, "must not be negative")
	}
	if !d.Equal(d.Truncate(MoneyScale)) {
		return NewValidationError(field, fmt.Sprintf("must have at most %d decimal places", MoneyScale))
	}
	if d.GreaterThanOrEqual(maxMoney) {
		return NewValidationError(field, fmt.Sprintf("must be less than 1e%d", MoneyIntegerDigits))
	}
	return nil
}

// ValidateDelta 检查单次调整量的绝对值不超过 MaxQuantity。
func ValidateDelta(delta int64) error {
	if delta < -MaxQuantity || delta > MaxQuantity {
		return NewValidationError("delta", fmt.Sprintf("magnitude must not exceed %d", MaxQuantity))
	}
	return nil
}

// ApplyDelta 计算调整后的库存。结果为负时返回 *InsufficientStockError，
// 超过 MaxQuantity 时返回校验错误。
func ApplyDelta(productID string, quantity, delta int64) (int64, error) {
	if err := ValidateDelta(delta); err != nil {
		return 0, err
	}
	next := quantity + delta
	if next < 0 {
		return 0, &InsufficientStockError{ProductID: productID, Available: quantity, Requested: -delta}
	}
	if next > MaxQuantity {
		return 0, NewValidationError("quantity", fmt.Sprintf("product %s would exceed %d", productID, MaxQuantity))
	}
	return next, nil
}

// Product 由库存账本持有。Quantity 只能通过 StockLedger.Adjust 修改。
type Product struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProduct 创建商品实体。id 为空时自动生成。
func NewProduct(id, name string, unitPrice decimal.Decimal, quantity int64) (*Product, error) {
	p := &Product{
		ID:        strings.TrimSpace(id),
		Name:      strings.TrimSpace(name),
		UnitPrice: unitPrice,
		Quantity:  quantity,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}

func (p *Product) Validate() error {
	if p.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	if err := ValidateMoney("unitPrice", p.UnitPrice); err != nil {
		return err
	}
	if p.Quantity < 0 {
		return NewValidationError("quantity", "must not be negative")
	}
	if p.Quantity > MaxQuantity {
		return NewValidationError("quantity", fmt.Sprintf("must not exceed %d", MaxQuantity))
	}
	return nil
}

// InStock 用于只读查询。
func (p *Product) InStock() bool { return p.Quantity > 0 }
