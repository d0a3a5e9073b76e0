// internal/service/sale/application/dto.go
package application

import (
	"time"

	"github.com/shopspring/decimal"

	"salesledger/internal/service/sale/domain"
)

// LineItemRequest 是一行销售输入。UnitPrice 为空时使用商品当前价格。
type LineItemRequest struct {
	ProductID    string           `json:"productId"`
	QuantitySold int64            `json:"quantitySold"`
	UnitPrice    *decimal.Decimal `json:"unitPrice,omitempty"`
}

// CreateSaleRequest 是创建销售用例的输入数据
type CreateSaleRequest struct {
	LineItems []LineItemRequest `json:"lineItems"`
	Tax       decimal.Decimal   `json:"tax"`
}

// UpdateSaleRequest 是更新销售用例的输入数据。
// LineItems 为 nil 表示明细不变；ExpectedVersion 为 0 表示不做乐观锁检查。
type UpdateSaleRequest struct {
	LineItems       []LineItemRequest `json:"lineItems,omitempty"`
	Tax             *decimal.Decimal  `json:"tax,omitempty"`
	ExpectedVersion int64             `json:"expectedVersion,omitempty"`
}

// CreateProductRequest 是创建商品用例的输入数据
type CreateProductRequest struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
}

// ProductView 是商品的只读视图。
type ProductView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
	InStock   bool            `json:"inStock"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func ToProductView(p *domain.Product) *ProductView {
	if p == nil {
		return nil
	}
	return &ProductView{
		ID:        p.ID,
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		Quantity:  p.Quantity,
		InStock:   p.InStock(),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// LineItemView 带有解析后的商品引用。商品已被删除时 Product 为 nil。
type LineItemView struct {
	ProductID       string          `json:"productId"`
	Product         *ProductView    `json:"product,omitempty"`
	QuantitySold    int64           `json:"quantitySold"`
	UnitPriceAtSale decimal.Decimal `json:"unitPriceAtSale"`
	Subtotal        decimal.Decimal `json:"subtotal"`
}

// SaleView 是销售的只读视图，供报表和接口层使用。
type SaleView struct {
	ID        string          `json:"id"`
	LineItems []LineItemView  `json:"lineItems"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func toSaleView(s *domain.Sale, products map[string]*domain.Product) *SaleView {
	items := make([]LineItemView, 0, len(s.LineItems))
	for _, it := range s.LineItems {
		items = append(items, LineItemView{
			ProductID:       it.ProductID,
			Product:         ToProductView(products[it.ProductID]),
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: it.UnitPriceAtSale,
			Subtotal:        it.Subtotal,
		})
	}
	return &SaleView{
		ID:        s.ID,
		LineItems: items,
		Tax:       s.Tax,
		Total:     s.Total,
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Availability 是一次只读的库存检查结果，仅供参考，不能作为写入的前置条件。
type Availability struct {
	ProductID  string `json:"productId"`
	Available  int64  `json:"available"`
	Requested  int64  `json:"requested"`
	Sufficient bool   `json:"sufficient"`
}
