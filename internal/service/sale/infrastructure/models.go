// internal/service/sale/infrastructure/models.go
package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductModel 是 Product 领域对象在数据库中的表示。
// quantity 上的 CHECK 约束是最后一道防线，正常情况下条件更新已经保证不会为负。
type ProductModel struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Name      string          `gorm:"size:255;not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Quantity  int64           `gorm:"not null;check:chk_products_quantity,quantity >= 0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProductModel) TableName() string {
	return "products"
}

// SaleModel 是 Sale 聚合根在数据库中的表示，明细存在 sale_line_items 表中。
type SaleModel struct {
	ID        string              `gorm:"primaryKey;size:64"`
	Tax       decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	Total     decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	Version   int64               `gorm:"not null"`
	CreatedAt time.Time           `gorm:"index"`
	UpdatedAt time.Time
	Items     []SaleLineItemModel `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE"`
}

func (SaleModel) TableName() string {
	return "sales"
}

// SaleLineItemModel 是销售明细。Position 保留明细在销售中的原始顺序。
type SaleLineItemModel struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	SaleID          string          `gorm:"size:64;not null;index"`
	Position        int             `gorm:"not null"`
	ProductID       string          `gorm:"size:64;not null;index"`
	QuantitySold    int64           `gorm:"not null"`
	UnitPriceAtSale decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(20,4);not null"`
}

func (SaleLineItemModel) TableName() string {
	return "sale_line_items"
}
