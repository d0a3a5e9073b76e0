// internal/service/sale/infrastructure/mapper.go
package infrastructure

import (
	"salesledger/internal/service/sale/domain"
)

// ToDomainProduct 将数据库模型转换为领域对象
func ToDomainProduct(m *ProductModel) *domain.Product {
	if m == nil {
		return nil
	}
	return &domain.Product{
		ID:        m.ID,
		Name:      m.Name,
		UnitPrice: m.UnitPrice,
		Quantity:  m.Quantity,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func ToProductModel(p *domain.Product) *ProductModel {
	return &ProductModel{
		ID:        p.ID,
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		Quantity:  p.Quantity,
		CreatedAt: p.CreatedAt.UTC(),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

// ToDomainSale 将销售模型（连同已预加载的明细）转换为领域对象
func ToDomainSale(m *SaleModel) *domain.Sale {
	if m == nil {
		return nil
	}
	items := make([]domain.LineItem, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, domain.LineItem{
			ProductID:       it.ProductID,
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: it.UnitPriceAtSale,
			Subtotal:        it.Subtotal,
		})
	}
	return &domain.Sale{
		ID:        m.ID,
		LineItems: items,
		Tax:       m.Tax,
		Total:     m.Total,
		Version:   m.Version,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func ToSaleModel(s *domain.Sale) *SaleModel {
	return &SaleModel{
		ID:        s.ID,
		Tax:       s.Tax,
		Total:     s.Total,
		Version:   s.Version,
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
		Items:     toLineItemModels(s.ID, s.LineItems),
	}
}

func toLineItemModels(saleID string, items []domain.LineItem) []SaleLineItemModel {
	out := make([]SaleLineItemModel, 0, len(items))
	for i, it := range items {
		out = append(out, SaleLineItemModel{
			SaleID:          saleID,
			Position:        i,
			ProductID:       it.ProductID,
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: it.UnitPriceAtSale,
			Subtotal:        it.Subtotal,
		})
	}
	return out
}
