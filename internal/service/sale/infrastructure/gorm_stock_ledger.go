// internal/service/sale/infrastructure/gorm_stock_ledger.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"salesledger/internal/service/sale/domain"
)

// GormStockLedger 是 StockLedger 的 GORM 实现。
type GormStockLedger struct {
	db *gorm.DB
}

var _ domain.StockLedger = (*GormStockLedger)(nil)

func NewGormStockLedger(db *gorm.DB) *GormStockLedger {
	return &GormStockLedger{db: db}
}

// Adjust 用一条条件 UPDATE 完成检查和修改，数据库行锁保证并发安全。
func (r *GormStockLedger) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	if err := domain.ValidateDelta(delta); err != nil {
		return 0, err
	}
	if delta == 0 {
		p, err := r.Get(ctx, productID)
		if err != nil {
			return 0, err
		}
		return p.Quantity, nil
	}

	var quantity int64
	err := dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ProductModel{}).
			Where("id = ? AND quantity + ? BETWEEN 0 AND ?", productID, delta, domain.MaxQuantity).
			Updates(map[string]interface{}{
				"quantity":   gorm.Expr("quantity + ?", delta),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "adjust stock of product %s", productID)
		}

		var m ProductModel
		if err := tx.Select("quantity").Where("id = ?", productID).Take(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewProductNotFound(productID)
			}
			return errors.Wrapf(err, "read stock of product %s", productID)
		}
		if res.RowsAffected == 0 {
			if _, err := domain.ApplyDelta(productID, m.Quantity, delta); err != nil {
				return err
			}
			return &domain.InsufficientStockError{ProductID: productID, Available: m.Quantity, Requested: -delta}
		}
		quantity = m.Quantity
		return nil
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

func (r *GormStockLedger) Get(ctx context.Context, productID string) (*domain.Product, error) {
	var m ProductModel
	err := dbFrom(ctx, r.db).Where("id = ?", productID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewProductNotFound(productID)
		}
		return nil, errors.Wrapf(err, "get product %s", productID)
	}
	return ToDomainProduct(&m), nil
}

func (r *GormStockLedger) Create(ctx context.Context, product *domain.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	if err := dbFrom(ctx, r.db).Create(ToProductModel(product)).Error; err != nil {
		if isDuplicateKey(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "product %s", product.ID)
		}
		return errors.Wrapf(err, "create product %s", product.ID)
	}
	return nil
}

func (r *GormStockLedger) List(ctx context.Context) ([]*domain.Product, error) {
	var models []ProductModel
	if err := dbFrom(ctx, r.db).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	out := make([]*domain.Product, 0, len(models))
	for i := range models {
		out = append(out, ToDomainProduct(&models[i]))
	}
	return out, nil
}

// Delete 只删除没有被任何销售明细引用的商品，检查和删除在同一条语句里完成。
func (r *GormStockLedger) Delete(ctx context.Context, productID string) error {
	db := dbFrom(ctx, r.db)
	referenced := db.Model(&SaleLineItemModel{}).Select("1").Where("product_id = ?", productID)
	res := db.Where("id = ? AND NOT EXISTS (?)", productID, referenced).Delete(&ProductModel{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete product %s", productID)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := db.Model(&ProductModel{}).Where("id = ?", productID).Count(&n).Error; err != nil {
		return errors.Wrapf(err, "delete product %s", productID)
	}
	if n == 0 {
		return domain.NewProductNotFound(productID)
	}
	return domain.NewValidationError("productId", "product "+productID+" is referenced by recorded sales")
}
