// internal/service/sale/infrastructure/gorm_sale_ledger.go
package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"salesledger/internal/service/sale/domain"
)

// GormSaleLedger 是 SaleLedger 的 GORM 实现，明细按 position 排序存储。
type GormSaleLedger struct {
	db *gorm.DB
}

var _ domain.SaleLedger = (*GormSaleLedger)(nil)

func NewGormSaleLedger(db *gorm.DB) *GormSaleLedger {
	return &GormSaleLedger{db: db}
}

func preloadItems(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	})
}

func (r *GormSaleLedger) Insert(ctx context.Context, sale *domain.Sale) (string, error) {
	if err := sale.Validate(); err != nil {
		return "", err
	}
	model := ToSaleModel(sale)
	// 销售行和明细行要么都写入要么都不写入
	err := dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return "", errors.Wrapf(domain.ErrAlreadyExists, "sale %s", sale.ID)
		}
		return "", errors.Wrapf(err, "insert sale %s", sale.ID)
	}
	return model.ID, nil
}

func (r *GormSaleLedger) Get(ctx context.Context, id string) (*domain.Sale, error) {
	return r.get(dbFrom(ctx, r.db), id)
}

func (r *GormSaleLedger) get(db *gorm.DB, id string) (*domain.Sale, error) {
	var m SaleModel
	err := preloadItems(db).Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewSaleNotFound(id)
		}
		return nil, errors.Wrapf(err, "get sale %s", id)
	}
	return ToDomainSale(&m), nil
}

// Update 只有在版本号匹配时才写入，并把版本号加一。
func (r *GormSaleLedger) Update(ctx context.Context, id string, patch domain.SalePatch) (*domain.Sale, error) {
	var updated *domain.Sale
	err := dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		current, err := r.get(tx, id)
		if err != nil {
			return err
		}
		if current.Version != patch.ExpectedVersion {
			return errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d, found %d",
				id, patch.ExpectedVersion, current.Version)
		}
		next, err := patch.Apply(current)
		if err != nil {
			return err
		}

		res := tx.Model(&SaleModel{}).
			Where("id = ? AND version = ?", id, patch.ExpectedVersion).
			Updates(map[string]interface{}{
				"tax":        next.Tax,
				"total":      next.Total,
				"version":    next.Version,
				"updated_at": next.UpdatedAt.UTC(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "update sale %s", id)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(domain.ErrVersionConflict, "sale %s changed concurrently", id)
		}

		if patch.LineItems != nil {
			if err := tx.Where("sale_id = ?", id).Delete(&SaleLineItemModel{}).Error; err != nil {
				return errors.Wrapf(err, "replace line items of sale %s", id)
			}
			items := toLineItemModels(id, next.LineItems)
			if err := tx.Create(&items).Error; err != nil {
				return errors.Wrapf(err, "replace line items of sale %s", id)
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *GormSaleLedger) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return dbFrom(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&SaleModel{})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "delete sale %s", id)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&SaleModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return errors.Wrapf(err, "delete sale %s", id)
			}
			if count == 0 {
				return domain.NewSaleNotFound(id)
			}
			return errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d", id, expectedVersion)
		}
		if err := tx.Where("sale_id = ?", id).Delete(&SaleLineItemModel{}).Error; err != nil {
			return errors.Wrapf(err, "delete line items of sale %s", id)
		}
		return nil
	})
}

func (r *GormSaleLedger) List(ctx context.Context, filter domain.SaleFilter) ([]*domain.Sale, error) {
	db := dbFrom(ctx, r.db)
	q := preloadItems(db.Model(&SaleModel{}))
	if !filter.From.IsZero() {
		q = q.Where("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		q = q.Where("created_at <= ?", filter.To.UTC())
	}
	if filter.ProductID != "" {
		sub := db.Model(&SaleLineItemModel{}).Select("sale_id").Where("product_id = ?", filter.ProductID)
		q = q.Where("id IN (?)", sub)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []SaleModel
	if err := q.Order("created_at DESC, id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list sales")
	}
	out := make([]*domain.Sale, 0, len(models))
	for i := range models {
		out = append(out, ToDomainSale(&models[i]))
	}
	return out, nil
}
