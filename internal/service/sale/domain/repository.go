// internal/service/sale/domain/repository.go
package domain

import "context"

// StockLedger 定义了商品库存的持久化接口。
// 它位于领域层，但由基础设施层实现。
type StockLedger interface {
	// Adjust 原子地执行 quantity += delta，当且仅当结果不小于 0。
	// 否则返回 *InsufficientStockError 且数量不变。不允许“先查后写”的实现。
	Adjust(ctx context.Context, productID string, delta int64) (int64, error)

	Get(ctx context.Context, productID string) (*Product, error)
	Create(ctx context.Context, product *Product) error
	List(ctx context.Context) ([]*Product, error)
	Delete(ctx context.Context, productID string) error
}

// SaleLedger 定义了销售记录的持久化接口。
// 除形状校验外不承担任何一致性逻辑，一致性全部由协调者负责。
type SaleLedger interface {
	Insert(ctx context.Context, sale *Sale) (string, error)
	Get(ctx context.Context, id string) (*Sale, error)

	// Update 仅当存储中的版本等于 patch.ExpectedVersion 时生效，否则返回 ErrVersionConflict。
	Update(ctx context.Context, id string, patch SalePatch) (*Sale, error)

	// Delete 仅当存储中的版本等于 expectedVersion 时生效。
	Delete(ctx context.Context, id string, expectedVersion int64) error

	List(ctx context.Context, filter SaleFilter) ([]*Sale, error)
}

// Transactor 由支持原生多语句事务的存储实现。
// fn 内通过 ctx 访问的账本操作都在同一个事务中执行。
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
