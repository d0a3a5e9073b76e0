// internal/service/sale/infrastructure/memory_ledger.go
package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"salesledger/internal/pkg/keylock"
	"salesledger/internal/service/sale/domain"
)

// ProductStore 是没有条件写能力的商品存储，只能整体读写。
// 需要配合 LockingStockLedger 使用。
type ProductStore interface {
	Load(ctx context.Context, id string) (*domain.Product, error)
	Save(ctx context.Context, product *domain.Product) error
	Insert(ctx context.Context, product *domain.Product) error
	List(ctx context.Context) ([]*domain.Product, error)
	Remove(ctx context.Context, id string) error
}

// LockingStockLedger 通过按商品加锁，把“读-判断-写”变成对同一商品串行执行的原子操作。
type LockingStockLedger struct {
	store  ProductStore
	locker keylock.Locker
}

var _ domain.StockLedger = (*LockingStockLedger)(nil)

func NewLockingStockLedger(store ProductStore, locker keylock.Locker) *LockingStockLedger {
	return &LockingStockLedger{store: store, locker: locker}
}

// productLockKey 与其他使用同一个 Locker 的键（例如销售锁）分开命名空间。
func productLockKey(productID string) string {
	return "product-" + productID
}

func (l *LockingStockLedger) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	if err := domain.ValidateDelta(delta); err != nil {
		return 0, err
	}
	unlock, err := l.locker.Lock(ctx, productLockKey(productID))
	if err != nil {
		return 0, errors.Wrapf(err, "lock product %s", productID)
	}
	defer unlock()

	p, err := l.store.Load(ctx, productID)
	if err != nil {
		return 0, err
	}
	next, err := domain.ApplyDelta(productID, p.Quantity, delta)
	if err != nil {
		return 0, err
	}
	p.Quantity = next
	p.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, p); err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

func (l *LockingStockLedger) Get(ctx context.Context, productID string) (*domain.Product, error) {
	return l.store.Load(ctx, productID)
}

func (l *LockingStockLedger) Create(ctx context.Context, product *domain.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	return l.store.Insert(ctx, product)
}

func (l *LockingStockLedger) List(ctx context.Context) ([]*domain.Product, error) {
	return l.store.List(ctx)
}

func (l *LockingStockLedger) Delete(ctx context.Context, productID string) error {
	unlock, err := l.locker.Lock(ctx, productLockKey(productID))
	if err != nil {
		return errors.Wrapf(err, "lock product %s", productID)
	}
	defer unlock()
	return l.store.Remove(ctx, productID)
}

// MemoryProductStore 是进程内的 ProductStore，返回值都是副本。
type MemoryProductStore struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

var _ ProductStore = (*MemoryProductStore)(nil)

func NewMemoryProductStore() *MemoryProductStore {
	return &MemoryProductStore{products: make(map[string]domain.Product)}
}

func (s *MemoryProductStore) Load(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.NewProductNotFound(id)
	}
	return &p, nil
}

func (s *MemoryProductStore) Save(_ context.Context, product *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.ID]; !ok {
		return domain.NewProductNotFound(product.ID)
	}
	s.products[product.ID] = *product
	return nil
}

func (s *MemoryProductStore) Insert(_ context.Context, product *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.ID]; ok {
		return errors.Wrapf(domain.ErrAlreadyExists, "product %s", product.ID)
	}
	s.products[product.ID] = *product
	return nil
}

func (s *MemoryProductStore) List(_ context.Context) ([]*domain.Product, error) {
	s.mu.RLock()
	out := make([]*domain.Product, 0, len(s.products))
	for _, p := range s.products {
		p := p
		out = append(out, &p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryProductStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return domain.NewProductNotFound(id)
	}
	delete(s.products, id)
	return nil
}

// MemorySaleLedger 是进程内的 SaleLedger。
type MemorySaleLedger struct {
	mu    sync.RWMutex
	sales map[string]*domain.Sale
}

var _ domain.SaleLedger = (*MemorySaleLedger)(nil)

func NewMemorySaleLedger() *MemorySaleLedger {
	return &MemorySaleLedger{sales: make(map[string]*domain.Sale)}
}

func (m *MemorySaleLedger) Insert(_ context.Context, sale *domain.Sale) (string, error) {
	if err := sale.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sales[sale.ID]; ok {
		return "", errors.Wrapf(domain.ErrAlreadyExists, "sale %s", sale.ID)
	}
	m.sales[sale.ID] = sale.Clone()
	return sale.ID, nil
}

func (m *MemorySaleLedger) Get(_ context.Context, id string) (*domain.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[id]
	if !ok {
		return nil, domain.NewSaleNotFound(id)
	}
	return s.Clone(), nil
}

func (m *MemorySaleLedger) Update(_ context.Context, id string, patch domain.SalePatch) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sales[id]
	if !ok {
		return nil, domain.NewSaleNotFound(id)
	}
	if current.Version != patch.ExpectedVersion {
		return nil, errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d, found %d",
			id, patch.ExpectedVersion, current.Version)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	m.sales[id] = next
	return next.Clone(), nil
}

func (m *MemorySaleLedger) Delete(_ context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sales[id]
	if !ok {
		return domain.NewSaleNotFound(id)
	}
	if current.Version != expectedVersion {
		return errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d, found %d",
			id, expectedVersion, current.Version)
	}
	delete(m.sales, id)
	return nil
}

func (m *MemorySaleLedger) List(_ context.Context, filter domain.SaleFilter) ([]*domain.Sale, error) {
	m.mu.RLock()
	out := make([]*domain.Sale, 0, len(m.sales))
	for _, s := range m.sales {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
