package infrastructure

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"salesledger/internal/service/sale/domain"
)

// StockLedgerSuite 是所有 StockLedger 实现共用的行为测试。
type StockLedgerSuite struct {
	suite.Suite
	newLedger func() domain.StockLedger

	ctx    context.Context
	ledger domain.StockLedger
}

func (s *StockLedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = s.newLedger()
}

func (s *StockLedgerSuite) createProduct(id string, qty int64) *domain.Product {
	p, err := domain.NewProduct(id, "product "+id, decimal.RequireFromString("10.50"), qty)
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.Create(s.ctx, p))
	return p
}

func (s *StockLedgerSuite) quantity(id string) int64 {
	p, err := s.ledger.Get(s.ctx, id)
	s.Require().NoError(err)
	return p.Quantity
}

func (s *StockLedgerSuite) TestCreateAndGet() {
	s.createProduct("P1", 10)

	got, err := s.ledger.Get(s.ctx, "P1")
	s.Require().NoError(err)
	s.Equal("product P1", got.Name)
	s.True(decimal.RequireFromString("10.50").Equal(got.UnitPrice))
	s.Equal(int64(10), got.Quantity)
}

func (s *StockLedgerSuite) TestCreateDuplicate() {
	s.createProduct("P1", 10)
	p, _ := domain.NewProduct("P1", "again", decimal.NewFromInt(1), 1)
	s.ErrorIs(s.ledger.Create(s.ctx, p), domain.ErrAlreadyExists)
	s.Equal(int64(10), s.quantity("P1"))
}

func (s *StockLedgerSuite) TestGetMissing() {
	_, err := s.ledger.Get(s.ctx, "nope")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StockLedgerSuite) TestAdjust() {
	s.createProduct("P1", 10)

	q, err := s.ledger.Adjust(s.ctx, "P1", -3)
	s.Require().NoError(err)
	s.Equal(int64(7), q)

	q, err = s.ledger.Adjust(s.ctx, "P1", 2)
	s.Require().NoError(err)
	s.Equal(int64(9), q)

	q, err = s.ledger.Adjust(s.ctx, "P1", -9)
	s.Require().NoError(err)
	s.Equal(int64(0), q)
	s.Equal(int64(0), s.quantity("P1"))
}

func (s *StockLedgerSuite) TestAdjustInsufficient() {
	s.createProduct("P1", 2)

	_, err := s.ledger.Adjust(s.ctx, "P1", -3)
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)

	var stockErr *domain.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal("P1", stockErr.ProductID)
	s.Equal(int64(2), stockErr.Available)
	s.Equal(int64(3), stockErr.Requested)
	s.Equal(int64(2), s.quantity("P1"))
}

func (s *StockLedgerSuite) TestAdjustMissing() {
	_, err := s.ledger.Adjust(s.ctx, "ghost", -1)
	s.ErrorIs(err, domain.ErrNotFound)
	_, err = s.ledger.Adjust(s.ctx, "ghost", 1)
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *StockLedgerSuite) TestAdjustBounds() {
	s.createProduct("P1", 5)

	for _, delta := range []int64{math.MinInt64, math.MaxInt64, -(domain.MaxQuantity + 1), domain.MaxQuantity + 1} {
		_, err := s.ledger.Adjust(s.ctx, "P1", delta)
		s.ErrorIs(err, domain.ErrValidation, "delta %d", delta)
	}
	_, err := s.ledger.Adjust(s.ctx, "P1", domain.MaxQuantity)
	s.ErrorIs(err, domain.ErrValidation)
	s.Equal(int64(5), s.quantity("P1"))

	q, err := s.ledger.Adjust(s.ctx, "P1", domain.MaxQuantity-5)
	s.Require().NoError(err)
	s.Equal(domain.MaxQuantity, q)
	_, err = s.ledger.Adjust(s.ctx, "P1", 1)
	s.ErrorIs(err, domain.ErrValidation)
	s.NotErrorIs(err, domain.ErrInsufficientStock)

	q, err = s.ledger.Adjust(s.ctx, "P1", -domain.MaxQuantity)
	s.Require().NoError(err)
	s.Equal(int64(0), q)
}

func (s *StockLedgerSuite) TestConcurrentAllocationNeverOversells() {
	s.createProduct("P1", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledger.Adjust(s.ctx, "P1", -1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case s.ErrorIs(err, domain.ErrInsufficientStock):
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Equal(5, succeeded)
	s.Equal(7, rejected)
	s.Equal(int64(0), s.quantity("P1"))
}

func (s *StockLedgerSuite) TestListAndDelete() {
	s.createProduct("P1", 1)
	time.Sleep(2 * time.Millisecond)
	s.createProduct("P2", 0)

	list, err := s.ledger.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("P1", list[0].ID)
	s.Equal("P2", list[1].ID)

	s.Require().NoError(s.ledger.Delete(s.ctx, "P1"))
	s.ErrorIs(s.ledger.Delete(s.ctx, "P1"), domain.ErrNotFound)

	list, err = s.ledger.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)
}

// SaleLedgerSuite 是所有 SaleLedger 实现共用的行为测试。
type SaleLedgerSuite struct {
	suite.Suite
	newLedger func() domain.SaleLedger

	ctx    context.Context
	ledger domain.SaleLedger
}

func (s *SaleLedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = s.newLedger()
}

func (s *SaleLedgerSuite) newSale(createdAt time.Time, items ...domain.LineItem) *domain.Sale {
	sale, err := domain.NewSale(items, decimal.RequireFromString("1.50"))
	s.Require().NoError(err)
	sale.CreatedAt = createdAt.UTC()
	sale.UpdatedAt = createdAt.UTC()
	return sale
}

func item(productID string, qty int64, price string) domain.LineItem {
	return domain.LineItem{ProductID: productID, QuantitySold: qty, UnitPriceAtSale: decimal.RequireFromString(price)}
}

func (s *SaleLedgerSuite) TestInsertAndGet() {
	sale := s.newSale(time.Now(), item("P2", 1, "3.00"), item("P1", 2, "2.25"))
	id, err := s.ledger.Insert(s.ctx, sale)
	s.Require().NoError(err)
	s.Equal(sale.ID, id)

	got, err := s.ledger.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(got.LineItems, 2)
	s.Equal("P2", got.LineItems[0].ProductID)
	s.Equal("P1", got.LineItems[1].ProductID)
	s.Equal(int64(2), got.LineItems[1].QuantitySold)
	s.True(decimal.RequireFromString("4.50").Equal(got.LineItems[1].Subtotal))
	s.True(decimal.RequireFromString("9.00").Equal(got.Total), got.Total.String())
	s.Equal(int64(1), got.Version)
}

func (s *SaleLedgerSuite) TestInsertDuplicate() {
	sale := s.newSale(time.Now(), item("P1", 1, "1.00"))
	_, err := s.ledger.Insert(s.ctx, sale)
	s.Require().NoError(err)
	_, err = s.ledger.Insert(s.ctx, sale)
	s.ErrorIs(err, domain.ErrAlreadyExists)
}

func (s *SaleLedgerSuite) TestInsertRejectsMalformed() {
	sale := s.newSale(time.Now(), item("P1", 1, "1.00"))
	sale.LineItems[0].QuantitySold = 0
	_, err := s.ledger.Insert(s.ctx, sale)
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *SaleLedgerSuite) TestGetMissing() {
	_, err := s.ledger.Get(s.ctx, "missing")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *SaleLedgerSuite) TestUpdate() {
	sale := s.newSale(time.Now(), item("P1", 2, "2.00"))
	_, err := s.ledger.Insert(s.ctx, sale)
	s.Require().NoError(err)

	updated, err := s.ledger.Update(s.ctx, sale.ID, domain.SalePatch{
		LineItems:       []domain.LineItem{item("P1", 1, "2.00"), item("P3", 4, "0.50")},
		ExpectedVersion: 1,
	})
	s.Require().NoError(err)
	s.Equal(int64(2), updated.Version)

	got, err := s.ledger.Get(s.ctx, sale.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), got.Version)
	s.Require().Len(got.LineItems, 2)
	s.Equal("P3", got.LineItems[1].ProductID)
	s.True(decimal.RequireFromString("5.50").Equal(got.Total), got.Total.String())

	tax := decimal.RequireFromString("0.25")
	got, err = s.ledger.Update(s.ctx, sale.ID, domain.SalePatch{Tax: &tax, ExpectedVersion: 2})
	s.Require().NoError(err)
	s.Len(got.LineItems, 2)
	s.True(decimal.RequireFromString("4.25").Equal(got.Total), got.Total.String())
}

func (s *SaleLedgerSuite) TestUpdateVersionConflict() {
	sale := s.newSale(time.Now(), item("P1", 2, "2.00"))
	_, err := s.ledger.Insert(s.ctx, sale)
	s.Require().NoError(err)

	tax := decimal.NewFromInt(1)
	_, err = s.ledger.Update(s.ctx, sale.ID, domain.SalePatch{Tax: &tax, ExpectedVersion: 7})
	s.ErrorIs(err, domain.ErrVersionConflict)

	_, err = s.ledger.Update(s.ctx, "missing", domain.SalePatch{Tax: &tax, ExpectedVersion: 1})
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *SaleLedgerSuite) TestDelete() {
	sale := s.newSale(time.Now(), item("P1", 2, "2.00"))
	_, err := s.ledger.Insert(s.ctx, sale)
	s.Require().NoError(err)

	s.ErrorIs(s.ledger.Delete(s.ctx, sale.ID, 2), domain.ErrVersionConflict)
	s.Require().NoError(s.ledger.Delete(s.ctx, sale.ID, 1))
	s.ErrorIs(s.ledger.Delete(s.ctx, sale.ID, 1), domain.ErrNotFound)

	_, err = s.ledger.Get(s.ctx, sale.ID)
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *SaleLedgerSuite) TestListFilters() {
	day := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	older := s.newSale(day.Add(-48*time.Hour), item("P1", 1, "1.00"))
	today1 := s.newSale(day, item("P2", 1, "1.00"))
	today2 := s.newSale(day.Add(time.Hour), item("P1", 1, "1.00"), item("P2", 1, "1.00"))
	for _, sale := range []*domain.Sale{older, today1, today2} {
		_, err := s.ledger.Insert(s.ctx, sale)
		s.Require().NoError(err)
	}

	all, err := s.ledger.List(s.ctx, domain.SaleFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal(today2.ID, all[0].ID)
	s.Len(all[0].LineItems, 2)

	byDay, err := s.ledger.List(s.ctx, domain.Today(day))
	s.Require().NoError(err)
	s.Len(byDay, 2)

	byProduct, err := s.ledger.List(s.ctx, domain.SaleFilter{ProductID: "P1"})
	s.Require().NoError(err)
	s.Require().Len(byProduct, 2)
	s.Equal(today2.ID, byProduct[0].ID)
	s.Equal(older.ID, byProduct[1].ID)

	limited, err := s.ledger.List(s.ctx, domain.SaleFilter{Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)
}
