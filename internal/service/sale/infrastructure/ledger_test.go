package infrastructure

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"salesledger/internal/pkg/keylock"
	"salesledger/internal/service/sale/domain"
)

// newSQLiteDB 打开一个临时文件上的 sqlite 库并建表。
// 单连接让 sqlite 的写锁表现得和 MySQL 的行锁一样串行。
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sales.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestGormStockLedger(t *testing.T) {
	suite.Run(t, &StockLedgerSuite{newLedger: func() domain.StockLedger {
		return NewGormStockLedger(newSQLiteDB(t))
	}})
}

func TestRedisStockLedger(t *testing.T) {
	suite.Run(t, &StockLedgerSuite{newLedger: func() domain.StockLedger {
		mr := miniredis.RunT(t)
		return NewRedisStockLedger(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}})
}

func TestLockingStockLedger(t *testing.T) {
	suite.Run(t, &StockLedgerSuite{newLedger: func() domain.StockLedger {
		return NewLockingStockLedger(NewMemoryProductStore(), keylock.NewKeyedMutex())
	}})
}

func TestGormSaleLedger(t *testing.T) {
	suite.Run(t, &SaleLedgerSuite{newLedger: func() domain.SaleLedger {
		return NewGormSaleLedger(newSQLiteDB(t))
	}})
}

func TestMemorySaleLedger(t *testing.T) {
	suite.Run(t, &SaleLedgerSuite{newLedger: func() domain.SaleLedger {
		return NewMemorySaleLedger()
	}})
}

func TestGormStockLedgerRefusesReferencedDelete(t *testing.T) {
	db := newSQLiteDB(t)
	stock := NewGormStockLedger(db)
	sales := NewGormSaleLedger(db)
	ctx := context.Background()

	for _, id := range []string{"P1", "P2"} {
		p, err := domain.NewProduct(id, "product "+id, decimal.NewFromInt(2), 3)
		require.NoError(t, err)
		require.NoError(t, stock.Create(ctx, p))
	}
	sale, err := domain.NewSale([]domain.LineItem{item("P1", 1, "2")}, decimal.Zero)
	require.NoError(t, err)
	_, err = sales.Insert(ctx, sale)
	require.NoError(t, err)

	assert.ErrorIs(t, stock.Delete(ctx, "P1"), domain.ErrValidation)
	_, err = stock.Get(ctx, "P1")
	assert.NoError(t, err)

	assert.NoError(t, stock.Delete(ctx, "P2"))
	assert.ErrorIs(t, stock.Delete(ctx, "P2"), domain.ErrNotFound)

	require.NoError(t, sales.Delete(ctx, sale.ID, sale.Version))
	assert.NoError(t, stock.Delete(ctx, "P1"))
}

func TestToDecimal128(t *testing.T) {
	v, err := toDecimal128("unitPrice", decimal.RequireFromString("10.5"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.5").Equal(fromDecimal128(v)))

	assert.NotPanics(t, func() {
		_, err = toDecimal128("unitPrice", decimal.RequireFromString("1234567890123456789012345678901234.567"))
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	sale := &domain.Sale{
		ID:        "S1",
		LineItems: []domain.LineItem{{ProductID: "P1", QuantitySold: 1, UnitPriceAtSale: decimal.RequireFromString("1.5"), Subtotal: decimal.RequireFromString("1.5")}},
		Tax:       decimal.RequireFromString("9999999999999999999999999999999999.9"),
	}
	_, err = toSaleDocument(sale)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
