// internal/service/sale/domain/errors.go
package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// 错误分类。所有类型化错误都可以用 errors.Is 匹配到下列哨兵错误。
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTransactionAbort  = errors.New("transaction aborted")
	ErrInconsistency     = errors.New("ledger inconsistency")

	// ErrAlreadyExists 表示创建时主键冲突。
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict 表示销售记录在读取之后被并发修改。
	ErrVersionConflict = errors.New("version conflict")
)

// NotFoundError 表示引用的商品或销售记录不存在。
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewProductNotFound / NewSaleNotFound 是常用的构造函数。
func NewProductNotFound(id string) error { return &NotFoundError{Entity: "product", ID: id} }

func NewSaleNotFound(id string) error { return &NotFoundError{Entity: "sale", ID: id} }

// ValidationError 表示输入格式错误，在任何存储调用之前被拒绝。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientStockError 由条件扣减失败产生。
type InsufficientStockError struct {
	ProductID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %q: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransactionAbortError 表示存储层在流程中途失败，流程已被回滚。
type TransactionAbortError struct {
	Op  string
	Err error
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction aborted during %s: %v", e.Op, e.Err)
}

func (e *TransactionAbortError) Is(target error) bool { return target == ErrTransactionAbort }

func (e *TransactionAbortError) Unwrap() error { return e.Err }

// NewTransactionAbort 包装存储错误。已经是分类错误的直接返回。
func NewTransactionAbort(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return &TransactionAbortError{Op: op, Err: err}
}

// StockAdjustment 描述一次库存变动。
type StockAdjustment struct {
	ProductID string `json:"productId"`
	Delta     int64  `json:"delta"`
}

func (a StockAdjustment) String() string {
	return fmt.Sprintf("%s%+d", a.ProductID, a.Delta)
}

// InconsistencyError 表示补偿本身失败（或结果无法确认），两个账本可能已经不一致。
// 不会自动恢复，需要人工对账。
type InconsistencyError struct {
	Op     Operation
	SaleID string
	// Unapplied 是未能确认生效的库存变动，对账时需要手动执行。
	Unapplied []StockAdjustment
	Cause     error
}

func (e *InconsistencyError) Error() string {
	parts := make([]string, 0, len(e.Unapplied))
	for _, a := range e.Unapplied {
		parts = append(parts, a.String())
	}
	return fmt.Sprintf("ledger inconsistency during %s of sale %q (unapplied: [%s]): %v",
		e.Op, e.SaleID, strings.Join(parts, ", "), e.Cause)
}

func (e *InconsistencyError) Is(target error) bool { return target == ErrInconsistency }

func (e *InconsistencyError) Unwrap() error { return e.Cause }

// IsClassified 判断错误是否已经属于某个分类。
func IsClassified(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrTransactionAbort) ||
		errors.Is(err, ErrInconsistency)
}
