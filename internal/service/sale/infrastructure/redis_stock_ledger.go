// internal/service/sale/infrastructure/redis_stock_ledger.go
package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"salesledger/internal/service/sale/domain"
)

const (
	productIndexKey = "sales:products"
)

func productKey(id string) string {
	return fmt.Sprintf("sales:product:{%s}", id)
}

// RedisStockLedger 是 StockLedger 的 Redis 实现。
// 每个商品是一个 hash，条件扣减由 Lua 脚本在服务端原子完成。
type RedisStockLedger struct {
	client redis.UniversalClient
}

var _ domain.StockLedger = (*RedisStockLedger)(nil)

func NewRedisStockLedger(client redis.UniversalClient) *RedisStockLedger {
	return &RedisStockLedger{client: client}
}

// Adjust 返回码: -1 商品不存在, 0 库存不足, 2 超过上限, 1 成功
func (r *RedisStockLedger) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	if err := domain.ValidateDelta(delta); err != nil {
		return 0, err
	}
	res, err := adjustScript.Run(ctx, r.client, []string{productKey(productID)},
		delta, time.Now().UTC().Format(time.RFC3339Nano), domain.MaxQuantity).Int64Slice()
	if err != nil {
		return 0, errors.Wrapf(err, "adjust stock of product %s", productID)
	}
	if len(res) != 2 {
		return 0, errors.Errorf("unexpected result from adjust script: %v", res)
	}

	switch res[0] {
	case 1:
		return res[1], nil
	case 0, 2:
		_, err := domain.ApplyDelta(productID, res[1], delta)
		return 0, err
	case -1:
		return 0, domain.NewProductNotFound(productID)
	default:
		return 0, errors.Errorf("unknown result code from adjust script: %d", res[0])
	}
}

func (r *RedisStockLedger) Get(ctx context.Context, productID string) (*domain.Product, error) {
	fields, err := r.client.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get product %s", productID)
	}
	if len(fields) == 0 {
		return nil, domain.NewProductNotFound(productID)
	}
	return productFromHash(productID, fields)
}

func (r *RedisStockLedger) Create(ctx context.Context, product *domain.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	created, err := createScript.Run(ctx, r.client, []string{productKey(product.ID), productIndexKey},
		product.ID,
		product.Name,
		product.UnitPrice.String(),
		product.Quantity,
		product.CreatedAt.UTC().Format(time.RFC3339Nano),
		product.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "create product %s", product.ID)
	}
	if created == 0 {
		return errors.Wrapf(domain.ErrAlreadyExists, "product %s", product.ID)
	}
	return nil
}

func (r *RedisStockLedger) List(ctx context.Context) ([]*domain.Product, error) {
	ids, err := r.client.SMembers(ctx, productIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list product ids")
	}

	// 使用 pipeline 一次取回所有商品
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, productKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "list products")
	}

	out := make([]*domain.Product, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// 已被并发删除
			continue
		}
		p, err := productFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *RedisStockLedger) Delete(ctx context.Context, productID string) error {
	deleted, err := deleteScript.Run(ctx, r.client, []string{productKey(productID), productIndexKey}, productID).Int64()
	if err != nil {
		return errors.Wrapf(err, "delete product %s", productID)
	}
	if deleted == 0 {
		return domain.NewProductNotFound(productID)
	}
	return nil
}

func productFromHash(id string, fields map[string]string) (*domain.Product, error) {
	qty, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse quantity of product %s", id)
	}
	price, err := decimal.NewFromString(fields["unit_price"])
	if err != nil {
		return nil, errors.Wrapf(err, "parse unit price of product %s", id)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])
	return &domain.Product{
		ID:        id,
		Name:      fields["name"],
		UnitPrice: price,
		Quantity:  qty,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

var adjustScript = redis.NewScript(`
-- KEYS[1]: 商品 hash, 例如: sales:product:{P1}
-- ARGV[1]: 库存变动量 delta
-- ARGV[2]: 更新时间
-- ARGV[3]: 库存上限

-- 1. 商品是否存在
local qty = redis.call('hget', KEYS[1], 'quantity')
if not qty then
    return {-1, 0}
end
qty = tonumber(qty)

-- 2. 变动后不能为负，也不能超过上限
local delta = tonumber(ARGV[1])
if qty + delta < 0 then
    return {0, qty}
end
if qty + delta > tonumber(ARGV[3]) then
    return {2, qty}
end

-- 3. 修改库存
local n = redis.call('hincrby', KEYS[1], 'quantity', delta)
redis.call('hset', KEYS[1], 'updated_at', ARGV[2])
return {1, n}
`)

var createScript = redis.NewScript(`
-- KEYS[1]: 商品 hash, KEYS[2]: 商品 ID 集合
if redis.call('exists', KEYS[1]) == 1 then
    return 0
end
redis.call('hset', KEYS[1],
    'name', ARGV[2],
    'unit_price', ARGV[3],
    'quantity', ARGV[4],
    'created_at', ARGV[5],
    'updated_at', ARGV[6])
redis.call('sadd', KEYS[2], ARGV[1])
return 1
`)

var deleteScript = redis.NewScript(`
-- KEYS[1]: 商品 hash, KEYS[2]: 商品 ID 集合
if redis.call('del', KEYS[1]) == 0 then
    return 0
end
redis.call('srem', KEYS[2], ARGV[1])
return 1
`)
