// internal/service/sale/infrastructure/mongo_ledger.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"salesledger/internal/service/sale/domain"
)

const (
	productsCollection = "products"
	salesCollection    = "sales"
)

type productDocument struct {
	ID        string               `bson:"_id"`
	Name      string               `bson:"name"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
	Quantity  int64                `bson:"quantity"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type saleDocument struct {
	ID        string               `bson:"_id"`
	Items     []lineItemDocument   `bson:"items"`
	Tax       primitive.Decimal128 `bson:"tax"`
	Total     primitive.Decimal128 `bson:"total"`
	Version   int64                `bson:"version"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type lineItemDocument struct {
	ProductID       string               `bson:"product_id"`
	QuantitySold    int64                `bson:"quantity_sold"`
	UnitPriceAtSale primitive.Decimal128 `bson:"unit_price_at_sale"`
	Subtotal        primitive.Decimal128 `bson:"subtotal"`
}

// toDecimal128 在超过 Decimal128 的 34 位有效数字时返回错误。
func toDecimal128(field string, d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, errors.Wrapf(domain.NewValidationError(field, "does not fit decimal128"), "%v", err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MongoStockLedger 是 StockLedger 的 MongoDB 实现，条件扣减使用 FindOneAndUpdate。
type MongoStockLedger struct {
	coll *mongo.Collection
}

var _ domain.StockLedger = (*MongoStockLedger)(nil)

func NewMongoStockLedger(db *mongo.Database) *MongoStockLedger {
	return &MongoStockLedger{coll: db.Collection(productsCollection)}
}

func (r *MongoStockLedger) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	if err := domain.ValidateDelta(delta); err != nil {
		return 0, err
	}
	filter := bson.M{"_id": productID}
	switch {
	case delta < 0:
		filter["quantity"] = bson.M{"$gte": -delta}
	case delta > 0:
		filter["quantity"] = bson.M{"$lte": domain.MaxQuantity - delta}
	}
	update := bson.M{
		"$inc": bson.M{"quantity": delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc productDocument
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.Quantity, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, errors.Wrapf(err, "adjust stock of product %s", productID)
	}

	// 条件不满足：区分商品不存在、库存不足和超过上限
	current, getErr := r.Get(ctx, productID)
	if getErr != nil {
		return 0, getErr
	}
	if _, err := domain.ApplyDelta(productID, current.Quantity, delta); err != nil {
		return 0, err
	}
	return 0, &domain.InsufficientStockError{ProductID: productID, Available: current.Quantity, Requested: -delta}
}

func (r *MongoStockLedger) Get(ctx context.Context, productID string) (*domain.Product, error) {
	var doc productDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.NewProductNotFound(productID)
		}
		return nil, errors.Wrapf(err, "get product %s", productID)
	}
	return productFromDocument(&doc), nil
}

func (r *MongoStockLedger) Create(ctx context.Context, product *domain.Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	price, err := toDecimal128("unitPrice", product.UnitPrice)
	if err != nil {
		return err
	}
	doc := productDocument{
		ID:        product.ID,
		Name:      product.Name,
		UnitPrice: price,
		Quantity:  product.Quantity,
		CreatedAt: product.CreatedAt.UTC(),
		UpdatedAt: product.UpdatedAt.UTC(),
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(domain.ErrAlreadyExists, "product %s", product.ID)
		}
		return errors.Wrapf(err, "create product %s", product.ID)
	}
	return nil
}

func (r *MongoStockLedger) List(ctx context.Context) ([]*domain.Product, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	var docs []productDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}
	out := make([]*domain.Product, 0, len(docs))
	for i := range docs {
		out = append(out, productFromDocument(&docs[i]))
	}
	return out, nil
}

func (r *MongoStockLedger) Delete(ctx context.Context, productID string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": productID})
	if err != nil {
		return errors.Wrapf(err, "delete product %s", productID)
	}
	if res.DeletedCount == 0 {
		return domain.NewProductNotFound(productID)
	}
	return nil
}

func productFromDocument(doc *productDocument) *domain.Product {
	return &domain.Product{
		ID:        doc.ID,
		Name:      doc.Name,
		UnitPrice: fromDecimal128(doc.UnitPrice),
		Quantity:  doc.Quantity,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

// MongoSaleLedger 是 SaleLedger 的 MongoDB 实现，明细内嵌在销售文档中。
type MongoSaleLedger struct {
	coll *mongo.Collection
}

var _ domain.SaleLedger = (*MongoSaleLedger)(nil)

func NewMongoSaleLedger(db *mongo.Database) *MongoSaleLedger {
	return &MongoSaleLedger{coll: db.Collection(salesCollection)}
}

// EnsureIndexes 为按日期和按商品查询建立索引。
func (r *MongoSaleLedger) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "items.product_id", Value: 1}}},
	})
	return errors.Wrap(err, "create sale indexes")
}

func (r *MongoSaleLedger) Insert(ctx context.Context, sale *domain.Sale) (string, error) {
	if err := sale.Validate(); err != nil {
		return "", err
	}
	doc, err := toSaleDocument(sale)
	if err != nil {
		return "", err
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", errors.Wrapf(domain.ErrAlreadyExists, "sale %s", sale.ID)
		}
		return "", errors.Wrapf(err, "insert sale %s", sale.ID)
	}
	return sale.ID, nil
}

func (r *MongoSaleLedger) Get(ctx context.Context, id string) (*domain.Sale, error) {
	var doc saleDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.NewSaleNotFound(id)
		}
		return nil, errors.Wrapf(err, "get sale %s", id)
	}
	return saleFromDocument(&doc), nil
}

func (r *MongoSaleLedger) Update(ctx context.Context, id string, patch domain.SalePatch) (*domain.Sale, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != patch.ExpectedVersion {
		return nil, errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d, found %d",
			id, patch.ExpectedVersion, current.Version)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}

	doc, err := toSaleDocument(next)
	if err != nil {
		return nil, err
	}
	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": patch.ExpectedVersion}, doc)
	if err != nil {
		return nil, errors.Wrapf(err, "update sale %s", id)
	}
	if res.MatchedCount == 0 {
		return nil, errors.Wrapf(domain.ErrVersionConflict, "sale %s changed concurrently", id)
	}
	return next, nil
}

func (r *MongoSaleLedger) Delete(ctx context.Context, id string, expectedVersion int64) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id, "version": expectedVersion})
	if err != nil {
		return errors.Wrapf(err, "delete sale %s", id)
	}
	if res.DeletedCount > 0 {
		return nil
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "delete sale %s", id)
	}
	if n == 0 {
		return domain.NewSaleNotFound(id)
	}
	return errors.Wrapf(domain.ErrVersionConflict, "sale %s: expected version %d", id, expectedVersion)
}

func (r *MongoSaleLedger) List(ctx context.Context, filter domain.SaleFilter) ([]*domain.Sale, error) {
	q := bson.M{}
	created := bson.M{}
	if !filter.From.IsZero() {
		created["$gte"] = filter.From.UTC()
	}
	if !filter.To.IsZero() {
		created["$lte"] = filter.To.UTC()
	}
	if len(created) > 0 {
		q["created_at"] = created
	}
	if filter.ProductID != "" {
		q["items.product_id"] = filter.ProductID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list sales")
	}
	var docs []saleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode sales")
	}
	out := make([]*domain.Sale, 0, len(docs))
	for i := range docs {
		out = append(out, saleFromDocument(&docs[i]))
	}
	return out, nil
}

func toSaleDocument(s *domain.Sale) (saleDocument, error) {
	items := make([]lineItemDocument, 0, len(s.LineItems))
	for _, it := range s.LineItems {
		price, err := toDecimal128("unitPriceAtSale", it.UnitPriceAtSale)
		if err != nil {
			return saleDocument{}, err
		}
		subtotal, err := toDecimal128("subtotal", it.Subtotal)
		if err != nil {
			return saleDocument{}, err
		}
		items = append(items, lineItemDocument{
			ProductID:       it.ProductID,
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: price,
			Subtotal:        subtotal,
		})
	}
	tax, err := toDecimal128("tax", s.Tax)
	if err != nil {
		return saleDocument{}, err
	}
	total, err := toDecimal128("total", s.Total)
	if err != nil {
		return saleDocument{}, err
	}
	return saleDocument{
		ID:        s.ID,
		Items:     items,
		Tax:       tax,
		Total:     total,
		Version:   s.Version,
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
	}, nil
}

func saleFromDocument(doc *saleDocument) *domain.Sale {
	items := make([]domain.LineItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		items = append(items, domain.LineItem{
			ProductID:       it.ProductID,
			QuantitySold:    it.QuantitySold,
			UnitPriceAtSale: fromDecimal128(it.UnitPriceAtSale),
			Subtotal:        fromDecimal128(it.Subtotal),
		})
	}
	return &domain.Sale{
		ID:        doc.ID,
		LineItems: items,
		Tax:       fromDecimal128(doc.Tax),
		Total:     fromDecimal128(doc.Total),
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}
