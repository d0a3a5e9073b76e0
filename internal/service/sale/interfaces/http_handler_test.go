package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"salesledger/internal/pkg/keylock"
	"salesledger/internal/pkg/metrics"
	"salesledger/internal/service/sale/application"
	"salesledger/internal/service/sale/domain"
	"salesledger/internal/service/sale/infrastructure"
)

// failingReadsStock 在 armed 之后的第一次库存调整之后让所有 Get 失败，
// 模拟写入已经提交、随后的读取出错。
type failingReadsStock struct {
	domain.StockLedger
	mu     sync.Mutex
	armed  bool
	broken bool
}

func (f *failingReadsStock) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	f.mu.Lock()
	if f.armed {
		f.broken = true
	}
	f.mu.Unlock()
	return f.StockLedger.Adjust(ctx, productID, delta)
}

func (f *failingReadsStock) Get(ctx context.Context, productID string) (*domain.Product, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("read timeout")
	}
	return f.StockLedger.Get(ctx, productID)
}

func (f *failingReadsStock) arm(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed, f.broken = on, false
}

type SaleHandlerSuite struct {
	suite.Suite
	server *httptest.Server
	stock  *failingReadsStock
}

func TestSaleHandlerSuite(t *testing.T) {
	suite.Run(t, new(SaleHandlerSuite))
}

func (s *SaleHandlerSuite) SetupTest() {
	registry := prometheus.NewRegistry()
	s.stock = &failingReadsStock{
		StockLedger: infrastructure.NewLockingStockLedger(infrastructure.NewMemoryProductStore(), keylock.NewKeyedMutex()),
	}
	service := application.NewSaleApplicationService(s.stock, infrastructure.NewMemorySaleLedger(),
		application.WithMetrics(metrics.NewSaleMetrics(registry)))

	mux := http.NewServeMux()
	NewSaleHandler(service, registry).RegisterRoutes(mux)
	s.server = httptest.NewServer(mux)
	s.T().Cleanup(s.server.Close)
}

func (s *SaleHandlerSuite) do(method, path, body string) (*http.Response, map[string]interface{}) {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw json.RawMessage
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(&raw))
		if len(raw) > 0 && raw[0] == '{' {
			s.Require().NoError(json.Unmarshal(raw, &out))
		}
	}
	return resp, out
}

func (s *SaleHandlerSuite) list(path string) []map[string]interface{} {
	resp, err := http.Get(s.server.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var out []map[string]interface{}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *SaleHandlerSuite) TestSaleLifecycle() {
	resp, _ := s.do(http.MethodPost, "/products", `{"id":"P1","name":"widget","unitPrice":"100","quantity":10}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	resp, sale := s.do(http.MethodPost, "/sales", `{"lineItems":[{"productId":"P1","quantitySold":2}],"tax":"16"}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("216", sale["total"])
	id := sale["id"].(string)

	resp, product := s.do(http.MethodGet, "/products/P1", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(8), product["quantity"])

	resp, updated := s.do(http.MethodPatch, "/sales/"+id, `{"lineItems":[{"productId":"P1","quantitySold":3}],"expectedVersion":1}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(2), updated["version"])
	s.Equal("316", updated["total"])

	resp, _ = s.do(http.MethodPatch, "/sales/"+id, `{"tax":"1","expectedVersion":1}`)
	s.Equal(http.StatusConflict, resp.StatusCode)

	sales := s.list("/sales?productId=P1")
	s.Len(sales, 1)
	s.Len(s.list("/sales?today=true"), 1)

	resp, _ = s.do(http.MethodDelete, "/sales/"+id, "")
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)
	_, product = s.do(http.MethodGet, "/products/P1", "")
	s.Equal(float64(10), product["quantity"])

	resp, _ = s.do(http.MethodGet, "/sales/"+id, "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *SaleHandlerSuite) TestCommittedSaleIsReturnedWhenProductReadFails() {
	resp, _ := s.do(http.MethodPost, "/products", `{"id":"P1","name":"widget","unitPrice":"100","quantity":10}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	s.stock.arm(true)
	resp, sale := s.do(http.MethodPost, "/sales", `{"lineItems":[{"productId":"P1","quantitySold":2}],"tax":"16"}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("216", sale["total"])
	id := sale["id"].(string)
	item := sale["lineItems"].([]interface{})[0].(map[string]interface{})
	s.Equal("P1", item["productId"])
	s.Nil(item["product"])

	s.stock.arm(true)
	resp, updated := s.do(http.MethodPatch, "/sales/"+id, `{"lineItems":[{"productId":"P1","quantitySold":3}]}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(2), updated["version"])
	s.Equal("316", updated["total"])

	s.stock.arm(false)
	_, product := s.do(http.MethodGet, "/products/P1", "")
	s.Equal(float64(7), product["quantity"])
	s.Len(s.list("/sales"), 1)
}

func (s *SaleHandlerSuite) TestErrorStatuses() {
	resp, _ := s.do(http.MethodPost, "/products", `{"id":"P1","name":"widget","unitPrice":"5","quantity":1}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/sales", `{"lineItems":[{"productId":"P1","quantitySold":2}]}`, http.StatusConflict},
		{http.MethodPost, "/sales", `{"lineItems":[]}`, http.StatusBadRequest},
		{http.MethodPost, "/sales", `{"lineItems":[{"productId":"nope","quantitySold":1}]}`, http.StatusNotFound},
		{http.MethodPost, "/sales", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/products", `{"id":"P1","name":"again","unitPrice":"5"}`, http.StatusConflict},
		{http.MethodPost, "/products/P1/adjust", `{"delta":0}`, http.StatusBadRequest},
		{http.MethodPost, "/products/P1/adjust", `{"delta":-5}`, http.StatusConflict},
		{http.MethodGet, "/sales?from=yesterday", "", http.StatusBadRequest},
		{http.MethodDelete, "/sales/nope", "", http.StatusNotFound},
		{http.MethodDelete, "/products/nope", "", http.StatusNotFound},
	}
	for _, c := range cases {
		resp, _ := s.do(c.method, c.path, c.body)
		s.Equal(c.status, resp.StatusCode, "%s %s", c.method, c.path)
	}

	_, product := s.do(http.MethodGet, "/products/P1", "")
	s.Equal(float64(1), product["quantity"])
}

func (s *SaleHandlerSuite) TestProductsAndAvailability() {
	s.do(http.MethodPost, "/products", `{"id":"A","name":"a","unitPrice":"1","quantity":0}`)
	s.do(http.MethodPost, "/products", `{"id":"B","name":"b","unitPrice":"1","quantity":4}`)

	s.Len(s.list("/products"), 2)
	inStock := s.list("/products?inStock=true")
	s.Require().Len(inStock, 1)
	s.Equal("B", inStock[0]["id"])

	resp, body := s.do(http.MethodPost, "/products/A/adjust", `{"delta":3}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(3), body["quantity"])

	resp, err := http.Post(s.server.URL+"/sales/availability", "application/json",
		strings.NewReader(`{"lineItems":[{"productId":"A","quantitySold":5},{"productId":"B","quantitySold":4}]}`))
	s.Require().NoError(err)
	defer resp.Body.Close()
	var avail []application.Availability
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&avail))
	s.Equal([]application.Availability{
		{ProductID: "A", Available: 3, Requested: 5, Sufficient: false},
		{ProductID: "B", Available: 4, Requested: 4, Sufficient: true},
	}, avail)

	resp, _ = s.do(http.MethodDelete, "/products/A", "")
	s.Equal(http.StatusNoContent, resp.StatusCode)
}

func (s *SaleHandlerSuite) TestHealthAndMetrics() {
	resp, _ := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	s.do(http.MethodPost, "/products", `{"id":"P","name":"p","unitPrice":"1","quantity":1}`)
	s.do(http.MethodPost, "/sales", `{"lineItems":[{"productId":"P","quantitySold":1}]}`)

	resp, err := http.Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	s.Contains(buf.String(), `sales_operations_total{op="create_sale",outcome="success"} 1`)
}

func TestStatusFor(t *testing.T) {
	inconsistency := &domain.InconsistencyError{Op: domain.OpDeleteSale, Cause: domain.NewValidationError("x", "y")}
	cases := []struct {
		err    error
		status int
	}{
		{inconsistency, http.StatusInternalServerError},
		{&domain.NotFoundError{Entity: "sale", ID: "s"}, http.StatusNotFound},
		{domain.NewValidationError("tax", "negative"), http.StatusBadRequest},
		{&domain.InsufficientStockError{ProductID: "P", Available: 1, Requested: 2}, http.StatusConflict},
		{errors.Wrap(domain.ErrAlreadyExists, "product P"), http.StatusConflict},
		{domain.NewTransactionAbort("update_sale", errors.Wrap(domain.ErrVersionConflict, "sale s")), http.StatusConflict},
		{domain.NewTransactionAbort("insert_sale", errors.New("connection reset")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, statusFor(c.err), fmt.Sprintf("%v", c.err))
	}
}
