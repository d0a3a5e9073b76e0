package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"salesledger/internal/pkg/logger"
	"salesledger/internal/service/sale/application"
	"salesledger/internal/service/sale/domain"
)

const serviceName = "sales-service"

// SaleHandler 封装了 sales 服务的 HTTP 处理器
type SaleHandler struct {
	service  *application.SaleApplicationService
	gatherer prometheus.Gatherer
}

// NewSaleHandler 创建一个新的 HTTP 处理器实例。gatherer 为 nil 时 /metrics 使用默认注册表。
func NewSaleHandler(service *application.SaleApplicationService, gatherer prometheus.Gatherer) *SaleHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &SaleHandler{service: service, gatherer: gatherer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *SaleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /products", traced(h.createProduct))
	mux.Handle("GET /products", traced(h.listProducts))
	mux.Handle("GET /products/{id}", traced(h.getProduct))
	mux.Handle("DELETE /products/{id}", traced(h.deleteProduct))
	mux.Handle("POST /products/{id}/adjust", traced(h.adjustStock))

	mux.Handle("POST /sales", traced(h.createSale))
	mux.Handle("GET /sales", traced(h.listSales))
	mux.Handle("POST /sales/availability", traced(h.checkAvailability))
	mux.Handle("GET /sales/{id}", traced(h.getSale))
	mux.Handle("PATCH /sales/{id}", traced(h.updateSale))
	mux.Handle("DELETE /sales/{id}", traced(h.deleteSale))
}

// traced 先提取上游的 trace 上下文，再把带 trace_id 的 logger 放进 context，然后开启 span。
func traced(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(serviceName).Start(ctx, r.Method+" "+r.Pattern)
		defer span.End()
		span.SetAttributes(attribute.String("http.route", r.Pattern))

		ctx = logger.WithTraceID(ctx)
		next(w, r.WithContext(ctx))
	})
}

func (h *SaleHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req application.CreateProductRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, application.ToProductView(p))
}

func (h *SaleHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context(), r.URL.Query().Get("inStock") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]*application.ProductView, 0, len(products))
	for _, p := range products {
		views = append(views, application.ToProductView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SaleHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToProductView(p))
}

func (h *SaleHandler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteProduct(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustStockRequest struct {
	Delta int64 `json:"delta"`
}

func (h *SaleHandler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	q, err := h.service.AdjustStock(r.Context(), id, req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"productId": id, "quantity": q})
}

func (h *SaleHandler) createSale(w http.ResponseWriter, r *http.Request) {
	var req application.CreateSaleRequest
	if !decode(w, r, &req) {
		return
	}
	sale, err := h.service.CreateSale(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// 销售已经提交，响应不能再因为读取失败而报错
	writeJSON(w, http.StatusCreated, h.service.ViewSale(r.Context(), sale))
}

// listSales 支持 from/to（RFC3339）、productId、limit 和 today=true。
func (h *SaleHandler) listSales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("today") == "true" {
		views, err := h.service.SalesToday(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	filter := domain.SaleFilter{ProductID: q.Get("productId")}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, r, domain.NewValidationError("from", "must be RFC3339"))
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, r, domain.NewValidationError("to", "must be RFC3339"))
		return
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeError(w, r, domain.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
	}

	views, err := h.service.ListSales(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SaleHandler) checkAvailability(w http.ResponseWriter, r *http.Request) {
	var req application.CreateSaleRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.CheckAvailability(r.Context(), req.LineItems)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SaleHandler) getSale(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *SaleHandler) updateSale(w http.ResponseWriter, r *http.Request) {
	var req application.UpdateSaleRequest
	if !decode(w, r, &req) {
		return
	}
	sale, err := h.service.UpdateSale(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.ViewSale(r.Context(), sale))
}

func (h *SaleHandler) deleteSale(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSale(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor 把领域错误映射为 HTTP 状态码。不一致必须先判断，它可能包着其他错误。
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInconsistency):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransactionAbort):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
