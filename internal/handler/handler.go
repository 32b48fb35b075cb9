// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"
	"go.uber.org/zap"

	"github.com/mmeshcher/streamshop/internal/catalog"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/middleware"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/offer"
	"github.com/mmeshcher/streamshop/internal/order"
	"github.com/mmeshcher/streamshop/internal/service"
	"github.com/mmeshcher/streamshop/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Products(ctx context.Context, userID string) ([]model.Product, error)
	AllProducts(ctx context.Context) ([]model.Product, error)
	CreateProduct(ctx context.Context, in catalog.ProductInput) (model.Product, error)
	UpdateProduct(ctx context.Context, id string, in catalog.ProductInput) (model.Product, error)
	SetAllowList(ctx context.Context, id string, list []model.ExclusiveAllowance) (model.Product, error)
	Quote(ctx context.Context, userID, productID string, saleType model.SaleType, quantity int) (offer.Quote, error)

	AddStock(ctx context.Context, productID string, units []service.StockInput) ([]model.StockUnit, error)
	AddStockLines(ctx context.Context, productID string, kind model.UnitKind, text string) ([]model.StockUnit, error)
	StockCounts(ctx context.Context, productID string) (model.StockCounts, error)

	Recharge(ctx context.Context, userID string, amount int64) (int64, error)
	Balance(ctx context.Context, userID string) (model.CreditBalance, error)
	LedgerHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	Purchase(ctx context.Context, req order.PurchaseRequest) (service.OrderView, error)
	Orders(ctx context.Context, filter model.OrderFilter) ([]service.OrderView, error)
	Order(ctx context.Context, id string) (service.OrderView, error)
	Renew(ctx context.Context, orderID string) (service.OrderView, error)
	Rehabilitate(ctx context.Context, orderID string) (service.OrderView, error)
	CorrectCredential(ctx context.Context, orderID string, item int, c model.Credential) (service.OrderView, error)

	Block(ctx context.Context, in gate.BlockInput) (model.UserBlock, error)
	Unblock(ctx context.Context, userID string) error
	BlockStatus(ctx context.Context, userID string) (model.BlockStatus, error)

	CreateOffer(ctx context.Context, in offer.OfferInput) (model.SpecialOffer, error)
	DeactivateOffer(ctx context.Context, id string) error
	Offers(ctx context.Context, userID string) ([]model.SpecialOffer, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	limiter        *middleware.RateLimiter
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// limiter ограничивает оформление покупок, nil отключает ограничение.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		limiter:        limiter,
		validate:       v,
	}
}

// errorResponse описывает тело ответа об ошибке.
type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

var errBadRequest = errors.New("bad request")

// decode читает JSON-тело запроса и проверяет его теги validate.
func (h *Handler) decode(r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return h.validate.Struct(dst)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// fail переводит ошибку в HTTP-ответ.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Message = ""
	}
	h.respond(w, r, status, body)
}

func classify(err error) (int, errorResponse) {
	var (
		blocked *model.BlockedError
		credit  *model.InsufficientCreditError
		oos     *model.OutOfStockError
		line    *validation.LineError
		invalid validator.ValidationErrors
	)

	switch {
	case errors.As(err, &blocked):
		d := map[string]any{"reason": blocked.Reason, "type": blocked.Type}
		if blocked.ExpiresAt != nil {
			d["expires_at"] = blocked.ExpiresAt
		}
		return http.StatusForbidden, errorResponse{Error: "user_blocked", Message: err.Error(), Details: d}
	case errors.As(err, &credit):
		return http.StatusPaymentRequired, errorResponse{Error: "insufficient_credit", Message: err.Error(),
			Details: map[string]any{"required": credit.Required, "available": credit.Available}}
	case errors.As(err, &oos):
		return http.StatusConflict, errorResponse{Error: "out_of_stock", Message: err.Error(),
			Details: map[string]any{"product_id": oos.ProductID, "sale_type": oos.SaleType}}
	case errors.As(err, &line):
		return http.StatusUnprocessableEntity, errorResponse{Error: "invalid_stock_line", Message: err.Error(),
			Details: map[string]any{"line": line.Line}}
	case errors.As(err, &invalid):
		fields := make(map[string]any, len(invalid))
		for _, fe := range invalid {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Details: fields}
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorResponse{Error: "bad_request", Message: err.Error()}
	case errors.Is(err, model.ErrNotEligible):
		return http.StatusForbidden, errorResponse{Error: "not_eligible", Message: err.Error()}
	case errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrOfferNotFound),
		errors.Is(err, model.ErrBlockNotFound),
		errors.Is(err, model.ErrStockUnitNotFound),
		errors.Is(err, order.ErrItemNotFound):
		return http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()}
	case errors.Is(err, model.ErrAlreadyRehabilitated),
		errors.Is(err, model.ErrAlreadyAvailable):
		return http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()}
	case errors.Is(err, model.ErrProductUnavailable),
		errors.Is(err, model.ErrSaleTypeMismatch),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidCredential),
		errors.Is(err, offer.ErrInvalidOffer),
		errors.Is(err, gate.ErrInvalidBlock),
		errors.Is(err, catalog.ErrInvalidProduct),
		errors.Is(err, validation.ErrInvalidLine):
		return http.StatusUnprocessableEntity, errorResponse{Error: "rejected", Message: err.Error()}
	case errors.Is(err, gate.ErrRateLimited):
		return http.StatusServiceUnavailable, errorResponse{Error: "block_service_unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: err.Error()}
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}
