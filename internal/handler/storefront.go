package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/order"
)

// ListProducts отдаёт витрину, доступную текущему пользователю.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	products, err := h.service.Products(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, products)
}

// QuoteProduct рассчитывает цену для текущего пользователя без оформления покупки.
func (h *Handler) QuoteProduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	quantity := 1
	if v := r.URL.Query().Get("quantity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.fail(w, r, errBadRequest)
			return
		}
		quantity = n
	}
	saleType := model.SaleType(r.URL.Query().Get("sale_type"))

	q, err := h.service.Quote(r.Context(), userID, chi.URLParam(r, "id"), saleType, quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, q)
}

// GetBalance отдаёт баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	b, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, b)
}

// GetOrders отдаёт заказы текущего пользователя. Параметр expiration фильтрует по сроку действия.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	filter, err := orderFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.UserID = userID

	orders, err := h.service.Orders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.respond(w, r, http.StatusOK, orders)
}

type purchaseRequest struct {
	ProductID string         `json:"product_id" validate:"required"`
	SaleType  model.SaleType `json:"sale_type" validate:"omitempty,oneof=FULL PROFILES"`
	Quantity  int            `json:"quantity" validate:"gte=0,lte=100"`
	RequestID string         `json:"request_id" validate:"max=128"`
}

// CreateOrder оформляет покупку для текущего пользователя.
// Ключ идемпотентности берётся из поля request_id или заголовка Idempotency-Key.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.purchase(w, r, userID)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request, userID string) {
	var req purchaseRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	o, err := h.service.Purchase(r.Context(), order.PurchaseRequest{
		UserID:    userID,
		ProductID: req.ProductID,
		SaleType:  req.SaleType,
		Quantity:  req.Quantity,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, o)
}

func orderFilter(r *http.Request) (model.OrderFilter, error) {
	q := r.URL.Query()
	f := model.OrderFilter{
		UserID:     q.Get("user_id"),
		ProductID:  q.Get("product_id"),
		Expiration: model.ExpirationClass(q.Get("expiration")),
	}
	switch f.Expiration {
	case "", model.ExpirationCurrent, model.ExpirationExpiring, model.ExpirationExpired:
		return f, nil
	default:
		return f, errBadRequest
	}
}
