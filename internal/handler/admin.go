package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/streamshop/internal/catalog"
	"github.com/mmeshcher/streamshop/internal/gate"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/mmeshcher/streamshop/internal/offer"
	"github.com/mmeshcher/streamshop/internal/service"
)

// AdminListProducts отдаёт весь каталог.
func (h *Handler) AdminListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.AllProducts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, products)
}

// CreateProduct добавляет продукт.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, p)
}

// UpdateProduct заменяет поля продукта.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, p)
}

type allowListRequest struct {
	AllowList []model.ExclusiveAllowance `json:"allow_list"`
}

// SetAllowList заменяет список допуска эксклюзивного продукта.
func (h *Handler) SetAllowList(w http.ResponseWriter, r *http.Request) {
	var req allowListRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	p, err := h.service.SetAllowList(r.Context(), chi.URLParam(r, "id"), req.AllowList)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, p)
}

type stockRequest struct {
	Units []service.StockInput `json:"units" validate:"required,min=1,dive"`
}

// AddStock добавляет единицы склада из JSON.
func (h *Handler) AddStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	units, err := h.service.AddStock(r.Context(), chi.URLParam(r, "id"), req.Units)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, units)
}

// AddStockBulk добавляет единицы склада из текста, по одной на строку.
// Вид единиц задаётся параметром kind, по умолчанию ACCOUNT.
func (h *Handler) AddStockBulk(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	kind := model.UnitKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = model.UnitKindAccount
	}
	if !kind.Valid() {
		h.fail(w, r, errBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		h.fail(w, r, errBadRequest)
		return
	}

	units, err := h.service.AddStockLines(r.Context(), chi.URLParam(r, "id"), kind, string(body))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, map[string]int{"added": len(units)})
}

// StockCounts отдаёт сводку по складу продукта.
func (h *Handler) StockCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.StockCounts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, counts)
}

type rechargeRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// Recharge пополняет баланс пользователя.
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	userID := chi.URLParam(r, "id")
	balance, err := h.service.Recharge(r.Context(), userID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, model.CreditBalance{UserID: userID, Balance: balance, UpdatedAt: time.Now()})
}

// UserBalance отдаёт баланс пользователя.
func (h *Handler) UserBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, b)
}

// UserLedger отдаёт движения по балансу пользователя, новые первыми.
func (h *Handler) UserLedger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.fail(w, r, errBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.service.LedgerHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, entries)
}

// PurchaseForUser оформляет покупку от имени пользователя.
func (h *Handler) PurchaseForUser(w http.ResponseWriter, r *http.Request) {
	h.purchase(w, r, chi.URLParam(r, "id"))
}

type blockRequest struct {
	Reason    string          `json:"reason" validate:"required"`
	Type      model.BlockType `json:"type" validate:"required,oneof=temporary permanent"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// BlockUser блокирует покупки пользователя.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	b, err := h.service.Block(r.Context(), gate.BlockInput{
		UserID:    chi.URLParam(r, "id"),
		Reason:    req.Reason,
		Type:      req.Type,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, b)
}

// UnblockUser снимает блокировки пользователя.
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unblock(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserBlockStatus отдаёт состояние блокировки пользователя.
func (h *Handler) UserBlockStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.BlockStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, s)
}

type offerRequest struct {
	UserID          string          `json:"user_id" validate:"required"`
	ProductID       string          `json:"product_id" validate:"required"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	FixedPrice      *int64          `json:"fixed_price" validate:"omitempty,gte=0"`
	ExpiresAt       *time.Time      `json:"expires_at"`
}

// CreateOffer создаёт специальное предложение.
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	o, err := h.service.CreateOffer(r.Context(), offer.OfferInput(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, o)
}

// DeactivateOffer выключает специальное предложение.
func (h *Handler) DeactivateOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateOffer(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserOffers отдаёт предложения пользователя.
func (h *Handler) UserOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.Offers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, offers)
}

// AdminListOrders отдаёт заказы по фильтрам user_id, product_id и expiration.
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	orders, err := h.service.Orders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, orders)
}

// AdminGetOrder отдаёт заказ.
func (h *Handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Order(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, o)
}

// RenewOrder продлевает заказ.
func (h *Handler) RenewOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Renew(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, o)
}

// RehabilitateOrder возвращает единицы заказа на склад.
func (h *Handler) RehabilitateOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Rehabilitate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, o)
}

type credentialRequest struct {
	Item       int              `json:"item" validate:"gte=0"`
	Credential model.Credential `json:"credential"`
}

// CorrectCredential исправляет данные для входа в позиции заказа.
func (h *Handler) CorrectCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	o, err := h.service.CorrectCredential(r.Context(), chi.URLParam(r, "id"), req.Item, req.Credential)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, o)
}
