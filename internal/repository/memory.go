package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mmeshcher/streamshop/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Все операции и транзакции
// сериализуются одним мьютексом, откат транзакции восстанавливает снимок состояния.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

// InTx выполняет fn под эксклюзивной блокировкой хранилища.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	if err := fn(r.state); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

// Close ничего не делает: ресурсов у in-memory хранилища нет.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateProduct(ctx context.Context, p model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CreateProduct(ctx, p)
}

func (r *MemoryRepository) UpdateProduct(ctx context.Context, p model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateProduct(ctx, p)
}

func (r *MemoryRepository) GetProduct(ctx context.Context, id string) (model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetProduct(ctx, id)
}

func (r *MemoryRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListProducts(ctx)
}

func (r *MemoryRepository) SetAllowList(ctx context.Context, productID string, list []model.ExclusiveAllowance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.SetAllowList(ctx, productID, list)
}

func (r *MemoryRepository) InsertStockUnit(ctx context.Context, u model.StockUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertStockUnit(ctx, u)
}

func (r *MemoryRepository) ClaimStockUnit(ctx context.Context, productID string, kind model.UnitKind) (model.StockUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ClaimStockUnit(ctx, productID, kind)
}

func (r *MemoryRepository) ReleaseStockUnit(ctx context.Context, id string, credential *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ReleaseStockUnit(ctx, id, credential)
}

func (r *MemoryRepository) CountStock(ctx context.Context, productID string) (model.StockCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CountStock(ctx, productID)
}

func (r *MemoryRepository) ApplyLedgerEntry(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ApplyLedgerEntry(ctx, entry)
}

func (r *MemoryRepository) GetBalance(ctx context.Context, userID string) (model.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetBalance(ctx, userID)
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListLedgerEntries(ctx, userID, limit)
}

func (r *MemoryRepository) CreateOffer(ctx context.Context, o model.SpecialOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CreateOffer(ctx, o)
}

func (r *MemoryRepository) DeactivateOffer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeactivateOffer(ctx, id)
}

func (r *MemoryRepository) ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListOffers(ctx, userID, productID)
}

func (r *MemoryRepository) CreateOrder(ctx context.Context, o model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CreateOrder(ctx, o)
}

func (r *MemoryRepository) UpdateOrder(ctx context.Context, o model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateOrder(ctx, o)
}

func (r *MemoryRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetOrder(ctx, id)
}

func (r *MemoryRepository) GetOrderByRequestID(ctx context.Context, userID, requestID string) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetOrderByRequestID(ctx, userID, requestID)
}

func (r *MemoryRepository) ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListOrders(ctx, filter)
}

func (r *MemoryRepository) CreateBlock(ctx context.Context, b model.UserBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CreateBlock(ctx, b)
}

func (r *MemoryRepository) DeactivateBlocks(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeactivateBlocks(ctx, userID)
}

func (r *MemoryRepository) ListActiveBlocks(ctx context.Context, userID string) ([]model.UserBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListActiveBlocks(ctx, userID)
}

// memState хранит состояние in-memory хранилища. Методы не синхронизированы,
// вызывающий код держит мьютекс MemoryRepository.
type memState struct {
	products map[string]model.Product
	units    map[string]model.StockUnit
	unitSeq  []string
	balances map[string]model.CreditBalance
	ledger   []model.LedgerEntry
	offers   map[string]model.SpecialOffer
	offerSeq []string
	orders   map[string]model.Order
	orderSeq []string
	requests map[string]string
	blocks   []model.UserBlock
}

func newMemState() *memState {
	return &memState{
		products: make(map[string]model.Product),
		units:    make(map[string]model.StockUnit),
		balances: make(map[string]model.CreditBalance),
		offers:   make(map[string]model.SpecialOffer),
		orders:   make(map[string]model.Order),
		requests: make(map[string]string),
	}
}

// clone копирует состояние. Срезы внутри сущностей копируются при записи и чтении,
// поэтому здесь достаточно скопировать контейнеры.
func (s *memState) clone() *memState {
	c := &memState{
		products: make(map[string]model.Product, len(s.products)),
		units:    make(map[string]model.StockUnit, len(s.units)),
		unitSeq:  append([]string(nil), s.unitSeq...),
		balances: make(map[string]model.CreditBalance, len(s.balances)),
		ledger:   append([]model.LedgerEntry(nil), s.ledger...),
		offers:   make(map[string]model.SpecialOffer, len(s.offers)),
		offerSeq: append([]string(nil), s.offerSeq...),
		orders:   make(map[string]model.Order, len(s.orders)),
		orderSeq: append([]string(nil), s.orderSeq...),
		requests: make(map[string]string, len(s.requests)),
		blocks:   append([]model.UserBlock(nil), s.blocks...),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.offers {
		c.offers[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

func copyProduct(p model.Product) model.Product {
	p.AllowList = append([]model.ExclusiveAllowance(nil), p.AllowList...)
	return p
}

func copyOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

func requestKey(userID, requestID string) string {
	return userID + "\x00" + requestID
}

func (s *memState) CreateProduct(ctx context.Context, p model.Product) error {
	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	s.products[p.ID] = copyProduct(p)
	return nil
}

func (s *memState) UpdateProduct(ctx context.Context, p model.Product) error {
	existing, ok := s.products[p.ID]
	if !ok {
		return model.ErrProductNotFound
	}
	p.AllowList = existing.AllowList
	p.CreatedAt = existing.CreatedAt
	s.products[p.ID] = copyProduct(p)
	return nil
}

func (s *memState) GetProduct(ctx context.Context, id string) (model.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return model.Product{}, model.ErrProductNotFound
	}
	return copyProduct(p), nil
}

func (s *memState) ListProducts(ctx context.Context) ([]model.Product, error) {
	res := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		res = append(res, copyProduct(p))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *memState) SetAllowList(ctx context.Context, productID string, list []model.ExclusiveAllowance) error {
	p, ok := s.products[productID]
	if !ok {
		return model.ErrProductNotFound
	}
	p.AllowList = append([]model.ExclusiveAllowance(nil), list...)
	s.products[productID] = p
	return nil
}

func (s *memState) InsertStockUnit(ctx context.Context, u model.StockUnit) error {
	if _, ok := s.products[u.ProductID]; !ok {
		return model.ErrProductNotFound
	}
	if _, ok := s.units[u.ID]; ok {
		return fmt.Errorf("stock unit %s already exists", u.ID)
	}
	s.units[u.ID] = u
	s.unitSeq = append(s.unitSeq, u.ID)
	return nil
}

func (s *memState) ClaimStockUnit(ctx context.Context, productID string, kind model.UnitKind) (model.StockUnit, error) {
	for _, id := range s.unitSeq {
		u := s.units[id]
		if u.ProductID != productID || u.Kind != kind || !u.Available {
			continue
		}
		u.Available = false
		s.units[id] = u
		return u, nil
	}
	return model.StockUnit{}, model.ErrOutOfStock
}

func (s *memState) ReleaseStockUnit(ctx context.Context, id string, credential *model.Credential) error {
	u, ok := s.units[id]
	if !ok {
		return model.ErrStockUnitNotFound
	}
	if u.Available {
		return model.ErrAlreadyAvailable
	}
	u.Available = true
	if credential != nil {
		u.Credential = *credential
	}
	s.units[id] = u
	return nil
}

func (s *memState) CountStock(ctx context.Context, productID string) (model.StockCounts, error) {
	counts := model.StockCounts{ProductID: productID}
	for _, u := range s.units {
		if u.ProductID != productID {
			continue
		}
		switch {
		case !u.Available:
			counts.Sold++
		case u.Kind == model.UnitKindProfile:
			counts.AvailableProfile++
		default:
			counts.AvailableAccount++
		}
	}
	return counts, nil
}

func (s *memState) ApplyLedgerEntry(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	bal, ok := s.balances[entry.UserID]
	if !ok {
		bal = model.CreditBalance{UserID: entry.UserID}
	}
	if entry.Amount < 0 && bal.Balance < -entry.Amount {
		return model.LedgerEntry{}, &model.InsufficientCreditError{
			UserID:    entry.UserID,
			Required:  -entry.Amount,
			Available: bal.Balance,
		}
	}

	bal.Balance += entry.Amount
	bal.UpdatedAt = entry.CreatedAt
	s.balances[entry.UserID] = bal

	entry.BalanceAfter = bal.Balance
	s.ledger = append(s.ledger, entry)
	return entry, nil
}

func (s *memState) GetBalance(ctx context.Context, userID string) (model.CreditBalance, error) {
	bal, ok := s.balances[userID]
	if !ok {
		return model.CreditBalance{UserID: userID}, nil
	}
	return bal, nil
}

func (s *memState) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	var res []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID != userID {
			continue
		}
		res = append(res, s.ledger[i])
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *memState) CreateOffer(ctx context.Context, o model.SpecialOffer) error {
	if _, ok := s.products[o.ProductID]; !ok {
		return model.ErrProductNotFound
	}
	s.offers[o.ID] = o
	s.offerSeq = append(s.offerSeq, o.ID)
	return nil
}

func (s *memState) DeactivateOffer(ctx context.Context, id string) error {
	o, ok := s.offers[id]
	if !ok {
		return model.ErrOfferNotFound
	}
	o.Active = false
	s.offers[id] = o
	return nil
}

func (s *memState) ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error) {
	var res []model.SpecialOffer
	for i := len(s.offerSeq) - 1; i >= 0; i-- {
		o := s.offers[s.offerSeq[i]]
		if o.UserID != userID || (productID != "" && o.ProductID != productID) {
			continue
		}
		res = append(res, o)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *memState) CreateOrder(ctx context.Context, o model.Order) error {
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.RequestID != nil {
		key := requestKey(o.UserID, *o.RequestID)
		if _, ok := s.requests[key]; ok {
			return model.ErrDuplicateRequest
		}
		s.requests[key] = o.ID
	}
	s.orders[o.ID] = copyOrder(o)
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *memState) UpdateOrder(ctx context.Context, o model.Order) error {
	existing, ok := s.orders[o.ID]
	if !ok {
		return model.ErrOrderNotFound
	}
	o.RequestID = existing.RequestID
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *memState) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, model.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *memState) GetOrderByRequestID(ctx context.Context, userID, requestID string) (model.Order, error) {
	id, ok := s.requests[requestKey(userID, requestID)]
	if !ok {
		return model.Order{}, model.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *memState) ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	var res []model.Order
	for i := len(s.orderSeq) - 1; i >= 0; i-- {
		o := s.orders[s.orderSeq[i]]
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.ProductID != "" && o.ProductID != filter.ProductID {
			continue
		}
		res = append(res, copyOrder(o))
	}
	return res, nil
}

func (s *memState) CreateBlock(ctx context.Context, b model.UserBlock) error {
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *memState) DeactivateBlocks(ctx context.Context, userID string) (int, error) {
	n := 0
	for i := range s.blocks {
		if s.blocks[i].UserID == userID && s.blocks[i].Active {
			s.blocks[i].Active = false
			n++
		}
	}
	return n, nil
}

func (s *memState) ListActiveBlocks(ctx context.Context, userID string) ([]model.UserBlock, error) {
	var res []model.UserBlock
	for i := len(s.blocks) - 1; i >= 0; i-- {
		if s.blocks[i].UserID == userID && s.blocks[i].Active {
			res = append(res, s.blocks[i])
		}
	}
	return res, nil
}

var (
	_ Store = (*MemoryRepository)(nil)
	_ Tx    = (*memState)(nil)
)
