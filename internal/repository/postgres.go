package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/streamshop/internal/model"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderRequestIndex = "orders_request_idx"

// querier объединяет методы пула соединений и транзакции pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Экземпляр, созданный внутри InTx, выполняет все запросы в транзакции.
type PostgresRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, q: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	if !r.inTx {
		r.pool.Close()
	}
	return nil
}

// InTx выполняет fn в транзакции. Вложенный вызов открывает точку сохранения.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.q, func(tx pgx.Tx) error {
		return fn(&PostgresRepository{pool: r.pool, q: tx, inTx: true})
	})
}

// atomic выполняет несколько запросов одной операции в транзакции (или точке сохранения).
func (r *PostgresRepository) atomic(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginFunc(ctx, r.q, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// withRetry повторяет чтение при временных ошибках. Внутри транзакции повтор невозможен:
// после ошибки транзакция уже прервана.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	if r.inTx {
		return fn()
	}

	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const productColumns = `id, name, kind, sale_type, base_price, profile_price, max_profiles,
	duration_days, active, expires_at, created_at, updated_at`

func scanProduct(row scanner) (model.Product, error) {
	var (
		p        model.Product
		kind     string
		saleType string
	)
	err := row.Scan(&p.ID, &p.Name, &kind, &saleType, &p.BasePrice, &p.ProfilePrice, &p.MaxProfiles,
		&p.DurationDays, &p.Active, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Product{}, err
	}
	p.Kind = model.ProductKind(kind)
	p.SaleType = model.SaleType(saleType)
	return p, nil
}

// CreateProduct сохраняет продукт вместе со списком допуска.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) error {
	return r.atomic(ctx, func(q querier) error {
		_, err := q.Exec(ctx,
			`INSERT INTO products (id, name, kind, sale_type, base_price, profile_price, max_profiles,
				duration_days, active, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			p.ID, p.Name, string(p.Kind), string(p.SaleType), p.BasePrice, p.ProfilePrice, p.MaxProfiles,
			p.DurationDays, p.Active, p.ExpiresAt, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		return insertAllowances(ctx, q, p.ID, p.AllowList)
	})
}

func insertAllowances(ctx context.Context, q querier, productID string, list []model.ExclusiveAllowance) error {
	for _, a := range list {
		_, err := q.Exec(ctx,
			`INSERT INTO exclusive_allowances (product_id, user_id, fixed_price) VALUES ($1, $2, $3)`,
			productID, a.UserID, a.FixedPrice,
		)
		if err != nil {
			return fmt.Errorf("insert allowance: %w", err)
		}
	}
	return nil
}

// UpdateProduct обновляет поля продукта. Список допуска меняется через SetAllowList.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p model.Product) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE products SET name = $2, kind = $3, sale_type = $4, base_price = $5, profile_price = $6,
			max_profiles = $7, duration_days = $8, active = $9, expires_at = $10, updated_at = $11
		 WHERE id = $1`,
		p.ID, p.Name, string(p.Kind), string(p.SaleType), p.BasePrice, p.ProfilePrice,
		p.MaxProfiles, p.DurationDays, p.Active, p.ExpiresAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrProductNotFound
	}
	return nil
}

// GetProduct возвращает продукт со списком допуска.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (model.Product, error) {
	var p model.Product
	err := r.withRetry(ctx, func() error {
		var err error
		p, err = scanProduct(r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
		if err != nil {
			return err
		}
		allow, err := r.loadAllowances(ctx, []string{id})
		if err != nil {
			return err
		}
		p.AllowList = allow[id]
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, model.ErrProductNotFound
		}
		return model.Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListProducts возвращает все продукты в порядке создания.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	var res []model.Product
	err := r.withRetry(ctx, func() error {
		rows, err := r.q.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		ids := make([]string, 0)
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				return err
			}
			res = append(res, p)
			ids = append(ids, p.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		allow, err := r.loadAllowances(ctx, ids)
		if err != nil {
			return err
		}
		for i := range res {
			res[i].AllowList = allow[res[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) loadAllowances(ctx context.Context, productIDs []string) (map[string][]model.ExclusiveAllowance, error) {
	res := make(map[string][]model.ExclusiveAllowance)
	if len(productIDs) == 0 {
		return res, nil
	}

	rows, err := r.q.Query(ctx,
		`SELECT product_id, user_id, fixed_price FROM exclusive_allowances
		 WHERE product_id = ANY($1) ORDER BY product_id, user_id`,
		productIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select allowances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			productID string
			a         model.ExclusiveAllowance
		)
		if err := rows.Scan(&productID, &a.UserID, &a.FixedPrice); err != nil {
			return nil, fmt.Errorf("scan allowance: %w", err)
		}
		res[productID] = append(res[productID], a)
	}
	return res, rows.Err()
}

// SetAllowList заменяет список допуска продукта.
func (r *PostgresRepository) SetAllowList(ctx context.Context, productID string, list []model.ExclusiveAllowance) error {
	return r.atomic(ctx, func(q querier) error {
		var dummy int
		err := q.QueryRow(ctx, `SELECT 1 FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if _, err := q.Exec(ctx, `DELETE FROM exclusive_allowances WHERE product_id = $1`, productID); err != nil {
			return fmt.Errorf("delete allowances: %w", err)
		}
		return insertAllowances(ctx, q, productID, list)
	})
}

const stockColumns = `id, product_id, kind, email, password, profile_name, pin, available, notes, created_at`

func scanStockUnit(row scanner) (model.StockUnit, error) {
	var (
		u    model.StockUnit
		kind string
	)
	err := row.Scan(&u.ID, &u.ProductID, &kind, &u.Credential.Email, &u.Credential.Password,
		&u.Credential.ProfileName, &u.Credential.PIN, &u.Available, &u.Notes, &u.CreatedAt)
	if err != nil {
		return model.StockUnit{}, err
	}
	u.Kind = model.UnitKind(kind)
	return u, nil
}

// InsertStockUnit добавляет единицу на склад.
func (r *PostgresRepository) InsertStockUnit(ctx context.Context, u model.StockUnit) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO stock_units (id, product_id, kind, email, password, profile_name, pin, available, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.ProductID, string(u.Kind), u.Credential.Email, u.Credential.Password,
		u.Credential.ProfileName, u.Credential.PIN, u.Available, u.Notes, u.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgerrcode.ForeignKeyViolation {
			return model.ErrProductNotFound
		}
		return fmt.Errorf("insert stock unit: %w", err)
	}
	return nil
}

// ClaimStockUnit выбирает и помечает выданной одну свободную единицу одним условным UPDATE.
// Строки, заблокированные конкурентными транзакциями, пропускаются.
func (r *PostgresRepository) ClaimStockUnit(ctx context.Context, productID string, kind model.UnitKind) (model.StockUnit, error) {
	u, err := scanStockUnit(r.q.QueryRow(ctx,
		`UPDATE stock_units SET available = FALSE
		 WHERE id = (
			SELECT id FROM stock_units
			WHERE product_id = $1 AND kind = $2 AND available
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND available
		 RETURNING `+stockColumns,
		productID, string(kind),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StockUnit{}, model.ErrOutOfStock
		}
		return model.StockUnit{}, fmt.Errorf("claim stock unit: %w", err)
	}
	return u, nil
}

// ReleaseStockUnit возвращает выданную единицу на склад.
func (r *PostgresRepository) ReleaseStockUnit(ctx context.Context, id string, credential *model.Credential) error {
	return r.atomic(ctx, func(q querier) error {
		var available bool
		err := q.QueryRow(ctx, `SELECT available FROM stock_units WHERE id = $1 FOR UPDATE`, id).Scan(&available)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrStockUnitNotFound
			}
			return fmt.Errorf("lock stock unit: %w", err)
		}
		if available {
			return model.ErrAlreadyAvailable
		}

		if credential == nil {
			_, err = q.Exec(ctx, `UPDATE stock_units SET available = TRUE WHERE id = $1`, id)
		} else {
			_, err = q.Exec(ctx,
				`UPDATE stock_units SET available = TRUE, email = $2, password = $3, profile_name = $4, pin = $5
				 WHERE id = $1`,
				id, credential.Email, credential.Password, credential.ProfileName, credential.PIN,
			)
		}
		if err != nil {
			return fmt.Errorf("release stock unit: %w", err)
		}
		return nil
	})
}

// CountStock возвращает сводку по складу продукта.
func (r *PostgresRepository) CountStock(ctx context.Context, productID string) (model.StockCounts, error) {
	counts := model.StockCounts{ProductID: productID}
	err := r.withRetry(ctx, func() error {
		return r.q.QueryRow(ctx,
			`SELECT
				COUNT(*) FILTER (WHERE available AND kind = $2),
				COUNT(*) FILTER (WHERE available AND kind = $3),
				COUNT(*) FILTER (WHERE NOT available)
			 FROM stock_units WHERE product_id = $1`,
			productID, string(model.UnitKindAccount), string(model.UnitKindProfile),
		).Scan(&counts.AvailableAccount, &counts.AvailableProfile, &counts.Sold)
	})
	if err != nil {
		return model.StockCounts{}, fmt.Errorf("count stock: %w", err)
	}
	return counts, nil
}

// ApplyLedgerEntry изменяет баланс и пишет запись журнала в одной транзакции.
// Списание выполняется условным UPDATE, поэтому баланс не уходит в минус при конкурентных списаниях.
func (r *PostgresRepository) ApplyLedgerEntry(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	err := r.atomic(ctx, func(q querier) error {
		var balance int64
		if entry.Amount >= 0 {
			err := q.QueryRow(ctx,
				`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES ($1, $2, $3)
				 ON CONFLICT (user_id) DO UPDATE
				 SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
				 RETURNING balance`,
				entry.UserID, entry.Amount, entry.CreatedAt,
			).Scan(&balance)
			if err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
		} else {
			required := -entry.Amount
			err := q.QueryRow(ctx,
				`UPDATE credit_balances SET balance = balance - $2, updated_at = $3
				 WHERE user_id = $1 AND balance >= $2
				 RETURNING balance`,
				entry.UserID, required, entry.CreatedAt,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				var available int64
				err = q.QueryRow(ctx,
					`SELECT COALESCE((SELECT balance FROM credit_balances WHERE user_id = $1), 0)`,
					entry.UserID,
				).Scan(&available)
				if err != nil {
					return fmt.Errorf("read balance: %w", err)
				}
				return &model.InsufficientCreditError{UserID: entry.UserID, Required: required, Available: available}
			}
			if err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
		}

		entry.BalanceAfter = balance
		_, err := q.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, amount, reason, order_id, balance_after, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, entry.UserID, entry.Amount, string(entry.Reason), entry.OrderID, entry.BalanceAfter, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}

// GetBalance возвращает баланс пользователя. У пользователя без движений баланс нулевой.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (model.CreditBalance, error) {
	bal := model.CreditBalance{UserID: userID}
	err := r.withRetry(ctx, func() error {
		err := r.q.QueryRow(ctx,
			`SELECT balance, updated_at FROM credit_balances WHERE user_id = $1`,
			userID,
		).Scan(&bal.Balance, &bal.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return model.CreditBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// ListLedgerEntries возвращает журнал пользователя, новые записи первыми. При limit <= 0 ограничения нет.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	var res []model.LedgerEntry
	err := r.withRetry(ctx, func() error {
		rows, err := r.q.Query(ctx,
			`SELECT id, user_id, amount, reason, order_id, balance_after, created_at
			 FROM ledger_entries WHERE user_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`,
			userID, lim,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				e      model.LedgerEntry
				reason string
			)
			if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.OrderID, &e.BalanceAfter, &e.CreatedAt); err != nil {
				return err
			}
			e.Reason = model.LedgerReason(reason)
			res = append(res, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return res, nil
}

// CreateOffer сохраняет специальное предложение.
func (r *PostgresRepository) CreateOffer(ctx context.Context, o model.SpecialOffer) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO special_offers (id, user_id, product_id, discount_percent, fixed_price, expires_at, active, created_at)
		 VALUES ($1, $2, $3, ($4::text)::numeric, $5, $6, $7, $8)`,
		o.ID, o.UserID, o.ProductID, o.DiscountPercent.String(), o.FixedPrice, o.ExpiresAt, o.Active, o.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgerrcode.ForeignKeyViolation {
			return model.ErrProductNotFound
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

// DeactivateOffer выключает предложение.
func (r *PostgresRepository) DeactivateOffer(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `UPDATE special_offers SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOfferNotFound
	}
	return nil
}

// ListOffers возвращает предложения пользователя, новые первыми.
func (r *PostgresRepository) ListOffers(ctx context.Context, userID, productID string) ([]model.SpecialOffer, error) {
	var res []model.SpecialOffer
	err := r.withRetry(ctx, func() error {
		rows, err := r.q.Query(ctx,
			`SELECT id, user_id, product_id, discount_percent::text, fixed_price, expires_at, active, created_at
			 FROM special_offers
			 WHERE user_id = $1 AND ($2::text = '' OR product_id = $2)
			 ORDER BY created_at DESC, id DESC`,
			userID, productID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				o        model.SpecialOffer
				discount string
			)
			if err := rows.Scan(&o.ID, &o.UserID, &o.ProductID, &discount, &o.FixedPrice, &o.ExpiresAt, &o.Active, &o.CreatedAt); err != nil {
				return err
			}
			o.DiscountPercent, err = decimal.NewFromString(discount)
			if err != nil {
				return fmt.Errorf("parse discount %q: %w", discount, err)
			}
			res = append(res, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return res, nil
}

const orderColumns = `id, user_id, product_id, sale_type, quantity, unit_price, total_price, applied_offer_id,
	status, request_id, created_at, expires_at, renewal_count, last_renewed_at, rehabilitated_at`

func scanOrder(row scanner) (model.Order, error) {
	var (
		o        model.Order
		saleType string
		status   string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &saleType, &o.Quantity, &o.UnitPrice, &o.TotalPrice,
		&o.AppliedOfferID, &status, &o.RequestID, &o.CreatedAt, &o.ExpiresAt, &o.RenewalCount,
		&o.LastRenewedAt, &o.RehabilitatedAt)
	if err != nil {
		return model.Order{}, err
	}
	o.SaleType = model.SaleType(saleType)
	o.Status = model.OrderStatus(status)
	return o, nil
}

// CreateOrder сохраняет заказ и его позиции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) error {
	return r.atomic(ctx, func(q querier) error {
		_, err := q.Exec(ctx,
			`INSERT INTO orders (`+orderColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			o.ID, o.UserID, o.ProductID, string(o.SaleType), o.Quantity, o.UnitPrice, o.TotalPrice,
			o.AppliedOfferID, string(o.Status), o.RequestID, o.CreatedAt, o.ExpiresAt, o.RenewalCount,
			o.LastRenewedAt, o.RehabilitatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == orderRequestIndex {
				return model.ErrDuplicateRequest
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range o.Items {
			_, err := q.Exec(ctx,
				`INSERT INTO order_items (order_id, position, stock_unit_id, email, password, profile_name, pin)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				o.ID, i, item.StockUnitID, item.Credential.Email, item.Credential.Password,
				item.Credential.ProfileName, item.Credential.PIN,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

// UpdateOrder сохраняет изменяемые поля заказа и позиции.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, o model.Order) error {
	return r.atomic(ctx, func(q querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE orders SET status = $2, unit_price = $3, total_price = $4, expires_at = $5,
				renewal_count = $6, last_renewed_at = $7, rehabilitated_at = $8
			 WHERE id = $1`,
			o.ID, string(o.Status), o.UnitPrice, o.TotalPrice, o.ExpiresAt,
			o.RenewalCount, o.LastRenewedAt, o.RehabilitatedAt,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrOrderNotFound
		}

		for i, item := range o.Items {
			_, err := q.Exec(ctx,
				`UPDATE order_items SET stock_unit_id = $3, email = $4, password = $5, profile_name = $6, pin = $7
				 WHERE order_id = $1 AND position = $2`,
				o.ID, i, item.StockUnitID, item.Credential.Email, item.Credential.Password,
				item.Credential.ProfileName, item.Credential.PIN,
			)
			if err != nil {
				return fmt.Errorf("update order item: %w", err)
			}
		}
		return nil
	})
}

// GetOrder возвращает заказ с позициями. Внутри транзакции строка заказа блокируется
// до её завершения, чтобы продление и реабилитация одного заказа не пересекались.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if r.inTx {
		query += ` FOR UPDATE`
	}

	var o model.Order
	err := r.withRetry(ctx, func() error {
		var err error
		o, err = scanOrder(r.q.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		items, err := r.loadItems(ctx, []string{id})
		if err != nil {
			return err
		}
		o.Items = items[id]
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, model.ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByRequestID находит заказ по ключу идемпотентности.
func (r *PostgresRepository) GetOrderByRequestID(ctx context.Context, userID, requestID string) (model.Order, error) {
	var id string
	err := r.withRetry(ctx, func() error {
		return r.q.QueryRow(ctx,
			`SELECT id FROM orders WHERE user_id = $1 AND request_id = $2`,
			userID, requestID,
		).Scan(&id)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, model.ErrOrderNotFound
		}
		return model.Order{}, fmt.Errorf("get order by request id: %w", err)
	}
	return r.GetOrder(ctx, id)
}

// ListOrders возвращает заказы по фильтру, новые первыми. Класс срока действия фильтрует вызывающий код.
func (r *PostgresRepository) ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	var res []model.Order
	err := r.withRetry(ctx, func() error {
		rows, err := r.q.Query(ctx,
			`SELECT `+orderColumns+` FROM orders
			 WHERE ($1::text = '' OR user_id = $1) AND ($2::text = '' OR product_id = $2)
			 ORDER BY created_at DESC, id DESC`,
			filter.UserID, filter.ProductID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		ids := make([]string, 0)
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return err
			}
			res = append(res, o)
			ids = append(ids, o.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		items, err := r.loadItems(ctx, ids)
		if err != nil {
			return err
		}
		for i := range res {
			res[i].Items = items[res[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, orderIDs []string) (map[string][]model.OrderItem, error) {
	res := make(map[string][]model.OrderItem)
	if len(orderIDs) == 0 {
		return res, nil
	}

	rows, err := r.q.Query(ctx,
		`SELECT order_id, stock_unit_id, email, password, profile_name, pin
		 FROM order_items WHERE order_id = ANY($1)
		 ORDER BY order_id, position`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    model.OrderItem
		)
		err := rows.Scan(&orderID, &item.StockUnitID, &item.Credential.Email, &item.Credential.Password,
			&item.Credential.ProfileName, &item.Credential.PIN)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		res[orderID] = append(res[orderID], item)
	}
	return res, rows.Err()
}

// CreateBlock сохраняет блокировку пользователя.
func (r *PostgresRepository) CreateBlock(ctx context.Context, b model.UserBlock) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO user_blocks (id, user_id, reason, type, expires_at, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.UserID, b.Reason, string(b.Type), b.ExpiresAt, b.Active, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// DeactivateBlocks снимает активные блокировки пользователя.
func (r *PostgresRepository) DeactivateBlocks(ctx context.Context, userID string) (int, error) {
	tag, err := r.q.Exec(ctx, `UPDATE user_blocks SET active = FALSE WHERE user_id = $1 AND active`, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate blocks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActiveBlocks возвращает активные блокировки пользователя, новые первыми.
func (r *PostgresRepository) ListActiveBlocks(ctx context.Context, userID string) ([]model.UserBlock, error) {
	var res []model.UserBlock
	err := r.withRetry(ctx, func() error {
		rows, err := r.q.Query(ctx,
			`SELECT id, user_id, reason, type, expires_at, active, created_at
			 FROM user_blocks WHERE user_id = $1 AND active
			 ORDER BY created_at DESC, id DESC`,
			userID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var (
				b   model.UserBlock
				typ string
			)
			if err := rows.Scan(&b.ID, &b.UserID, &b.Reason, &typ, &b.ExpiresAt, &b.Active, &b.CreatedAt); err != nil {
				return err
			}
			b.Type = model.BlockType(typ)
			res = append(res, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return res, nil
}

var _ Store = (*PostgresRepository)(nil)
