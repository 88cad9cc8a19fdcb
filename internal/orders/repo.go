package orders

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Repo is the Postgres implementation of Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

const serviceColumns = `id, external_id, category_id, category, name, type, description, rate, price,
	min_quantity, max_quantity, delivery_time, refill_supported, cancel_supported, is_active`

const orderColumns = `id, user_id, service_id, link, quantity, total_price, status, external_order_id,
	charge, currency, start_count, remaining_count, created_at, updated_at, completed_at`

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---- users ----

func (r *Repo) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, email, name, balance, is_admin, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.DB.QueryRow(ctx, `SELECT id, email, name, balance, is_admin, created_at FROM users WHERE email=$1`, email).
		Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) UpsertUser(ctx context.Context, u *User) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO users(email, name, balance, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, balance, is_admin, created_at`,
		u.Email, u.Name, u.Balance, u.IsAdmin,
	).Scan(&u.ID, &u.Balance, &u.IsAdmin, &u.CreatedAt)
	return errors.Wrap(err, "upsert user")
}

// ---- categories ----

func (r *Repo) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, slug, icon, color, description, order_index
	                              FROM service_categories ORDER BY order_index, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.Icon, &c.Color, &c.Description, &c.OrderIndex); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) GetCategory(ctx context.Context, id int64) (*Category, error) {
	var c Category
	err := r.DB.QueryRow(ctx, `SELECT id, name, slug, icon, color, description, order_index
	                           FROM service_categories WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Slug, &c.Icon, &c.Color, &c.Description, &c.OrderIndex)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) CreateCategory(ctx context.Context, c *Category) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO service_categories(name, slug, icon, color, description, order_index)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		c.Name, c.Slug, c.Icon, c.Color, c.Description, c.OrderIndex,
	).Scan(&c.ID)
	return errors.Wrapf(err, "create category %s", c.Slug)
}

// ---- services ----

func scanService(row pgx.Row) (Service, error) {
	var (
		s          Service
		externalID *int64
		categoryID *int64
	)
	err := row.Scan(&s.ID, &externalID, &categoryID, &s.Category, &s.Name, &s.Type, &s.Description, &s.Rate,
		&s.Price, &s.MinQuantity, &s.MaxQuantity, &s.DeliveryTime, &s.RefillSupported, &s.CancelSupported, &s.Active)
	if externalID != nil {
		s.ExternalID = *externalID
	}
	if categoryID != nil {
		s.CategoryID = *categoryID
	}
	return s, err
}

func (r *Repo) queryServices(ctx context.Context, sql string, args ...any) ([]Service, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) ListServices(ctx context.Context, activeOnly bool) ([]Service, error) {
	if activeOnly {
		return r.queryServices(ctx, `SELECT `+serviceColumns+` FROM services WHERE is_active ORDER BY id`)
	}
	return r.queryServices(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY id`)
}

func (r *Repo) ListServicesByCategory(ctx context.Context, categoryID int64) ([]Service, error) {
	return r.queryServices(ctx, `SELECT `+serviceColumns+` FROM services WHERE category_id=$1 ORDER BY id`, categoryID)
}

func (r *Repo) GetService(ctx context.Context, id int64) (*Service, error) {
	s, err := scanService(r.DB.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *Repo) UpsertServiceByExternalID(ctx context.Context, s *Service) error {
	if s.ExternalID <= 0 {
		return errors.Errorf("service %q has no external id", s.Name)
	}
	err := r.DB.QueryRow(ctx, `
		INSERT INTO services(external_id, category_id, category, name, type, description, rate, price,
		                     min_quantity, max_quantity, delivery_time, refill_supported, cancel_supported, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (external_id) DO UPDATE SET
			category_id = EXCLUDED.category_id, category = EXCLUDED.category, name = EXCLUDED.name,
			type = EXCLUDED.type, description = EXCLUDED.description, rate = EXCLUDED.rate,
			price = EXCLUDED.price, min_quantity = EXCLUDED.min_quantity, max_quantity = EXCLUDED.max_quantity,
			refill_supported = EXCLUDED.refill_supported, cancel_supported = EXCLUDED.cancel_supported,
			is_active = EXCLUDED.is_active
		RETURNING id`,
		s.ExternalID, nullID(s.CategoryID), s.Category, s.Name, s.Type, s.Description, s.Rate, s.Price,
		s.MinQuantity, s.MaxQuantity, s.DeliveryTime, s.RefillSupported, s.CancelSupported, s.Active,
	).Scan(&s.ID)
	return errors.Wrapf(err, "upsert service external_id=%d", s.ExternalID)
}

func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

// ---- orders ----

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Link, &o.Quantity, &o.TotalPrice, &status,
		&o.ExternalOrderID, &o.Charge, &o.Currency, &o.StartCount, &o.RemainingCount,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	o.Status = Status(status)
	return o, err
}

func (r *Repo) queryOrders(ctx context.Context, sql string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) CreateOrder(ctx context.Context, o *Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	err := r.DB.QueryRow(ctx, `
		INSERT INTO orders(user_id, service_id, link, quantity, total_price, status, external_order_id,
		                   charge, currency, start_count, remaining_count, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`,
		o.UserID, o.ServiceID, o.Link, o.Quantity, o.TotalPrice, string(o.Status), o.ExternalOrderID,
		o.Charge, o.Currency, o.StartCount, o.RemainingCount, o.CreatedAt, o.UpdatedAt, o.CompletedAt,
	).Scan(&o.ID)
	return errors.Wrap(err, "insert order")
}

func (r *Repo) GetOrder(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
}

func (r *Repo) ListOpenOrders(ctx context.Context, limit int) ([]Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN ('pending','processing') AND external_order_id IS NOT NULL
		ORDER BY synced_at NULLS FIRST, created_at, id LIMIT NULLIF($1::int, 0)`, limit)
}

func (r *Repo) MarkPolled(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.DB.Exec(ctx, `UPDATE orders SET synced_at = now() WHERE id = ANY($1)`, ids)
	return errors.Wrap(err, "mark orders polled")
}
