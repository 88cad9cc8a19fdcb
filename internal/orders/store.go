package orders

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a write would move an order out of a terminal state.
	ErrTerminal = errors.New("order is in a terminal state")
)

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
}

type CatalogStore interface {
	ListCategories(ctx context.Context) ([]Category, error)
	GetCategory(ctx context.Context, id int64) (*Category, error)
	CreateCategory(ctx context.Context, c *Category) error

	ListServices(ctx context.Context, activeOnly bool) ([]Service, error)
	ListServicesByCategory(ctx context.Context, categoryID int64) ([]Service, error)
	GetService(ctx context.Context, id int64) (*Service, error)
	// UpsertServiceByExternalID inserts or refreshes the row carrying s.ExternalID
	// and fills s.ID.
	UpsertServiceByExternalID(ctx context.Context, s *Service) error
}

type OrderStore interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error)
	// ListOpenOrders returns non-terminal orders that have an upstream id. Orders
	// never polled come first, then the least recently polled, then oldest.
	ListOpenOrders(ctx context.Context, limit int) ([]Order, error)
	// MarkPolled records that the upstream was asked about ids, whatever it answered.
	MarkPolled(ctx context.Context, ids []int64) error
	// UpdateOrder replaces the mutable columns of the row with o.ID atomically.
	// It fails with ErrTerminal when the stored status is terminal and o.Status differs.
	UpdateOrder(ctx context.Context, o *Order) error
}

type Store interface {
	UserStore
	CatalogStore
	OrderStore
}
