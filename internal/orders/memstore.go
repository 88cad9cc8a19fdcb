package orders

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// MemStore keeps every table in an id-ordered B-tree. Rows are copied on the
// way in and out, so a reader never sees a half-written record.
type MemStore struct {
	mu         sync.RWMutex
	users      *btree.BTreeG[User]
	categories *btree.BTreeG[Category]
	services   *btree.BTreeG[Service]
	orders     *btree.BTreeG[Order]
	nextID     map[string]int64
	// polled holds a poll sequence number per order id; absent means never polled.
	polled     map[int64]uint64
	pollTick   uint64
	now        func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		users:      btree.NewG(8, func(a, b User) bool { return a.ID < b.ID }),
		categories: btree.NewG(8, func(a, b Category) bool { return a.ID < b.ID }),
		services:   btree.NewG(8, func(a, b Service) bool { return a.ID < b.ID }),
		orders:     btree.NewG(8, func(a, b Order) bool { return a.ID < b.ID }),
		nextID:     map[string]int64{},
		polled:     map[int64]uint64{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemStore) seq(table string) int64 {
	m.nextID[table]++
	return m.nextID[table]
}

// ---- users ----

func (m *MemStore) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users.Get(User{ID: id})
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *User
	m.users.Ascend(func(u User) bool {
		if strings.EqualFold(u.Email, email) {
			found = &u
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *MemStore) UpsertUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *User
	m.users.Ascend(func(x User) bool {
		if strings.EqualFold(x.Email, u.Email) {
			existing = &x
			return false
		}
		return true
	})
	if existing != nil {
		existing.Name = u.Name
		m.users.ReplaceOrInsert(*existing)
		*u = *existing
		return nil
	}
	if u.ID == 0 {
		u.ID = m.seq("users")
	} else if u.ID > m.nextID["users"] {
		m.nextID["users"] = u.ID
	}
	u.CreatedAt = m.now()
	m.users.ReplaceOrInsert(*u)
	return nil
}

// ---- categories ----

func (m *MemStore) ListCategories(_ context.Context) ([]Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Category, 0, m.categories.Len())
	m.categories.Ascend(func(c Category) bool {
		out = append(out, c)
		return true
	})
	// ids are already ascending, so a stable sort keeps them as the tiebreak
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *MemStore) GetCategory(_ context.Context, id int64) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories.Get(Category{ID: id})
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemStore) CreateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := false
	m.categories.Ascend(func(x Category) bool {
		dup = x.Slug == c.Slug
		return !dup
	})
	if dup {
		return errors.Errorf("category slug %q already exists", c.Slug)
	}
	c.ID = m.seq("categories")
	m.categories.ReplaceOrInsert(*c)
	return nil
}

// ---- services ----

func (m *MemStore) filterServices(keep func(Service) bool) []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Service
	m.services.Ascend(func(s Service) bool {
		if keep(s) {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (m *MemStore) ListServices(_ context.Context, activeOnly bool) ([]Service, error) {
	return m.filterServices(func(s Service) bool { return !activeOnly || s.Active }), nil
}

func (m *MemStore) ListServicesByCategory(_ context.Context, categoryID int64) ([]Service, error) {
	return m.filterServices(func(s Service) bool { return s.CategoryID == categoryID }), nil
}

func (m *MemStore) GetService(_ context.Context, id int64) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services.Get(Service{ID: id})
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemStore) UpsertServiceByExternalID(_ context.Context, s *Service) error {
	if s.ExternalID <= 0 {
		return errors.Errorf("service %q has no external id", s.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var id int64
	m.services.Ascend(func(x Service) bool {
		if x.ExternalID == s.ExternalID {
			id = x.ID
			return false
		}
		return true
	})
	if id == 0 {
		id = m.seq("services")
	}
	s.ID = id
	m.services.ReplaceOrInsert(*s)
	return nil
}

// PutService stores s as is, keeping its id. Used for seeding local-only services.
func (m *MemStore) PutService(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.seq("services")
	} else if s.ID > m.nextID["services"] {
		m.nextID["services"] = s.ID
	}
	m.services.ReplaceOrInsert(s)
}

// ---- orders ----

func (m *MemStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.seq("orders")
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.UpdatedAt = o.CreatedAt
	m.orders.ReplaceOrInsert(o.Clone())
	return nil
}

func (m *MemStore) GetOrder(_ context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders.Get(Order{ID: id})
	if !ok {
		return nil, ErrNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (m *MemStore) ListOrdersByUser(_ context.Context, userID int64) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	m.orders.Descend(func(o Order) bool {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
		return true
	})
	return out, nil
}

func (m *MemStore) ListOpenOrders(_ context.Context, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	m.orders.Ascend(func(o Order) bool {
		if !o.Status.Terminal() && o.HasUpstream() {
			out = append(out, o.Clone())
		}
		return true
	})
	// ascending ids keep creation order among equally stale rows
	sort.SliceStable(out, func(i, j int) bool { return m.polled[out[i].ID] < m.polled[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) MarkPolled(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollTick++
	for _, id := range ids {
		m.polled[id] = m.pollTick
	}
	return nil
}

func (m *MemStore) UpdateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders.Get(Order{ID: o.ID})
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() && cur.Status != o.Status {
		return ErrTerminal
	}
	o.UpdatedAt = m.now()
	next := cur.Clone()
	next.Status = o.Status
	next.StartCount = clonePtr(o.StartCount)
	next.RemainingCount = clonePtr(o.RemainingCount)
	next.CompletedAt = clonePtr(o.CompletedAt)
	next.UpdatedAt = o.UpdatedAt
	m.orders.ReplaceOrInsert(next)
	return nil
}
