package identity

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"procureline/internal/domain"
)

const DefaultCacheSize = 512

// Cache is a read-through LRU over another Lookup. Directory mutations must
// call the Invalidate methods; Admin does this for you.
type Cache struct {
	next      Lookup
	users     *lru.Cache[string, domain.User]
	approvers *lru.Cache[string, []domain.User]

	mu        sync.Mutex
	admin     domain.User
	adminOK   bool
	adminSeen bool
}

func NewCache(next Lookup, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	users, err := lru.New[string, domain.User](size)
	if err != nil {
		return nil, err
	}
	approvers, err := lru.New[string, []domain.User](size)
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, users: users, approvers: approvers}, nil
}

func (c *Cache) GetUser(ctx context.Context, id string) (domain.User, error) {
	if u, ok := c.users.Get(id); ok {
		return u, nil
	}
	u, err := c.next.GetUser(ctx, id)
	if err != nil {
		return u, err
	}
	c.users.Add(id, u)
	return u, nil
}

func (c *Cache) GetDepartmentApprovers(ctx context.Context, departmentID string) ([]domain.User, error) {
	if list, ok := c.approvers.Get(departmentID); ok {
		return append([]domain.User(nil), list...), nil
	}
	list, err := c.next.GetDepartmentApprovers(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	c.approvers.Add(departmentID, append([]domain.User(nil), list...))
	return list, nil
}

func (c *Cache) GetFirstAdministrator(ctx context.Context) (domain.User, bool, error) {
	c.mu.Lock()
	if c.adminSeen {
		u, ok := c.admin, c.adminOK
		c.mu.Unlock()
		return u, ok, nil
	}
	c.mu.Unlock()

	u, ok, err := c.next.GetFirstAdministrator(ctx)
	if err != nil {
		return u, ok, err
	}
	c.mu.Lock()
	c.admin, c.adminOK, c.adminSeen = u, ok, true
	c.mu.Unlock()
	return u, ok, nil
}

// InvalidateUser drops a user and everything derived from user records.
func (c *Cache) InvalidateUser(id string) {
	c.users.Remove(id)
	c.approvers.Purge()
	c.forgetAdmin()
}

// InvalidateDepartment drops the cached approver list of a department.
func (c *Cache) InvalidateDepartment(id string) {
	c.approvers.Remove(id)
}

func (c *Cache) Purge() {
	c.users.Purge()
	c.approvers.Purge()
	c.forgetAdmin()
}

func (c *Cache) forgetAdmin() {
	c.mu.Lock()
	c.adminSeen = false
	c.mu.Unlock()
}
