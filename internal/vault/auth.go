package vault

import (
	"sync"

	"shareledger.dev/ysl/internal/types"
)

// Authorizer answers capability checks for privileged entry points.
type Authorizer interface {
	HasRole(role types.Role, addr types.Address) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(types.Role, types.Address) bool

func (f AuthorizerFunc) HasRole(role types.Role, addr types.Address) bool { return f(role, addr) }

// RoleTable is an in-memory Authorizer.
type RoleTable struct {
	mu    sync.RWMutex
	roles map[types.Role]map[types.Address]struct{}
}

func NewRoleTable() *RoleTable {
	return &RoleTable{roles: make(map[types.Role]map[types.Address]struct{})}
}

func (t *RoleTable) Grant(role types.Role, addrs ...types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.roles[role]
	if !ok {
		m = make(map[types.Address]struct{})
		t.roles[role] = m
	}
	for _, a := range addrs {
		m[a] = struct{}{}
	}
}

func (t *RoleTable) HasRole(role types.Role, addr types.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roles[role][addr]
	return ok
}
