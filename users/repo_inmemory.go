package users

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	autherrors "github.com/presenton/auth-service/internal/errors"
)

var _ UserRepo = (*InMemoryRepo)(nil)

// InMemoryRepo backs the basic-auth fallback when no external user store is
// configured. Lookups are case-insensitive on username and email.
type InMemoryRepo struct {
	users    map[string]*User // keyed by lowercase username
	emailIdx map[string]string
	lock     sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		users:    make(map[string]*User),
		emailIdx: make(map[string]string),
	}
}

func (ur *InMemoryRepo) Upsert(user *User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	key := strings.ToLower(user.Username)
	if prev, ok := ur.users[key]; ok && prev.Email != user.Email {
		delete(ur.emailIdx, strings.ToLower(prev.Email))
	}
	ur.users[key] = cloneUser(user)
	if user.Email != "" {
		ur.emailIdx[strings.ToLower(user.Email)] = key
	}
	return nil
}

func (ur *InMemoryRepo) Delete(username string) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	key := strings.ToLower(username)
	user, ok := ur.users[key]
	if !ok {
		return autherrors.ErrUserNotFound
	}
	delete(ur.emailIdx, strings.ToLower(user.Email))
	delete(ur.users, key)
	return nil
}

func (ur *InMemoryRepo) GetByUsername(username string) (*User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	user, ok := ur.users[strings.ToLower(username)]
	if !ok {
		return nil, autherrors.ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (ur *InMemoryRepo) GetByEmail(email string) (*User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	key, ok := ur.emailIdx[strings.ToLower(email)]
	if !ok {
		return nil, autherrors.ErrUserNotFound
	}
	return cloneUser(ur.users[key]), nil
}

func (ur *InMemoryRepo) List(offset, limit int) ([]*User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	all := make([]*User, 0, len(ur.users))
	for _, u := range ur.users {
		all = append(all, cloneUser(u))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })

	if offset >= len(all) {
		return []*User{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (ur *InMemoryRepo) SetBlocked(username string, blocked bool) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	user, ok := ur.users[strings.ToLower(username)]
	if !ok {
		return autherrors.ErrUserNotFound
	}
	user.Blocked = blocked
	return nil
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Roles = append([]string(nil), u.Roles...)
	return &clone
}
