package server

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNicknameTaken = errors.New("nickname already taken")
	ErrUserNotFound  = errors.New("user not found")
)

// Registry tracks connected users by nickname and by connection handle.
//
// Both maps are always updated together under one lock so they keep the same
// cardinality. Mutation happens only on the event loop; the lock exists for
// the read-only views served to the health endpoint, which also reads user
// roles through their atomic flags.
type Registry struct {
	byNick   map[string]*User
	byConn   map[ConnID]*User
	accepted uint64 // users ever registered
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byNick: make(map[string]*User),
		byConn: make(map[ConnID]*User),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Add registers a user. It fails with ErrNicknameTaken if a connected user
// already holds the nickname, leaving the existing user untouched. The
// returned bool reports whether this is the first user the registry has
// ever accepted.
func (r *Registry) Add(user *User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byNick[user.Nickname]; ok && existing.IsConnected() {
		return false, ErrNicknameTaken
	}

	user.set(UserFlagConnected, true)
	r.byNick[user.Nickname] = user
	r.byConn[user.Conn.ID()] = user
	r.accepted++
	first := r.accepted == 1

	if r.metrics != nil {
		r.metrics.RecordActiveUsers(len(r.byNick))
	}

	return first, nil
}

// Remove deregisters a user from both maps at once. It reports whether the
// user was registered.
func (r *Registry) Remove(user *User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byNick[user.Nickname]
	if !ok || current != user {
		return false
	}

	user.set(UserFlagConnected, false)
	delete(r.byNick, user.Nickname)
	delete(r.byConn, user.Conn.ID())

	if r.metrics != nil {
		r.metrics.RecordActiveUsers(len(r.byNick))
	}

	return true
}

// ByNickname returns the user holding a nickname
func (r *Registry) ByNickname(nickname string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byNick[nickname]
	return user, ok
}

// ByConn returns the user registered on a connection
func (r *Registry) ByConn(id ConnID) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byConn[id]
	return user, ok
}

// Users returns all registered users sorted by nickname
func (r *Registry) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.byNick))
	for _, user := range r.byNick {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Nickname < users[j].Nickname
	})
	return users
}

// Admins returns the nicknames of all admins, sorted
func (r *Registry) Admins() []string {
	admins := make([]string, 0)
	for _, user := range r.Users() {
		if user.IsAdmin() {
			admins = append(admins, user.Nickname)
		}
	}
	return admins
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byNick)
}
