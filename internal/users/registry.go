// Package users keeps the registry of local users, their lifecycle states and the primary user.
package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// ErrUnknownUser indicates the xuid is not registered.
var ErrUnknownUser = errors.New("users: unknown user")

// RegistryConfig describes the registry dependencies.
type RegistryConfig struct {
	Logger *zap.Logger
}

// Registry owns the local users in registration order. Exactly one registered user is
// primary whenever the registry is non-empty.
type Registry struct {
	mu     sync.Mutex
	users  []*LocalUser
	logger *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Add registers user. Re-adding a user scheduled for removal revives the entry.
func (r *Registry) Add(user LocalUser) (LocalUser, error) {
	xuid, err := session.NewXUID(user.XUID)
	if err != nil {
		return LocalUser{}, err
	}
	user.XUID = xuid
	if user.Credentials.XUID == "" {
		user.Credentials.XUID = xuid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.find(xuid); existing != nil {
		if !existing.MarkedForRemoval && existing.LobbyState != LobbyStateRemove {
			return LocalUser{}, fmt.Errorf("%w: user %s already added", session.ErrLogic, xuid)
		}
		primary := existing.Primary
		*existing = user
		existing.Primary = primary
		r.ensurePrimaryLocked()
		return *existing, nil
	}
	user.Primary = false
	user.MarkedForRemoval = false
	r.users = append(r.users, &user)
	r.ensurePrimaryLocked()
	return *r.find(xuid), nil
}

// Get returns a copy of the user.
func (r *Registry) Get(xuid string) (LocalUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user := r.find(xuid); user != nil {
		return *user, true
	}
	return LocalUser{}, false
}

// Update applies mutate to the stored user.
func (r *Registry) Update(xuid string, mutate func(user *LocalUser)) (LocalUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := r.find(xuid)
	if user == nil {
		return LocalUser{}, fmt.Errorf("%w: %s", ErrUnknownUser, xuid)
	}
	primary := user.Primary
	mutate(user)
	user.XUID = strings.TrimSpace(user.XUID)
	user.Primary = primary
	return *user, nil
}

// Users returns copies of every registered user in registration order.
func (r *Registry) Users() []LocalUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]LocalUser, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, *user)
	}
	return users
}

// Len reports the number of registered users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Primary returns the primary user.
func (r *Registry) Primary() (LocalUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Primary {
			return *user, true
		}
	}
	return LocalUser{}, false
}

// PromotePrimary re-evaluates the primary user: the current primary is kept while it is
// usable, otherwise the first usable user in registration order is promoted.
func (r *Registry) PromotePrimary() (LocalUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensurePrimaryLocked()
	for _, user := range r.users {
		if user.Primary {
			return *user, true
		}
	}
	return LocalUser{}, false
}

// MarkForRemoval schedules xuid for the next Sweep.
func (r *Registry) MarkForRemoval(xuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := r.find(xuid)
	if user == nil {
		return false
	}
	user.MarkedForRemoval = true
	r.ensurePrimaryLocked()
	return true
}

// Remove unregisters xuid immediately.
func (r *Registry) Remove(xuid string) (LocalUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, user := range r.users {
		if strings.EqualFold(user.XUID, xuid) {
			r.users = append(r.users[:i], r.users[i+1:]...)
			removed := *user
			r.ensurePrimaryLocked()
			return removed, true
		}
	}
	return LocalUser{}, false
}

// Sweep removes every user marked for removal and returns them.
func (r *Registry) Sweep() []LocalUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []LocalUser
	kept := r.users[:0]
	for _, user := range r.users {
		if user.MarkedForRemoval {
			removed = append(removed, *user)
			continue
		}
		kept = append(kept, user)
	}
	for i := len(kept); i < len(r.users); i++ {
		r.users[i] = nil
	}
	r.users = kept
	if len(removed) > 0 {
		r.ensurePrimaryLocked()
		for _, user := range removed {
			r.logger.Debug("swept local user", zap.String("xuid", user.XUID))
		}
	}
	return removed
}

func (r *Registry) find(xuid string) *LocalUser {
	for _, user := range r.users {
		if strings.EqualFold(user.XUID, xuid) {
			return user
		}
	}
	return nil
}

func usable(user *LocalUser) bool {
	return !user.MarkedForRemoval && user.LobbyState != LobbyStateRemove && user.LobbyState != LobbyStateLeave
}

func (r *Registry) ensurePrimaryLocked() {
	var current *LocalUser
	for _, user := range r.users {
		if user.Primary {
			if current == nil {
				current = user
				continue
			}
			user.Primary = false
		}
	}
	if current != nil && usable(current) {
		return
	}
	var candidate *LocalUser
	for _, user := range r.users {
		if usable(user) {
			candidate = user
			break
		}
	}
	if candidate == nil {
		if current != nil || len(r.users) == 0 {
			return
		}
		candidate = r.users[0]
	}
	if current != nil {
		current.Primary = false
	}
	candidate.Primary = true
	r.logger.Debug("promoted primary local user", zap.String("xuid", candidate.XUID))
}
