// Package registry tracks live realtime connections and the identity behind
// each of them.
package registry

import (
	"fmt"
	"sync"

	"github.com/example/ride-presence/internal/apperr"
	"github.com/example/ride-presence/internal/models"
)

// Outbox is the write side of a connection. Send must not block.
type Outbox interface {
	Send(event string, payload any) bool
}

type Session struct {
	ConnID string
	models.Principal
	Outbox Outbox
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Session
	byUser map[string]map[string]*Session

	// OnDriverDisconnect fires, outside the lock, when the last connection of
	// a driver identity is unregistered.
	OnDriverDisconnect func(driverID string)
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
	}
}

// Register binds connID to a user. A connID that is already registered is
// rejected with ErrConflict; it is never silently replaced.
func (r *Registry) Register(connID, userID string, role models.Role, out Outbox) error {
	if connID == "" || userID == "" {
		return fmt.Errorf("%w: connection and user id are required", apperr.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return fmt.Errorf("%w: connection %s already registered", apperr.ErrConflict, connID)
	}
	s := &Session{ConnID: connID, Principal: models.Principal{UserID: userID, Role: role}, Outbox: out}
	r.conns[connID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][connID] = s
	return nil
}

// Unregister drops connID. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	s, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	last := false
	if m := r.byUser[s.UserID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, s.UserID)
			last = true
		}
	}
	hook := r.OnDriverDisconnect
	r.mu.Unlock()

	if last && s.Role == models.RoleDriver && hook != nil {
		hook(s.UserID)
	}
}

func (r *Registry) Lookup(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return s.UserID, true
}

// SendToUser delivers to every connection of userID and returns how many
// accepted the message.
func (r *Registry) SendToUser(userID, event string, payload any) int {
	r.mu.RLock()
	targets := make([]Outbox, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		if s.Outbox != nil {
			targets = append(targets, s.Outbox)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, o := range targets {
		if o.Send(event, payload) {
			n++
		}
	}
	return n
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
