package gateway

import (
	"errors"
	"sync"

	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

var errAlreadyRegistered = errors.New("gateway: connection already registered")

// Conn is one live client connection as seen by the registry.
type Conn interface {
	ID() string
	Identity() identity.Identity
	// Send queues env without blocking. An error means the connection is gone.
	Send(env carodto.Envelope) error
	Close(reason string)
}

func roomChannel(code string) string { return "room:" + code }
func matchChannel(id string) string  { return "match:" + id }

type subscriptions struct {
	room  string
	match string
}

// Registry tracks live connections, their single room and match
// subscription, and channel membership.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	subs     map[string]*subscriptions
	channels map[string]map[string]Conn
	byUser   map[string]map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]Conn),
		subs:     make(map[string]*subscriptions),
		channels: make(map[string]map[string]Conn),
		byUser:   make(map[string]map[string]Conn),
	}
}

func (r *Registry) Add(c Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return errAlreadyRegistered
	}
	r.conns[c.ID()] = c
	r.subs[c.ID()] = &subscriptions{}
	uid := c.Identity().UserID
	if r.byUser[uid] == nil {
		r.byUser[uid] = make(map[string]Conn)
	}
	r.byUser[uid][c.ID()] = c
	return nil
}

// Remove drops the connection and returns the room and match it was
// subscribed to.
func (r *Registry) Remove(connID string) (room, match string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", "", false
	}
	s := r.subs[connID]
	r.leaveLocked(connID, roomChannel(s.room), s.room != "")
	r.leaveLocked(connID, matchChannel(s.match), s.match != "")
	delete(r.conns, connID)
	delete(r.subs, connID)
	uid := c.Identity().UserID
	delete(r.byUser[uid], connID)
	if len(r.byUser[uid]) == 0 {
		delete(r.byUser, uid)
	}
	return s.room, s.match, true
}

func (r *Registry) leaveLocked(connID, channel string, subscribed bool) {
	if !subscribed {
		return
	}
	members := r.channels[channel]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

func (r *Registry) joinLocked(c Conn, channel string) {
	members := r.channels[channel]
	if members == nil {
		members = make(map[string]Conn)
		r.channels[channel] = members
	}
	members[c.ID()] = c
}

// SubscribeRoom is idempotent; a different room replaces the previous one.
func (r *Registry) SubscribeRoom(connID, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	s := r.subs[connID]
	if s.room == code {
		return true
	}
	r.leaveLocked(connID, roomChannel(s.room), s.room != "")
	s.room = code
	r.joinLocked(c, roomChannel(code))
	return true
}

func (r *Registry) UnsubscribeRoom(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[connID]; ok {
		r.leaveLocked(connID, roomChannel(s.room), s.room != "")
		s.room = ""
	}
}

// DropRoom unsubscribes every connection from room code and returns how many
// were subscribed.
func (r *Registry) DropRoom(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel := roomChannel(code)
	members := r.channels[channel]
	for id := range members {
		if s, ok := r.subs[id]; ok && s.room == code {
			s.room = ""
		}
	}
	delete(r.channels, channel)
	return len(members)
}

// SubscribeMatch is idempotent; a different match replaces the previous one.
func (r *Registry) SubscribeMatch(connID, matchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	s := r.subs[connID]
	if s.match == matchID {
		return true
	}
	r.leaveLocked(connID, matchChannel(s.match), s.match != "")
	s.match = matchID
	r.joinLocked(c, matchChannel(matchID))
	return true
}

func (r *Registry) UnsubscribeMatch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[connID]; ok {
		r.leaveLocked(connID, matchChannel(s.match), s.match != "")
		s.match = ""
	}
}

func (r *Registry) RoomOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.subs[connID]; ok {
		return s.room
	}
	return ""
}

// Members returns a snapshot of the channel's subscribers.
func (r *Registry) Members(channel string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// UserSubscribed reports whether any live connection of userID listens on
// channel.
func (r *Registry) UserSubscribed(userID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byUser[userID] {
		if _, ok := r.channels[channel][id]; ok {
			return true
		}
	}
	return false
}

// PlayerRef resolves userID from any of its live connections.
func (r *Registry) PlayerRef(userID string) domain.PlayerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byUser[userID] {
		id := c.Identity()
		return domain.Resolved(domain.UserSummary{UserID: id.UserID, DisplayName: id.DisplayName, IsGuest: id.IsGuest})
	}
	return domain.Unresolved(userID)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
