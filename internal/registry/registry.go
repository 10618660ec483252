package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roomwire/roomwire/internal/crypto/roomkey"
)

// RoomSession tracks metadata about a joined room.
type RoomSession struct {
	Code        string
	DisplayName string
	JoinedAt    time.Time
}

// SessionRegistry keeps track of rooms joined by this process and enforces
// one session per room.
type SessionRegistry interface {
	Register(room RoomSession) error
	Get(code string) (RoomSession, bool)
	Delete(code string) bool
	List() []RoomSession
}

var (
	ErrRoomJoined = errors.New("room already joined")
	ErrAtCapacity = errors.New("session registry at capacity")
)

// InMemoryRegistry is a map-backed SessionRegistry. Room codes are
// canonicalized on every operation so "blue42" and "BLUE42" name one room.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]RoomSession
	limit int
	nowFn func() time.Time
}

// NewInMemory creates a registry with an optional limit; zero means unbounded.
func NewInMemory(limit int) *InMemoryRegistry {
	return &InMemoryRegistry{
		rooms: make(map[string]RoomSession),
		limit: limit,
		nowFn: time.Now,
	}
}

// Register stores a room session if the room is not already joined and
// capacity allows.
func (r *InMemoryRegistry) Register(room RoomSession) error {
	code := roomkey.Canonical(room.Code)
	if code == "" {
		return roomkey.ErrEmptyCode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[code]; exists {
		return ErrRoomJoined
	}
	if r.limit > 0 && len(r.rooms) >= r.limit {
		return ErrAtCapacity
	}
	room.Code = code
	if room.JoinedAt.IsZero() {
		room.JoinedAt = r.nowFn()
	}
	r.rooms[code] = room
	return nil
}

// Get fetches a room session by code.
func (r *InMemoryRegistry) Get(code string) (RoomSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomkey.Canonical(code)]
	return room, ok
}

// Delete removes a room session by code.
func (r *InMemoryRegistry) Delete(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	canon := roomkey.Canonical(code)
	if _, ok := r.rooms[canon]; !ok {
		return false
	}
	delete(r.rooms, canon)
	return true
}

// List enumerates joined rooms sorted by code.
func (r *InMemoryRegistry) List() []RoomSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomSession, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
