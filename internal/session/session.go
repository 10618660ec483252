// Package session orchestrates one ephemeral room: it owns the relay client,
// the deduplicated timestamp-ordered transcript, the unread counter, and the
// open/closed flag mirroring UI visibility. All state is memory-only and
// discarded with the session; rejoining with the same code derives the same
// key and topic but starts an empty transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomwire/roomwire/internal/crypto/roomkey"
	"github.com/roomwire/roomwire/internal/relay"
	"github.com/roomwire/roomwire/internal/wire"
)

// Status tracks the local delivery state of a sent message.
type Status int

const (
	// StatusSending marks an optimistically echoed message whose publish has
	// not returned yet.
	StatusSending Status = iota
	// StatusSent marks a message handed to the relay without error.
	StatusSent
	// StatusFailed marks a message whose publish returned an error. It stays
	// visible so the UI can offer a retry instead of silently showing "sent".
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrTornDown    = errors.New("session is torn down")
	ErrEmptyName   = errors.New("display name is required")
	ErrNoSuchEntry = errors.New("unknown message id")
)

// Entry is one transcript row: the wire message plus session-local state.
type Entry struct {
	wire.Message
	Mine   bool
	Status Status
	// Reactions maps emoji to the set of reactor display names. Reactions are
	// session-local only and never propagated over the network.
	Reactions map[string]map[string]struct{}
}

// Relay is the transport contract the session drives. relay.Client satisfies
// it; tests substitute a fake.
type Relay interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, m wire.Message) error
	Teardown()
}

// Callbacks push session changes out to the UI layer. They are invoked
// outside the session lock and never concurrently with each other.
type Callbacks struct {
	// OnMessages receives a fresh transcript snapshot after every change.
	OnMessages func([]Entry)
	// OnState receives relay connection-state transitions.
	OnState func(relay.State)
	// OnUnread receives the unread counter whenever it changes.
	OnUnread func(int)
	// OnNotify fires when a message from another sender arrives while the
	// room is closed; consumed by an external notification component.
	OnNotify func(sender, messageID string)
}

// Config wires a session. NewRelay builds the transport bound to the
// session's inbound handler and state observer.
type Config struct {
	RoomCode    string
	DisplayName string
	Log         *zap.Logger
	Metrics     *Metrics
	Callbacks   Callbacks
	NewRelay    func(onMessage func(wire.Message), onState func(relay.State)) (Relay, error)
}

// Session owns the state of one joined room. One Session per room per
// process; no state is shared across sessions.
type Session struct {
	log         *zap.Logger
	metrics     *Metrics
	roomCode    string
	displayName string
	relay       Relay
	callbacks   Callbacks
	nowFn       func() time.Time
	newID       func() string

	// cbMu serializes callback invocations so snapshots reach the UI in the
	// order they were taken.
	cbMu sync.Mutex

	mu            sync.Mutex
	entries       []*Entry
	seen          map[string]struct{}
	unread        int
	open          bool
	state         relay.State
	connectCancel context.CancelFunc
	tornDown      bool
}

// New constructs a session for a room code. The relay is built immediately
// but no network activity happens until Connect.
func New(cfg Config) (*Session, error) {
	code := roomkey.Canonical(cfg.RoomCode)
	if code == "" {
		return nil, roomkey.ErrEmptyCode
	}
	if cfg.DisplayName == "" {
		return nil, ErrEmptyName
	}
	if cfg.NewRelay == nil {
		return nil, errors.New("relay factory is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	s := &Session{
		log:         cfg.Log.With(zap.String("room", code)),
		metrics:     cfg.Metrics,
		roomCode:    code,
		displayName: cfg.DisplayName,
		callbacks:   cfg.Callbacks,
		nowFn:       time.Now,
		newID:       uuid.NewString,
		seen:        make(map[string]struct{}),
	}

	rel, err := cfg.NewRelay(s.handleIncoming, s.handleState)
	if err != nil {
		return nil, fmt.Errorf("build relay for room: %w", err)
	}
	s.relay = rel
	return s, nil
}

// RoomCode returns the canonicalized room code.
func (s *Session) RoomCode() string {
	return s.roomCode
}

// DisplayName returns the session's self-asserted sender name.
func (s *Session) DisplayName() string {
	return s.displayName
}

// Connect starts the relay bootstrap on a background goroutine and returns
// immediately; progress is reported through the OnState callback. A failed
// attempt lands in the error state and stays there until the user retries.
func (s *Session) Connect() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.tornDown || s.connectCancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.connectCancel = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.connectCancel = nil
			s.mu.Unlock()
		}()
		if err := s.relay.Connect(ctx); err != nil {
			s.log.Warn("relay connect failed", zap.Error(err))
		}
	}()
}

// Send builds a message with a fresh id and the current timestamp, echoes it
// into the transcript optimistically, and publishes it. The id is registered
// as seen before publish so the network echoing it back cannot duplicate it.
// On publish failure the entry stays visible marked failed, and the error is
// returned.
func (s *Session) Send(ctx context.Context, content string, replyTo *wire.ReplyPreview) (wire.Message, error) {
	m := wire.Message{
		ID:        s.newID(),
		Sender:    s.displayName,
		Content:   content,
		Timestamp: s.nowFn().UnixMilli(),
		ReplyTo:   replyTo,
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return wire.Message{}, ErrTornDown
	}
	s.seen[m.ID] = struct{}{}
	s.entries = append(s.entries, &Entry{Message: m, Mine: true, Status: StatusSending})
	s.sortLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emitMessages(snap)

	if err := s.relay.Publish(ctx, m); err != nil {
		s.setStatus(m.ID, StatusFailed)
		s.metrics.RecordSendFailure()
		s.log.Warn("publish failed, message marked failed",
			zap.String("message_id", m.ID), zap.Error(err))
		return m, err
	}
	s.setStatus(m.ID, StatusSent)
	return m, nil
}

// Open marks the room visible and resets the unread counter.
func (s *Session) Open() {
	s.mu.Lock()
	s.open = true
	changed := s.unread != 0
	s.unread = 0
	s.metrics.SetUnread(0)
	s.mu.Unlock()

	if changed && s.callbacks.OnUnread != nil {
		s.cbMu.Lock()
		s.callbacks.OnUnread(0)
		s.cbMu.Unlock()
	}
}

// Close marks the room hidden; arrivals from other senders now count as
// unread and fire notifications.
func (s *Session) Close() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

// IsOpen reports whether the room is currently marked visible.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ToggleReaction flips the session's own reaction on a message. Reactions
// never leave the process.
func (s *Session) ToggleReaction(messageID, emoji string) error {
	if emoji == "" {
		return errors.New("emoji is required")
	}

	s.mu.Lock()
	entry := s.findLocked(messageID)
	if entry == nil {
		s.mu.Unlock()
		return fmt.Errorf("toggle reaction on %s: %w", messageID, ErrNoSuchEntry)
	}
	if entry.Reactions == nil {
		entry.Reactions = make(map[string]map[string]struct{})
	}
	set := entry.Reactions[emoji]
	if set == nil {
		set = make(map[string]struct{})
		entry.Reactions[emoji] = set
	}
	if _, ok := set[s.displayName]; ok {
		delete(set, s.displayName)
		if len(set) == 0 {
			delete(entry.Reactions, emoji)
		}
	} else {
		set[s.displayName] = struct{}{}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emitMessages(snap)
	return nil
}

// Messages returns a copy of the transcript in timestamp order.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Unread returns the current unread counter.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// State returns the last observed relay connection state.
func (s *Session) State() relay.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Teardown stops the relay and abandons any in-flight connect. The in-memory
// transcript survives until the Session itself is dropped, so a brief
// close/reopen within one process keeps the conversation on screen.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	cancel := s.connectCancel
	s.connectCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.relay.Teardown()
	s.log.Info("session torn down")
}

// handleIncoming applies dedup and ordering to a decoded message from the
// relay, then drives unread accounting and callbacks. Runs on the relay read
// goroutine; the session lock serializes it against Send and UI calls.
func (s *Session) handleIncoming(m wire.Message) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[m.ID]; dup {
		s.mu.Unlock()
		s.metrics.RecordDuplicate()
		return
	}
	s.seen[m.ID] = struct{}{}
	s.entries = append(s.entries, &Entry{Message: m, Status: StatusSent})
	s.sortLocked()
	notify := !s.open && m.Sender != s.displayName
	if notify {
		s.unread++
		s.metrics.SetUnread(s.unread)
	}
	unread := s.unread
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emitMessages(snap)
	if notify {
		s.metrics.RecordNotification()
		s.cbMu.Lock()
		if s.callbacks.OnUnread != nil {
			s.callbacks.OnUnread(unread)
		}
		if s.callbacks.OnNotify != nil {
			s.callbacks.OnNotify(m.Sender, m.ID)
		}
		s.cbMu.Unlock()
	}
}

func (s *Session) handleState(st relay.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	if s.callbacks.OnState != nil {
		s.cbMu.Lock()
		s.callbacks.OnState(st)
		s.cbMu.Unlock()
	}
}

func (s *Session) setStatus(messageID string, status Status) {
	s.mu.Lock()
	entry := s.findLocked(messageID)
	if entry == nil || entry.Status == status {
		s.mu.Unlock()
		return
	}
	entry.Status = status
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emitMessages(snap)
}

func (s *Session) findLocked(messageID string) *Entry {
	for _, e := range s.entries {
		if e.ID == messageID {
			return e
		}
	}
	return nil
}

// sortLocked keeps the transcript sorted by timestamp ascending. The stable
// sort preserves insertion order for equal timestamps, so out-of-order
// delivery never scrambles what is already on screen.
func (s *Session) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Timestamp < s.entries[j].Timestamp
	})
	s.metrics.SetTranscriptLength(len(s.entries))
}

func (s *Session) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		if e.Reactions != nil {
			cp.Reactions = make(map[string]map[string]struct{}, len(e.Reactions))
			for emoji, set := range e.Reactions {
				cloned := make(map[string]struct{}, len(set))
				for who := range set {
					cloned[who] = struct{}{}
				}
				cp.Reactions[emoji] = cloned
			}
		}
		if e.ReplyTo != nil {
			reply := *e.ReplyTo
			cp.ReplyTo = &reply
		}
		out = append(out, cp)
	}
	return out
}

func (s *Session) emitMessages(snap []Entry) {
	if s.callbacks.OnMessages == nil {
		return
	}
	s.cbMu.Lock()
	s.callbacks.OnMessages(snap)
	s.cbMu.Unlock()
}
