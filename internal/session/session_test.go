package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/roomwire/roomwire/internal/relay"
	"github.com/roomwire/roomwire/internal/wire"
)

// fakeRelay satisfies Relay and records what the session asked of it.
type fakeRelay struct {
	mu         sync.Mutex
	published  []wire.Message
	publishErr error
	connects   int
	teardowns  int
}

func (f *fakeRelay) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeRelay) Publish(ctx context.Context, m wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeRelay) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

func (f *fakeRelay) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// newTestSession builds a session over a fake relay and returns the captured
// inbound handler so tests can inject network arrivals directly.
func newTestSession(t *testing.T, rel *fakeRelay, cbs Callbacks) (*Session, func(wire.Message)) {
	t.Helper()
	var inject func(wire.Message)
	s, err := New(Config{
		RoomCode:    "blue42",
		DisplayName: "alice",
		Log:         zaptest.NewLogger(t),
		Callbacks:   cbs,
		NewRelay: func(onMessage func(wire.Message), onState func(relay.State)) (Relay, error) {
			inject = onMessage
			return rel, nil
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Teardown)
	return s, inject
}

func TestNewValidation(t *testing.T) {
	factory := func(func(wire.Message), func(relay.State)) (Relay, error) {
		return &fakeRelay{}, nil
	}

	if _, err := New(Config{RoomCode: "  ", DisplayName: "alice", NewRelay: factory}); err == nil {
		t.Fatalf("expected error for blank room code")
	}
	if _, err := New(Config{RoomCode: "blue42", NewRelay: factory}); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if _, err := New(Config{RoomCode: "blue42", DisplayName: "alice"}); err == nil {
		t.Fatalf("expected error for missing relay factory")
	}
}

func TestRoomCodeCanonicalized(t *testing.T) {
	s, _ := newTestSession(t, &fakeRelay{}, Callbacks{})
	if got := s.RoomCode(); got != "BLUE42" {
		t.Fatalf("room code = %q, want BLUE42", got)
	}
}

func TestSendOptimisticEchoThenSent(t *testing.T) {
	rel := &fakeRelay{}
	var statuses []Status
	s, _ := newTestSession(t, rel, Callbacks{
		OnMessages: func(entries []Entry) {
			if len(entries) == 1 {
				statuses = append(statuses, entries[0].Status)
			}
		},
	})

	m, err := s.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ID == "" || m.Sender != "alice" || m.Content != "hello" {
		t.Fatalf("unexpected sent message: %+v", m)
	}
	if rel.publishedCount() != 1 {
		t.Fatalf("published %d messages, want 1", rel.publishedCount())
	}

	entries := s.Messages()
	if len(entries) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(entries))
	}
	if !entries[0].Mine || entries[0].Status != StatusSent {
		t.Fatalf("entry = %+v, want mine and sent", entries[0])
	}
	// The optimistic echo lands before the publish result.
	if len(statuses) < 2 || statuses[0] != StatusSending || statuses[len(statuses)-1] != StatusSent {
		t.Fatalf("status progression = %v, want sending then sent", statuses)
	}
}

func TestSendFailureMarksEntryFailed(t *testing.T) {
	rel := &fakeRelay{publishErr: errors.New("no peers")}
	s, _ := newTestSession(t, rel, Callbacks{})

	m, err := s.Send(context.Background(), "hello", nil)
	if err == nil {
		t.Fatalf("expected publish error")
	}

	entries := s.Messages()
	if len(entries) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(entries))
	}
	if entries[0].ID != m.ID || entries[0].Status != StatusFailed {
		t.Fatalf("entry = %+v, want failed", entries[0])
	}
}

func TestSelfEchoSuppressed(t *testing.T) {
	rel := &fakeRelay{}
	s, inject := newTestSession(t, rel, Callbacks{})

	m, err := s.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The relay echoes our own publish back; it must not duplicate or reset
	// the entry's state.
	inject(m)

	entries := s.Messages()
	if len(entries) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(entries))
	}
	if !entries[0].Mine || entries[0].Status != StatusSent {
		t.Fatalf("entry = %+v, want mine and sent", entries[0])
	}
}

func TestIncomingDeduplicated(t *testing.T) {
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{})

	m := wire.Message{ID: "m1", Sender: "bob", Content: "hi", Timestamp: 100}
	inject(m)
	inject(m)
	inject(m)

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("transcript length = %d, want 1", got)
	}
}

func TestTimestampOrdering(t *testing.T) {
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{})

	// Late arrival with an earlier timestamp sorts before what is on screen.
	inject(wire.Message{ID: "m1", Sender: "bob", Content: "second", Timestamp: 100})
	inject(wire.Message{ID: "m2", Sender: "bob", Content: "first", Timestamp: 50})

	entries := s.Messages()
	if len(entries) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(entries))
	}
	if entries[0].ID != "m2" || entries[1].ID != "m1" {
		t.Fatalf("order = [%s %s], want [m2 m1]", entries[0].ID, entries[1].ID)
	}
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{})

	inject(wire.Message{ID: "a", Sender: "bob", Timestamp: 100})
	inject(wire.Message{ID: "b", Sender: "carol", Timestamp: 100})
	inject(wire.Message{ID: "c", Sender: "bob", Timestamp: 100})

	entries := s.Messages()
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if entries[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, entries[i].ID, id)
		}
	}
}

func TestUnreadAndNotifications(t *testing.T) {
	var (
		unreads  []int
		notifies []string
	)
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{
		OnUnread: func(n int) { unreads = append(unreads, n) },
		OnNotify: func(sender, messageID string) { notifies = append(notifies, messageID) },
	})

	// Room is closed by default: arrivals from others count and notify.
	inject(wire.Message{ID: "m1", Sender: "bob", Timestamp: 1})
	inject(wire.Message{ID: "m2", Sender: "bob", Timestamp: 2})
	inject(wire.Message{ID: "m3", Sender: "carol", Timestamp: 3})

	if s.Unread() != 3 {
		t.Fatalf("unread = %d, want 3", s.Unread())
	}
	if len(unreads) != 3 || unreads[0] != 1 || unreads[1] != 2 || unreads[2] != 3 {
		t.Fatalf("unread callbacks = %v, want [1 2 3]", unreads)
	}
	if len(notifies) != 3 {
		t.Fatalf("notifications = %v, want 3 entries", notifies)
	}

	// Opening resets the counter and reports it.
	s.Open()
	if s.Unread() != 0 {
		t.Fatalf("unread after open = %d, want 0", s.Unread())
	}
	if unreads[len(unreads)-1] != 0 {
		t.Fatalf("unread callbacks = %v, want trailing 0", unreads)
	}

	// Arrivals while open are visible immediately: no unread, no notify.
	inject(wire.Message{ID: "m4", Sender: "bob", Timestamp: 4})
	if s.Unread() != 0 {
		t.Fatalf("unread while open = %d, want 0", s.Unread())
	}
	if len(notifies) != 3 {
		t.Fatalf("notification fired while room open")
	}

	// A message carrying our own display name never counts as unread.
	s.Close()
	inject(wire.Message{ID: "m5", Sender: "alice", Timestamp: 5})
	if s.Unread() != 0 {
		t.Fatalf("unread for own sender = %d, want 0", s.Unread())
	}
}

func TestToggleReaction(t *testing.T) {
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{})
	inject(wire.Message{ID: "m1", Sender: "bob", Content: "hi", Timestamp: 1})

	if err := s.ToggleReaction("m1", "👍"); err != nil {
		t.Fatalf("toggle reaction: %v", err)
	}
	entries := s.Messages()
	set := entries[0].Reactions["👍"]
	if _, ok := set["alice"]; !ok {
		t.Fatalf("reactions = %v, want alice under 👍", entries[0].Reactions)
	}

	// Toggling again removes it and drops the empty emoji bucket.
	if err := s.ToggleReaction("m1", "👍"); err != nil {
		t.Fatalf("toggle reaction off: %v", err)
	}
	entries = s.Messages()
	if len(entries[0].Reactions) != 0 {
		t.Fatalf("reactions = %v, want empty", entries[0].Reactions)
	}

	if err := s.ToggleReaction("missing", "👍"); !errors.Is(err, ErrNoSuchEntry) {
		t.Fatalf("expected ErrNoSuchEntry, got %v", err)
	}
	if err := s.ToggleReaction("m1", ""); err == nil {
		t.Fatalf("expected error for empty emoji")
	}
}

func TestReactionSnapshotIsolation(t *testing.T) {
	s, inject := newTestSession(t, &fakeRelay{}, Callbacks{})
	inject(wire.Message{ID: "m1", Sender: "bob", Timestamp: 1})
	if err := s.ToggleReaction("m1", "👍"); err != nil {
		t.Fatalf("toggle reaction: %v", err)
	}

	snap := s.Messages()
	snap[0].Reactions["👍"]["mallory"] = struct{}{}

	fresh := s.Messages()
	if _, ok := fresh[0].Reactions["👍"]["mallory"]; ok {
		t.Fatalf("snapshot mutation leaked into session state")
	}
}

func TestTeardown(t *testing.T) {
	rel := &fakeRelay{}
	s, inject := newTestSession(t, rel, Callbacks{})

	inject(wire.Message{ID: "m1", Sender: "bob", Content: "hi", Timestamp: 1})

	s.Teardown()
	s.Teardown()
	if rel.teardowns != 1 {
		t.Fatalf("relay teardowns = %d, want 1", rel.teardowns)
	}

	if _, err := s.Send(context.Background(), "late", nil); !errors.Is(err, ErrTornDown) {
		t.Fatalf("expected ErrTornDown, got %v", err)
	}

	// Arrivals after teardown are dropped; the transcript is retained.
	inject(wire.Message{ID: "m2", Sender: "bob", Timestamp: 2})
	entries := s.Messages()
	if len(entries) != 1 || entries[0].ID != "m1" {
		t.Fatalf("transcript after teardown = %+v, want the single pre-teardown entry", entries)
	}
}

func TestConnectStartsRelay(t *testing.T) {
	rel := &fakeRelay{}
	s, _ := newTestSession(t, rel, Callbacks{})

	s.Connect()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rel.mu.Lock()
		n := rel.connects
		rel.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay connect not started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStateForwarded(t *testing.T) {
	var states []relay.State
	var inject func(wire.Message)
	var onState func(relay.State)
	s, err := New(Config{
		RoomCode:    "blue42",
		DisplayName: "alice",
		Log:         zaptest.NewLogger(t),
		Callbacks: Callbacks{
			OnState: func(st relay.State) { states = append(states, st) },
		},
		NewRelay: func(onMessage func(wire.Message), st func(relay.State)) (Relay, error) {
			inject = onMessage
			onState = st
			return &fakeRelay{}, nil
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Teardown()
	_ = inject

	onState(relay.StateConnecting)
	onState(relay.StateConnected)

	if s.State() != relay.StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if len(states) != 2 || states[0] != relay.StateConnecting || states[1] != relay.StateConnected {
		t.Fatalf("state callbacks = %v, want [connecting connected]", states)
	}
}
