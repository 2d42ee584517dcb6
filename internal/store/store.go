// Package store keeps the ordered, deduplicated message log for one active
// conversation and reconciles optimistic local sends against server echoes.
package store

import (
	"log"
	"sync"
	"time"
)

// Type is the message content kind.
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeFile  Type = "file"
	TypeAudio Type = "audio"
)

// Message is one entry in a conversation. ID is server-assigned and empty
// until the send is acknowledged; Content holds text or the attachment URL.
type Message struct {
	ID         string    `json:"id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Type       Type      `json:"type"`
	FileName   string    `json:"fileName,omitempty"`
	Duration   float64   `json:"duration,omitempty"` // seconds, audio only
	CreatedAt  time.Time `json:"createdAt"`
	IsSeen     bool      `json:"isSeen"`
}

// Acked reports whether the server has assigned this message an id.
func (m Message) Acked() bool { return m.ID != "" }

// Store is the per-conversation message log. Insertion policy: outbound
// messages are appended optimistically without an id and merged in place when
// the server echo arrives, so the log never shows the same message twice and
// arrival order is preserved across the unacked→acked transition.
type Store struct {
	localUserID string
	emitSeen    func(messageID string)

	mu          sync.Mutex
	seq         []Message
	ids         map[string]int // id → index in seq
	seenEmitted map[string]bool

	listenerMu sync.Mutex
	listeners  map[int]func(Message)
	nextID     int
}

// New creates a store for the given local user. emitSeen is invoked at most
// once per partner message when it first becomes visible; nil disables
// seen-receipt emission.
func New(localUserID string, emitSeen func(messageID string)) *Store {
	return &Store{
		localUserID: localUserID,
		emitSeen:    emitSeen,
		ids:         make(map[string]int),
		seenEmitted: make(map[string]bool),
		listeners:   make(map[int]func(Message)),
	}
}

// Load replaces the sequence wholesale with fetched history.
func (s *Store) Load(history []Message) {
	s.mu.Lock()
	s.seq = make([]Message, len(history))
	copy(s.seq, history)
	s.ids = make(map[string]int, len(history))
	for i, m := range s.seq {
		if m.Type == "" {
			s.seq[i].Type = TypeText
		}
		if m.ID != "" {
			s.ids[m.ID] = i
		}
	}
	s.mu.Unlock()
}

// AppendOutbound appends an unacknowledged local draft for optimistic display
// and returns the stamped copy.
func (s *Store) AppendOutbound(draft Message) Message {
	draft.ID = ""
	draft.SenderID = s.localUserID
	if draft.Type == "" {
		draft.Type = TypeText
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.seq = append(s.seq, draft)
	s.mu.Unlock()
	s.notify(draft)
	return draft
}

// ReconcileInbound applies one receive_message event. Duplicates by id are
// dropped; a server echo of a pending local send is merged into the existing
// entry instead of appended. Returns true when the log changed.
func (s *Store) ReconcileInbound(msg Message) bool {
	if msg.Type == "" {
		msg.Type = TypeText
	}

	s.mu.Lock()
	if msg.ID != "" {
		if _, dup := s.ids[msg.ID]; dup {
			s.mu.Unlock()
			return false
		}
	}

	if msg.SenderID == s.localUserID {
		if i, ok := s.findPending(msg); ok {
			s.seq[i].ID = msg.ID
			s.seq[i].CreatedAt = msg.CreatedAt
			s.seq[i].IsSeen = msg.IsSeen
			if msg.ID != "" {
				s.ids[msg.ID] = i
			}
			// An ack updates an entry already on screen; listeners only
			// care about new entries.
			s.mu.Unlock()
			return true
		}
	}

	s.seq = append(s.seq, msg)
	if msg.ID != "" {
		s.ids[msg.ID] = len(s.seq) - 1
	}
	s.mu.Unlock()
	s.notify(msg)
	return true
}

// findPending locates the oldest unacknowledged local message matching the
// echo. Caller holds s.mu.
func (s *Store) findPending(echo Message) (int, bool) {
	for i, m := range s.seq {
		if m.ID == "" && m.SenderID == s.localUserID &&
			m.Content == echo.Content && m.Type == echo.Type {
			return i, true
		}
	}
	return 0, false
}

// MarkSeen applies a seen receipt: flips IsSeen on the identified message,
// but only when the local user sent it — receipts attribute back to the
// sender's copy, never to a received message.
func (s *Store) MarkSeen(messageID string) {
	s.mu.Lock()
	if i, ok := s.ids[messageID]; ok && s.seq[i].SenderID == s.localUserID {
		s.seq[i].IsSeen = true
	}
	s.mu.Unlock()
}

// MarkVisible is called by the presentation layer when a partner message has
// been sufficiently rendered. It emits at most one message_seen per id, ever.
func (s *Store) MarkVisible(messageID string) {
	s.mu.Lock()
	i, ok := s.ids[messageID]
	if !ok || s.seq[i].SenderID == s.localUserID || s.seq[i].IsSeen || s.seenEmitted[messageID] {
		s.mu.Unlock()
		return
	}
	s.seenEmitted[messageID] = true
	s.seq[i].IsSeen = true
	sender := s.seq[i].SenderID
	s.mu.Unlock()

	if s.emitSeen != nil {
		s.emitSeen(messageID)
	}
	log.Printf("STORE [%s]: seen %s (from %s)", s.localUserID, messageID, sender)
}

// Messages returns a copy of the current sequence in order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	out := make([]Message, len(s.seq))
	copy(out, s.seq)
	s.mu.Unlock()
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	n := len(s.seq)
	s.mu.Unlock()
	return n
}

// OnAppend registers a listener fired after every insertion or merge — the
// presentation layer uses it as its scroll-to-latest signal. Returns an
// unsubscribe capability.
func (s *Store) OnAppend(fn func(Message)) (cancel func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify(m Message) {
	s.listenerMu.Lock()
	fns := make([]func(Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}
