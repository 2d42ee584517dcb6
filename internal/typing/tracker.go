// Package typing propagates the local typing state with a debounced stop
// signal and reduces inbound partner typing/presence events.
package typing

import (
	"sync"
	"time"

	"github.com/bep/debounce"

	"chatlink/internal/channel"
)

// DefaultDelay is how long after the last keystroke typing_stop is emitted.
const DefaultDelay = 1000 * time.Millisecond

// Tracker runs the idle→typing→idle machine for one conversation. The remote
// side needs no machine: inbound events just set presentation flags.
type Tracker struct {
	partnerID string
	emit      func(event string, payload any) error
	busy      func() bool // true while a call or recording holds the input
	debounced func(func())

	mu            sync.Mutex
	active        bool
	partnerTyping bool
	partnerOnline bool
	onChange      func()
}

// New creates a tracker emitting on emit. busy gates local typing signals so
// none are sent while a call or recording is active; nil means never busy.
func New(partnerID string, delay time.Duration, emit func(string, any) error, busy func() bool) *Tracker {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	return &Tracker{
		partnerID: partnerID,
		emit:      emit,
		busy:      busy,
		debounced: debounce.New(delay),
	}
}

// InputChanged is called on every local keystroke. The first one in an idle
// period emits typing_start; every one reschedules the debounced stop.
func (t *Tracker) InputChanged() {
	if t.busy() {
		return
	}
	t.mu.Lock()
	start := !t.active
	t.active = true
	t.mu.Unlock()

	if start {
		t.emit(channel.EventTypingStart, channel.TypingPayload{ReceiverID: t.partnerID})
	}
	t.debounced(t.stop)
}

// stop is the debounce target: fires only when the window elapsed with no
// further input.
func (t *Tracker) stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	t.emit(channel.EventTypingStop, channel.TypingPayload{ReceiverID: t.partnerID})
}

// Flush is called on explicit send: the pending debounced stop is neutralized
// and typing_stop goes out synchronously, so the partner never keeps a stale
// indicator after a message arrives.
func (t *Tracker) Flush() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
	t.debounced(func() {})
	t.emit(channel.EventTypingStop, channel.TypingPayload{ReceiverID: t.partnerID})
}

// Cancel is called on session teardown. A pending stop is neutralized; if the
// local state is still typing, the stop is emitted one last time so the
// partner's indicator cannot stick.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.mu.Unlock()
	t.debounced(func() {})
	if wasActive {
		t.emit(channel.EventTypingStop, channel.TypingPayload{ReceiverID: t.partnerID})
	}
}

// HandlePartnerTyping reduces an inbound partner_typing event, ignoring
// senders other than the current partner.
func (t *Tracker) HandlePartnerTyping(p channel.PartnerTypingPayload) {
	if p.SenderID != t.partnerID {
		return
	}
	t.mu.Lock()
	changed := t.partnerTyping != p.IsTyping
	t.partnerTyping = p.IsTyping
	fn := t.onChange
	t.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// HandleUserStatus reduces an inbound user_status event, ignoring subjects
// other than the current partner.
func (t *Tracker) HandleUserStatus(p channel.UserStatusPayload) {
	if p.UserID != t.partnerID {
		return
	}
	online := p.Status == "online"
	t.mu.Lock()
	changed := t.partnerOnline != online
	t.partnerOnline = online
	fn := t.onChange
	t.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// PartnerTyping reports the remote typing flag.
func (t *Tracker) PartnerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partnerTyping
}

// PartnerOnline reports the remote presence flag.
func (t *Tracker) PartnerOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partnerOnline
}

// OnChange registers a presentation callback fired when either remote flag
// flips.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}
