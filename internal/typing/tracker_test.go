package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/channel"
)

type emitLog struct {
	mu     sync.Mutex
	events []string
}

func (l *emitLog) emit(event string, _ any) error {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

func (l *emitLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestBurstEmitsOneStartThenOneStop(t *testing.T) {
	log := &emitLog{}
	tr := New("u2", 30*time.Millisecond, log.emit, nil)

	for i := 0; i < 5; i++ {
		tr.InputChanged()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{channel.EventTypingStart}, log.snapshot())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{channel.EventTypingStart, channel.EventTypingStop}, log.snapshot())

	// A fresh burst starts a new cycle.
	tr.InputChanged()
	time.Sleep(80 * time.Millisecond)
	require.Len(t, log.snapshot(), 4)
}

func TestFlushStopsImmediatelyAndSwallowsTimer(t *testing.T) {
	log := &emitLog{}
	tr := New("u2", 30*time.Millisecond, log.emit, nil)

	tr.InputChanged()
	tr.Flush()
	assert.Equal(t, []string{channel.EventTypingStart, channel.EventTypingStop}, log.snapshot())

	// The debounced stop must not fire a second time after Flush.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, log.snapshot(), 2)
}

func TestCancelEmitsStopOnlyWhenActive(t *testing.T) {
	log := &emitLog{}
	tr := New("u2", 30*time.Millisecond, log.emit, nil)

	tr.Cancel()
	assert.Empty(t, log.snapshot())

	tr.InputChanged()
	tr.Cancel()
	assert.Equal(t, []string{channel.EventTypingStart, channel.EventTypingStop}, log.snapshot())
}

func TestBusyGateSuppressesLocalSignals(t *testing.T) {
	log := &emitLog{}
	busy := true
	tr := New("u2", 30*time.Millisecond, log.emit, func() bool { return busy })

	tr.InputChanged()
	assert.Empty(t, log.snapshot())

	busy = false
	tr.InputChanged()
	assert.Equal(t, []string{channel.EventTypingStart}, log.snapshot())
}

func TestPartnerFlagsIgnoreOtherUsers(t *testing.T) {
	tr := New("u2", time.Second, (&emitLog{}).emit, nil)

	flips := 0
	tr.OnChange(func() { flips++ })

	tr.HandlePartnerTyping(channel.PartnerTypingPayload{SenderID: "u9", IsTyping: true})
	assert.False(t, tr.PartnerTyping())

	tr.HandlePartnerTyping(channel.PartnerTypingPayload{SenderID: "u2", IsTyping: true})
	assert.True(t, tr.PartnerTyping())

	// Same value again is not a flip.
	tr.HandlePartnerTyping(channel.PartnerTypingPayload{SenderID: "u2", IsTyping: true})
	assert.Equal(t, 1, flips)

	tr.HandleUserStatus(channel.UserStatusPayload{UserID: "u9", Status: "online"})
	assert.False(t, tr.PartnerOnline())

	tr.HandleUserStatus(channel.UserStatusPayload{UserID: "u2", Status: "online"})
	assert.True(t, tr.PartnerOnline())
	tr.HandleUserStatus(channel.UserStatusPayload{UserID: "u2", Status: "offline"})
	assert.False(t, tr.PartnerOnline())
	assert.Equal(t, 3, flips)
}
