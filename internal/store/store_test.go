package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReplacesHistory(t *testing.T) {
	s := New("u1", nil)
	s.Load([]Message{
		{ID: "m1", SenderID: "u2", ReceiverID: "u1", Content: "hi"},
		{ID: "m2", SenderID: "u1", ReceiverID: "u2", Content: "hey", Type: TypeText},
	})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeText, msgs[0].Type, "missing type defaults to text")

	s.Load([]Message{{ID: "m3", SenderID: "u2", ReceiverID: "u1", Content: "again"}})
	require.Equal(t, 1, s.Len())
}

func TestOutboundEchoMergesInPlace(t *testing.T) {
	s := New("u1", nil)

	sent := s.AppendOutbound(Message{ReceiverID: "u2", Content: "hello"})
	assert.Empty(t, sent.ID)
	assert.Equal(t, "u1", sent.SenderID)
	assert.False(t, sent.Acked())
	require.Equal(t, 1, s.Len())

	echoAt := time.Now().Add(50 * time.Millisecond)
	changed := s.ReconcileInbound(Message{
		ID: "srv-1", SenderID: "u1", ReceiverID: "u2",
		Content: "hello", Type: TypeText, CreatedAt: echoAt,
	})
	assert.True(t, changed)

	msgs := s.Messages()
	require.Len(t, msgs, 1, "echo must merge, not append")
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.True(t, msgs[0].Acked())
	assert.WithinDuration(t, echoAt, msgs[0].CreatedAt, time.Millisecond)
}

func TestReconcileDropsDuplicates(t *testing.T) {
	s := New("u1", nil)
	msg := Message{ID: "m1", SenderID: "u2", ReceiverID: "u1", Content: "hi"}

	assert.True(t, s.ReconcileInbound(msg))
	assert.False(t, s.ReconcileInbound(msg), "same id must be dropped")
	assert.Equal(t, 1, s.Len())
}

func TestReconcileTwoIdenticalDraftsMergeOldestFirst(t *testing.T) {
	s := New("u1", nil)
	s.AppendOutbound(Message{ReceiverID: "u2", Content: "ping"})
	s.AppendOutbound(Message{ReceiverID: "u2", Content: "ping"})

	s.ReconcileInbound(Message{ID: "a", SenderID: "u1", ReceiverID: "u2", Content: "ping", Type: TypeText})
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Empty(t, msgs[1].ID)

	s.ReconcileInbound(Message{ID: "b", SenderID: "u1", ReceiverID: "u2", Content: "ping", Type: TypeText})
	msgs = s.Messages()
	assert.Equal(t, "b", msgs[1].ID)
}

func TestMarkSeenOnlyOwnMessages(t *testing.T) {
	s := New("u1", nil)
	s.Load([]Message{
		{ID: "mine", SenderID: "u1", ReceiverID: "u2", Content: "a"},
		{ID: "theirs", SenderID: "u2", ReceiverID: "u1", Content: "b"},
	})

	s.MarkSeen("mine")
	s.MarkSeen("theirs")

	msgs := s.Messages()
	assert.True(t, msgs[0].IsSeen)
	assert.False(t, msgs[1].IsSeen, "receipts apply to own messages only")
}

func TestMarkVisibleEmitsSeenOnce(t *testing.T) {
	var emitted []string
	s := New("u1", func(id string) { emitted = append(emitted, id) })
	s.Load([]Message{
		{ID: "p1", SenderID: "u2", ReceiverID: "u1", Content: "a"},
		{ID: "own", SenderID: "u1", ReceiverID: "u2", Content: "b"},
		{ID: "p2", SenderID: "u2", ReceiverID: "u1", Content: "c", IsSeen: true},
	})

	s.MarkVisible("p1")
	s.MarkVisible("p1") // scrolled past again
	s.MarkVisible("own")
	s.MarkVisible("p2")
	s.MarkVisible("missing")

	assert.Equal(t, []string{"p1"}, emitted)
}

func TestOnAppendNotifies(t *testing.T) {
	s := New("u1", nil)
	var got []string
	cancel := s.OnAppend(func(m Message) { got = append(got, m.Content) })

	s.AppendOutbound(Message{ReceiverID: "u2", Content: "one"})
	s.ReconcileInbound(Message{ID: "x", SenderID: "u2", ReceiverID: "u1", Content: "two"})

	// Merging an echo is an update, not an append.
	s.ReconcileInbound(Message{ID: "y", SenderID: "u1", ReceiverID: "u2", Content: "one", Type: TypeText})

	cancel()
	s.AppendOutbound(Message{ReceiverID: "u2", Content: "three"})

	assert.Equal(t, []string{"one", "two"}, got)
}
