package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/call"
	"chatlink/internal/channel"
	"chatlink/internal/config"
	"chatlink/internal/media"
)

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fakeGateway struct{}

func (fakeGateway) Capture(audio, video bool) (media.Stream, error) {
	return nil, media.ErrNoDevices
}

func (fakeGateway) NewPeerConnection([]string) (media.PeerConnection, error) {
	return nil, errors.New("no devices")
}

type harness struct {
	t       *testing.T
	ws      *websocket.Conn
	conns   chan *websocket.Conn
	inbound chan wireEvent
	cfg     config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, inbound: make(chan wireEvent, 32), conns: make(chan *websocket.Conn, 1)}
	conns := h.conns

	upgrader := websocket.Upgrader{}
	sockSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
		go func() {
			for {
				var env wireEvent
				if err := ws.ReadJSON(&env); err != nil {
					return
				}
				h.inbound <- env
			}
		}()
	}))
	t.Cleanup(sockSrv.Close)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/messages":
			io.WriteString(w, `[{"id":"h1","senderId":"u2","receiverId":"u1","content":"old","type":"text","createdAt":"2026-08-30T09:00:00Z"}]`)
		case strings.HasPrefix(r.URL.Path, "/users/"):
			io.WriteString(w, `{"id":"u2","firstName":"Ben","isOnline":true}`)
		case r.URL.Path == "/upload":
			io.WriteString(w, `{"url":"/files/up.bin","fileName":"up.bin"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(apiSrv.Close)

	cfg := config.Default()
	cfg.Identity = config.Identity{UserID: "u1", PartnerID: "u2", FirstName: "Ann"}
	cfg.Server.SocketURL = "ws" + strings.TrimPrefix(sockSrv.URL, "http")
	cfg.Server.APIBaseURL = apiSrv.URL
	cfg.Typing.StopDelayMS = 40
	h.cfg = cfg
	return h
}

func (h *harness) start(t *testing.T) *Controller {
	t.Helper()
	reg := channel.NewRegistry(h.cfg.Server.SocketURL)
	t.Cleanup(reg.Close)
	ctrl, err := New(h.cfg, reg, fakeGateway{}, func(string, string) {})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	require.NoError(t, ctrl.Start(context.Background()))

	conns := h.awaitEvent(t, channel.EventJoinChatRoom)
	var join channel.JoinChatRoomPayload
	require.NoError(t, json.Unmarshal(conns.Data, &join))
	assert.Equal(t, "u1", join.User1ID)
	assert.Equal(t, "u2", join.User2ID)
	return ctrl
}

// awaitEvent drains inbound until the named event arrives.
func (h *harness) awaitEvent(t *testing.T, event string) wireEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-h.inbound:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", event)
		}
	}
}

// push sends a server event to the client. The server-side socket is taken
// lazily since the client dials asynchronously.
func (h *harness) push(t *testing.T, event string, payload any) {
	t.Helper()
	if h.ws == nil {
		select {
		case h.ws = <-h.conns:
		case <-time.After(3 * time.Second):
			t.Fatal("client never connected")
		}
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, h.ws.WriteJSON(wireEvent{Event: event, Data: data}))
}

func TestNewRequiresBothIDs(t *testing.T) {
	cfg := config.Default()
	reg := channel.NewRegistry(cfg.Server.SocketURL)
	defer reg.Close()

	_, err := New(cfg, reg, fakeGateway{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg.Identity = config.Identity{UserID: "x", PartnerID: "x"}
	_, err = New(cfg, reg, fakeGateway{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStartJoinsAndLoadsHistory(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)

	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "h1", ctrl.Messages()[0].ID)

	require.Eventually(t, func() bool { return ctrl.Partner().FirstName == "Ben" }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, ctrl.PartnerOnline())
}

func TestSendMessageOptimisticThenFlushedStop(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	ctrl.InputChanged()
	h.awaitEvent(t, channel.EventTypingStart)

	require.NoError(t, ctrl.SendMessage("  hello  "))
	h.awaitEvent(t, channel.EventTypingStop)
	env := h.awaitEvent(t, channel.EventSendMessage)

	var p channel.SendMessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "u1", p.SenderID)
	assert.Equal(t, "u2", p.ReceiverID)
	assert.Equal(t, "hello", p.Content, "content is trimmed")
	assert.Equal(t, "text", p.Type)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].Acked(), "optimistic entry has no server id yet")

	// Blank input is dropped without touching the wire.
	require.NoError(t, ctrl.SendMessage("   "))
	assert.Len(t, ctrl.Messages(), 2)
}

func TestSendFileUploadsAndSends(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.SendFile(context.Background(), "notes.txt", []byte("x")))
	env := h.awaitEvent(t, channel.EventSendMessage)

	var p channel.SendMessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "file", p.Type)
	assert.Equal(t, "/files/up.bin", p.Content)
	assert.Equal(t, "up.bin", p.FileName)
}

func TestInboundMessageSeenFlow(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	// Partner message arrives and, once on screen, produces one seen emit.
	h.push(t, channel.EventReceiveMessage, map[string]any{
		"id": "p1", "senderId": "u2", "receiverId": "u1",
		"content": "new", "type": "text", "createdAt": "2026-08-30T10:00:00Z",
	})
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 2 }, 3*time.Second, 10*time.Millisecond)

	ctrl.MarkVisible("p1")
	env := h.awaitEvent(t, channel.EventMessageSeen)
	var seen channel.MessageSeenPayload
	require.NoError(t, json.Unmarshal(env.Data, &seen))
	assert.Equal(t, "p1", seen.MessageID)
	assert.Equal(t, "u2", seen.SenderID)

	// Marking it visible again must not emit a second receipt.
	ctrl.MarkVisible("p1")
	h.push(t, channel.EventPartnerTyping, channel.PartnerTypingPayload{SenderID: "u2", IsTyping: true})
	require.Eventually(t, ctrl.PartnerTyping, 3*time.Second, 10*time.Millisecond)
	for {
		select {
		case env := <-h.inbound:
			assert.NotEqual(t, channel.EventMessageSeen, env.Event)
			continue
		default:
		}
		break
	}
}

func TestEchoMergeAndSeenReceipt(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.SendMessage("ping"))
	h.awaitEvent(t, channel.EventSendMessage)

	// Server echo acknowledges the optimistic entry.
	h.push(t, channel.EventReceiveMessage, map[string]any{
		"id": "s1", "senderId": "u1", "receiverId": "u2",
		"content": "ping", "type": "text", "createdAt": "2026-08-30T10:02:00Z",
	})
	require.Eventually(t, func() bool {
		msgs := ctrl.Messages()
		return len(msgs) == 2 && msgs[1].ID == "s1"
	}, 3*time.Second, 10*time.Millisecond, "echo must merge, not append")

	// A duplicate delivery changes nothing.
	h.push(t, channel.EventReceiveMessage, map[string]any{
		"id": "s1", "senderId": "u1", "receiverId": "u2",
		"content": "ping", "type": "text", "createdAt": "2026-08-30T10:02:00Z",
	})

	h.push(t, channel.EventMessageSeenReceipt, channel.MessageSeenReceiptPayload{MessageID: "s1", SeenBy: "u2"})
	require.Eventually(t, func() bool {
		msgs := ctrl.Messages()
		return len(msgs) == 2 && msgs[1].IsSeen
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTypingSuppressedDuringCall(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)
	require.Eventually(t, func() bool { return len(ctrl.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)

	h.push(t, channel.EventReceiveCall, channel.ReceiveCallPayload{
		Offer:  channel.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		Caller: channel.Caller{ID: "u2", FirstName: "Ben"},
	})
	require.Eventually(t, func() bool {
		return ctrl.Call().Status() == call.StatusIncoming
	}, 3*time.Second, 10*time.Millisecond)

	// Keystrokes while a call is ringing must not leak typing signals.
	ctrl.InputChanged()
	ctrl.InputChanged()

	h.push(t, channel.EventPartnerTyping, channel.PartnerTypingPayload{SenderID: "u2", IsTyping: true})
	require.Eventually(t, ctrl.PartnerTyping, 3*time.Second, 10*time.Millisecond)
	for {
		select {
		case env := <-h.inbound:
			assert.NotEqual(t, channel.EventTypingStart, env.Event)
			assert.NotEqual(t, channel.EventTypingStop, env.Event)
			continue
		default:
		}
		break
	}

	// Once the call is gone the tracker works again.
	require.NoError(t, ctrl.RejectCall())
	ctrl.InputChanged()
	h.awaitEvent(t, channel.EventTypingStart)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctrl := h.start(t)

	ctrl.Close()
	ctrl.Close()
	assert.ErrorIs(t, ctrl.SendMessage("late"), ErrClosed)
}
