// Package session wires one conversation together: the realtime channel, the
// message store, typing state, the voice-note recorder, and the call machine.
// The surfaces above it (CLI, UI) talk only to the Controller.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chatlink/internal/call"
	"chatlink/internal/channel"
	"chatlink/internal/config"
	"chatlink/internal/media"
	"chatlink/internal/recorder"
	"chatlink/internal/rest"
	"chatlink/internal/store"
	"chatlink/internal/typing"
)

var (
	// ErrNotConfigured means the local or partner user id is missing.
	ErrNotConfigured = errors.New("session: user and partner ids are required")

	// ErrClosed means the controller was shut down.
	ErrClosed = errors.New("session: closed")
)

// emitter adapts the controller's emit func to the call package's Signaler.
type emitter func(event string, payload any) error

func (f emitter) Emit(event string, payload any) error { return f(event, payload) }

// Controller owns the lifecycle of a single two-party conversation.
type Controller struct {
	cfg    config.Config
	reg    *channel.Registry
	api    *rest.Client
	store  *store.Store
	typing *typing.Tracker
	rec    *recorder.Recorder
	call   *call.Machine
	notify func(level, msg string)

	mu      sync.Mutex
	conn    *channel.Conn
	partner rest.Profile
	cancels []func()
	started bool
	closed  bool
}

// New builds an unstarted controller. Both ids must be set and distinct.
// The registry owns the websocket; the controller only subscribes and emits.
func New(cfg config.Config, reg *channel.Registry, gw media.Gateway, notify func(level, msg string)) (*Controller, error) {
	uid := strings.TrimSpace(cfg.Identity.UserID)
	pid := strings.TrimSpace(cfg.Identity.PartnerID)
	if uid == "" || pid == "" || uid == pid {
		return nil, ErrNotConfigured
	}
	if notify == nil {
		notify = func(level, msg string) { log.Printf("SESSION [%s]: %s: %s", uid, level, msg) }
	}

	c := &Controller{
		cfg:    cfg,
		reg:    reg,
		api:    rest.New(cfg.Server.APIBaseURL, cfg.Server.APITimeout),
		notify: notify,
	}
	c.store = store.New(uid, func(messageID string) {
		c.emit(channel.EventMessageSeen, channel.MessageSeenPayload{
			MessageID: messageID,
			SenderID:  pid,
		})
	})
	recording := func() bool { return c.rec.Recording() }
	// Typing signals are suppressed during calls too, not just while
	// recording. The closures defer evaluation, so wiring them before the
	// recorder and call machine exist is safe.
	c.typing = typing.New(pid, cfg.TypingDelay(), c.emit, func() bool {
		return c.rec.Recording() || c.call.Active()
	})
	c.call = call.New(
		call.Identity{ID: uid, FirstName: cfg.Identity.FirstName},
		pid, gw, emitter(c.emit), cfg.Call.STUNServers, recording, notify,
	)
	c.rec = recorder.New(gw, clock.New(), c.call.Active, c.sendVoiceNote, notify)
	c.rec.SetLimit(cfg.Recorder.MaxSeconds)
	return c, nil
}

// Start connects the realtime channel, joins the conversation room, and
// loads history and the partner profile. Subscriptions are registered before
// the join so no event between them is lost; the room is re-joined after
// every reconnect.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session: already started")
	}
	c.started = true
	conn := c.reg.Conn(c.cfg.Identity.UserID)
	c.conn = conn
	c.mu.Unlock()

	c.subscribe(conn)
	c.join()

	history, err := c.api.Messages(ctx, c.cfg.Identity.UserID, c.cfg.Identity.PartnerID)
	if err != nil {
		c.notify("error", "failed to load messages")
		log.Printf("SESSION [%s]: history: %v", c.cfg.Identity.UserID, err)
	} else {
		c.store.Load(history)
	}

	profile, err := c.api.User(ctx, c.cfg.Identity.PartnerID)
	if err != nil {
		c.notify("error", "failed to load partner profile")
		log.Printf("SESSION [%s]: profile: %v", c.cfg.Identity.UserID, err)
	} else {
		c.mu.Lock()
		c.partner = profile
		c.mu.Unlock()
		c.typing.HandleUserStatus(channel.UserStatusPayload{
			UserID: profile.ID,
			Status: presence(profile.IsOnline),
		})
	}
	return nil
}

func (c *Controller) subscribe(conn *channel.Conn) {
	cancels := []func(){
		conn.Subscribe(channel.EventConnected, func(json.RawMessage) { c.join() }),
		channel.On(conn, channel.EventReceiveMessage, func(m store.Message) {
			c.store.ReconcileInbound(m)
		}),
		channel.On(conn, channel.EventPartnerTyping, c.typing.HandlePartnerTyping),
		channel.On(conn, channel.EventUserStatus, func(p channel.UserStatusPayload) {
			c.typing.HandleUserStatus(p)
			c.mu.Lock()
			if p.UserID == c.cfg.Identity.PartnerID && c.partner.ID != "" {
				c.partner.IsOnline = p.Status == "online"
			}
			c.mu.Unlock()
		}),
		channel.On(conn, channel.EventMessageSeenReceipt, func(p channel.MessageSeenReceiptPayload) {
			c.store.MarkSeen(p.MessageID)
		}),
		channel.On(conn, channel.EventReceiveCall, c.call.HandleReceiveCall),
		channel.On(conn, channel.EventCallAnswered, c.call.HandleAnswered),
		channel.On(conn, channel.EventICECandidate, c.call.HandleRemoteICE),
		conn.Subscribe(channel.EventCallEnded, func(json.RawMessage) { c.call.HandleEnded() }),
		conn.Subscribe(channel.EventCallRejected, func(json.RawMessage) { c.call.HandleRejected() }),
		channel.On(conn, channel.EventError, func(p channel.ErrorPayload) {
			msg := p.Message
			if msg == "" {
				msg = "connection error"
			}
			c.notify("error", msg)
		}),
	}
	c.mu.Lock()
	c.cancels = cancels
	c.mu.Unlock()
}

func (c *Controller) join() {
	c.emit(channel.EventJoinChatRoom, channel.JoinChatRoomPayload{
		User1ID: c.cfg.Identity.UserID,
		User2ID: c.cfg.Identity.PartnerID,
	})
}

// emit stays usable during Close so teardown can send its final events
// (typing_stop, end_call) before the session goes quiet.
func (c *Controller) emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return conn.Emit(event, payload)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendMessage appends a text message optimistically and emits it. The
// pending typing stop is flushed first so the partner's indicator clears
// with the message, not a second later.
func (c *Controller) SendMessage(text string) error {
	if c.isClosed() {
		return ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	msg := c.store.AppendOutbound(store.Message{
		ReceiverID: c.cfg.Identity.PartnerID,
		Content:    text,
		Type:       store.TypeText,
	})
	c.typing.Flush()
	return c.emit(channel.EventSendMessage, outboundPayload(msg))
}

// SendFile uploads an attachment and sends it as an image or file message
// depending on its media type.
func (c *Controller) SendFile(ctx context.Context, fileName string, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	mimeType := mime.TypeByExtension(filepath.Ext(fileName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	res, err := c.api.Upload(ctx, fileName, mimeType, data)
	if err != nil {
		c.notify("error", "failed to upload file")
		return err
	}
	kind := store.TypeFile
	if strings.HasPrefix(mimeType, "image/") {
		kind = store.TypeImage
	}
	msg := c.store.AppendOutbound(store.Message{
		ReceiverID: c.cfg.Identity.PartnerID,
		Content:    res.URL,
		Type:       kind,
		FileName:   res.FileName,
	})
	return c.emit(channel.EventSendMessage, outboundPayload(msg))
}

// sendVoiceNote is the recorder sink: upload the finished WebM and send it
// as an audio message carrying its duration.
func (c *Controller) sendVoiceNote(res recorder.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.APITimeout)
	defer cancel()
	up, err := c.api.Upload(ctx, res.FileName, res.MimeType, res.Data)
	if err != nil {
		c.notify("error", "failed to upload voice note")
		log.Printf("SESSION [%s]: voice note upload: %v", c.cfg.Identity.UserID, err)
		return
	}
	msg := c.store.AppendOutbound(store.Message{
		ReceiverID: c.cfg.Identity.PartnerID,
		Content:    up.URL,
		Type:       store.TypeAudio,
		FileName:   up.FileName,
		Duration:   res.Duration,
	})
	c.emit(channel.EventSendMessage, outboundPayload(msg))
}

func outboundPayload(m store.Message) channel.SendMessagePayload {
	return channel.SendMessagePayload{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Type:       string(m.Type),
		FileName:   m.FileName,
		Duration:   m.Duration,
	}
}

// InputChanged reports local keystrokes to the typing tracker.
func (c *Controller) InputChanged() { c.typing.InputChanged() }

// MarkVisible reports that a message is displayed, driving the seen emit.
func (c *Controller) MarkVisible(messageID string) { c.store.MarkVisible(messageID) }

// Messages returns a snapshot of the conversation log.
func (c *Controller) Messages() []store.Message { return c.store.Messages() }

// OnAppend registers a listener for newly appended messages.
func (c *Controller) OnAppend(fn func(store.Message)) (cancel func()) {
	return c.store.OnAppend(fn)
}

// Partner returns the partner profile with live presence merged in.
func (c *Controller) Partner() rest.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// PartnerTyping reports whether the partner is currently typing.
func (c *Controller) PartnerTyping() bool { return c.typing.PartnerTyping() }

// PartnerOnline reports the partner's live presence.
func (c *Controller) PartnerOnline() bool { return c.typing.PartnerOnline() }

// OnTypingChange registers a listener for typing/presence flips.
func (c *Controller) OnTypingChange(fn func()) { c.typing.OnChange(fn) }

// StartRecording begins capturing a voice note.
func (c *Controller) StartRecording() error { return c.rec.Start() }

// StopRecording finishes the voice note and sends it.
func (c *Controller) StopRecording() error { return c.rec.Stop() }

// DiscardRecording abandons the current voice note.
func (c *Controller) DiscardRecording() { c.rec.Discard() }

// Recording reports whether a voice note is in progress.
func (c *Controller) Recording() bool { return c.rec.Recording() }

// RecordingElapsed returns the elapsed recording time in seconds.
func (c *Controller) RecordingElapsed() int { return c.rec.Elapsed() }

// Call exposes the call machine for presentation hooks (status, ringer,
// remote tracks).
func (c *Controller) Call() *call.Machine { return c.call }

// StartCall places an audio or video call to the partner.
func (c *Controller) StartCall(video bool) error { return c.call.Start(video) }

// AcceptCall answers the pending incoming call.
func (c *Controller) AcceptCall() error { return c.call.Accept() }

// RejectCall declines the pending incoming call.
func (c *Controller) RejectCall() error { return c.call.Reject() }

// EndCall hangs up.
func (c *Controller) EndCall() { c.call.End() }

// ToggleMedia flips the local audio or video track.
func (c *Controller) ToggleMedia(kind media.Kind) error { return c.call.ToggleMedia(kind) }

// Close tears the session down: subscriptions first so no handler fires into
// released resources, then the call, the recorder, and the typing tracker.
// The websocket stays up — it belongs to the registry, not the session.
// Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.call.Teardown()
	c.rec.Discard()
	c.typing.Cancel()
	log.Printf("SESSION [%s]: closed", c.cfg.Identity.UserID)
}

func presence(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
