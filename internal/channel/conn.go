// Package channel implements the realtime event channel: one persistent
// websocket per local user carrying named JSON events in both directions.
// Connections are process-wide and owned by a Registry; sessions only
// subscribe and emit, they never dial or close the socket themselves.
package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue depth. Emits beyond this while disconnected are rejected.
	sendBuffer = 64

	// Reconnect backoff bounds.
	backoffMin = 500 * time.Millisecond
	backoffMax = 10 * time.Second
)

// Handler receives the raw data field of one inbound event.
type Handler func(data json.RawMessage)

// envelope is the wire shape of every event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is a single long-lived event connection identified by the local user.
// It reconnects automatically with capped backoff; after every (re)connect it
// dispatches the local EventConnected pseudo-event so sessions can re-join
// their rooms.
type Conn struct {
	endpoint string
	userID   string

	subMu   sync.RWMutex
	subs    map[string]map[int]Handler
	nextSub int

	out  chan []byte
	done chan struct{}
	once sync.Once
}

// Dial creates the connection for userID against the given websocket endpoint
// (e.g. "ws://localhost:5000/ws") and starts its read/write pumps. The dial
// itself happens asynchronously; Emit queues until the socket is up.
func Dial(endpoint, userID string) *Conn {
	c := &Conn{
		endpoint: endpoint,
		userID:   userID,
		subs:     make(map[string]map[int]Handler),
		out:      make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// UserID returns the identity this connection was established for.
func (c *Conn) UserID() string { return c.userID }

// Emit sends a fire-and-forget event. It never blocks: when the outbound
// queue is full the event is dropped and an error returned.
func (c *Conn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	// Check for shutdown before attempting the send. A single select would
	// pick at random between a closed done channel and a free buffer slot.
	select {
	case <-c.done:
		return fmt.Errorf("emit %s: connection closed", event)
	default:
	}
	select {
	case c.out <- raw:
		return nil
	default:
		return fmt.Errorf("emit %s: send buffer full", event)
	}
}

// Subscribe registers a handler for every inbound event of that name and
// returns an unsubscribe capability. Handlers run on the read pump goroutine,
// so inbound events are processed strictly one at a time.
func (c *Conn) Subscribe(event string, h Handler) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]Handler)
	}
	c.subs[event][id] = h
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		if hs, ok := c.subs[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(c.subs, event)
			}
		}
		c.subMu.Unlock()
	}
}

// On subscribes a typed handler: the event data is decoded into T before the
// handler runs. Malformed payloads are logged and dropped.
func On[T any](c *Conn, event string, fn func(T)) (cancel func()) {
	return c.Subscribe(event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				log.Printf("CHANNEL [%s]: bad %s payload: %v", c.userID, event, err)
				return
			}
		}
		fn(v)
	})
}

// Close tears the connection down for good. Idempotent.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// dispatch fans one inbound event out to its subscribers.
func (c *Conn) dispatch(event string, data json.RawMessage) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subs[event]))
	for _, h := range c.subs[event] {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}

// run dials, pumps, and redials until Close. The reconnect policy lives here;
// sessions only observe EventConnected and EventError.
func (c *Conn) run() {
	backoff := backoffMin
	reported := false

	for {
		select {
		case <-c.done:
			return
		default:
		}

		ws, err := c.dial()
		if err != nil {
			if !reported {
				log.Printf("CHANNEL [%s]: connect failed: %v", c.userID, err)
				msg, _ := json.Marshal(ErrorPayload{Message: "realtime connection failed: " + err.Error()})
				c.dispatch(EventError, msg)
				reported = true
			}
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		backoff = backoffMin
		reported = false
		log.Printf("CHANNEL [%s]: connected to %s", c.userID, c.endpoint)
		c.dispatch(EventConnected, nil)

		c.pump(ws)
		ws.Close()

		select {
		case <-c.done:
			return
		default:
			log.Printf("CHANNEL [%s]: connection lost, reconnecting", c.userID)
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// pump runs the read loop on the calling goroutine and a write loop on a
// second one. Returns when either side fails or Close is called.
func (c *Conn) pump(ws *websocket.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, nil)
				return
			case raw := <-c.out:
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("CHANNEL [%s]: read error: %v", c.userID, err)
			}
			break
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("CHANNEL [%s]: bad envelope: %v", c.userID, err)
			continue
		}
		if env.Event == "" {
			continue
		}
		c.dispatch(env.Event, env.Data)
	}

	close(stop)
	<-writerDone
}
