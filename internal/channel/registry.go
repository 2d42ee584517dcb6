package channel

import "sync"

// Registry owns the process-wide connections, one per local user. Sessions
// receive a *Conn from here instead of holding package-level socket state, so
// the current-user identity is always explicit.
type Registry struct {
	endpoint string

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates a registry dialing the given websocket endpoint.
func NewRegistry(endpoint string) *Registry {
	return &Registry{
		endpoint: endpoint,
		conns:    make(map[string]*Conn),
	}
}

// Conn returns the connection for userID, dialing it on first use.
func (r *Registry) Conn(userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	if !ok {
		c = Dial(r.endpoint, userID)
		r.conns[userID] = c
	}
	return c
}

// Close shuts down every connection. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
