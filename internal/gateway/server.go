// Package gateway is the Client Gateway (C7): a WebSocket server pairing
// one connection per device, sequencing outbound envelopes (§3 I2) and
// dispatching inbound envelopes into the Turn Engine (§4.6, §6).
package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentd/agentd/internal/engine"
	"github.com/agentd/agentd/internal/event"
	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/internal/session"
)

// Server upgrades HTTP connections to WebSocket and routes between the
// Turn Engine and every connected device (§6's "persistent
// bi-directional channel").
type Server struct {
	engine *engine.Engine
	store  *session.Store

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewServer wires a gateway against its Turn Engine and Session Store.
func NewServer(eng *engine.Engine, store *session.Store) *Server {
	return &Server{
		engine:  eng,
		store:   store,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps until
// it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("gateway: upgrade failed")
		return
	}

	c := newClient(conn, s)
	s.register(c)
	defer s.unregister(c)

	c.run(r.Context())
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	c.unsubscribe = event.Subscribe(event.PhaseChanged, c.onPhaseChanged)
	c.unsubscribeAll = []func(){
		event.Subscribe(event.TitleChanged, c.onTitleChanged),
		event.Subscribe(event.StreamEvent, c.onStreamEvent),
		event.Subscribe(event.ToolRequested, c.onToolRequested),
		event.Subscribe(event.ToolOutput, c.onToolOutput),
		event.Subscribe(event.StreamComplete, c.onStreamComplete),
		event.Subscribe(event.ErrorEvent, c.onError),
	}
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	for _, unsub := range c.unsubscribeAll {
		unsub()
	}
	c.Close()
}
