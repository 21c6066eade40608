package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/agentd/agentd/internal/engine"
	"github.com/agentd/agentd/internal/event"
	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Client is one paired device's connection: a read pump decoding
// inbound envelopes into Turn Engine calls, and a single writer
// goroutine serializing outbound envelopes plus keepalive pings onto
// the socket.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan types.OutboundEnvelope

	unsubscribe    func()
	unsubscribeAll []func()
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     ulid.Make().String(),
		conn:   conn,
		server: s,
		send:   make(chan types.OutboundEnvelope, sendBuffer),
	}
}

// run drives the read and write pumps until the connection closes.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var in types.InboundEnvelope
		if err := json.Unmarshal(data, &in); err != nil {
			logging.Warn().Err(err).Msg("gateway: malformed inbound envelope")
			continue
		}
		c.dispatch(ctx, in)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch classifies one inbound envelope and calls into the Turn
// Engine (§6's four inbound message types).
func (c *Client) dispatch(ctx context.Context, in types.InboundEnvelope) {
	switch in.Type {
	case "agent:message":
		if in.Content == "" {
			c.emitError(in.SessionID, "no_content", "message content is empty")
			return
		}
		req := engine.TurnRequest{
			SessionID:  in.SessionID,
			Content:    in.Content,
			WorkingDir: in.WorkingDir,
			Mode:       types.ModeInteractive,
			Provider:   in.Provider,
			DeviceID:   c.id,
		}
		if in.MaxMode {
			req.Mode = types.ModeAuto
		}
		if _, err := c.server.engine.RunTurn(ctx, req); err != nil {
			logging.Error().Err(err).Str("session", in.SessionID).Msg("gateway: RunTurn failed")
		}

	case "agent:tool_response":
		if in.ToolResponse == nil {
			c.emitError(in.SessionID, "tool_request_not_found", "missing toolResponse payload")
			return
		}
		if err := c.server.engine.HandleToolResponse(ctx, in.SessionID, in.ToolResponse.ID, in.ToolResponse.Approved); err != nil {
			c.emitError(in.SessionID, "tool_request_not_found", err.Error())
		}

	case "agent:stop":
		if err := c.server.engine.Cancel(ctx, in.SessionID); err != nil {
			logging.Warn().Err(err).Str("session", in.SessionID).Msg("gateway: Cancel failed")
		}

	case "agent:generate_title":
		title := c.server.engine.GenerateTitle(ctx, in.Content)
		c.sendPayload(in.SessionID, "agent:title", types.TitlePayload{Title: title})

	default:
		logging.Warn().Str("type", in.Type).Msg("gateway: unrecognized inbound envelope type")
	}
}

func (c *Client) emitError(sessionID, kind, message string) {
	c.sendPayload(sessionID, "agent:error", types.ErrorPayload{Error: types.ErrorInfo{Kind: kind, Message: message}})
}

// sendPayload sequences and enqueues one outbound envelope (§3 I2:
// monotonic per-session seq). An envelope with no session id, such as
// a generate_title reply sent without one, carries seq 0.
func (c *Client) sendPayload(sessionID, typ string, payload any) {
	var seq int64
	if sessionID != "" && c.server.store != nil {
		if n, err := c.server.store.NextSeq(context.Background(), sessionID); err == nil {
			seq = n
		}
	}
	env := types.OutboundEnvelope{
		V:         1,
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Ts:        time.Now().UnixMilli(),
		Seq:       seq,
		Type:      typ,
		Payload:   payload,
	}
	select {
	case c.send <- env:
	default:
		logging.Warn().Str("session", sessionID).Msg("gateway: send buffer full, dropping envelope")
	}
}

func (c *Client) onPhaseChanged(e event.Event) {
	data := e.Data.(event.PhaseChangedData)
	c.sendPayload(data.SessionID, "agent:status", types.StatusPayload{Phase: data.Phase})
}

func (c *Client) onTitleChanged(e event.Event) {
	data := e.Data.(event.TitleChangedData)
	c.sendPayload(data.SessionID, "agent:title", types.TitlePayload{Title: data.Title})
}

func (c *Client) onStreamEvent(e event.Event) {
	data := e.Data.(event.StreamEventData)
	c.sendPayload(data.SessionID, "agent:stream_event", types.StreamEventPayload{StreamEvent: data.Event})
}

func (c *Client) onToolRequested(e event.Event) {
	data := e.Data.(event.ToolRequestedData)
	c.sendPayload(data.SessionID, "agent:tool_request", types.ToolRequestPayload{ToolRequest: data.ToolRequest})
}

func (c *Client) onToolOutput(e event.Event) {
	data := e.Data.(event.ToolOutputData)
	c.sendPayload(data.SessionID, "agent:tool_output", types.ToolOutputPayload{ToolOutput: data.Output})
}

func (c *Client) onStreamComplete(e event.Event) {
	data := e.Data.(event.StreamCompleteData)
	c.sendPayload(data.SessionID, "agent:stream_complete", types.StreamCompletePayload{FinalMessage: data.FinalMessage})
}

func (c *Client) onError(e event.Event) {
	data := e.Data.(event.ErrorEventData)
	c.sendPayload(data.SessionID, "agent:error", types.ErrorPayload{Error: data.Error})
}
