package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/protocol"
)

// writeTimeout bounds how long a single client may stall a write before
// it gets dropped.
const writeTimeout = 5 * time.Second

// client is one WebSocket connection. gorilla/websocket allows a single
// concurrent writer, so every write goes through the client's mutex.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// broadcast sends a message to all connected clients, dropping the ones
// that fail. Writes happen outside clientsMu so a stalled client cannot
// hold up registration or the other deliveries any longer than its own
// write deadline.
func (s *Server) broadcast(msg protocol.Message) {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	var failed []*client
	for _, c := range targets {
		if err := c.write(msg); err != nil {
			s.log.WithError(err).Debug("dropping client after write error")
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}
	s.clientsMu.Lock()
	for _, c := range failed {
		c.conn.Close()
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

// handleWebSocket upgrades the connection and serves requests until the
// client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.log.WithField("remote", conn.RemoteAddr().String()).Info("client connected")

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		conn.Close()
		s.log.WithField("remote", conn.RemoteAddr().String()).Info("client disconnected")
	}()

	for {
		var req protocol.Message
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("websocket read")
			}
			return
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := c.write(s.dispatch(req)); err != nil {
			s.log.WithError(err).Debug("websocket response write")
			return
		}
	}
}

// dispatch executes one client request against the guarded HAL.
func (s *Server) dispatch(req protocol.Message) protocol.Message {
	switch req.Type {
	case protocol.MsgStart:
		if err := s.guard.Start(); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type, err)
		}
		return mustResponse(req.ID, req.Type, nil)

	case protocol.MsgStop:
		if err := s.guard.Stop(); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type, err)
		}
		return mustResponse(req.ID, req.Type, nil)

	case protocol.MsgSend:
		var payload protocol.SendPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type,
				fmt.Errorf("bad send payload: %w", hal.ErrHardware))
		}
		if err := s.guard.Send(payload.Data); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type, err)
		}
		return mustResponse(req.ID, req.Type, nil)

	case protocol.MsgSetParameter:
		var payload protocol.ParameterPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type,
				fmt.Errorf("bad parameter payload: %w", hal.ErrHardware))
		}
		id := protocol.ParseParamID(payload.ID)
		if err := s.guard.SetParameter(id, payload.Data); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type, err)
		}
		if s.config.Store != nil {
			if err := s.config.Store.SaveParameter(payload.ID, payload.Data); err != nil {
				s.log.WithError(err).WithField("param", payload.ID).Warn("persisting parameter")
			}
		}
		return mustResponse(req.ID, req.Type, nil)

	case protocol.MsgGetParameter:
		var payload protocol.ParameterPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type,
				fmt.Errorf("bad parameter payload: %w", hal.ErrHardware))
		}
		if payload.MaxLength < 0 || payload.MaxLength > protocol.MaxParameterLength {
			return protocol.NewErrorResponse(req.ID, req.Type,
				fmt.Errorf("maxLength %d out of range: %w", payload.MaxLength, hal.ErrInvalidSize))
		}
		buf := make([]byte, payload.MaxLength)
		n, err := s.guard.GetParameter(protocol.ParseParamID(payload.ID), buf)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, req.Type, err)
		}
		return mustResponse(req.ID, req.Type, protocol.ParameterResult{Data: buf[:n]})

	case protocol.MsgStatus:
		return mustResponse(req.ID, req.Type, s.status())

	default:
		return protocol.NewErrorResponse(req.ID, req.Type,
			fmt.Errorf("unknown request type %q: %w", req.Type, hal.ErrHardware))
	}
}

// mustResponse wraps protocol.NewResponse for payloads that cannot fail
// to marshal.
func mustResponse(id, msgType string, payload any) protocol.Message {
	msg, err := protocol.NewResponse(id, msgType, payload)
	if err != nil {
		return protocol.NewErrorResponse(id, msgType, err)
	}
	return msg
}
