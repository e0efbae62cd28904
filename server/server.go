// Package server exposes a local Type 2 Tag front-end over HTTP and
// WebSocket so that remote clients (see hal/remotehal) can drive it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/nfcworks/t2t-agent/buildinfo"
	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/hal/halguard"
	"github.com/nfcworks/t2t-agent/protocol"
	"github.com/nfcworks/t2t-agent/storage"
)

// Config holds the server configuration.
type Config struct {
	// HAL is the raw front-end driver. The server wraps it in a
	// halguard.Guard and owns the session for its whole lifetime.
	HAL hal.HAL

	// Port to listen on.
	Port int

	// DriverName is reported in status responses and mDNS TXT records.
	DriverName string

	// Store, when set, persists parameter writes and holds the
	// auto-response payload.
	Store *storage.Store

	// AutoRespond makes the agent answer every inbound packet with the
	// payload stored in Store.
	AutoRespond bool

	// AutoStart activates the radio as soon as the session opens. When
	// false the radio stays ready and remote clients drive Start/Stop.
	AutoStart bool

	// DisableMDNS skips zeroconf registration.
	DisableMDNS bool
}

// Server manages the session with the local front-end and the WebSocket
// clients observing and driving it.
type Server struct {
	config Config
	guard  *halguard.Guard
	log    *logrus.Entry

	httpServer *http.Server
	upgrader   websocket.Upgrader
	mdnsServer *zeroconf.Server

	clients   map[*client]bool
	clientsMu sync.RWMutex

	fieldMu      sync.RWMutex
	fieldPresent bool

	payloadMu sync.RWMutex
	payload   []byte

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server instance. Start opens the session and begins
// serving.
func New(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local agent, any origin may connect
			},
		},
		log:    logrus.WithField("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Guard returns the session guard, letting the host application (systray
// menu, CLI) drive the radio alongside remote clients.
func (s *Server) Guard() *halguard.Guard {
	return s.guard
}

// Start opens the HAL session, activates the radio, registers the mDNS
// service and serves until Stop is called. It blocks.
func (s *Server) Start() error {
	if err := s.openSession(); err != nil {
		return err
	}

	if !s.config.DisableMDNS {
		if err := s.registerMDNS(); err != nil {
			// Discovery is a convenience; keep serving without it.
			s.log.WithError(err).Warn("mDNS registration failed")
		}
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.handler(),
	}

	s.log.WithField("port", s.config.Port).Info("agent listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down: clients are disconnected, the mDNS record
// withdrawn and the HAL session closed.
func (s *Server) Stop() {
	s.cancel()

	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("http shutdown")
		}
	}

	s.closeClients()

	if s.guard != nil {
		s.guard.Done()
	}
	s.log.Info("agent stopped")
}

// openSession sets up the guarded HAL, replays persisted parameters and
// activates the radio.
func (s *Server) openSession() error {
	s.guard = halguard.New(s.config.HAL)

	if err := s.guard.Setup(hal.ListenerFunc(s.handleEvent)); err != nil {
		return fmt.Errorf("setup front-end: %w", err)
	}

	if s.config.Store != nil {
		s.replayParameters()
		s.loadPayload()
	}

	if s.config.AutoStart {
		if err := s.guard.Start(); err != nil {
			s.guard.Done()
			return fmt.Errorf("start radio: %w", err)
		}
	}
	return nil
}

// replayParameters pushes every persisted parameter back into the driver.
func (s *Server) replayParameters() {
	params, err := s.config.Store.Parameters()
	if err != nil {
		s.log.WithError(err).Warn("reading stored parameters")
		return
	}
	for name, data := range params {
		id := protocol.ParseParamID(name)
		if err := s.guard.SetParameter(id, data); err != nil {
			s.log.WithError(err).WithField("param", name).Warn("replaying parameter")
		}
	}
}

func (s *Server) loadPayload() {
	payload, err := s.config.Store.Payload()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Warn("reading stored payload")
		}
		return
	}
	s.payloadMu.Lock()
	s.payload = payload
	s.payloadMu.Unlock()
}

// SetPayload updates the auto-response payload and persists it.
func (s *Server) SetPayload(data []byte) error {
	s.payloadMu.Lock()
	s.payload = append([]byte(nil), data...)
	s.payloadMu.Unlock()

	if s.config.Store != nil {
		return s.config.Store.SavePayload(data)
	}
	return nil
}

// handleEvent receives every HAL event: it tracks field state, fans the
// event out to WebSocket clients and, when auto-respond is on, answers
// inbound packets with the stored payload.
func (s *Server) handleEvent(ev hal.Event) {
	switch ev.Kind {
	case hal.FieldOn:
		s.setFieldPresent(true)
	case hal.FieldOff:
		s.setFieldPresent(false)
	}

	// Marshaling here copies ev.Data; the driver's receive buffer is
	// only valid for the duration of this call.
	msg, err := protocol.NewEvent(ev.Kind, ev.Data)
	if err != nil {
		s.log.WithError(err).Error("encoding event")
		return
	}
	s.broadcast(msg)

	if ev.Kind == hal.DataReceived && s.config.AutoRespond {
		s.payloadMu.RLock()
		payload := s.payload
		s.payloadMu.RUnlock()
		if len(payload) > 0 {
			if err := s.guard.Send(payload); err != nil {
				s.log.WithError(err).Warn("auto-response send")
			}
		}
	}
}

func (s *Server) setFieldPresent(present bool) {
	s.fieldMu.Lock()
	s.fieldPresent = present
	s.fieldMu.Unlock()
}

// FieldPresent reports whether a reader field is currently detected.
func (s *Server) FieldPresent() bool {
	s.fieldMu.RLock()
	defer s.fieldMu.RUnlock()
	return s.fieldPresent
}

func (s *Server) status() protocol.StatusPayload {
	return protocol.StatusPayload{
		State:        s.guard.State().String(),
		FieldPresent: s.FieldPresent(),
		Driver:       s.config.DriverName,
		Version:      buildinfo.Version,
	}
}

// handler builds the HTTP routes.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", enableCORS(s.handleStatus))
	return mux
}

// enableCORS is a middleware that adds CORS headers to responses.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.log.WithError(err).Warn("writing status")
	}
}

// registerMDNS announces the agent so clients can find it without
// knowing its address.
func (s *Server) registerMDNS() error {
	txt := []string{
		"version=" + buildinfo.Version,
		"driver=" + s.config.DriverName,
	}
	server, err := zeroconf.Register(
		buildinfo.DisplayName, protocol.MDNSServiceType, "local.", s.config.Port, txt, nil)
	if err != nil {
		return err
	}
	s.mdnsServer = server
	s.log.WithField("service", protocol.MDNSServiceType).Info("mDNS service registered")
	return nil
}
