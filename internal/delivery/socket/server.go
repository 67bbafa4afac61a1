package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"notigate/internal/presence"
	logx "notigate/pkg/logx"
)

const (
	outboundQueue = 256
	writeTimeout  = 5 * time.Second
	readLimit     = 4 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ServerConfig struct {
	Addr string
}

// Server accepts websocket connections, registers them in the hub and
// drives the presence tracker from the connection lifecycle and client
// view events.
type Server struct {
	cfg     ServerConfig
	hub     *Hub
	tracker *presence.Tracker
	log     logx.Logger
}

func NewServer(cfg ServerConfig, h *Hub, tr *presence.Tracker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, hub: h, tracker: tr, log: log}
}

// clientEvent is what connected clients send upstream. "view" marks the
// user as actively looking at a conversation, "leave" clears it.
type clientEvent struct {
	Type         string `json:"type"`
	Conversation string `json:"conversation,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(userID, ws)
	if prev := s.hub.Set(userID, c); prev != nil {
		prev.Close()
	}
	s.tracker.MarkOnline(userID, presence.ConnSocket)
	s.log.Debug("socket connected", logx.String("user", userID), logx.Int("conns", s.hub.Len()))

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		if s.hub.Del(c.UserID, c) {
			c.Close()
			s.tracker.RemoveAllForUser(c.UserID)
			s.tracker.MarkOffline(c.UserID)
			s.log.Debug("socket disconnected", logx.String("user", c.UserID))
		}
	}()

	c.WS.SetReadLimit(readLimit)
	for {
		_, msg, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		var ev clientEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "view":
			if ev.Conversation != "" {
				s.tracker.SetActiveConversation(c.UserID, ev.Conversation)
			}
		case "leave":
			s.tracker.ClearActiveConversation(c.UserID, ev.Conversation)
		}
	}
}

func (s *Server) writeLoop(c *Conn) {
	defer c.WS.Close()
	for b := range c.out {
		_ = c.WS.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

// Run serves until ctx is canceled. Intended to run under the app
// supervisor.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("socket gateway listening", logx.String("addr", s.cfg.Addr))
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
