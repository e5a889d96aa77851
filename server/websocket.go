package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/squirreldb/types"
)

// WebSocketServer serves the JSON message protocol over WebSocket text
// frames, one message per frame.
type WebSocketServer struct {
	handler *Handler
	limiter *RateLimiter
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewWebSocketServer wires the WebSocket front end.
func NewWebSocketServer(handler *Handler, limiter *RateLimiter, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		handler: handler,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth happens
			// at the message layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves WebSocket upgrades on addr until ctx is cancelled.
func (s *WebSocketServer) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("websocket server listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *WebSocketServer) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := forwardedIP(r)
	if !s.limiter.AcquireConn(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.limiter.ReleaseConn(ip)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	conn := NewConn()
	s.handler.subs.RegisterClient(conn.ClientID, conn.Send)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.handler.subs.UnregisterClient(cleanupCtx, conn.ClientID)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer: serializes responses and change events onto the socket.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range conn.Outgoing() {
			if err := ws.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
	}()
	defer conn.CloseOutgoing()

	// Reader + dispatcher.
	for {
		if ctx.Err() != nil {
			return
		}
		msgType, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatch(ctx, conn, ip, frame)
	}
}

func (s *WebSocketServer) dispatch(ctx context.Context, conn *Conn, ip string, frame []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		conn.Send(types.ErrorMessage("", CodeProtocol, "malformed JSON message"))
		return
	}
	if ok, retryAfter := s.limiter.Allow(ip); !ok {
		resp := types.ErrorMessage(msg.ID, CodeRateLimited, "rate limit exceeded")
		resp.Data = map[string]any{"retry_after_seconds": int(retryAfter.Seconds())}
		conn.Send(resp)
		return
	}
	conn.Send(s.handler.Handle(ctx, conn, msg))
}

// clientIP strips the port from a remote address.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// forwardedIP honors X-Real-IP / X-Forwarded-For when present.
func forwardedIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	return clientIP(r.RemoteAddr)
}
