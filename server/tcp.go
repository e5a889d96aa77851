package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/GoCodeAlone/squirreldb/types"
)

// TCPServer serves the JSON message protocol over raw TCP: each
// message is one UTF-8 JSON object terminated by '\n'.
type TCPServer struct {
	handler *Handler
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewTCPServer wires the TCP front end.
func NewTCPServer(handler *Handler, limiter *RateLimiter, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{handler: handler, limiter: limiter, logger: logger}
}

// maxLineBytes bounds a single newline-framed message.
const maxLineBytes = 16 * 1024 * 1024

// Run accepts connections on addr until ctx is cancelled.
func (s *TCPServer) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	s.logger.Info("tcp server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("tcp accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, netConn)
		}()
	}
	wg.Wait()
	return nil
}

func (s *TCPServer) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	ip := clientIP(netConn.RemoteAddr().String())
	if !s.limiter.AcquireConn(ip) {
		resp := types.ErrorMessage("", CodeRateLimited, "too many connections")
		raw, _ := json.Marshal(resp)
		_, _ = netConn.Write(append(raw, '\n'))
		return
	}
	defer s.limiter.ReleaseConn(ip)

	conn := NewConn()
	s.handler.subs.RegisterClient(conn.ClientID, conn.Send)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.handler.subs.UnregisterClient(cleanupCtx, conn.ClientID)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer: one goroutine owns the socket's write side so responses
	// and change events serialize.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w := bufio.NewWriter(netConn)
		for msg := range conn.Outgoing() {
			raw, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			raw = append(raw, '\n')
			if _, err := w.Write(raw); err != nil {
				cancel()
				return
			}
			if err := w.Flush(); err != nil {
				cancel()
				return
			}
		}
	}()
	defer conn.CloseOutgoing()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if connCtx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.ClientMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			conn.Send(types.ErrorMessage("", CodeProtocol, "malformed JSON message"))
			continue
		}
		if ok, retryAfter := s.limiter.Allow(ip); !ok {
			resp := types.ErrorMessage(msg.ID, CodeRateLimited, "rate limit exceeded")
			resp.Data = map[string]any{"retry_after_seconds": int(retryAfter.Seconds())}
			conn.Send(resp)
			continue
		}
		conn.Send(s.handler.Handle(connCtx, conn, msg))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("tcp client read error", "remote", netConn.RemoteAddr(), "error", err)
	}
}
