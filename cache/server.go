package cache

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/config"
)

// Server runs the RESP wire protocol over TCP in front of a Store. In
// builtin mode it also owns the expiration sweep, the snapshot task,
// and the mutation-to-pub/sub bridge.
type Server struct {
	store    Store
	memory   *MemoryStore // nil in proxy mode
	subs     *SubscriptionManager
	snapshot *SnapshotManager // nil when snapshots are disabled
	interval time.Duration
	logger   *slog.Logger
}

// NewServer builds a cache server from the caching config section.
// Proxy mode connects to the configured external Redis; builtin mode
// creates the in-memory store and loads any existing snapshot.
func NewServer(cfg config.CachingConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		subs:     NewSubscriptionManager(),
		interval: time.Duration(cfg.Snapshot.Interval) * time.Second,
		logger:   logger,
	}

	if cfg.ProxyMode() {
		proxy, err := NewProxyStore(cfg.Proxy, logger)
		if err != nil {
			return nil, err
		}
		s.store = proxy
		logger.Info("cache proxy connected", "host", cfg.Proxy.Host, "port", cfg.Proxy.Port)
		return s, nil
	}

	policy, err := ParseEvictionPolicy(cfg.Eviction)
	if err != nil {
		return nil, err
	}
	memory := NewMemoryStore(cfg.MaxMemoryBytes(), policy, time.Duration(cfg.DefaultTTL)*time.Second)
	s.store = memory
	s.memory = memory

	if cfg.Snapshot.Enabled {
		s.snapshot = NewSnapshotManager(cfg.Snapshot.Path, logger)
		count, err := s.snapshot.Load(memory)
		if err != nil {
			logger.Warn("failed to load cache snapshot", "error", err)
		} else if count > 0 {
			logger.Info("loaded cache snapshot", "entries", count)
		}
	}
	return s, nil
}

// Store exposes the active store for in-process callers.
func (s *Server) Store() Store { return s.store }

// Run serves RESP connections on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	mode := "builtin"
	if s.memory == nil {
		mode = "proxy"
	}
	s.logger.Info("cache server listening", "addr", addr, "mode", mode)

	if s.memory != nil {
		go s.expirationLoop(ctx)
		go s.bridgeChanges(ctx)
		if s.snapshot != nil {
			go s.snapshotLoop(ctx)
		}
	}

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("cache accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handleConn(ctx, conn); err != nil {
				s.logger.Debug("cache client error", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}

	// Final snapshot on shutdown is best effort.
	if s.snapshot != nil && s.memory != nil {
		if err := s.snapshot.Save(s.memory); err != nil {
			s.logger.Error("failed to save final cache snapshot", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// expirationLoop scans for expired entries every second.
func (s *Server) expirationLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.memory.EvictExpired(); n > 0 {
				s.logger.Debug("expired cache entries removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// bridgeChanges forwards store mutations into the pub/sub manager.
func (s *Server) bridgeChanges(ctx context.Context) {
	rx := s.memory.SubscribeChanges()
	for ctx.Err() == nil {
		change, err := rx.Recv()
		if err != nil {
			var lag *broadcast.LagError
			if errors.As(err, &lag) {
				s.logger.Warn("cache pub/sub bridge lagged", "missed", lag.Missed)
				continue
			}
			return
		}
		s.subs.Broadcast(change)
	}
}

func (s *Server) snapshotLoop(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.snapshot.Save(s.memory); err != nil {
				s.logger.Error("cache snapshot failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleConn runs one client: a read/dispatch loop plus a pub/sub
// delivery writer sharing the socket under a write mutex.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	clientID := uuid.New()
	parser := NewParser()
	cctx := &CommandContext{Store: s.store, Subs: s.subs, ClientID: clientID}
	deliveries := s.subs.RegisterClient(clientID)
	defer s.subs.RemoveClient(clientID)

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write(data)
		return err
	}

	// Pub/sub pushes interleave with command responses on the same
	// socket; the write mutex keeps frames whole.
	pubsubDone := make(chan struct{})
	go func() {
		defer close(pubsubDone)
		for delivery := range deliveries {
			if err := write(delivery.Change.PubSubMessage(delivery.Channel)); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil // disconnect
		}
		parser.Feed(buf[:n])

		for {
			value, err := parser.Parse()
			if err != nil {
				_ = write(RespErr("ERR protocol error: " + err.Error()).Encode())
				parser.Reset()
				break
			}
			if value == nil {
				break
			}
			cmd, args, ok := ExtractCommand(value)
			if !ok {
				if err := write(RespErr("ERR invalid command format").Encode()); err != nil {
					return err
				}
				continue
			}
			if cmd == "QUIT" {
				return write(RespOK().Encode())
			}
			response := ExecuteCommand(ctx, cctx, cmd, args)
			if err := write(response.Encode()); err != nil {
				return err
			}
		}
	}
}
