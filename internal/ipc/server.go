package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"editstate/internal/logging"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server accepts producer and review connections on a Unix socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	logger      *slog.Logger
	peers       map[string]*Peer
	subscribers map[string]map[EventType]bool
	startedAt   time.Time

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32

	events chan *Event
}

// Peer is a connected client as the server sees it.
type Peer struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Permission   PermissionLevel
	Name         string
	Version      string
	handshook    bool
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// Producer returns the name the peer announced in its handshake.
func (p *Peer) Producer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Name
}

// CanWrite reports whether the peer may mutate state.
func (p *Peer) CanWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Permission >= PermReadWrite
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	DefaultPerm    PermissionLevel
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns defaults for a socket under stateDir.
func DefaultServerConfig(stateDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(stateDir, "editstated.sock"),
		Version:        "dev",
		DefaultPerm:    PermReadWrite,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 100,
	}
}

// NewServer creates a server. A nil logger discards output.
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	def := DefaultServerConfig("")
	if cfg.DefaultPerm == 0 {
		cfg.DefaultPerm = def.DefaultPerm
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		peers:       make(map[string]*Peer),
		subscribers: make(map[string]map[EventType]bool),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan *Event, 256),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := cleanupSocket(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop notifies subscribers, closes every connection and removes the
// socket file.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.notifyShutdown()
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.logger.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server began listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// PeerCount returns the number of connected clients.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Broadcast queues an event for every subscribed peer. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("ipc event dropped", "type", event.Type, "document", event.DocumentID)
	}
}

func (s *Server) notifyShutdown() {
	ev := &Event{Type: EventDaemonShutdown, Timestamp: time.Now().UTC()}
	for _, p := range s.subscribedTo(ev.Type) {
		s.sendEvent(p, ev)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}

		if ok, err := peerIsCurrentUser(conn); err == nil && !ok {
			s.logger.Warn("ipc connection from another user refused")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.peers) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("ipc connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		now := time.Now()
		p := &Peer{
			ID:           uuid.NewString(),
			conn:         conn,
			Permission:   s.cfg.DefaultPerm,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.peers[p.ID] = p
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(p)
	}
}

func (s *Server) handleConnection(p *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.ID)
		delete(s.subscribers, p.ID)
		s.mu.Unlock()
		p.conn.Close()
		s.logger.Debug("ipc peer disconnected", "peer", p.ID, "name", p.Producer())
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		p.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.sendMessage(p, NewMessage(MsgPing, s.nextRequestID.Add(1), nil)) != nil {
					return
				}
				continue
			}
			s.logger.Debug("ipc read failed", "peer", p.ID, "error", err)
			return
		}

		p.mu.Lock()
		p.LastActivity = time.Now()
		p.mu.Unlock()

		response, err := s.processMessage(p, msg)
		if err != nil {
			s.logger.Error("ipc handler failed", "peer", p.ID, "type", msg.Header.Type, "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(p, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(p *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(p, msg)
	}

	p.mu.Lock()
	handshook := p.handshook
	p.mu.Unlock()
	if !handshook {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "handshake required"), nil
	}

	switch msg.Header.Type {
	case MsgSubscribe:
		return s.handleSubscribe(p, msg)
	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, p.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
	}

	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
	ctx := logging.ContextWithRequestID(s.ctx, fmt.Sprintf("%s-%d", p.ID, msg.Header.RequestID))
	return s.handler.HandleMessage(ctx, p, msg)
}

func (s *Server) handleHandshake(p *Peer, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	p.mu.Lock()
	p.Name = req.ClientName
	p.Version = req.ClientVersion
	p.handshook = true
	perm := p.Permission
	p.mu.Unlock()

	s.logger.Debug("ipc peer connected", "peer", p.ID, "name", req.ClientName, "version", req.ClientVersion)
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       p.ID,
		Permission:      perm,
	})
}

func (s *Server) handleSubscribe(p *Peer, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}
	types := req.Events
	if len(types) == 0 {
		types = AllEvents
	}
	events := make(map[EventType]bool, len(types))
	for _, t := range types {
		events[t] = true
	}

	s.mu.Lock()
	s.subscribers[p.ID] = events
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: p.ID,
	})
}

func (s *Server) subscribedTo(t EventType) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Peer
	for id, events := range s.subscribers {
		if events[t] {
			if p, ok := s.peers[id]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// eventBroadcaster delivers events in order; a slow peer delays the others
// by at most the write timeout.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			for _, p := range s.subscribedTo(ev.Type) {
				s.sendEvent(p, ev)
			}
		}
	}
}

func (s *Server) sendEvent(p *Peer, ev *Event) {
	payload, err := Encode(ev)
	if err != nil {
		s.logger.Error("ipc encode event", "type", ev.Type, "error", err)
		return
	}
	if err := s.sendMessage(p, NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)); err != nil {
		s.logger.Debug("ipc event delivery failed", "peer", p.ID, "error", err)
	}
}

func (s *Server) sendMessage(p *Peer, msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(p.conn)
}

// cleanupSocket removes a stale socket file. A socket another daemon still
// listens on is left alone.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	if IsSocketListening(path) {
		return fmt.Errorf("socket %s is in use by another daemon", path)
	}
	return os.Remove(path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
