package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"editstate/internal/conflict"
	"editstate/internal/engine"
	"editstate/internal/state"
)

// Common errors
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// RemoteError is an error reported by the daemon. It matches the engine's
// sentinel errors with errors.Is.
type RemoteError struct {
	Code    int
	Message string
	Fields  []engine.FieldError
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is maps protocol error codes back onto sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case ErrValidation:
		return target == engine.ErrValidation
	case ErrConflictNotFound:
		return target == engine.ErrConflictNotFound
	case ErrNotFound:
		return target == state.ErrNotFound
	case ErrRateLimited:
		return target == engine.ErrRateLimited
	case ErrInvalidTransition:
		return target == state.ErrInvalidTransition
	}
	return false
}

// Client talks to editstated over its socket. It is safe for concurrent
// use; responses are matched to requests by id.
type Client struct {
	mu         sync.RWMutex
	conn       net.Conn
	config     ClientConfig
	sessionID  string
	version    string
	permission PermissionLevel

	connected atomic.Bool
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	eventMu      sync.RWMutex
	eventHandler EventHandler

	wg sync.WaitGroup
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for a socket under stateDir.
func DefaultClientConfig(stateDir, name string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(stateDir, "editstated.sock"),
		ClientName:     name,
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// EventHandler is called, in order, for every streamed event.
type EventHandler func(event *Event)

// NewClient creates a client; call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		config:  cfg,
		pending: make(map[uint32]chan *Message),
	}
}

// Connect dials the daemon and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *Client) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the access level the server granted.
func (c *Client) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetEventHandler sets the handler for streamed events
func (c *Client) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

func (c *Client) handshake(ctx context.Context) error {
	var ack HandshakeResponse
	err := c.call(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the matching response.
func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call performs a request and decodes the expected response type into out.
func (c *Client) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: er.Code, Message: er.Message, Fields: er.Fields}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %#04x", resp.Header.Type)
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

func (c *Client) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.shutdown()
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgPong:
			c.deliver(msg)
		case MsgEvent:
			var ev Event
			if err := Decode(msg.Payload, &ev); err != nil {
				continue
			}
			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				handler(&ev)
			}
		default:
			c.deliver(msg)
		}
	}
}

func (c *Client) deliver(msg *Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if ch, ok := c.pending[msg.Header.RequestID]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the daemon status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health runs the daemon's health checks.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, MsgHealthCheck, nil, MsgHealthResponse, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit sends one producer submission.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*engine.SubmissionResult, error) {
	var out engine.SubmissionResult
	if err := c.call(ctx, MsgSubmitChanges, req, MsgSubmitChangesResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conflicts lists the conflicts of a document waiting for a decision.
func (c *Client) Conflicts(ctx context.Context, docID string) ([]*conflict.Conflict, error) {
	var out ListConflictsResponse
	if err := c.call(ctx, MsgListConflicts, &ListConflictsRequest{DocumentID: docID}, MsgListConflictsResp, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// ResolveConflict decides a queued conflict.
func (c *Client) ResolveConflict(ctx context.Context, req *ResolveConflictRequest) (*conflict.Result, error) {
	var out conflict.Result
	if err := c.call(ctx, MsgResolveConflict, req, MsgResolveConflictResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Preview previews the consolidation of the given conflicts.
func (c *Client) Preview(ctx context.Context, conflictIDs ...string) (*conflict.Preview, error) {
	var out conflict.Preview
	if err := c.call(ctx, MsgPreview, &PreviewRequest{ConflictIDs: conflictIDs}, MsgPreviewResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelConflict withdraws a queued conflict and returns the changes it
// rejected.
func (c *Client) CancelConflict(ctx context.Context, conflictID string) ([]*state.Change, error) {
	var out CancelConflictResponse
	if err := c.call(ctx, MsgCancelConflict, &CancelConflictRequest{ConflictID: conflictID}, MsgCancelConflictResp, &out); err != nil {
		return nil, err
	}
	return out.Rejected, nil
}

// AcceptChange accepts a pending change.
func (c *Client) AcceptChange(ctx context.Context, docID, changeID string) (*state.Change, error) {
	var out state.Change
	if err := c.call(ctx, MsgAcceptChange, &ChangeRequest{DocumentID: docID, ChangeID: changeID}, MsgChangeResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RejectChange rejects a pending change.
func (c *Client) RejectChange(ctx context.Context, docID, changeID, reason string) (*state.Change, error) {
	var out state.Change
	req := &ChangeRequest{DocumentID: docID, ChangeID: changeID, Reason: reason}
	if err := c.call(ctx, MsgRejectChange, req, MsgChangeResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Document fetches the state of a tracked document.
func (c *Client) Document(ctx context.Context, docID string) (*state.DocumentState, error) {
	var out state.DocumentState
	if err := c.call(ctx, MsgGetDocument, &DocumentRequest{DocumentID: docID}, MsgGetDocumentResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSnapshot records document content.
func (c *Client) CreateSnapshot(ctx context.Context, docID, content string) (*state.DocumentSnapshot, error) {
	var out state.DocumentSnapshot
	req := &SnapshotRequest{DocumentID: docID, Content: content}
	if err := c.call(ctx, MsgCreateSnapshot, req, MsgCreateSnapshotResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisableTracking stops tracking a document and returns its final state.
func (c *Client) DisableTracking(ctx context.Context, docID string) (*state.DocumentState, error) {
	var out state.DocumentState
	if err := c.call(ctx, MsgDisableTracking, &DocumentRequest{DocumentID: docID}, MsgDisableTrackingResp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBackup asks the daemon to write a backup now and returns its key.
func (c *Client) CreateBackup(ctx context.Context) (string, error) {
	var out BackupResponse
	if err := c.call(ctx, MsgCreateBackup, struct{}{}, MsgCreateBackupResp, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

// Subscribe asks for the given events, or all of them when none are named.
// Events go to the handler set with SetEventHandler.
func (c *Client) Subscribe(ctx context.Context, events ...EventType) error {
	var out SubscribeResponse
	return c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &out)
}
