// Package ipc carries producer submissions and review decisions between
// editstated and out-of-process clients over a local socket.
//
// Every frame is a 16-byte header followed by a JSON payload. Requests
// carry a client-chosen id that the response echoes; events arrive with
// id zero on the same connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"editstate/internal/conflict"
	"editstate/internal/engine"
	"editstate/internal/health"
	"editstate/internal/recovery"
	"editstate/internal/state"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x45535450 // "ESTP"
)

// MaxPayload bounds a single frame.
const MaxPayload = 64 * 1024 * 1024

// MessageType selects the payload schema. The high byte groups types.
type MessageType uint16

const (
	// control
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// status
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgHealthCheck    MessageType = 0x0102
	MsgHealthResponse MessageType = 0x0103

	// submissions
	MsgSubmitChanges     MessageType = 0x0200
	MsgSubmitChangesResp MessageType = 0x0201

	// conflicts
	MsgListConflicts       MessageType = 0x0300
	MsgListConflictsResp   MessageType = 0x0301
	MsgResolveConflict     MessageType = 0x0302
	MsgResolveConflictResp MessageType = 0x0303
	MsgPreview             MessageType = 0x0304
	MsgPreviewResp         MessageType = 0x0305
	MsgCancelConflict      MessageType = 0x0306
	MsgCancelConflictResp  MessageType = 0x0307

	// review and documents
	MsgAcceptChange        MessageType = 0x0400
	MsgRejectChange        MessageType = 0x0401
	MsgChangeResp          MessageType = 0x0402
	MsgGetDocument         MessageType = 0x0403
	MsgGetDocumentResp     MessageType = 0x0404
	MsgCreateSnapshot      MessageType = 0x0405
	MsgCreateSnapshotResp  MessageType = 0x0406
	MsgDisableTracking     MessageType = 0x0407
	MsgDisableTrackingResp MessageType = 0x0408

	// recovery
	MsgCreateBackup     MessageType = 0x0600
	MsgCreateBackupResp MessageType = 0x0601

	// events
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

// EventType identifies a streamed notification.
type EventType uint16

const (
	EventConflictQueued  EventType = 0x0001
	EventDocumentChanged EventType = 0x0002
	EventDaemonShutdown  EventType = 0x0003
)

// AllEvents is what an empty subscription receives.
var AllEvents = []EventType{EventConflictQueued, EventDocumentChanged, EventDaemonShutdown}

// PermissionLevel is granted per connection at handshake.
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

// Header precedes every payload on the wire. All fields are big endian:
// magic(4) version(1) flags(1) type(2) request id(4) length(4).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32

	// Length counts payload bytes only.
	Length uint32
}

const HeaderSize = 16

// FlagJSON marks a JSON payload, the only encoding in use.
const FlagJSON uint8 = 0x04

// Frame errors. A connection that produces one is closed.
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")

	// ErrTruncated means the peer stopped partway through a frame. Unlike
	// a timeout before the first byte, the stream cannot be resumed.
	ErrTruncated = errors.New("ipc: truncated frame")
)

// Message is one frame.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage frames payload as a JSON message of type t.
func NewMessage(t MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      t,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, h.Magic)
	b = append(b, h.Version, h.Flags)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.RequestID)
	return binary.BigEndian.AppendUint32(b, h.Length), nil
}

// Write encodes the header alone.
func (h Header) Write(w io.Writer) error {
	b, _ := h.AppendBinary(make([]byte, 0, HeaderSize))
	_, err := w.Write(b)
	return err
}

func parseHeader(b *[HeaderSize]byte) (Header, error) {
	h := Header{
		Magic:     binary.BigEndian.Uint32(b[:4]),
		Version:   b[4],
		Flags:     b[5],
		Type:      MessageType(binary.BigEndian.Uint16(b[6:])),
		RequestID: binary.BigEndian.Uint32(b[8:]),
		Length:    binary.BigEndian.Uint32(b[12:]),
	}
	switch {
	case h.Magic != ProtocolMagic:
		return h, fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	case h.Version > ProtocolVersion:
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	case h.Length > MaxPayload:
		return h, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Write sends header and payload in a single write so frames from
// concurrent writers holding the connection lock never interleave.
func (m *Message) Write(w io.Writer) error {
	h := m.Header
	h.Length = uint32(len(m.Payload))
	b, _ := h.AppendBinary(make([]byte, 0, HeaderSize+len(m.Payload)))
	_, err := w.Write(append(b, m.Payload...))
	return err
}

// ReadMessage reads one frame. The payload size is checked before it is
// allocated.
func ReadMessage(r io.Reader) (*Message, error) {
	var hb [HeaderSize]byte
	if n, err := io.ReadFull(r, hb[:]); err != nil {
		if n > 0 {
			return nil, fmt.Errorf("%w: header: %v", ErrTruncated, err)
		}
		return nil, err
	}
	h, err := parseHeader(&hb)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	if h.Length == 0 {
		return m, nil
	}
	m.Payload = make([]byte, h.Length)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}
	return m, nil
}

// HandshakeRequest opens a session. ClientName is used as the producer id of submissions that do not carry one.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse assigns the session id and permission.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// ErrorResponse is the payload of MsgError. Fields is set for validation
// failures.
type ErrorResponse struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Fields  []engine.FieldError `json:"fields,omitempty"`
}

// ErrorResponse codes.
const (
	ErrUnknown           = 1
	ErrInvalidRequest    = 2
	ErrNotFound          = 3
	ErrPermissionDenied  = 4
	ErrInternalError     = 5
	ErrNotInitialized    = 7
	ErrValidation        = 10
	ErrConflictNotFound  = 11
	ErrRateLimited       = 12
	ErrInvalidTransition = 13
)

// StatusResponse summarizes the daemon.
type StatusResponse struct {
	Version          string                 `json:"version"`
	Uptime           time.Duration          `json:"uptime"`
	StartedAt        time.Time              `json:"started_at"`
	Documents        int                    `json:"documents"`
	ActiveSessions   int                    `json:"active_sessions"`
	PendingConflicts int                    `json:"pending_conflicts"`
	Clients          int                    `json:"clients"`
	Recovery         *recovery.RecoveryInfo `json:"recovery,omitempty"`
}

// SubmitRequest carries one producer submission. ProducerID defaults to
// the handshake client name.
type SubmitRequest struct {
	ProducerID string                    `json:"producerId,omitempty"`
	Priority   int                       `json:"priority"`
	Changes    []engine.ChangeSubmission `json:"changes"`
	Options    engine.SubmitOptions      `json:"options"`
}

// ListConflictsRequest names the document whose queue is listed.
type ListConflictsRequest struct {
	DocumentID string `json:"documentId"`
}

// ListConflictsResponse lists conflicts waiting for a decision.
type ListConflictsResponse struct {
	Conflicts []*conflict.Conflict `json:"conflicts"`
}

// ResolveConflictRequest decides a queued conflict.
type ResolveConflictRequest struct {
	ConflictID string            `json:"conflictId"`
	Strategy   conflict.Strategy `json:"strategy,omitempty"`
	Selected   []string          `json:"selected,omitempty"`
}

// PreviewRequest lists the conflicts to preview.
type PreviewRequest struct {
	ConflictIDs []string `json:"conflictIds"`
}

// CancelConflictRequest withdraws a queued conflict.
type CancelConflictRequest struct {
	ConflictID string `json:"conflictId"`
}

// CancelConflictResponse lists the changes the cancellation rejected.
type CancelConflictResponse struct {
	Rejected []*state.Change `json:"rejected"`
}

// ChangeRequest accepts or rejects a pending change.
type ChangeRequest struct {
	DocumentID string `json:"documentId"`
	ChangeID   string `json:"changeId"`
	Reason     string `json:"reason,omitempty"`
}

// DocumentRequest names a document.
type DocumentRequest struct {
	DocumentID string `json:"documentId"`
}

// SnapshotRequest records document content.
type SnapshotRequest struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

// BackupResponse names the backup that was written.
type BackupResponse struct {
	Key string `json:"key"`
}

// SubscribeRequest selects events; an empty list selects AllEvents.
type SubscribeRequest struct {
	Events []EventType `json:"events"`
}

// SubscribeResponse names the subscription after the session.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is pushed to subscribed connections with request id zero.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	DocumentID string          `json:"document_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DocumentChange is the data of EventDocumentChanged.
type DocumentChange struct {
	Kind     state.EventType `json:"kind"`
	ObjectID string          `json:"object_id,omitempty"`
	Version  uint64          `json:"version"`
}

// HealthResponse is the payload of MsgHealthResponse.
type HealthResponse = health.HealthResponse

func Encode(v any) ([]byte, error) { return json.Marshal(v) }

func Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// NewErrorMessage answers requestID with an ErrorResponse.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse frames v as the reply to requestID.
func NewResponse(t MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode %#04x: %w", uint16(t), err)
	}
	return NewMessage(t, requestID, payload), nil
}
