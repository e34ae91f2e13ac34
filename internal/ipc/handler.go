package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"editstate/internal/conflict"
	"editstate/internal/engine"
	"editstate/internal/health"
	"editstate/internal/state"
)

// EngineHandler serves engine operations to IPC peers.
type EngineHandler struct {
	mu        sync.RWMutex
	engine    *engine.Engine
	health    *health.Checker
	logger    *slog.Logger
	version   string
	startedAt time.Time
	server    *Server
}

// NewEngineHandler creates a handler for e. hc may be nil.
func NewEngineHandler(e *engine.Engine, hc *health.Checker, version string, logger *slog.Logger) *EngineHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EngineHandler{
		engine:    e,
		health:    hc,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

// Attach forwards queued conflicts and document changes to s as events.
// The returned function stops forwarding.
func (h *EngineHandler) Attach(s *Server) (detach func()) {
	h.mu.Lock()
	h.server = s
	h.mu.Unlock()

	stopConflicts := h.engine.OnConflict(func(c *conflict.Conflict) {
		s.Broadcast(newEvent(EventConflictQueued, c.DocumentID, c))
	})
	stopStates := h.engine.States().Subscribe(func(ev state.Event) {
		s.Broadcast(newEvent(EventDocumentChanged, ev.DocumentID, DocumentChange{
			Kind:     ev.Type,
			ObjectID: ev.ObjectID,
			Version:  ev.Version,
		}))
	})
	return func() {
		stopConflicts()
		stopStates()
		h.mu.Lock()
		h.server = nil
		h.mu.Unlock()
	}
}

func newEvent(t EventType, docID string, data any) *Event {
	raw, _ := json.Marshal(data)
	return &Event{Type: t, Timestamp: time.Now().UTC(), DocumentID: docID, Data: raw}
}

var writeMessages = map[MessageType]bool{
	MsgSubmitChanges:   true,
	MsgResolveConflict: true,
	MsgCancelConflict:  true,
	MsgAcceptChange:    true,
	MsgRejectChange:    true,
	MsgCreateSnapshot:  true,
	MsgDisableTracking: true,
	MsgCreateBackup:    true,
}

// HandleMessage processes an IPC message
func (h *EngineHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	if writeMessages[msg.Header.Type] && !peer.CanWrite() {
		return NewErrorMessage(id, ErrPermissionDenied, "read-only connection"), nil
	}

	switch msg.Header.Type {
	case MsgStatusRequest:
		return NewResponse(MsgStatusResponse, id, h.status())

	case MsgHealthCheck:
		if h.health == nil {
			return NewErrorMessage(id, ErrNotFound, "health checks not configured"), nil
		}
		return NewResponse(MsgHealthResponse, id, h.health.HealthResponse(ctx, true))

	case MsgSubmitChanges:
		var req SubmitRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		producer := req.ProducerID
		if producer == "" {
			producer = peer.Producer()
		}
		res, err := h.engine.SubmitChanges(ctx, req.Changes, producer, req.Priority, req.Options)
		return h.reply(ctx, MsgSubmitChangesResp, id, res, err)

	case MsgListConflicts:
		var req ListConflictsRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		return NewResponse(MsgListConflictsResp, id, &ListConflictsResponse{
			Conflicts: h.engine.GetUnresolvedConflicts(req.DocumentID),
		})

	case MsgResolveConflict:
		var req ResolveConflictRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		res, err := h.engine.ResolveConflict(ctx, req.ConflictID, req.Strategy, req.Selected)
		return h.reply(ctx, MsgResolveConflictResp, id, res, err)

	case MsgPreview:
		var req PreviewRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		res, err := h.engine.PreviewConsolidation(req.ConflictIDs)
		return h.reply(ctx, MsgPreviewResp, id, res, err)

	case MsgCancelConflict:
		var req CancelConflictRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		rejected, err := h.engine.CancelConflict(ctx, req.ConflictID)
		return h.reply(ctx, MsgCancelConflictResp, id, &CancelConflictResponse{Rejected: rejected}, err)

	case MsgAcceptChange, MsgRejectChange:
		var req ChangeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		var (
			c   *state.Change
			err error
		)
		if msg.Header.Type == MsgAcceptChange {
			c, err = h.engine.AcceptChange(ctx, req.DocumentID, req.ChangeID)
		} else {
			c, err = h.engine.RejectChange(ctx, req.DocumentID, req.ChangeID, req.Reason)
		}
		return h.reply(ctx, MsgChangeResp, id, c, err)

	case MsgGetDocument:
		var req DocumentRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		doc, err := h.engine.Document(req.DocumentID)
		return h.reply(ctx, MsgGetDocumentResp, id, doc, err)

	case MsgCreateSnapshot:
		var req SnapshotRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		snap, err := h.engine.CreateSnapshot(req.DocumentID, req.Content)
		return h.reply(ctx, MsgCreateSnapshotResp, id, snap, err)

	case MsgDisableTracking:
		var req DocumentRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, err), nil
		}
		doc, err := h.engine.DisableTracking(ctx, req.DocumentID)
		return h.reply(ctx, MsgDisableTrackingResp, id, doc, err)

	case MsgCreateBackup:
		key, err := h.engine.CreateBackup(ctx)
		return h.reply(ctx, MsgCreateBackupResp, id, &BackupResponse{Key: key}, err)

	default:
		return NewErrorMessage(id, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

func (h *EngineHandler) status() *StatusResponse {
	docs := h.engine.Documents()
	pending := 0
	for _, d := range docs {
		pending += len(h.engine.GetUnresolvedConflicts(d))
	}
	resp := &StatusResponse{
		Version:          h.version,
		StartedAt:        h.startedAt,
		Uptime:           time.Since(h.startedAt),
		Documents:        len(docs),
		ActiveSessions:   len(h.engine.States().ActiveSessions()),
		PendingConflicts: pending,
		Recovery:         h.engine.LastRecovery(),
	}
	h.mu.RLock()
	if h.server != nil {
		resp.Clients = h.server.PeerCount()
	}
	h.mu.RUnlock()
	return resp
}

func (h *EngineHandler) reply(ctx context.Context, t MessageType, id uint32, v any, err error) (*Message, error) {
	if err != nil {
		h.logger.DebugContext(ctx, "ipc request failed", "type", t, "error", err)
		return errorMessage(id, err), nil
	}
	return NewResponse(t, id, v)
}

func invalid(id uint32, err error) *Message {
	return NewErrorMessage(id, ErrInvalidRequest, "decode request: "+err.Error())
}

// errorMessage maps engine errors onto protocol error codes.
func errorMessage(id uint32, err error) *Message {
	resp := &ErrorResponse{Code: ErrInternalError, Message: err.Error()}

	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Code = ErrValidation
		resp.Fields = verr.Fields
	case errors.Is(err, engine.ErrConflictNotFound):
		resp.Code = ErrConflictNotFound
	case errors.Is(err, state.ErrNotFound):
		resp.Code = ErrNotFound
	case errors.Is(err, engine.ErrRateLimited):
		resp.Code = ErrRateLimited
	case errors.Is(err, state.ErrInvalidTransition):
		resp.Code = ErrInvalidTransition
	case errors.Is(err, conflict.ErrUnknownChange), errors.Is(err, conflict.ErrUnknownStrategy):
		resp.Code = ErrInvalidRequest
	}

	payload, _ := Encode(resp)
	return NewMessage(MsgError, id, payload)
}
