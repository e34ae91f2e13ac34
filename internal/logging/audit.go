package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType classifies entries of the audit trail.
type AuditEventType string

const (
	AuditEventChangeAccepted    AuditEventType = "change_accepted"
	AuditEventChangeRejected    AuditEventType = "change_rejected"
	AuditEventChangePruned      AuditEventType = "change_pruned"
	AuditEventConflictResolved  AuditEventType = "conflict_resolved"
	AuditEventConflictCancelled AuditEventType = "conflict_cancelled"
	AuditEventTrackingDisabled  AuditEventType = "tracking_disabled"
	AuditEventCheckpoint        AuditEventType = "checkpoint"
	AuditEventRecovery          AuditEventType = "recovery"
	AuditEventConfigChange      AuditEventType = "config_change"
	AuditEventError             AuditEventType = "error"
	AuditEventStartup           AuditEventType = "startup"
	AuditEventShutdown          AuditEventType = "shutdown"
)

// AuditEvent represents one entry of the audit trail.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	DocumentID string         `json:"document_id,omitempty"`
	ProducerID string         `json:"producer_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Result     string         `json:"result"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	SourceFile string         `json:"source_file,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig configures the audit trail. The rotation fields mean
// the same as in Config.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	// Component fills AuditEvent.Component when an event leaves it empty.
	Component string

	// Writer receives the events instead of FilePath when set.
	Writer io.Writer
}

// DefaultAuditConfig keeps 90 days of audit history in 50 MB files.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(DefaultStateDir(), "audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "editstated",
	}
}

// AuditLogger writes the audit trail as JSON lines. A nil *AuditLogger
// discards events.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	w       io.Writer
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger opens the audit file, or writes to cfg.Writer when set.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{config: cfg, now: func() time.Time { return time.Now().UTC() }}

	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.rotator = rotator
	a.w = rotator
	return a, nil
}

// Log stamps event with the time, component, request id and caller and
// appends it as one JSON line.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
	}

	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(2)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogChangeFinalized records that a change was accepted or rejected.
func (a *AuditLogger) LogChangeFinalized(ctx context.Context, docID, changeID, producerID string, accepted bool, reason string) error {
	ev := AuditEvent{
		EventType:  AuditEventChangeRejected,
		Action:     "change_rejected",
		DocumentID: docID,
		ProducerID: producerID,
		Resource:   changeID,
		Reason:     reason,
	}
	if accepted {
		ev.EventType = AuditEventChangeAccepted
		ev.Action = "change_accepted"
	}
	return a.Log(ctx, ev)
}

// LogChangePruned records a finalized change removed by TTL cleanup.
func (a *AuditLogger) LogChangePruned(ctx context.Context, docID, changeID, status string, age time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventChangePruned,
		Action:     "change_pruned",
		DocumentID: docID,
		Resource:   changeID,
		Details: map[string]any{
			"status":      status,
			"age_seconds": int64(age.Seconds()),
		},
	})
}

// LogConflictResolved records the outcome of a conflict resolution.
func (a *AuditLogger) LogConflictResolved(ctx context.Context, docID, conflictID, strategy string, committed, rejected int) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventConflictResolved,
		Action:     "conflict_resolved",
		DocumentID: docID,
		Resource:   conflictID,
		Details: map[string]any{
			"strategy":  strategy,
			"committed": committed,
			"rejected":  rejected,
		},
	})
}

// LogConflictCancelled records a conflict whose changes were all rejected.
func (a *AuditLogger) LogConflictCancelled(ctx context.Context, docID, conflictID string, rejected int) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventConflictCancelled,
		Action:     "conflict_cancelled",
		DocumentID: docID,
		Resource:   conflictID,
		Details:    map[string]any{"rejected": rejected},
	})
}

// LogTrackingDisabled records the end of tracking for a document.
func (a *AuditLogger) LogTrackingDisabled(ctx context.Context, docID string, version uint64, changes int) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventTrackingDisabled,
		Action:     "tracking_disabled",
		DocumentID: docID,
		Details:    map[string]any{"version": version, "changes": changes},
	})
}

// LogCheckpoint records a written checkpoint.
func (a *AuditLogger) LogCheckpoint(ctx context.Context, key string, size int, took time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCheckpoint,
		Action:    "checkpoint_saved",
		Resource:  key,
		Details:   map[string]any{"bytes": size, "duration_ms": took.Milliseconds()},
	})
}

// LogRecovery records the outcome of crash recovery.
func (a *AuditLogger) LogRecovery(ctx context.Context, source string, success bool, documents int, errs []string) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRecovery,
		Action:    "state_recovered",
		Resource:  source,
		Result:    result,
		Details:   map[string]any{"documents": documents, "errors": errs},
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Reason:    reason,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
