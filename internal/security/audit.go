// Package security provides the operator audit trail and credential masking.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Trading control events
	AuditTradingPaused      AuditEventType = "TRADING_PAUSED"
	AuditTradingResumed     AuditEventType = "TRADING_RESUMED"
	AuditBalanceInitialized AuditEventType = "BALANCE_INITIALIZED"

	// Configuration events
	AuditConfigChanged   AuditEventType = "CONFIG_CHANGED"
	AuditConfigValidated AuditEventType = "CONFIG_VALIDATED"

	// Reporting events
	AuditReportExported AuditEventType = "REPORT_EXPORTED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Operator  string                 `json:"operator,omitempty"`
	Mode      string                 `json:"mode,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	From      models.TradingStatus   `json:"from,omitempty"`
	To        models.TradingStatus   `json:"to,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDKey struct{}

// WithRequestID tags ctx so audit events written under it carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// AuditLogger appends JSON lines to a rotating audit file.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	operator  string
	now       func() time.Time
}

// NewAuditLogger creates an audit logger writing to <log_dir>/audit.log.
func NewAuditLogger(cfg config.AuditConfig) (*AuditLogger, error) {
	// Restricted permissions: the trail names operators and reasons
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
	return NewAuditLoggerWithWriter(writer), nil
}

// NewAuditLoggerWithWriter creates an audit logger on an arbitrary writer.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: uuid.NewString(),
		operator:  os.Getenv("USER"),
		now:       time.Now,
	}
}

// SessionID returns the ID stamped on every event of this process.
func (al *AuditLogger) SessionID() string {
	return al.sessionID
}

// SetOperator sets the operator recorded on events that carry none.
func (al *AuditLogger) SetOperator(operator string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.operator = operator
}

// Log writes one event. Details are masked before serialization.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	if event.Operator == "" {
		event.Operator = al.operator
	}
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = reqID
	}
	if event.Details != nil {
		event.Details = RedactDetails(event.Details)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogPause records a manual pause.
func (al *AuditLogger) LogPause(ctx context.Context, mode, reason string, from models.TradingStatus) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditTradingPaused,
		Mode:      mode,
		Reason:    reason,
		From:      from,
		To:        models.StatusPausedManual,
		Success:   true,
	})
}

// LogResume records a resume attempt. A rejected resume is logged with
// Success false and the status that still applies.
func (al *AuditLogger) LogResume(ctx context.Context, mode, reason string, from, to models.TradingStatus, success bool) error {
	event := AuditEvent{
		EventType: AuditTradingResumed,
		Mode:      mode,
		Reason:    reason,
		From:      from,
		To:        to,
		Success:   success,
	}
	if !success {
		event.ErrorMsg = fmt.Sprintf("resume only lifts a manual pause; status is %s", from)
	}
	return al.Log(ctx, event)
}

// LogBalanceInitialized records the start of a session.
func (al *AuditLogger) LogBalanceInitialized(ctx context.Context, mode string, balance float64, err error) error {
	event := AuditEvent{
		EventType: AuditBalanceInitialized,
		Mode:      mode,
		Success:   err == nil,
		Details:   map[string]interface{}{"balance": balance},
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogConfigChanged records a configuration change.
func (al *AuditLogger) LogConfigChanged(ctx context.Context, key string, oldValue, newValue interface{}) error {
	if IsSensitiveKey(key) {
		oldValue, newValue = maskValue(oldValue), maskValue(newValue)
	}
	return al.Log(ctx, AuditEvent{
		EventType: AuditConfigChanged,
		Action:    key,
		Success:   true,
		Details: map[string]interface{}{
			"key": key,
			"old": oldValue,
			"new": newValue,
		},
	})
}

// LogConfigValidated records a validation run.
func (al *AuditLogger) LogConfigValidated(ctx context.Context, path string, err error) error {
	event := AuditEvent{
		EventType: AuditConfigValidated,
		Action:    path,
		Success:   err == nil,
	}
	if err != nil {
		event.ErrorMsg = err.Error()
	}
	return al.Log(ctx, event)
}

// LogReportExported records a report written to disk.
func (al *AuditLogger) LogReportExported(ctx context.Context, format, path string, trades int) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditReportExported,
		Action:    format,
		Success:   true,
		Details: map[string]interface{}{
			"path":   path,
			"trades": trades,
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	return al.writer.Close()
}
