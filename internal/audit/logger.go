//
//
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/config"
)

// FileName is the audit log inside the configured directory.
const FileName = "audit.jsonl"

// SystemUser attributes entries that no operator caused.
const SystemUser = "system"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
	LatencyMs int64                  `json:"latencyMs"`
}

// Logger implements the audit logging functionality.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	logger   zerolog.Logger
}

// NewLogger creates an audit logger writing under cfg.Dir.
func NewLogger(cfg config.AuditConfig, logger zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
		logger: logger,
	}, nil
}

// LogAction logs an audit record for an operator action. result is the
// outcome code of the action.
func (l *Logger) LogAction(ctx context.Context, action string, params map[string]interface{}, result string, latency time.Duration) {
	outcome := "success"
	if result != "SUCCESS" {
		outcome = "failure"
	}

	l.writeEntry(AuditEntry{
		Timestamp: time.Now().UTC(),
		User:      UserFromContext(ctx),
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      result,
		LatencyMs: latency.Milliseconds(),
	})
}

// LogEvent logs a bus event as a system action.
func (l *Logger) LogEvent(e bus.Event) {
	l.writeEntry(AuditEntry{
		Timestamp: e.Time,
		User:      SystemUser,
		Action:    string(e.Type),
		Params:    e.Data,
		Outcome:   "event",
		Code:      e.ID,
	})
}

// safetyEvents are audited without an operator action.
var safetyEvents = []bus.Type{
	bus.WatchdogTriggered,
	bus.DeviceHeartbeatLost,
	bus.ConnectionLost,
	bus.Disconnected,
	bus.BroadcastStarted,
	bus.BroadcastStopped,
	bus.BroadcastFailed,
	bus.CommandTimeout,
}

// Attach subscribes the logger to the safety events of b.
func (l *Logger) Attach(b *bus.Bus) func() {
	unsubs := make([]func(), 0, len(safetyEvents))
	for _, t := range safetyEvents {
		unsubs = append(unsubs, b.Subscribe(t, l.LogEvent))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error().Err(err).Str("action", entry.Action).Msg("Failed to marshal audit entry")
		return
	}
	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		l.logger.Error().Err(err).Str("action", entry.Action).Msg("Failed to write audit entry")
	}
}

// Close closes the audit logger and its file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

type userKey struct{}

// WithUser records the authenticated operator on ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the operator recorded on ctx, or "unknown".
func UserFromContext(ctx context.Context) string {
	if ctx != nil {
		if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
			return user
		}
	}
	return "unknown"
}
