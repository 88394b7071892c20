package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/SecurityWorks/zerostash/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeCommit represents a successful or failed Commit Manager
	// publish of a root meta-object.
	EventTypeCommit EventType = "commit"
	// EventTypeIngest represents a single file or snapshot ingestion.
	EventTypeIngest EventType = "ingest"
	// EventTypeRestore represents a read served off a stash's indices.
	EventTypeRestore EventType = "restore"
	// EventTypeAccess represents a general access operation.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event against a stash.
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      EventType              `json:"event_type"`
	Operation      string                 `json:"operation"`
	StashID        string                 `json:"stash_id,omitempty"`
	CommitID       string                 `json:"commit_id,omitempty"`
	Path           string                 `json:"path,omitempty"`
	BytesWritten   uint64                 `json:"bytes_written,omitempty"`
	ObjectsWritten int                    `json:"objects_written,omitempty"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Duration       time.Duration          `json:"duration_ms"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging against a stash.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogCommit logs a Commit Manager publish.
	LogCommit(stashID, commitID string, bytesWritten uint64, objectsWritten int, success bool, err error, duration time.Duration)

	// LogIngest logs a single file or snapshot ingestion.
	LogIngest(stashID, path string, bytesWritten uint64, success bool, err error, duration time.Duration)

	// LogAccess logs a general access operation (e.g. a restore read).
	LogAccess(eventType, stashID, path string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	
	if !cfg.Enabled {
		// If disabled, we still return a logger but maybe with a dummy writer or handle it upstream.
		// For now, create default writer if enabled is false but this function is called?
		// Or rely on caller.
	}

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}
	
	// Wrap with batch sink if configured
	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		// Default values handled in NewBatchSink if 0
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}
	
	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	
	// Write to external writer if available
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			// A writer error is dropped: it is not logged or returned, and the
			// event is still kept in the in-memory buffer below.
		}
	}
	
	// Store in memory buffer
	l.events = append(l.events, event)
	
	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	
	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}
	
	// Check if any key needs redaction
	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	
	if !needsRedaction {
		return metadata
	}

	// Shallow copy
	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogCommit logs a Commit Manager publish.
func (l *auditLogger) LogCommit(stashID, commitID string, bytesWritten uint64, objectsWritten int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:      time.Now(),
		EventType:      EventTypeCommit,
		Operation:      "commit",
		StashID:        stashID,
		CommitID:       commitID,
		BytesWritten:   bytesWritten,
		ObjectsWritten: objectsWritten,
		Success:        success,
		Duration:       duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogIngest logs a single file or snapshot ingestion.
func (l *auditLogger) LogIngest(stashID, path string, bytesWritten uint64, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:    time.Now(),
		EventType:    EventTypeIngest,
		Operation:    "ingest",
		StashID:      stashID,
		Path:         path,
		BytesWritten: bytesWritten,
		Success:      success,
		Duration:     duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogAccess logs a general access operation (e.g. a restore read).
func (l *auditLogger) LogAccess(eventType, stashID, path string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventType(eventType),
		Operation: eventType,
		StashID:   stashID,
		Path:      path,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	
	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	
	// One JSON line per event on stdout.
	fmt.Printf("%s\n", string(data))
	return nil
}
