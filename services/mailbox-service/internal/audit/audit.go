// Package audit records security-relevant transitions, normally off the caller's path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
)

// Sink persists audit entries
type Sink interface {
	InsertAudit(ctx context.Context, e *models.AuditEntry) error
}

// Recorder is what components depend on
type Recorder interface {
	Record(actor string, studentID uuid.UUID, action, message string)
}

const (
	DefaultBuffer = 256

	enqueueWait  = 100 * time.Millisecond
	writeTimeout = 5 * time.Second
)

// Writer queues entries on a buffered channel drained by one background goroutine
type Writer struct {
	sink    Sink
	logger  *slog.Logger
	entries chan models.AuditEntry
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewWriter(sink Sink, logger *slog.Logger, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &Writer{
		sink:    sink,
		logger:  logger,
		entries: make(chan models.AuditEntry, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues an entry. When the buffer stays full for enqueueWait, or the writer is
// closed, the entry is written inline instead.
func (w *Writer) Record(actor string, studentID uuid.UUID, action, message string) {
	e := models.AuditEntry{
		ID:        uuid.New(),
		Actor:     actor,
		StudentID: studentID,
		Action:    action,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	if w.enqueue(e) {
		return
	}
	w.logger.Warn("audit queue unavailable, writing entry inline", "action", action, "student_id", studentID)
	w.write(&e)
}

func (w *Writer) enqueue(e models.AuditEntry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.entries <- e:
		return true
	default:
	}

	t := time.NewTimer(enqueueWait)
	defer t.Stop()
	select {
	case w.entries <- e:
		return true
	case <-t.C:
		return false
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.entries {
		w.write(&e)
	}
}

func (w *Writer) write(e *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.sink.InsertAudit(ctx, e); err != nil {
		w.logger.Error("writing audit entry", "action", e.Action, "student_id", e.StudentID, "error", err)
	}
}

// Close stops accepting entries and waits for queued ones to be written, or for ctx to end
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.entries)
		w.mu.Unlock()
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
