// Package audit appends decision, transition, and operator actions to
// the durable audit log. Writes are buffered and flushed by a
// background goroutine so the decision path never blocks on the
// repository's audit table.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/store"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
)

// Writer is an async, buffered audit log writer.
type Writer struct {
	log       *zap.Logger
	repo      store.Repository
	entries   chan domain.AuditEntry
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWriter creates an audit Writer. Call Start to begin flushing.
func NewWriter(log *zap.Logger, repo store.Repository) *Writer {
	return &Writer{
		log:     log,
		repo:    repo,
		entries: make(chan domain.AuditEntry, bufferSize),
	}
}

// Start begins the background flush goroutine. It drains remaining
// entries when the context is cancelled.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting entries and waits for the drain. It is safe
// to call more than once.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.entries) })
	w.wg.Wait()
}

// Record enqueues an entry, stamping id, timestamp, and schema
// version. It never blocks: when the buffer is full the entry is
// dropped with a warning.
func (w *Writer) Record(actorType domain.ActorType, actorID *string, action string,
	targetType, targetID *string, details map[string]any) {

	entry := domain.AuditEntry{
		AuditID:       uuid.New(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: domain.AuditSchemaVersion,
		ActorType:     actorType,
		ActorID:       actorID,
		Action:        action,
		TargetType:    targetType,
		TargetID:      targetID,
		Details:       details,
	}

	select {
	case w.entries <- entry:
	default:
		w.log.Warn("audit buffer full, dropping entry", zap.String("action", action))
	}
}

// RecordMitigation is a convenience for mitigation-targeted entries.
func (w *Writer) RecordMitigation(actorType domain.ActorType, actorID *string,
	action string, mitigationID uuid.UUID, details map[string]any) {

	targetType := "mitigation"
	targetID := mitigationID.String()
	w.Record(actorType, actorID, action, &targetType, &targetID, details)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []domain.AuditEntry

	flush := func() {
		if len(pending) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, e := range pending {
			entry := e
			if err := w.repo.InsertAudit(flushCtx, &entry); err != nil {
				w.log.Error("writing audit entry",
					zap.String("action", e.Action), zap.Error(err))
			}
		}
		cancel()
		pending = pending[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			pending = append(pending, entry)
			if len(pending) >= bufferSize/2 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain whatever is queued, then exit.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					pending = append(pending, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
