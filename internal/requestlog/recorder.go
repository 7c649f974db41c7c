package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ubuygold/gpugate/internal/model"
)

// Store is the write side of the request log.
type Store interface {
	AddRequestLog(ctx context.Context, entry *model.RequestLog) error
}

// Recorder writes request log entries off the request path. Record never blocks and
// never fails the caller; write errors only reach the operational log.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	queue        chan *model.RequestLog
	wg           sync.WaitGroup
	mu           sync.RWMutex
	closed       bool
	writeTimeout time.Duration
}

// NewRecorder starts the background writer. Close must be called to drain it.
func NewRecorder(store Store, queueSize int, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Recorder{
		store:        store,
		logger:       logger.With("component", "requestlog"),
		queue:        make(chan *model.RequestLog, queueSize),
		writeTimeout: 10 * time.Second,
	}
	r.wg.Add(1)
	go r.writer()
	return r
}

// Record queues entry for writing. A full queue or a closed recorder drops it.
func (r *Recorder) Record(entry model.RequestLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("Request log dropped: recorder closed", "owner", entry.Owner, "model", entry.ModelUsed)
		return
	}
	select {
	case r.queue <- &entry:
	default:
		r.logger.Error("Request log dropped: queue is full", "owner", entry.Owner, "model", entry.ModelUsed)
	}
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.store.AddRequestLog(ctx, entry); err != nil {
			r.logger.Error("Failed to write request log", "owner", entry.Owner, "model", entry.ModelUsed, "request_id", entry.RequestID, "error", err)
		}
		cancel()
	}
}

// Close stops intake and waits until every queued entry has been written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Request log recorder stopped")
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
