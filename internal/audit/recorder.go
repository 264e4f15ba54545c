package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Writer persists one audit entry. *Store implements it.
type Writer interface {
	Record(ctx context.Context, e Entry) error
}

// Recorder writes entries off the caller's goroutine and tracks the writes
// still in flight so the database is not closed underneath them.
type Recorder struct {
	w       Writer
	log     *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder returns a Recorder that gives each write up to timeout.
func NewRecorder(w Writer, timeout time.Duration, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{w: w, log: log, timeout: timeout}
}

// Submit starts an asynchronous write of e. Entries submitted after Close
// are dropped with a warning.
func (r *Recorder) Submit(e Entry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("audit entry dropped, recorder closed",
			zap.String("connection_id", e.ConnectionID))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.w.Record(ctx, e); err != nil {
			r.log.Warn("audit record failed",
				zap.String("connection_id", e.ConnectionID), zap.Error(err))
		}
	}()
}

// Close stops accepting entries and waits for in-flight writes, bounded by
// ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
