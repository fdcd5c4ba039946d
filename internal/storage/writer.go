package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RunLogger persists run records.
type RunLogger interface {
	LogRun(ctx context.Context, run *Run) error
}

// WriterStats counts what happened to queued run records.
type WriterStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// AuditWriter persists run records off the request path. Records wait in
// a bounded queue; when it is full a record is dropped and counted, a
// run never waits on the database.
type AuditWriter struct {
	store   RunLogger
	queue   chan *Run
	retries int
	backoff time.Duration // first retry delay, doubled per attempt
	timeout time.Duration // per LogRun call

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAuditWriter returns a writer with room for bufferSize queued records.
// Call Start before logging.
func NewAuditWriter(store RunLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &AuditWriter{
		store:   store,
		queue:   make(chan *Run, bufferSize),
		retries: 3,
		backoff: 100 * time.Millisecond,
		timeout: 5 * time.Second,
		stop:    make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Log queues run without blocking.
func (w *AuditWriter) Log(run *Run) {
	select {
	case w.queue <- run:
	default:
		w.dropped.Add(1)
		log.Warn().Str("run_id", run.ID).Str("status", run.Status).Msg("audit queue full, run record dropped")
	}
}

// Stats reports delivery counters.
func (w *AuditWriter) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}

// Flush stops the writer and waits up to timeout for the queue to drain.
// It reports whether everything queued was handled. Calling it again is
// a no-op wait.
func (w *AuditWriter) Flush(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.stop) })

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		stats := w.Stats()
		log.Info().
			Int64("written", stats.Written).
			Int64("dropped", stats.Dropped).
			Int64("failed", stats.Failed).
			Msg("audit writer flushed")
		return true
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.queue)).Msg("audit writer flush timed out")
		return false
	}
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()

	for {
		select {
		case run := <-w.queue:
			w.persist(run)
		case <-w.stop:
			for {
				select {
				case run := <-w.queue:
					w.persist(run)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) persist(run *Run) {
	delay := w.backoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.LogRun(ctx, run)
		cancel()

		if err == nil {
			w.written.Add(1)
			return
		}
		logger := log.With().Err(err).Str("run_id", run.ID).Int("attempt", attempt+1).Logger()
		if attempt == w.retries {
			w.failed.Add(1)
			logger.Error().Msg("audit write failed, run record lost")
			return
		}
		logger.Warn().Dur("backoff", delay).Msg("audit write failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
}
