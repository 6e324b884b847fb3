package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Recorder decouples the request path from audit persistence. Records are
// queued on a bounded buffer and written by a single worker; a full
// buffer drops the record with a log line rather than blocking a request.
type Recorder struct {
	sinks        []Sink
	queue        chan Record
	flushTimeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// RecorderConfig tunes the recorder. Zero values fall back to defaults.
type RecorderConfig struct {
	BufferSize   int           // default 1024
	FlushTimeout time.Duration // per-record sink timeout, default 5s
}

func NewRecorder(cfg RecorderConfig, sinks ...Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	r := &Recorder{
		sinks:        sinks,
		queue:        make(chan Record, cfg.BufferSize),
		flushTimeout: cfg.FlushTimeout,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues without blocking. Returns false when the record was
// dropped because the buffer is full or the recorder is closed.
func (r *Recorder) Record(rec Record) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	select {
	case r.queue <- rec:
		return true
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		log.Printf("audit buffer full, dropped record request=%s (total dropped=%d)", rec.RequestID, n)
		return false
	}
}

// Dropped reports how many records were lost to buffer overflow.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains the queue and stops the worker. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.queue)
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.flush(rec)
	}
}

func (r *Recorder) flush(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.flushTimeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, rec); err != nil {
			log.Printf("audit append failed request=%s: %v", rec.RequestID, err)
		}
	}
}
