package dbmon

import (
	"context"
	"sync"
	"time"

	"market-intel-backend/internal/logging"
)

// SlowQueryStore persists drained batches.
type SlowQueryStore interface {
	InsertSlowQueries(ctx context.Context, entries []SlowQueryLog) error
}

// SlowQueryWriter buffers slow-query events in a bounded queue and
// drains them to storage in batches. Producers never block: when the
// queue is full the oldest event is dropped to make room. A failed
// flush drops its batch; the caller's query has long since returned.
type SlowQueryWriter struct {
	store         SlowQueryStore
	log           *logging.Logger
	batchSize     int
	flushInterval time.Duration

	queue chan SlowQueryLog
	kick  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	dropped     int64
	flushed     int64
	flushErrors int64
}

// NewSlowQueryWriter creates a writer draining to store.
func NewSlowQueryWriter(store SlowQueryStore, batchSize int, flushInterval time.Duration, log *logging.Logger) *SlowQueryWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &SlowQueryWriter{
		store:         store,
		log:           log.WithComponent("slow-query-writer"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan SlowQueryLog, batchSize*2),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Enqueue adds an event without blocking, dropping the oldest queued
// event on overflow.
func (w *SlowQueryWriter) Enqueue(e SlowQueryLog) {
	select {
	case w.queue <- e:
	default:
		select {
		case <-w.queue:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
		default:
		}
		select {
		case w.queue <- e:
		default:
			w.mu.Lock()
			w.dropped++
			w.mu.Unlock()
		}
	}

	if len(w.queue) >= w.batchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the background flusher.
func (w *SlowQueryWriter) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Stop flushes what is queued and stops the flusher.
func (w *SlowQueryWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
	})
}

func (w *SlowQueryWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.kick:
			w.Flush()
		case <-w.stop:
			w.Flush()
			return
		}
	}
}

// Flush drains the queue and writes one batch per batchSize events.
func (w *SlowQueryWriter) Flush() {
	for {
		batch := w.drain()
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.store.InsertSlowQueries(ctx, batch)
		cancel()

		w.mu.Lock()
		if err != nil {
			w.flushErrors++
			w.mu.Unlock()
			w.log.Warn("slow query flush failed, batch dropped",
				"batch_size", len(batch), "error", err)
			return
		}
		w.flushed += int64(len(batch))
		w.mu.Unlock()

		w.log.Debug("slow query batch flushed", "batch_size", len(batch))
	}
}

func (w *SlowQueryWriter) drain() []SlowQueryLog {
	var batch []SlowQueryLog
	for len(batch) < w.batchSize {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// Stats returns flushed, dropped and flush-error counters.
func (w *SlowQueryWriter) Stats() (flushed, dropped, flushErrors int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed, w.dropped, w.flushErrors
}
