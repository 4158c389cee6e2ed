// Package buffer implements the gateway's bounded batch buffer: an
// ordered, deduplicating FIFO of telemetry readings with a size-or-wait
// flush trigger and head-of-line requeue for failed uploads.
package buffer

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetry-gateway/internal/obsmetrics"
	"telemetry-gateway/internal/telemetry"
)

// DedupCacheMax bounds the buffer-local FIFO set of seen messageIds.
// This set shields against the replication engine re-delivering
// self-originated records; it does not replace cloud-side dedup.
const DedupCacheMax = 10000

// Buffer is a thread-safe, deduplicating FIFO of pending readings with
// a size-or-wait batch release trigger.
type Buffer struct {
	logger  *zap.Logger
	metrics *obsmetrics.GatewayMetrics

	mu        sync.Mutex
	records   *list.List          // of *telemetry.Reading
	seen      map[string]struct{}
	seenOrder *list.List          // of string, FIFO eviction order
	batchSize int
	maxWait   time.Duration
	lastFlush time.Time
}

// New creates a Buffer with the given batch size and max wait. The
// Control-Plane Client constructs a new one on every config
// change that alters these values. metrics may be nil in tests.
func New(logger *zap.Logger, batchSize int, maxWait time.Duration, metrics *obsmetrics.GatewayMetrics) *Buffer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Buffer{
		logger: logger,
		metrics: metrics,
		records: list.New(),
		seen: make(map[string]struct{}),
		seenOrder: list.New(),
		batchSize: batchSize,
		maxWait: maxWait,
		lastFlush: time.Now(),
	}
}

// AddResult reports the outcome of Add.
type AddResult int

const (
	// Accepted means the reading was appended to the buffer.
	Accepted AddResult = iota
	// Duplicate means a reading with the same messageId was already
	// present in the dedup set; the buffer was not modified.
	Duplicate
)

// Add inserts a reading unless its messageId has already been seen.
func (b *Buffer) Add(r *telemetry.Reading) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.MessageID != "" {
		if _, dup := b.seen[r.MessageID]; dup {
			return Duplicate
		}
		b.seen[r.MessageID] = struct{}{}
		b.seenOrder.PushBack(r.MessageID)
		for len(b.seen) > DedupCacheMax {
			oldest := b.seenOrder.Front()
			if oldest == nil {
				break
			}
			b.seenOrder.Remove(oldest)
			delete(b.seen, oldest.Value.(string))
			if b.metrics != nil {
				b.metrics.DedupEvictions.Inc()
			}
		}
	}

	b.records.PushBack(r)
	if b.metrics != nil {
		b.metrics.BufferDepth.Set(float64(b.records.Len()))
	}
	return Accepted
}

// Accept adapts Add to the single-method Sink interfaces used by the
// ingestor and replication engine; its return value is discarded since
// those callers only care that the record was handed off.
func (b *Buffer) Accept(r *telemetry.Reading) {
	b.Add(r)
}

// GetBatchIfReady returns up to batchSize oldest records if the buffer
// holds at least batchSize entries, or is non-empty and max_wait has
// elapsed since the last flush; otherwise it returns nil. The returned
// records are removed from the buffer and the last-flush clock resets
// only when a batch is actually returned.
func (b *Buffer) GetBatchIfReady() []*telemetry.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.records.Len()
	if n == 0 {
		return nil
	}

	now := time.Now()
	ready := n >= b.batchSize || now.Sub(b.lastFlush) >= b.maxWait
	if !ready {
		return nil
	}

	count := b.batchSize
	if count > n {
		count = n
	}

	batch := make([]*telemetry.Reading, 0, count)
	for i := 0; i < count; i++ {
		front := b.records.Front()
		batch = append(batch, front.Value.(*telemetry.Reading))
		b.records.Remove(front)
	}
	b.lastFlush = now
	if b.metrics != nil {
		b.metrics.BufferDepth.Set(float64(b.records.Len()))
	}
	return batch
}

// Requeue prepends a previously-removed batch back to the head of the
// buffer, preserving its relative order, so a failed upload is retried
// before newer data.
func (b *Buffer) Requeue(batch []*telemetry.Reading) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		b.records.PushFront(batch[i])
	}
}

// FlushAll returns and removes every pending record, used during config
// swap and shutdown drain.
func (b *Buffer) FlushAll() []*telemetry.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.records.Len()
	if n == 0 {
		return nil
	}
	out := make([]*telemetry.Reading, 0, n)
	for e := b.records.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*telemetry.Reading))
	}
	b.records.Init()
	if b.metrics != nil {
		b.metrics.BufferDepth.Set(0)
	}
	return out
}

// Len reports the current number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records.Len()
}
