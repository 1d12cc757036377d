package audiard

import (
	"sync/atomic"
	"time"
)

// Chunk is one captured DMA half-buffer. Chunks travel by value: the
// capture callback copies the half out of the live DMA region into the
// chunk before it is queued, so the writer never touches memory the
// hardware may still be filling.
type Chunk struct {
	Data      [MaxHalfBufferBytes]byte
	N         int           // valid bytes in Data
	Half      int           // 0 = first half, 1 = second half
	Seq       uint64        // half-buffer sequence number since capture start
	Timestamp time.Duration // capture time since capture start
}

// Payload returns the valid portion of the chunk.
func (c *Chunk) Payload() []byte {
	return c.Data[:c.N]
}

// ChunkQueue carries chunks from the capture callbacks to the writer. The
// channel is the queue: bounded, typed, and safe for one producer and one
// consumer without extra locking.
type ChunkQueue struct {
	C     chan Chunk
	drops atomic.Uint64
}

// DefaultQueueDepth is how many half-buffers the writer may fall behind
// before capture data is dropped.
const DefaultQueueDepth = 6

// NewChunkQueue makes a queue holding up to depth chunks.
func NewChunkQueue(depth int) *ChunkQueue {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &ChunkQueue{C: make(chan Chunk, depth)}
}

// TryEnqueue offers a chunk to the writer without ever blocking. When the
// queue is full the chunk is counted as dropped and lost; the capture
// callback runs in interrupt context and must return immediately.
func (q *ChunkQueue) TryEnqueue(c *Chunk) bool {
	select {
	case q.C <- *c:
		return true
	default:
		q.drops.Add(1)
		return false
	}
}

// Drops reports how many chunks were lost to a full queue.
func (q *ChunkQueue) Drops() uint64 {
	return q.drops.Load()
}

// Len reports how many chunks are waiting.
func (q *ChunkQueue) Len() int {
	return len(q.C)
}

// DropReporter logs chunk loss and frame-sync slips from a plain
// goroutine. The capture callbacks that count these run in interrupt
// context and must not log, so the reporter samples the counters on a
// timer instead: at most one line per interval per condition, and nothing
// while the counters hold still.
type DropReporter struct {
	queue    *ChunkQueue
	slips    func() uint64
	interval time.Duration

	stop chan struct{}
	done chan struct{}

	lastDrops uint64
	lastSlips uint64
}

// NewDropReporter watches the queue's drop counter and, when slips is
// non-nil, a frame-sync slip counter. Run Start to begin reporting.
func NewDropReporter(q *ChunkQueue, slips func() uint64, interval time.Duration) *DropReporter {
	return &DropReporter{
		queue:    q,
		slips:    slips,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reporting goroutine.
func (dr *DropReporter) Start() {
	go dr.loop()
}

// Stop ends reporting after one final sample, so losses in the last
// partial interval still reach the log.
func (dr *DropReporter) Stop() {
	close(dr.stop)
	<-dr.done
}

func (dr *DropReporter) loop() {
	defer close(dr.done)
	ticker := time.NewTicker(dr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dr.report()
		case <-dr.stop:
			dr.report()
			return
		}
	}
}

func (dr *DropReporter) report() {
	drops := dr.queue.Drops()
	if n := drops - dr.lastDrops; n > 0 {
		ProblemLogger.Printf("queue full: dropped %d chunk(s) in the last %v (%d total)",
			n, dr.interval, drops)
		dr.lastDrops = drops
	}
	if dr.slips == nil {
		return
	}
	slips := dr.slips()
	if n := slips - dr.lastSlips; n > 0 {
		ProblemLogger.Printf("frame sync: %d slip(s) in the last %v (%d total)",
			n, dr.interval, slips)
		dr.lastSlips = slips
	}
}

// Drain discards queued chunks and returns how many it removed. The
// recorder drains between sessions so a new file never starts with stale
// audio.
func (q *ChunkQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.C:
			n++
		default:
			return n
		}
	}
}
