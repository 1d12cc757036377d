// Package cache models the data-cache discipline that DMA-visible memory
// must follow on the target (a Cortex-M7 with a 32-byte-line write-back
// data cache). The CPU assumes it is the only reader and writer of cached
// RAM, so any buffer handed to a DMA engine needs explicit maintenance:
// clean (write back) before the engine reads it, invalidate before and
// after the engine writes it. The audio DMA region is mapped non-cacheable
// and needs none of this; SD-card transfers run on ordinary cacheable
// memory and need all of it.
//
// In this host-side rendition the maintenance calls validate alignment and
// account the operations so tests can prove the adapter issues them in the
// required order.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// LineSize is the data-cache line size in bytes.
const LineSize = 32

// Maintenance ops always affect whole cache lines. To avoid clobbering
// neighbouring data, buffers used with Writeback/Invalidate must start on
// a line boundary and span whole lines; MakePaddedSlice guarantees both.
func MakePaddedSlice(size int) []byte {
	n := size
	if r := n % LineSize; r != 0 {
		n += LineSize - r
	}
	buf := make([]byte, 0, n+LineSize)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	shift := (LineSize - int(addr)%LineSize) % LineSize
	return buf[shift : shift+size : shift+n]
}

// Aligned reports whether the slice starts on a cache-line boundary.
func Aligned(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	return addr%LineSize == 0
}

// IsPadded reports whether p is safe for cache ops: line-aligned start and
// enough capacity that the final partial line is owned by p.
func IsPadded(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if !Aligned(p) {
		return false
	}
	pad := (LineSize - len(p)%LineSize) % LineSize
	return cap(p)-len(p) >= pad
}

var (
	writebackCount  atomic.Uint64
	invalidateCount atomic.Uint64
)

// Writeback cleans the cached contents of buf to RAM. Call before a DMA
// engine reads from buf.
func Writeback(buf []byte) {
	if !IsPadded(buf) {
		panic(fmt.Sprintf("cache: writeback of unpadded buffer (addr %%%d != 0 or short cap)", LineSize))
	}
	writebackCount.Add(1)
	trace("writeback", len(buf))
}

// Invalidate discards the cached contents of buf so the next CPU access
// refetches from RAM. Call before starting a DMA write into buf, and again
// after it completes: speculative loads may repopulate lines mid-transfer.
func Invalidate(buf []byte) {
	if !IsPadded(buf) {
		panic(fmt.Sprintf("cache: invalidate of unpadded buffer (addr %%%d != 0 or short cap)", LineSize))
	}
	invalidateCount.Add(1)
	trace("invalidate", len(buf))
}

// WritebackCount and InvalidateCount report cumulative maintenance ops.
func WritebackCount() uint64  { return writebackCount.Load() }
func InvalidateCount() uint64 { return invalidateCount.Load() }

// Entry is one journaled event: a maintenance op or a collaborator Mark.
type Entry struct {
	Kind  string
	Bytes int
}

var journal struct {
	mu      sync.Mutex
	tracing bool
	entries []Entry
}

func trace(kind string, n int) {
	journal.mu.Lock()
	if journal.tracing {
		journal.entries = append(journal.entries, Entry{Kind: kind, Bytes: n})
	}
	journal.mu.Unlock()
}

// Mark journals a collaborator event (e.g. a completed DMA transfer) so
// tests can assert maintenance and transfers interleave correctly.
func Mark(kind string) { trace(kind, 0) }

// TraceOn starts journaling maintenance ops and marks, clearing any prior
// journal. Meant for tests; the daemon never enables it.
func TraceOn() {
	journal.mu.Lock()
	journal.tracing = true
	journal.entries = nil
	journal.mu.Unlock()
}

// TraceOff stops journaling and returns the recorded entries.
func TraceOff() []Entry {
	journal.mu.Lock()
	journal.tracing = false
	out := journal.entries
	journal.entries = nil
	journal.mu.Unlock()
	return out
}
