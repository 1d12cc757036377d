// Package sdcard drives the SD host controller and adapts it to the five
// entry points a FAT layer expects from a block device: initialize, status,
// read, write, ioctl. Transfers run over DMA, so callers' buffers follow
// the cache discipline in internal/cache; misaligned single-sector IO is
// staged through a bounce buffer.
//
// Host is the controller contract. SimHost implements it against a backing
// image (a file or memory) with per-transfer latency, asynchronous
// completions, and fault injection, standing in for an SDMMC peripheral.
package sdcard

import (
	"fmt"
	"sync"
	"time"

	"github.com/audiodaq/audiard/internal/cache"
)

// SectorSize is the logical block size. SDHC/SDXC cards always report 512.
const SectorSize = 512

// CardState mirrors the controller's view of the card.
type CardState int

const (
	CardAbsent   CardState = iota
	CardTransfer           // ready for data transfer
	CardBusy               // mid-transfer
	CardError
)

func (s CardState) String() string {
	switch s {
	case CardAbsent:
		return "absent"
	case CardTransfer:
		return "transfer"
	case CardBusy:
		return "busy"
	case CardError:
		return "error"
	}
	return "unknown"
}

// CardInfo is the geometry the ioctl queries report.
type CardInfo struct {
	LogBlockNbr  uint32 // total logical sectors
	LogBlockSize uint32 // logical sector size, bytes
	EraseSectors uint32 // erase unit, in sectors
}

// Completion is delivered exactly once per started transfer, on the channel
// ReadBlocks/WriteBlocks return. It is the message-channel rendition of the
// controller ISR posting a semaphore plus a status byte: the consumer is
// always the adapter caller, never filesystem code.
type Completion struct {
	Err error
}

// Host is the SD host controller contract.
type Host interface {
	CardState() CardState
	CardInfo() (CardInfo, error)
	// ReadBlocks and WriteBlocks start an asynchronous DMA transfer of
	// count sectors and return its completion channel. buf must hold
	// exactly count*SectorSize bytes and stay untouched until completion.
	ReadBlocks(buf []byte, lba, count uint32) (<-chan Completion, error)
	WriteBlocks(buf []byte, lba, count uint32) (<-chan Completion, error)
	// Erase discards the sector range [start, end]. Best effort.
	Erase(start, end uint32) error
	// Reinit re-runs card identification after a failure.
	Reinit() error
	// Flush forces backing storage to stable state (CTRL_SYNC).
	Flush() error
}

// Backing is the storage under a SimHost. *os.File satisfies it; memImage
// provides the in-memory variant for tests.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// memImage is an in-memory Backing.
type memImage struct {
	mu   sync.Mutex
	data []byte
}

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, fmt.Errorf("memimage: read beyond end")
	}
	return copy(p, m.data[off:]), nil
}

func (m *memImage) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("memimage: write beyond end")
	}
	return copy(m.data[off:], p), nil
}

func (m *memImage) Sync() error { return nil }

// FaultKind selects how an injected SimHost failure presents.
type FaultKind int

const (
	// FaultComplete delivers a completion carrying an error.
	FaultComplete FaultKind = iota
	// FaultSilent never delivers a completion; the caller's timeout fires.
	FaultSilent
)

// SimHost is a no-hardware Host over a Backing image.
type SimHost struct {
	mu      sync.Mutex
	backing Backing
	info    CardInfo
	removed bool
	latency time.Duration
	stall   time.Duration // one-shot extra latency on the next transfer

	failN    int // fail the next N transfers
	failKind FaultKind

	reinits uint64
	reads   uint64
	writes  uint64
}

// NewMemHost returns a SimHost over a zeroed in-memory image.
func NewMemHost(sectors uint32) *SimHost {
	return &SimHost{
		backing: &memImage{data: make([]byte, int64(sectors)*SectorSize)},
		info:    CardInfo{LogBlockNbr: sectors, LogBlockSize: SectorSize, EraseSectors: 8},
	}
}

// NewHost returns a SimHost over the given backing image.
func NewHost(b Backing, sectors uint32) *SimHost {
	return &SimHost{
		backing: b,
		info:    CardInfo{LogBlockNbr: sectors, LogBlockSize: SectorSize, EraseSectors: 8},
	}
}

// SetLatency sets the fixed per-transfer DMA latency.
func (h *SimHost) SetLatency(d time.Duration) {
	h.mu.Lock()
	h.latency = d
	h.mu.Unlock()
}

// StallNext adds a one-shot delay to the next transfer, emulating a FAT
// cluster-allocation spike or a slow card.
func (h *SimHost) StallNext(d time.Duration) {
	h.mu.Lock()
	h.stall = d
	h.mu.Unlock()
}

// FailNext makes the next n transfers fail in the given way.
func (h *SimHost) FailNext(n int, kind FaultKind) {
	h.mu.Lock()
	h.failN = n
	h.failKind = kind
	h.mu.Unlock()
}

// Remove pulls the card; Insert puts it back.
func (h *SimHost) Remove() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// Insert restores the card after Remove.
func (h *SimHost) Insert() {
	h.mu.Lock()
	h.removed = false
	h.mu.Unlock()
}

// Reinits reports how many recovery reinitializations were requested.
func (h *SimHost) Reinits() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reinits
}

// Transfers reports started read and write transfer counts.
func (h *SimHost) Transfers() (reads, writes uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads, h.writes
}

func (h *SimHost) CardState() CardState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return CardAbsent
	}
	return CardTransfer
}

func (h *SimHost) CardInfo() (CardInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return CardInfo{}, fmt.Errorf("sdcard: no card")
	}
	return h.info, nil
}

func (h *SimHost) Reinit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reinits++
	if h.removed {
		return fmt.Errorf("sdcard: reinit: no card")
	}
	return nil
}

func (h *SimHost) Flush() error {
	h.mu.Lock()
	b := h.backing
	h.mu.Unlock()
	return b.Sync()
}

func (h *SimHost) Erase(start, end uint32) error {
	if end < start {
		return fmt.Errorf("sdcard: erase: bad range [%d, %d]", start, end)
	}
	zero := make([]byte, SectorSize)
	for lba := start; lba <= end; lba++ {
		if _, err := h.backing.WriteAt(zero, int64(lba)*SectorSize); err != nil {
			return err
		}
	}
	return nil
}

func (h *SimHost) ReadBlocks(buf []byte, lba, count uint32) (<-chan Completion, error) {
	return h.transfer(buf, lba, count, false)
}

func (h *SimHost) WriteBlocks(buf []byte, lba, count uint32) (<-chan Completion, error) {
	return h.transfer(buf, lba, count, true)
}

func (h *SimHost) transfer(buf []byte, lba, count uint32, write bool) (<-chan Completion, error) {
	if len(buf) != int(count)*SectorSize {
		return nil, fmt.Errorf("sdcard: transfer: buffer %d bytes for %d sectors", len(buf), count)
	}
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return nil, fmt.Errorf("sdcard: transfer: no card")
	}
	if lba+count > h.info.LogBlockNbr {
		h.mu.Unlock()
		return nil, fmt.Errorf("sdcard: transfer: lba %d+%d beyond %d sectors", lba, count, h.info.LogBlockNbr)
	}
	delay := h.latency + h.stall
	h.stall = 0
	var fault FaultKind
	faulted := false
	if h.failN > 0 {
		h.failN--
		fault = h.failKind
		faulted = true
	}
	if write {
		h.writes++
	} else {
		h.reads++
	}
	backing := h.backing
	h.mu.Unlock()

	// Completion capacity 1: the controller ISR posts exactly once and
	// never blocks, like a binary semaphore with max count 1.
	done := make(chan Completion, 1)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if faulted {
			if fault == FaultSilent {
				return
			}
			done <- Completion{Err: fmt.Errorf("sdcard: transfer: controller error")}
			return
		}
		var err error
		if write {
			_, err = backing.WriteAt(buf, int64(lba)*SectorSize)
			cache.Mark("dma-write")
		} else {
			_, err = backing.ReadAt(buf, int64(lba)*SectorSize)
			cache.Mark("dma-read")
		}
		done <- Completion{Err: err}
	}()
	return done, nil
}
