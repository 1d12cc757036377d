package sdcard

import (
	"sync"
	"time"

	"github.com/audiodaq/audiard/internal/cache"
	"github.com/audiodaq/audiard/internal/errcode"
)

// transferTimeout bounds one DMA transfer end to end. A card that has not
// completed in 5 s is not going to.
const transferTimeout = 5 * time.Second

// IoctlOp enumerates the control operations the FAT layer issues.
type IoctlOp int

const (
	// CtrlSync flushes any pending write state to the medium.
	CtrlSync IoctlOp = iota
	// GetSectorCount reports total logical sectors into arg[0].
	GetSectorCount
	// GetSectorSize reports the logical sector size into arg[0].
	GetSectorSize
	// GetBlockSize reports the erase unit, in sectors, into arg[0].
	GetBlockSize
	// CtrlTrim erases the inclusive sector range arg[0]..arg[1], best effort.
	CtrlTrim
)

// Adapter implements the block-device entry points over a Host. DMA is
// used directly when the caller's buffer is cache-line aligned; otherwise
// single sectors are staged through the bounce buffer. All accesses are
// serialized: the controller supports one transfer in flight.
type Adapter struct {
	mu     sync.Mutex
	host   Host
	bounce []byte
	inited bool

	timeout time.Duration

	// transfer accounting, for status reporting and tests
	bounced    uint64
	recoveries uint64
	timeouts   uint64
}

// NewAdapter wraps a host controller. Initialize must run before IO.
func NewAdapter(h Host) *Adapter {
	return &Adapter{
		host:    h,
		bounce:  cache.MakePaddedSlice(SectorSize),
		timeout: transferTimeout,
	}
}

// SetTimeout overrides the 5 s transfer timeout (tests).
func (a *Adapter) SetTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// Initialize probes the card. The controller itself is brought up at boot;
// this only confirms the card answers.
func (a *Adapter) Initialize() error {
	if err := a.Status(); err != nil {
		return err
	}
	a.mu.Lock()
	a.inited = true
	a.mu.Unlock()
	return nil
}

// Status reports sd_not_ready unless the card sits in transfer state.
func (a *Adapter) Status() error {
	if a.host.CardState() != CardTransfer {
		return errcode.Wrap(errcode.SDNotReady, "sdcard.Status", nil)
	}
	return nil
}

// Read fills buf with count sectors starting at lba.
func (a *Adapter) Read(buf []byte, lba, count uint32) error {
	return a.rw(buf, lba, count, false)
}

// Write stores count sectors from buf starting at lba.
func (a *Adapter) Write(buf []byte, lba, count uint32) error {
	return a.rw(buf, lba, count, true)
}

func (a *Adapter) rw(buf []byte, lba, count uint32, write bool) error {
	op := "sdcard.Read"
	if write {
		op = "sdcard.Write"
	}
	if err := a.requireReady(op); err != nil {
		return err
	}
	if count == 0 || len(buf) != int(count)*SectorSize {
		return errcode.Wrap(errcode.ParErr, op, nil)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !cache.Aligned(buf) {
		// The bounce buffer holds one sector; a misaligned multi-sector
		// request cannot be staged without violating the one-transfer
		// invariant, so it is refused outright.
		if count != 1 {
			return errcode.Wrap(errcode.ParErr, op, nil)
		}
		a.bounced++
		if write {
			copy(a.bounce, buf)
			return a.dma(a.bounce, lba, 1, true, op)
		}
		if err := a.dma(a.bounce, lba, 1, false, op); err != nil {
			return err
		}
		copy(buf, a.bounce)
		return nil
	}
	return a.dma(buf, lba, count, write, op)
}

// dma runs one maintained, completion-waited transfer with a single
// recovery retry. Callers hold a.mu and pass an aligned buffer.
func (a *Adapter) dma(buf []byte, lba, count uint32, write bool, op string) error {
	err := a.dmaOnce(buf, lba, count, write, op)
	if err == nil || errcode.Is(err, errcode.Timeout) {
		return err
	}
	// One recovery cycle: re-identify the card, retry once.
	a.recoveries++
	if rerr := a.host.Reinit(); rerr != nil {
		return err
	}
	return a.dmaOnce(buf, lba, count, write, op)
}

func (a *Adapter) dmaOnce(buf []byte, lba, count uint32, write bool, op string) error {
	var (
		done <-chan Completion
		err  error
	)
	if write {
		// The CPU's dirty lines must reach RAM before the engine reads it.
		cache.Writeback(buf)
		done, err = a.host.WriteBlocks(buf, lba, count)
	} else {
		// Drop stale lines before the engine writes RAM under them.
		cache.Invalidate(buf)
		done, err = a.host.ReadBlocks(buf, lba, count)
	}
	if err != nil {
		return errcode.Wrap(errcode.Error, op, err)
	}
	select {
	case c := <-done:
		if c.Err != nil {
			return errcode.Wrap(errcode.Error, op, c.Err)
		}
	case <-time.After(a.timeout):
		a.timeouts++
		return errcode.Wrap(errcode.Timeout, op, nil)
	}
	if !write {
		// Speculative loads may have repopulated lines mid-transfer.
		cache.Invalidate(buf)
	}
	return nil
}

// Ioctl handles the control operations. arg carries in/out words as the
// operation requires.
func (a *Adapter) Ioctl(op IoctlOp, arg []uint32) error {
	if err := a.requireReady("sdcard.Ioctl"); err != nil {
		return err
	}
	switch op {
	case CtrlSync:
		if err := a.host.Flush(); err != nil {
			return errcode.Wrap(errcode.Error, "sdcard.Ioctl", err)
		}
		return nil
	}
	if len(arg) < 1 {
		return errcode.Wrap(errcode.ParErr, "sdcard.Ioctl", nil)
	}
	switch op {
	case GetSectorCount:
		info, err := a.host.CardInfo()
		if err != nil {
			return errcode.Wrap(errcode.SDNotReady, "sdcard.Ioctl", err)
		}
		arg[0] = info.LogBlockNbr
		return nil
	case GetSectorSize:
		info, err := a.host.CardInfo()
		if err != nil {
			return errcode.Wrap(errcode.SDNotReady, "sdcard.Ioctl", err)
		}
		arg[0] = info.LogBlockSize
		return nil
	case GetBlockSize:
		info, err := a.host.CardInfo()
		if err != nil {
			return errcode.Wrap(errcode.SDNotReady, "sdcard.Ioctl", err)
		}
		arg[0] = info.EraseSectors
		return nil
	case CtrlTrim:
		if len(arg) < 2 {
			return errcode.Wrap(errcode.ParErr, "sdcard.Ioctl", nil)
		}
		if err := a.host.Erase(arg[0], arg[1]); err != nil {
			return errcode.Wrap(errcode.Error, "sdcard.Ioctl", err)
		}
		return nil
	}
	return errcode.Wrap(errcode.ParErr, "sdcard.Ioctl", nil)
}

func (a *Adapter) requireReady(op string) error {
	a.mu.Lock()
	inited := a.inited
	a.mu.Unlock()
	if !inited {
		return errcode.Wrap(errcode.SDNotReady, op, nil)
	}
	return a.Status()
}

// Bounced reports how many transfers were staged through the bounce buffer.
func (a *Adapter) Bounced() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bounced
}

// Recoveries reports how many recovery cycles ran.
func (a *Adapter) Recoveries() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recoveries
}

// FatTime encodes the fixed build epoch (2025-01-01 00:00:00) in FAT
// directory-entry format. No RTC is wired on this board.
func FatTime() uint32 {
	const year, month, day = 2025, 1, 1
	return uint32(year-1980)<<25 | uint32(month)<<21 | uint32(day)<<16
}
