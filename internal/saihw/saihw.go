// Package saihw abstracts the synchronous audio interface (SAI) peripheral
// and its circular DMA engine. The peripheral is configured as a slave
// receiver: an external master supplies bit clock and frame sync, and the
// DMA engine fills alternating halves of one fixed buffer, raising a
// half-complete event when the first half has been written and a
// full-complete event when the second half has, then wrapping.
//
// Device is the contract a real port would implement against the vendor
// HAL. Sim implements it with no hardware: a pattern generator stands in
// for the external ADCs, and events are raised either on a wall-clock
// engine goroutine or by explicit test ticks.
package saihw

import (
	"strings"
	"time"
)

// Protocol selects the frame shape driven by the external master.
type Protocol int

const (
	// ProtocolI2S is standard two-slot I2S framing.
	ProtocolI2S Protocol = iota
	// ProtocolPCMShort is short-framed PCM/TDM: one bit-wide frame sync,
	// N back-to-back slots per frame.
	ProtocolPCMShort
)

func (p Protocol) String() string {
	switch p {
	case ProtocolI2S:
		return "I2S"
	case ProtocolPCMShort:
		return "PCM Short"
	}
	return "unknown"
}

// Direction selects which side of the serial interface the DMA serves.
type Direction int

const (
	DirRX Direction = iota // receive: DMA writes sample data into the buffer
	DirTX                  // transmit: DMA drains the buffer to the line
)

// Config carries everything Configure needs to program the peripheral.
// BitClock() must match what the external master actually drives, or the
// peripheral reports a wrong-clock error once started.
type Config struct {
	Protocol   Protocol
	Direction  Direction // zero value is receive
	Datasize   int       // bits per slot; only 16 is supported
	Channels   int       // active slots per frame
	SlotMask   uint32    // active-slot bitmask, popcount >= Channels
	SampleRate int       // frames per second
}

// FrameBytes is the size of one frame: all active slots, packed.
func (c Config) FrameBytes() int { return c.Channels * c.Datasize / 8 }

// BitClock is the serial clock the external master must supply.
func (c Config) BitClock() int { return c.SampleRate * c.Channels * c.Datasize }

// State is the peripheral driver state.
type State int

const (
	StateReset State = iota // never configured
	StateReady              // configured, DMA idle
	StateBusy               // DMA running
	StateError              // engine halted by a bus fault
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Code is the peripheral error bitmask, readable while the error condition
// is latched and cleared per-flag by ClearError.
type Code uint32

const (
	ErrLateFrameSync Code = 1 << iota // frame sync arrived late
	ErrAnticipatedFrameSync
	ErrOverrun
	ErrUnderrun
	ErrWrongClock
	ErrDMABus
	ErrTimeout
)

func (c Code) String() string {
	if c == 0 {
		return "none"
	}
	names := []struct {
		bit  Code
		name string
	}{
		{ErrLateFrameSync, "late_frame_sync"},
		{ErrAnticipatedFrameSync, "anticipated_frame_sync"},
		{ErrOverrun, "overrun"},
		{ErrUnderrun, "underrun"},
		{ErrWrongClock, "wrong_clock"},
		{ErrDMABus, "dma_bus"},
		{ErrTimeout, "timeout"},
	}
	var parts []string
	for _, n := range names {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Handler receives peripheral events. Methods are called from interrupt
// context (the engine goroutine): they must not block, allocate, or touch
// the filesystem. OnError may read ErrorCode and call ClearError.
type Handler interface {
	OnHalfComplete()
	OnFullComplete()
	OnError(Code)
}

// Device is the SAI peripheral contract.
//
// Start takes ownership of buf until Stop or Abort returns; the DMA engine
// writes alternating halves (receive) or drains them (transmit), and the
// handler's bulk copy is the only other access allowed. buf must be
// cache-line aligned and hold an even number of frames.
//
// Pause suspends half delivery of a running transfer in place; Resume
// continues it. Both refuse when the engine is not busy.
type Device interface {
	Configure(Config) error
	SetHandler(Handler)
	Start(buf []byte) error
	Stop(timeout time.Duration) error
	Abort() error
	Pause() error
	Resume() error
	State() State
	ErrorCode() Code
	ClearError(Code)
}

// HalfPeriod is the wall-clock time the master takes to fill half of buf
// under cfg: the hard deadline the consumer must beat.
func HalfPeriod(cfg Config, buflen int) time.Duration {
	halfFrames := buflen / 2 / cfg.FrameBytes()
	return time.Duration(halfFrames) * time.Second / time.Duration(cfg.SampleRate)
}
