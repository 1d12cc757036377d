package saihw

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/audiodaq/audiard/getbytes"
	"github.com/audiodaq/audiard/internal/cache"
)

// Sim is a no-hardware Device. In receive mode a deterministic pattern
// generator stands in for the external ADCs: sample k of channel c in frame
// f is int16((c+1)<<12 | f&0xfff), so tests can recompute every byte the
// "hardware" produced. In transmit mode the engine drains halves to an
// optional sink instead.
//
// Events fire either from a wall-clock engine goroutine (Realtime true,
// cadence HalfPeriod scaled by TimeScale and the injected clock skew) or
// synchronously from TickHalf, which tests call to advance exactly one
// half-period.
type Sim struct {
	Realtime  bool
	TimeScale float64 // wall-clock speedup; 0 means 1

	mu         sync.Mutex
	cfg        Config
	dir        Direction
	configured bool
	state      State
	errcode    Code
	handler    Handler
	buf        []byte
	half       int // next half to complete: 0 or 1
	frame      uint32
	halves     uint64 // total halves delivered since Start
	paused     bool
	skewPPM    float64
	stopHang   bool
	txSink     io.Writer

	injections []injection

	abortEngine chan struct{}
	done        chan struct{}
}

type injection struct {
	code  Code
	after uint64 // fire once this many further halves have completed
}

// NewSim returns a manual-tick simulated peripheral in reset state.
func NewSim() *Sim {
	return &Sim{state: StateReset}
}

// Configure validates and latches cfg. Refused while DMA is running.
func (s *Sim) Configure(cfg Config) error {
	if cfg.Datasize != 16 {
		return fmt.Errorf("saihw: configure: unsupported datasize %d", cfg.Datasize)
	}
	if cfg.Channels < 1 {
		return fmt.Errorf("saihw: configure: need at least one channel")
	}
	if cfg.SlotMask == 0 {
		return fmt.Errorf("saihw: configure: empty slot mask")
	}
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("saihw: configure: sample rate %d", cfg.SampleRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy {
		return fmt.Errorf("saihw: configure: device busy")
	}
	s.cfg = cfg
	s.dir = cfg.Direction
	s.configured = true
	s.state = StateReady
	s.errcode = 0
	return nil
}

// SetTxSink captures every transmitted half for verification.
func (s *Sim) SetTxSink(w io.Writer) {
	s.mu.Lock()
	s.txSink = w
	s.mu.Unlock()
}

// SetHandler registers the event sink. Must be set before Start.
func (s *Sim) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start begins circular DMA over buf.
func (s *Sim) Start(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return fmt.Errorf("saihw: start: device not configured")
	}
	if s.state != StateReady {
		return fmt.Errorf("saihw: start: device %v", s.state)
	}
	if s.handler == nil {
		return fmt.Errorf("saihw: start: no handler")
	}
	if !cache.Aligned(buf) {
		return fmt.Errorf("saihw: start: buffer not %d-byte aligned", cache.LineSize)
	}
	fb := s.cfg.FrameBytes()
	if len(buf) == 0 || len(buf)%(2*fb) != 0 {
		return fmt.Errorf("saihw: start: buffer length %d not an even frame count", len(buf))
	}
	s.buf = buf
	s.half = 0
	s.frame = 0
	s.halves = 0
	s.paused = false
	s.state = StateBusy
	if s.Realtime {
		s.abortEngine = make(chan struct{})
		s.done = make(chan struct{})
		go s.engine(s.abortEngine, s.period())
	}
	return nil
}

func (s *Sim) period() time.Duration {
	base := HalfPeriod(s.cfg, len(s.buf))
	scale := s.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(base) * (1 + s.skewPPM/1e6) / scale)
}

// engine paces half completions against absolute deadlines so that jitter
// in scheduling never accumulates into drift.
func (s *Sim) engine(abort <-chan struct{}, period time.Duration) {
	defer close(s.done)
	next := time.Now().Add(period)
	for {
		select {
		case <-abort:
			return
		case <-time.After(time.Until(next)):
			if !s.deliverHalf() {
				return
			}
			next = next.Add(period)
		}
	}
}

// TickHalf advances the simulation by exactly one half-period: fills (or
// drains) the next half and fires its completion event on the caller's
// goroutine. Only valid in manual mode while running.
func (s *Sim) TickHalf() error {
	if s.Realtime {
		return fmt.Errorf("saihw: tick: device is in realtime mode")
	}
	if !s.deliverHalf() {
		return fmt.Errorf("saihw: tick: device not busy")
	}
	return nil
}

func (s *Sim) deliverHalf() bool {
	s.mu.Lock()
	if s.state != StateBusy {
		s.mu.Unlock()
		return false
	}
	if s.paused {
		s.mu.Unlock()
		return true
	}
	half := s.half
	halfBytes := len(s.buf) / 2
	region := s.buf[half*halfBytes : (half+1)*halfBytes]
	switch s.dir {
	case DirRX:
		s.fillPattern(region)
	case DirTX:
		if s.txSink != nil {
			s.txSink.Write(region)
		}
	}
	s.half ^= 1
	s.halves++

	var fire Code
	kept := s.injections[:0]
	for _, inj := range s.injections {
		if inj.after <= 1 {
			fire |= inj.code
		} else {
			inj.after--
			kept = append(kept, inj)
		}
	}
	s.injections = kept
	if fire != 0 {
		s.errcode |= fire
		if fire&ErrDMABus != 0 {
			s.state = StateError
		}
	}
	h := s.handler
	s.mu.Unlock()

	if half == 0 {
		h.OnHalfComplete()
	} else {
		h.OnFullComplete()
	}
	if fire != 0 {
		h.OnError(fire)
		if fire&ErrDMABus != 0 {
			return false
		}
	}
	return true
}

// fillPattern writes one half-buffer of frames. Callers hold s.mu.
func (s *Sim) fillPattern(region []byte) {
	samples := getbytes.ToSliceUint16(region)
	ch := s.cfg.Channels
	for i := 0; i < len(samples); i += ch {
		for c := 0; c < ch; c++ {
			samples[i+c] = PatternSample(c, s.frame)
		}
		s.frame++
	}
}

// PatternSample is the value the receive-mode generator produces for
// channel c of frame f. Exported so tests and the capture verifier can
// recompute expected file contents.
func PatternSample(c int, f uint32) uint16 {
	return uint16(c+1)<<12 | uint16(f&0x0fff)
}

// Pause suspends half delivery in place. The transfer position is kept,
// so Resume continues from the same half.
func (s *Sim) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy {
		return fmt.Errorf("saihw: pause: device %v, not busy", s.state)
	}
	s.paused = true
	return nil
}

// Resume continues a paused transfer.
func (s *Sim) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy {
		return fmt.Errorf("saihw: resume: device %v, not busy", s.state)
	}
	s.paused = false
	return nil
}

// Stop requests a normal DMA stop and waits for the engine to go idle.
// The caller escalates to Abort when Stop fails.
func (s *Sim) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateBusy {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("saihw: stop: device %v, not busy", st)
	}
	if s.stopHang {
		s.mu.Unlock()
		return fmt.Errorf("saihw: stop: timeout after %v", timeout)
	}
	if !s.Realtime {
		s.state = StateReady
		s.mu.Unlock()
		return nil
	}
	abort, done := s.abortEngine, s.done
	s.abortEngine = nil
	s.mu.Unlock()

	if abort != nil {
		close(abort)
	}
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("saihw: stop: timeout after %v", timeout)
	}
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// Abort forces the engine down regardless of state. Always succeeds.
func (s *Sim) Abort() error {
	s.mu.Lock()
	abort := s.abortEngine
	s.abortEngine = nil
	s.stopHang = false
	if s.state == StateBusy || s.state == StateError {
		s.state = StateReady
	}
	done := s.done
	s.mu.Unlock()

	if abort != nil {
		close(abort)
		if done != nil {
			<-done
		}
	}
	return nil
}

// State returns the driver state.
func (s *Sim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorCode returns the latched error flags.
func (s *Sim) ErrorCode() Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errcode
}

// ClearError clears the given flags, the way a driver acknowledges a
// recoverable condition and lets capture continue.
func (s *Sim) ClearError(mask Code) {
	s.mu.Lock()
	s.errcode &^= mask
	s.mu.Unlock()
}

// Halves reports how many half-completions have fired since Start.
func (s *Sim) Halves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halves
}

// InjectError schedules error flags to latch and fire after the next
// `after` half completions (1 = on the very next half).
func (s *Sim) InjectError(code Code, after uint64) {
	s.mu.Lock()
	if after == 0 {
		after = 1
	}
	s.injections = append(s.injections, injection{code: code, after: after})
	s.mu.Unlock()
}

// SetClockSkewPPM shifts the realtime cadence by parts-per-million,
// emulating a drifting external master clock. Takes effect on next Start.
func (s *Sim) SetClockSkewPPM(ppm float64) {
	s.mu.Lock()
	s.skewPPM = ppm
	s.mu.Unlock()
}

// SetStopHang makes Stop fail with a timeout until Abort is called,
// emulating a peripheral that will not drain while still clocked.
func (s *Sim) SetStopHang(hang bool) {
	s.mu.Lock()
	s.stopHang = hang
	s.mu.Unlock()
}
