package audiard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/stat"

	"github.com/audiodaq/audiard/internal/cache"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/saihw"
)

// Frame-sync slips are expected now and then on marginal cabling. A slip
// clears and capture continues; slipEscalation slips without slipWindow
// clean halves in between means the clock tree is genuinely sick, and the
// recorder must stop trusting the data.
const (
	slipEscalation = 3
	slipWindow     = 64
)

// stopReadyWait bounds how long StopCapture waits for the peripheral to
// drain back to ready before giving up.
const stopReadyWait = 100 * time.Millisecond

const measureRing = 256

// CaptureFault reports a peripheral error the capture path cannot recover
// from. Faults reach the recorder over a channel, never by callback, so
// the interrupt path stays short.
type CaptureFault struct {
	Code errcode.Code
	HW   saihw.Code
	Seq  uint64
}

// SAISource owns the capture half of the pipeline: the peripheral, the DMA
// double buffer, and the chunk handoff queue. Its event methods run in the
// peripheral's interrupt context and only copy, count, and signal.
type SAISource struct {
	device saihw.Device
	queue  *ChunkQueue
	faults chan CaptureFault

	mu      sync.Mutex // guards profile and buf against concurrent control calls
	profile Profile
	buf     []byte

	seq      atomic.Uint64
	slipsTot atomic.Uint64

	// The event methods run on a single goroutine, so these need no locks.
	slipsWin int
	cleanRun int

	evMu    sync.Mutex
	evTimes [measureRing]time.Time
	evCount uint64
}

// NewSAISource wires a source to its peripheral and handoff queue.
func NewSAISource(dev saihw.Device, queue *ChunkQueue) *SAISource {
	s := &SAISource{
		device: dev,
		queue:  queue,
		faults: make(chan CaptureFault, 4),
	}
	dev.SetHandler(s)
	return s
}

// Faults delivers fatal capture errors to the recorder loop.
func (s *SAISource) Faults() <-chan CaptureFault {
	return s.faults
}

// Configure applies a capture profile: peripheral protocol, slot mask, and
// a fresh cache-aligned double buffer when the geometry changed.
func (s *SAISource) Configure(p Profile) error {
	if err := p.Validate(); err != nil {
		return errcode.Wrap(errcode.ParErr, "sai.configure", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device.State() == saihw.StateBusy {
		return errcode.Wrap(errcode.Busy, "sai.configure", fmt.Errorf("capture running"))
	}
	if err := s.device.Configure(p.SAIConfig()); err != nil {
		return errcode.Wrap(errcode.ParErr, "sai.configure", err)
	}
	if len(s.buf) != p.BufferBytes() {
		s.buf = cache.MakePaddedSlice(p.BufferBytes())
	}
	s.profile = p
	return nil
}

// Profile returns the active capture profile.
func (s *SAISource) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// StartCapture arms the DMA engine. Sequence numbers, slip accounting, and
// stale faults reset so the new session starts clean.
func (s *SAISource) StartCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return errcode.Wrap(errcode.ParErr, "sai.start", fmt.Errorf("no capture profile configured"))
	}
	s.seq.Store(0)
	s.slipsWin = 0
	s.cleanRun = 0
drained:
	for {
		select {
		case <-s.faults:
		default:
			break drained
		}
	}
	if err := s.device.Start(s.buf); err != nil {
		return errcode.Wrap(errcode.DMAStartFailed, "sai.start", err)
	}
	return nil
}

// StopCapture halts the DMA engine: graceful stop first, abort when that
// fails, then wait for the peripheral to report ready. A peripheral that
// never drains is reported as a timeout; the caller may still finalize the
// session, since no more data will arrive either way.
func (s *SAISource) StopCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.device.Stop(stopReadyWait); err != nil {
		ProblemLogger.Printf("SAI stop failed (%v), aborting DMA", err)
		if aerr := s.device.Abort(); aerr != nil {
			return errcode.Wrap(errcode.DMAStopTimeout, "sai.stop", aerr)
		}
	}
	deadline := time.Now().Add(stopReadyWait)
	for s.device.State() == saihw.StateBusy {
		if time.Now().After(deadline) {
			ProblemLogger.Printf("SAI did not return to ready within %v of stop:\n%s",
				stopReadyWait, spew.Sdump(s.device))
			return errcode.Wrap(errcode.DMAStopTimeout, "sai.stop", nil)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// AbortCapture tears the DMA engine down without waiting.
func (s *SAISource) AbortCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device.Abort()
}

// ClearFault re-arms a peripheral that latched an error.
func (s *SAISource) ClearFault() {
	s.device.ClearError(s.device.ErrorCode())
}

// Seq reports how many half-buffers the capture callbacks have handled.
func (s *SAISource) Seq() uint64 {
	return s.seq.Load()
}

// Slips reports the total frame-sync slips seen since process start.
func (s *SAISource) Slips() uint64 {
	return s.slipsTot.Load()
}

// OnHalfComplete handles the first-half DMA interrupt.
func (s *SAISource) OnHalfComplete() { s.capture(0) }

// OnFullComplete handles the second-half DMA interrupt.
func (s *SAISource) OnFullComplete() { s.capture(1) }

// capture copies one finished half out of the live DMA buffer into a chunk
// value and offers it to the writer. It must beat the half period and must
// never block: a full queue drops the chunk and counts it.
func (s *SAISource) capture(half int) {
	n := s.profile.HalfBufferBytes()
	region := s.buf[half*n : (half+1)*n]

	var c Chunk
	copy(c.Data[:n], region)
	c.N = n
	c.Half = half
	c.Seq = s.seq.Add(1) - 1
	c.Timestamp = time.Duration(c.Seq) * s.profile.HalfPeriod()
	s.queue.TryEnqueue(&c)

	s.noteEvent(time.Now())
	s.cleanRun++
	if s.cleanRun >= slipWindow {
		s.slipsWin = 0
		s.cleanRun = 0
	}
}

// OnError classifies a peripheral error. Frame-sync slips clear in place
// and count toward the escalation window; everything else is fatal and
// goes to the recorder as a fault.
func (s *SAISource) OnError(code saihw.Code) {
	const slipBits = saihw.ErrLateFrameSync | saihw.ErrAnticipatedFrameSync
	fatal := code &^ slipBits

	if code&slipBits != 0 {
		s.device.ClearError(code & slipBits)
		s.slipsTot.Add(1)
		s.slipsWin++
		s.cleanRun = 0
		if s.slipsWin >= slipEscalation {
			fatal |= code & slipBits
		}
	}
	if fatal == 0 {
		return
	}
	f := CaptureFault{Code: faultCode(fatal), HW: code, Seq: s.seq.Load()}
	select {
	case s.faults <- f:
	default:
	}
}

// faultCode picks the most specific error kind out of a hardware code.
func faultCode(bits saihw.Code) errcode.Code {
	switch {
	case bits&saihw.ErrDMABus != 0:
		return errcode.BusError
	case bits&saihw.ErrWrongClock != 0:
		return errcode.WrongClock
	case bits&saihw.ErrOverrun != 0:
		return errcode.Overrun
	case bits&saihw.ErrUnderrun != 0:
		return errcode.Underrun
	case bits&saihw.ErrTimeout != 0:
		return errcode.Timeout
	default:
		return errcode.LateFrameSync
	}
}

func (s *SAISource) noteEvent(t time.Time) {
	s.evMu.Lock()
	s.evTimes[s.evCount%measureRing] = t
	s.evCount++
	s.evMu.Unlock()
}

func (s *SAISource) eventCount() uint64 {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	return s.evCount
}

// lastEvents copies out the newest n event times, oldest first.
func (s *SAISource) lastEvents(n int) []time.Time {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if uint64(n) > s.evCount {
		n = int(s.evCount)
	}
	if n > measureRing {
		n = measureRing
	}
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		idx := (s.evCount - uint64(n) + uint64(i)) % measureRing
		out[i] = s.evTimes[idx]
	}
	return out
}

// ClockReport summarizes a bit-clock measurement against the profile's
// nominal rates.
type ClockReport struct {
	Mode          string  `json:"mode"`
	Halves        int     `json:"halves"`
	ExpectedRate  float64 `json:"expected_rate_hz"`
	MeasuredRate  float64 `json:"measured_rate_hz"`
	ExpectedBitHz float64 `json:"expected_bit_clock_hz"`
	MeasuredBitHz float64 `json:"measured_bit_clock_hz"`
	DriftPPM      float64 `json:"drift_ppm"`
	JitterPPM     float64 `json:"jitter_ppm"`
}

// MeasureClock times the arrival of the next halves half-buffer events and
// derives the real sample clock from them. The master supplies the bit
// clock, so this is the only way the node can see what rate it is actually
// being driven at. Capture must be running.
func (s *SAISource) MeasureClock(halves int, timeout time.Duration) (ClockReport, error) {
	var rep ClockReport
	if halves < 4 {
		halves = 4
	}
	if halves > measureRing-1 {
		halves = measureRing - 1
	}
	if s.device.State() != saihw.StateBusy {
		return rep, errcode.Wrap(errcode.NotOpen, "measure_clock", fmt.Errorf("capture not running"))
	}
	p := s.Profile()

	start := s.eventCount()
	deadline := time.Now().Add(timeout)
	for s.eventCount()-start < uint64(halves)+1 {
		if time.Now().After(deadline) {
			return rep, errcode.Wrap(errcode.Timeout, "measure_clock",
				fmt.Errorf("saw %d of %d half events", s.eventCount()-start, halves+1))
		}
		time.Sleep(time.Millisecond)
	}

	times := s.lastEvents(halves + 1)
	intervals := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals[i-1] = times[i].Sub(times[i-1]).Seconds()
	}
	mean := stat.Mean(intervals, nil)
	sigma := stat.StdDev(intervals, nil)
	if mean <= 0 {
		return rep, errcode.Wrap(errcode.Error, "measure_clock", fmt.Errorf("degenerate intervals"))
	}

	expected := float64(p.SampleRate)
	measured := float64(p.HalfFrames()) / mean
	rep.Mode = p.Name
	rep.Halves = halves
	rep.ExpectedRate = expected
	rep.MeasuredRate = measured
	rep.ExpectedBitHz = float64(p.SAIConfig().BitClock())
	rep.MeasuredBitHz = measured * float64(p.Channels*p.BitDepth)
	rep.DriftPPM = (measured - expected) / expected * 1e6
	rep.JitterPPM = sigma / mean * 1e6
	return rep, nil
}
