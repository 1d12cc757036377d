package audiard

import (
	"testing"
	"time"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/saihw"
)

func newTestSource(t *testing.T, mode PCMMode, depth int) (*SAISource, *saihw.Sim, *ChunkQueue) {
	t.Helper()
	sim := saihw.NewSim()
	queue := NewChunkQueue(depth)
	source := NewSAISource(sim, queue)
	profile, err := ProfileForMode(mode)
	if err != nil {
		t.Fatalf("ProfileForMode failed: %v", err)
	}
	if err := source.Configure(profile); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return source, sim, queue
}

// TestCaptureAlternation proves the chunks leave the source in strict
// half, full, half, full order with contiguous sequence numbers.
func TestCaptureAlternation(t *testing.T) {
	source, sim, queue := newTestSource(t, ModeStereo, 8)
	if err := source.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := sim.TickHalf(); err != nil {
			t.Fatalf("TickHalf %d failed: %v", i, err)
		}
	}
	profile, _ := ProfileForMode(ModeStereo)
	for i := 0; i < 6; i++ {
		c := <-queue.C
		if c.Seq != uint64(i) {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		if c.Half != i%2 {
			t.Errorf("chunk %d came from half %d, want %d", i, c.Half, i%2)
		}
		if c.N != profile.HalfBufferBytes() {
			t.Errorf("chunk %d holds %d bytes, want %d", i, c.N, profile.HalfBufferBytes())
		}
		if want := time.Duration(i) * profile.HalfPeriod(); c.Timestamp != want {
			t.Errorf("chunk %d stamped %v, want %v", i, c.Timestamp, want)
		}
	}
	if err := source.StopCapture(); err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}
}

func TestStartCaptureRefusals(t *testing.T) {
	sim := saihw.NewSim()
	queue := NewChunkQueue(4)
	source := NewSAISource(sim, queue)
	if err := source.StartCapture(); !errcode.Is(err, errcode.ParErr) {
		t.Errorf("start without a profile: err=%v, want parerr", err)
	}
	profile, _ := ProfileForMode(ModeTDM)
	if err := source.Configure(profile); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := source.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if err := source.StartCapture(); !errcode.Is(err, errcode.DMAStartFailed) {
		t.Errorf("double start: err=%v, want dma_start_failed", err)
	}
	if err := source.Configure(profile); !errcode.Is(err, errcode.Busy) {
		t.Errorf("configure while running: err=%v, want busy", err)
	}
	source.AbortCapture()
}

// TestSlipWindowReset checks the escalation window: two slips, a clean run
// long enough to forgive them, then two more slips must NOT escalate.
func TestSlipWindowReset(t *testing.T) {
	source, sim, queue := newTestSource(t, ModeStereo, 4)
	if err := source.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	drain := func() {
		for queue.Drain() > 0 {
		}
	}

	sim.InjectError(saihw.ErrLateFrameSync, 1)
	sim.TickHalf()
	sim.InjectError(saihw.ErrLateFrameSync, 1)
	sim.TickHalf()
	drain()
	for i := 0; i < 64; i++ {
		sim.TickHalf()
		drain()
	}
	sim.InjectError(saihw.ErrLateFrameSync, 1)
	sim.TickHalf()
	sim.InjectError(saihw.ErrLateFrameSync, 1)
	sim.TickHalf()

	select {
	case f := <-source.Faults():
		t.Fatalf("window did not reset: fault %v after forgiven slips", f.Code)
	default:
	}
	if got := source.Slips(); got != 4 {
		t.Errorf("total slip counter %d, want 4", got)
	}

	// A third slip with no clean run between does escalate.
	sim.InjectError(saihw.ErrLateFrameSync, 1)
	sim.TickHalf()
	select {
	case f := <-source.Faults():
		if f.Code != errcode.LateFrameSync {
			t.Errorf("escalated fault carries %v, want late_frame_sync", f.Code)
		}
	default:
		t.Fatal("third consecutive slip did not escalate")
	}
	source.AbortCapture()
}

func TestFatalErrorClassification(t *testing.T) {
	tests := []struct {
		hw   saihw.Code
		want errcode.Code
	}{
		{saihw.ErrOverrun, errcode.Overrun},
		{saihw.ErrUnderrun, errcode.Underrun},
		{saihw.ErrWrongClock, errcode.WrongClock},
		{saihw.ErrDMABus, errcode.BusError},
		{saihw.ErrWrongClock | saihw.ErrOverrun, errcode.WrongClock},
	}
	for _, test := range tests {
		source, sim, _ := newTestSource(t, ModeTDM, 4)
		if err := source.StartCapture(); err != nil {
			t.Fatalf("StartCapture failed: %v", err)
		}
		sim.InjectError(test.hw, 1)
		sim.TickHalf()
		select {
		case f := <-source.Faults():
			if f.Code != test.want {
				t.Errorf("hw %v classified %v, want %v", test.hw, f.Code, test.want)
			}
		default:
			t.Errorf("hw %v raised no fault", test.hw)
		}
		source.AbortCapture()
	}
}

// TestMeasureClockDrift runs the wall-clock engine with a deliberately
// slow master clock and checks the measurement sees the drift.
func TestMeasureClockDrift(t *testing.T) {
	source, sim, _ := newTestSource(t, ModeStereo, 8)
	sim.Realtime = true
	sim.SetClockSkewPPM(200000) // master runs 20% slow
	if err := source.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	defer source.AbortCapture()

	rep, err := source.MeasureClock(8, 2*time.Second)
	if err != nil {
		t.Fatalf("MeasureClock failed: %v", err)
	}
	if rep.Mode != "stereo" || rep.Halves != 8 {
		t.Errorf("report for %s over %d halves, want stereo over 8", rep.Mode, rep.Halves)
	}
	if rep.ExpectedRate != 16000 {
		t.Errorf("expected rate %v, want 16000", rep.ExpectedRate)
	}
	// A 20% slow clock is roughly -167000 ppm; scheduling jitter on the
	// endpoints cannot come close to masking that.
	if rep.DriftPPM > -100000 {
		t.Errorf("drift %v ppm, want well below -100000", rep.DriftPPM)
	}
	if rep.MeasuredBitHz >= rep.ExpectedBitHz {
		t.Errorf("measured bit clock %v not below nominal %v", rep.MeasuredBitHz, rep.ExpectedBitHz)
	}
}

func TestMeasureClockRefusals(t *testing.T) {
	source, _, _ := newTestSource(t, ModeStereo, 4)
	if _, err := source.MeasureClock(8, time.Second); !errcode.Is(err, errcode.NotOpen) {
		t.Errorf("measure without capture: err=%v, want not_open", err)
	}
}

// TestStopEscalatesToAbort wedges the peripheral stop path and checks the
// driver falls back to abort instead of hanging.
func TestStopEscalatesToAbort(t *testing.T) {
	source, sim, _ := newTestSource(t, ModeStereo, 4)
	if err := source.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	sim.SetStopHang(true)
	if err := source.StopCapture(); err != nil {
		t.Fatalf("StopCapture with hung peripheral failed: %v", err)
	}
	if sim.State() != saihw.StateReady {
		t.Errorf("peripheral %v after escalated stop, want ready", sim.State())
	}
}
