package audiard

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/recorderdb"
)

// RecorderState is used to indicate the idle/recording/transition state of
// the recorder.
type RecorderState int

// Names for the possible values of RecorderState
const (
	Idle      RecorderState = iota // no capture, ready for start
	Recording                      // capture running, chunks flowing to the card
	Stopping                       // stop requested, draining the pipeline tail
	Errored                        // a fault latched; stop or reset returns to idle
)

func (s RecorderState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Errored:
		return "error"
	}
	return fmt.Sprintf("RecorderState(%d)", int(s))
}

// RecorderConfig collects the knobs the daemon wires in from viper.
type RecorderConfig struct {
	Mode       PCMMode
	Dir        string // card directory for capture files
	MirrorDir  string // host directory for mirror copies; empty disables
	SyncStride int    // chunks between card syncs; 0 commits only on stop
}

// Recorder owns the capture pipeline end to end. Every state transition
// and every card write happens on its core loop goroutine: control
// surfaces hand closures to that loop and wait, so a start arriving in the
// middle of a chunk write cannot interleave with it.
type Recorder struct {
	source *SAISource
	queue  *ChunkQueue
	fsman  *FSManager

	writingState WritingState
	cfg          RecorderConfig
	profile      Profile

	stateLock sync.Mutex // guards state, lastErr, errFile
	state     RecorderState
	lastErr   error
	errFile   *CaptureFile // file held open across the error state for reset to salvage

	queuedRequests chan func()
	abort          chan struct{}
	runDone        sync.WaitGroup
	started        bool
	reporter       *DropReporter

	writeBusy  bool // reentry guard on the write path
	dropsMark  uint64
	reentries  atomic.Uint64
	lateChunks atomic.Uint64
}

// NewRecorder assembles a recorder over its capture source, handoff queue,
// and card filesystem.
func NewRecorder(source *SAISource, queue *ChunkQueue, fsman *FSManager, cfg RecorderConfig) (*Recorder, error) {
	if err := ValidateProfiles(); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = RecordingsDir
	}
	profile, err := ProfileForMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		source:         source,
		queue:          queue,
		fsman:          fsman,
		cfg:            cfg,
		profile:        profile,
		queuedRequests: make(chan func()),
		abort:          make(chan struct{}),
	}
	r.writingState.SyncStride = cfg.SyncStride
	return r, nil
}

// Start configures the capture hardware for the initial mode and launches
// the core loop. It runs once for the life of the process.
func (r *Recorder) Start() error {
	if r.started {
		return errcode.Wrap(errcode.Busy, "recorder.start", fmt.Errorf("core loop already running"))
	}
	if err := r.source.Configure(r.profile); err != nil {
		return err
	}
	r.started = true
	r.reporter = NewDropReporter(r.queue, r.source.Slips, dropWarnInterval)
	r.reporter.Start()
	r.runDone.Add(1)
	go r.CoreLoop()
	return nil
}

// dropWarnInterval caps how often persistent chunk loss and frame-sync
// slips are logged.
const dropWarnInterval = 5 * time.Second

// Shutdown stops the core loop. A running capture is stopped first so the
// open file is finalized rather than dropped.
func (r *Recorder) Shutdown() {
	if !r.started {
		return
	}
	if r.GetState() == Recording {
		if err := r.StopRecording(); err != nil {
			ProblemLogger.Printf("stop during shutdown: %v", err)
		}
	}
	closeIfOpen(r.abort)
	r.runDone.Wait()
	if r.reporter != nil {
		r.reporter.Stop()
		r.reporter = nil
	}
	r.started = false
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: you tried to close a channel twice, but Audiard outsmarted you")
	default:
		close(c)
	}
}

// CoreLoop interleaves the activities that must never run concurrently:
// control requests, captured chunks, and capture faults. It is the writer
// task: the only goroutine that touches the card during a session.
func (r *Recorder) CoreLoop() {
	defer r.runDone.Done()
	for {
		select {
		case request := <-r.queuedRequests:
			request()

		case chunk := <-r.queue.C:
			r.handleChunk(&chunk)

		case fault := <-r.source.Faults():
			r.handleFault(fault)

		case <-r.abort:
			return
		}
	}
}

// runSync hands a closure to the core loop and waits for its result, the
// only way control surfaces are allowed to touch recorder state.
func (r *Recorder) runSync(f func() error) error {
	reply := make(chan error, 1)
	select {
	case r.queuedRequests <- func() { reply <- f() }:
	case <-r.abort:
		return errcode.Wrap(errcode.Error, "recorder.request", fmt.Errorf("recorder is shut down"))
	}
	return <-reply
}

// GetState returns the recorder state in a race-free fashion
func (r *Recorder) GetState() RecorderState {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state
}

// Running tells whether a capture session is active.
func (r *Recorder) Running() bool {
	return r.GetState() == Recording
}

func (r *Recorder) setState(s RecorderState) {
	r.stateLock.Lock()
	r.state = s
	r.stateLock.Unlock()
}

// StartRecording opens the next free capture file and arms the DMA engine.
func (r *Recorder) StartRecording() error {
	return r.runSync(r.startRecording)
}

func (r *Recorder) startRecording() error {
	if state := r.GetState(); state != Idle {
		// A repeat start in any non-idle state resolves by a reset and a
		// single retry.
		log.Printf("start requested while %v, resetting first", state)
		if err := r.reset(); err != nil {
			return err
		}
	}
	if err := r.fsman.Mount(); err != nil {
		return err
	}
	if err := r.writingState.Start(r.fsman, r.profile, r.cfg.Dir, r.cfg.MirrorDir); err != nil {
		return err
	}
	r.queue.Drain()
	r.dropsMark = r.queue.Drops()
	if err := r.source.StartCapture(); err != nil {
		// The probed file exists but holds nothing; finalize it so the
		// index stays burned and the card stays consistent.
		if serr := r.writingState.Stop(); serr != nil {
			ProblemLogger.Printf("cleanup after failed capture start: %v", serr)
		}
		return err
	}
	r.setState(Recording)
	st := r.writingState.ComputeState()
	log.Printf("recording %s (%s mode, %d ch, %d Hz)",
		st.Filename, r.profile.Name, r.profile.Channels, r.profile.SampleRate)
	recorderdb.RecordSession(&recorderdb.SessionMessage{
		Filename:   st.Filename,
		Mode:       r.profile.Name,
		Channels:   r.profile.Channels,
		SampleRate: r.profile.SampleRate,
		Start:      time.Now(),
	})
	return nil
}

// StopRecording halts capture and finalizes the open file.
func (r *Recorder) StopRecording() error {
	return r.runSync(r.stopRecording)
}

func (r *Recorder) stopRecording() error {
	switch r.GetState() {
	case Idle:
		return errcode.Wrap(errcode.NotOpen, "recorder.stop", fmt.Errorf("not recording"))
	case Errored:
		// The error state defers the file close; an explicit stop performs
		// it and recovers to idle, same as a reset.
		return r.reset()
	case Stopping:
		return nil
	}
	r.setState(Stopping)

	if err := r.source.StopCapture(); err != nil {
		// No more data is coming either way; finalize what we have.
		ProblemLogger.Printf("capture stop: %v", err)
	}
	r.drainTail()

	st := r.writingState.ComputeState()
	err := r.writingState.Stop()
	if err != nil {
		r.enterError(err)
		return err
	}
	r.setState(Idle)
	dropped := r.queue.Drops() - r.dropsMark
	log.Printf("finalized %s: %d bytes in %d chunks, %d dropped",
		st.Filename, st.BytesWritten, st.ChunksWritten, dropped)
	recorderdb.RecordSessionEnd(&recorderdb.SessionEndMessage{
		Filename: st.Filename,
		Bytes:    st.BytesWritten,
		Chunks:   st.ChunksWritten,
		Dropped:  dropped,
		End:      time.Now(),
	})
	return nil
}

// drainTail writes out whatever the capture engine queued before it
// stopped, so the file ends on the last complete half-buffer.
func (r *Recorder) drainTail() {
	for {
		select {
		case chunk := <-r.queue.C:
			if err := r.writeChunk(&chunk); err != nil {
				ProblemLogger.Printf("tail chunk %d lost: %v", chunk.Seq, err)
				return
			}
		default:
			return
		}
	}
}

// handleChunk is the writer-task body: one captured half-buffer in, one
// card write out. Failures here are what the error state exists for.
func (r *Recorder) handleChunk(chunk *Chunk) {
	if r.GetState() != Recording {
		r.lateChunks.Add(1)
		return
	}
	if err := r.writeChunk(chunk); err != nil {
		if errcode.Soft(errcode.Of(err)) {
			return
		}
		ProblemLogger.Printf("chunk %d write failed: %v", chunk.Seq, err)
		r.enterError(err)
	}
}

// writeChunk appends one chunk to the session file, honoring the reentry
// guard: the write path refuses to nest rather than corrupt FAT state.
func (r *Recorder) writeChunk(chunk *Chunk) error {
	if r.writeBusy {
		r.reentries.Add(1)
		return errcode.Wrap(errcode.Reentry, "recorder.write", nil)
	}
	r.writeBusy = true
	defer func() { r.writeBusy = false }()
	return r.writingState.WriteChunk(chunk.Payload())
}

// handleFault reacts to a fatal capture error. The session file is NOT
// closed here: when the card or clock tree is sick, a close would block or
// corrupt. The handle is parked on the recorder and closed during reset.
func (r *Recorder) handleFault(fault CaptureFault) {
	state := r.GetState()
	if state == Idle || state == Errored {
		ProblemLogger.Printf("capture fault %v (hw %v) while %v, clearing", fault.Code, fault.HW, state)
		r.source.ClearFault()
		return
	}
	log.Printf("capture fault %v (hw %v) at half %d", fault.Code, fault.HW, fault.Seq)
	r.enterError(errcode.Wrap(fault.Code, "capture", fmt.Errorf("hardware code %v", fault.HW)))
}

// enterError latches the error state. Capture is aborted and the open file
// is parked for the next stop or reset to salvage.
func (r *Recorder) enterError(err error) {
	if aerr := r.source.AbortCapture(); aerr != nil {
		ProblemLogger.Printf("abort during error entry: %v", aerr)
	}
	parked := r.writingState.Abandon()
	r.stateLock.Lock()
	r.state = Errored
	r.lastErr = err
	if parked != nil {
		r.errFile = parked
	}
	r.stateLock.Unlock()
}

// Reset returns the recorder to idle from any state: abort capture, close
// the parked file if the card will let us, clear peripheral faults, and
// remount the volume.
func (r *Recorder) Reset() error {
	return r.runSync(r.reset)
}

func (r *Recorder) reset() error {
	state := r.GetState()
	if state == Recording || state == Stopping {
		if err := r.source.StopCapture(); err != nil {
			ProblemLogger.Printf("stop during reset: %v", err)
			r.source.AbortCapture()
		}
	}
	r.queue.Drain()
	if f := r.writingState.Abandon(); f != nil {
		r.parkFile(f)
	}

	r.stateLock.Lock()
	parked := r.errFile
	r.errFile = nil
	r.stateLock.Unlock()
	if parked != nil {
		// Salvage: with the fault cleared and the card settled, the
		// deferred close usually lands and the partial file survives.
		if err := parked.Close(); err != nil {
			ProblemLogger.Printf("deferred close of %s failed: %v", parked.Path(), err)
		} else {
			log.Printf("salvaged %s during reset", parked.Path())
		}
	}

	r.source.ClearFault()
	if err := r.source.Configure(r.profile); err != nil {
		return r.failReset(err)
	}
	if err := r.fsman.Remount(); err != nil {
		return r.failReset(err)
	}

	r.stateLock.Lock()
	r.state = Idle
	r.lastErr = nil
	r.stateLock.Unlock()
	log.Println("recorder reset to idle")
	return nil
}

func (r *Recorder) failReset(err error) error {
	r.stateLock.Lock()
	r.state = Errored
	r.lastErr = err
	r.stateLock.Unlock()
	return err
}

func (r *Recorder) parkFile(f *CaptureFile) {
	r.stateLock.Lock()
	if r.errFile == nil {
		r.errFile = f
	}
	r.stateLock.Unlock()
}

// SetMode switches the capture profile. Only an idle recorder may change
// modes: the DMA geometry and the file naming both depend on it.
func (r *Recorder) SetMode(mode PCMMode) error {
	return r.runSync(func() error { return r.setMode(mode) })
}

func (r *Recorder) setMode(mode PCMMode) error {
	switch r.GetState() {
	case Recording, Stopping:
		return errcode.Wrap(errcode.Busy, "recorder.set_mode", fmt.Errorf("stop recording first"))
	case Errored:
		return errcode.Wrap(errcode.Error, "recorder.set_mode",
			fmt.Errorf("recorder is in the error state; reset first"))
	}
	profile, err := ProfileForMode(mode)
	if err != nil {
		return errcode.Wrap(errcode.ParErr, "recorder.set_mode", err)
	}
	if err := r.source.Configure(profile); err != nil {
		return err
	}
	r.stateLock.Lock()
	r.profile = profile
	r.stateLock.Unlock()
	log.Printf("capture mode now %s (%d ch, %d Hz)", profile.Name, profile.Channels, profile.SampleRate)
	return nil
}

// Mode returns the active capture mode.
func (r *Recorder) Mode() PCMMode {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.profile.Mode
}

// MeasureClock times the live bit clock. It reads the capture event ring
// directly rather than going through the core loop, so a measurement never
// stalls chunk writes.
func (r *Recorder) MeasureClock(halves int, timeout time.Duration) (ClockReport, error) {
	if r.GetState() != Recording {
		return ClockReport{}, errcode.Wrap(errcode.NotOpen, "measure_clock",
			fmt.Errorf("capture not running"))
	}
	return r.source.MeasureClock(halves, timeout)
}

// RecorderStatus is the externally visible snapshot of the pipeline,
// served over RPC, the shell, and the status publisher.
type RecorderStatus struct {
	State         string `json:"state"`
	Mode          string `json:"mode"`
	Channels      int    `json:"channels"`
	BitDepth      int    `json:"bit_depth"`
	SampleRate    int    `json:"sample_rate"`
	Filename      string `json:"filename,omitempty"`
	FileIndex     int    `json:"file_index"`
	BytesWritten  int64  `json:"bytes_written"`
	ChunksWritten uint64 `json:"chunks_written"`
	ChunksDropped uint64 `json:"chunks_dropped"`
	LateChunks    uint64 `json:"late_chunks"`
	Reentries     uint64 `json:"reentries"`
	Slips         uint64 `json:"frame_sync_slips"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCap      int    `json:"queue_cap"`
	CardMounted   bool   `json:"card_mounted"`
	CardCapacity  int64  `json:"card_capacity"`
	Remounts      int    `json:"remounts"`
	DeferredFile  string `json:"deferred_file,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Status snapshots the recorder without entering the core loop, so it
// stays responsive even while a card write is wedged.
func (r *Recorder) Status() RecorderStatus {
	ws := r.writingState.ComputeState()
	r.stateLock.Lock()
	state := r.state
	profile := r.profile
	lastErr := r.lastErr
	errFile := r.errFile
	r.stateLock.Unlock()

	st := RecorderStatus{
		State:         state.String(),
		Mode:          profile.Name,
		Channels:      profile.Channels,
		BitDepth:      profile.BitDepth,
		SampleRate:    profile.SampleRate,
		Filename:      ws.Filename,
		FileIndex:     ws.FileIndex,
		BytesWritten:  ws.BytesWritten,
		ChunksWritten: ws.ChunksWritten,
		ChunksDropped: r.queue.Drops(),
		LateChunks:    r.lateChunks.Load(),
		Reentries:     r.reentries.Load(),
		Slips:         r.source.Slips(),
		QueueDepth:    r.queue.Len(),
		QueueCap:      cap(r.queue.C),
		CardMounted:   r.fsman.Mounted(),
		CardCapacity:  r.fsman.CapacityBytes(),
		Remounts:      r.fsman.Remounts(),
	}
	if errFile != nil {
		st.DeferredFile = errFile.Path()
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if !ws.Active {
		st.Filename = ""
	}
	return st
}
