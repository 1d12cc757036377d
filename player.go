package audiard

// Plays raw PCM recordings back out the serial audio interface in transmit
// mode. Playback runs on its own peripheral block and never synchronizes
// with capture: the two engines share nothing but the card.

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/audiodaq/audiard/internal/cache"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/saihw"
	"github.com/audiodaq/audiard/pcm"
)

const (
	playbackBufferFrames = 512
	refillQueueDepth     = 4
)

// PlayerState tracks the playback engine.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerPaused
	PlayerStopped
	PlayerError
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerStopped:
		return "stopped"
	case PlayerError:
		return "error"
	}
	return fmt.Sprintf("PlayerState(%d)", int(s))
}

// PlayerSnapshot is the playback status answer published to clients.
type PlayerSnapshot struct {
	State       string `json:"state"`
	Filename    string `json:"filename,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Loop        bool   `json:"loop"`
	PositionMS  uint64 `json:"position_ms"`
	Frames      uint64 `json:"frames_played"`
	TotalFrames uint64 `json:"total_frames"`
	HalfEvents  uint64 `json:"dma_half_events"`
	FullEvents  uint64 `json:"dma_full_events"`
	Refills     uint64 `json:"task_refills"`
	QueueFull   uint64 `json:"queue_full"`
	Reads       uint64 `json:"io_reads"`
	Underruns   uint64 `json:"underruns"`
	LastError   string `json:"last_error,omitempty"`
}

// Player streams a recording to a transmit-mode audio engine, refilling
// each DMA half from the card as the hardware drains the other. The format
// comes from the recording's filename, so any capture mode plays back
// without being told which profile produced it.
type Player struct {
	device saihw.Device
	fsman  *FSManager

	mu          sync.Mutex
	state       PlayerState
	info        pcm.Info
	loop        bool
	file        *CaptureFile
	buf         []byte
	halfFrames  uint64
	totalFrames uint64
	lastErr     error

	refills chan int
	faults  chan saihw.Code
	abort   chan struct{}
	done    chan struct{}

	framesOut  atomic.Uint64
	halfEvents atomic.Uint64
	fullEvents atomic.Uint64
	taskFills  atomic.Uint64
	queueFull  atomic.Uint64
	ioReads    atomic.Uint64
	underruns  atomic.Uint64

	silentFills int // refill goroutine only
}

// NewPlayer wires a transmit engine to the card. The device is owned by
// the player from here on.
func NewPlayer(device saihw.Device, fsman *FSManager) *Player {
	p := &Player{device: device, fsman: fsman}
	device.SetHandler(p)
	return p
}

// Play starts playback of the named recording. It returns once the engine
// is running; the refill task then feeds it until end of file or Stop.
func (p *Player) Play(path string) error { return p.PlayFile(path, false) }

// PlayFile starts playback, optionally looping the recording until Stop.
func (p *Player) PlayFile(path string, loop bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerPlaying || p.state == PlayerPaused {
		return errcode.Wrap(errcode.Busy, "player.play",
			fmt.Errorf("already playing %s", p.info.Filename()))
	}

	info, err := pcm.ParseFilename(path)
	if err != nil {
		return errcode.Wrap(errcode.ParErr, "player.play", err)
	}
	size, err := p.fsman.StatSize(path)
	if err != nil {
		return err
	}
	frameBytes := int64(info.FrameBytes())
	if size < frameBytes {
		return errcode.Wrap(errcode.FileInvalid, "player.play",
			fmt.Errorf("%s holds no complete frame", path))
	}

	cfg := saihw.Config{
		Protocol:   saihw.ProtocolI2S,
		Direction:  saihw.DirTX,
		Datasize:   info.BitDepth,
		Channels:   info.Channels,
		SlotMask:   uint32(1)<<uint(info.Channels) - 1,
		SampleRate: info.SampleRate,
	}
	if info.Channels > 2 {
		cfg.Protocol = saihw.ProtocolPCMShort
	}
	if err := p.device.Configure(cfg); err != nil {
		return errcode.Wrap(errcode.ParErr, "player.play", err)
	}

	file, err := p.fsman.Open(path)
	if err != nil {
		return err
	}

	bufBytes := playbackBufferFrames * info.FrameBytes()
	if len(p.buf) != bufBytes {
		p.buf = cache.MakePaddedSlice(bufBytes)
	}
	p.info = info
	p.loop = loop
	p.file = file
	p.halfFrames = uint64(playbackBufferFrames / 2)
	p.totalFrames = uint64(size / frameBytes)
	p.lastErr = nil
	p.silentFills = 0
	p.framesOut.Store(0)
	p.halfEvents.Store(0)
	p.fullEvents.Store(0)
	p.taskFills.Store(0)
	p.queueFull.Store(0)
	p.ioReads.Store(0)
	p.underruns.Store(0)

	// Prime both halves before the engine starts, so the line clocks real
	// data from the first frame.
	half := bufBytes / 2
	if _, err := p.fillRegion(file, p.buf[:half], loop); err != nil {
		p.closeFileLocked()
		return err
	}
	if _, err := p.fillRegion(file, p.buf[half:], loop); err != nil {
		p.closeFileLocked()
		return err
	}

	p.refills = make(chan int, refillQueueDepth)
	p.faults = make(chan saihw.Code, 1)
	p.abort = make(chan struct{})
	p.done = make(chan struct{})
	if err := p.device.Start(p.buf); err != nil {
		p.closeFileLocked()
		return errcode.Wrap(errcode.DMAStartFailed, "player.play", err)
	}
	p.state = PlayerPlaying
	go p.run()
	log.Printf("playback started: %s (%d ch, %d Hz, %d frames, loop=%v)",
		info.Filename(), info.Channels, info.SampleRate, p.totalFrames, loop)
	return nil
}

// Pause suspends the engine in place. The file handle and position are kept.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPlaying {
		return errcode.Wrap(errcode.NotOpen, "player.pause",
			fmt.Errorf("player %v, not playing", p.state))
	}
	if err := p.device.Pause(); err != nil {
		return errcode.Wrap(errcode.Error, "player.pause", err)
	}
	p.state = PlayerPaused
	return nil
}

// Resume continues a paused playback.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPaused {
		return errcode.Wrap(errcode.NotOpen, "player.resume",
			fmt.Errorf("player %v, not paused", p.state))
	}
	if err := p.device.Resume(); err != nil {
		return errcode.Wrap(errcode.Error, "player.resume", err)
	}
	p.state = PlayerPlaying
	return nil
}

// Stop ends playback and waits for the refill task to wind down.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.state != PlayerPlaying && p.state != PlayerPaused {
		st := p.state
		p.mu.Unlock()
		return errcode.Wrap(errcode.NotOpen, "player.stop",
			fmt.Errorf("player %v, nothing to stop", st))
	}
	abort, done := p.abort, p.done
	p.mu.Unlock()

	closeIfOpen(abort)
	<-done
	return nil
}

// Status reports a snapshot of the playback engine.
func (p *Player) Status() PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := PlayerSnapshot{
		State:       p.state.String(),
		Loop:        p.loop,
		TotalFrames: p.totalFrames,
		HalfEvents:  p.halfEvents.Load(),
		FullEvents:  p.fullEvents.Load(),
		Refills:     p.taskFills.Load(),
		QueueFull:   p.queueFull.Load(),
		Reads:       p.ioReads.Load(),
		Underruns:   p.underruns.Load(),
	}
	if p.state != PlayerIdle {
		snap.Filename = p.info.Filename()
		snap.Channels = p.info.Channels
		snap.SampleRate = p.info.SampleRate
	}
	frames := p.framesOut.Load()
	snap.Frames = frames
	if p.info.SampleRate > 0 {
		snap.PositionMS = frames * 1000 / uint64(p.info.SampleRate)
	}
	if p.lastErr != nil {
		snap.LastError = p.lastErr.Error()
	}
	return snap
}

// run is the refill task: it owns every exit path of a playback session.
func (p *Player) run() {
	defer close(p.done)
	for {
		select {
		case <-p.abort:
			p.teardown(PlayerStopped, nil)
			return
		case code := <-p.faults:
			p.teardown(PlayerError, errcode.Wrap(faultCode(code), "player",
				fmt.Errorf("playback engine fault: %v", code)))
			return
		case half := <-p.refills:
			if err := p.refill(half); err != nil {
				p.teardown(PlayerError, err)
				return
			}
			if p.silentFills >= 2 {
				p.teardown(PlayerStopped, nil)
				return
			}
		}
	}
}

// refill reloads the half the engine just drained.
func (p *Player) refill(half int) error {
	p.mu.Lock()
	file, buf, loop := p.file, p.buf, p.loop
	p.mu.Unlock()
	if file == nil {
		return nil
	}
	halfBytes := len(buf) / 2
	n, err := p.fillRegion(file, buf[half*halfBytes:(half+1)*halfBytes], loop)
	p.taskFills.Add(1)
	if err != nil {
		return err
	}
	if n == 0 {
		p.silentFills++
	} else {
		p.silentFills = 0
	}
	return nil
}

// fillRegion loads file bytes into one DMA half, zero-padding past end of
// data. In loop mode the read wraps to the start of the file instead. End
// of file is not an error; a failed card read is.
func (p *Player) fillRegion(file *CaptureFile, region []byte, loop bool) (int, error) {
	total := 0
	for total < len(region) {
		n, err := file.Read(region[total:])
		p.ioReads.Add(1)
		total += n
		if err == io.EOF || (n == 0 && err == nil) {
			if !loop {
				break
			}
			if _, serr := file.Seek(0, io.SeekStart); serr != nil {
				return total, serr
			}
			continue
		}
		if err != nil {
			return total, err
		}
	}
	for i := total; i < len(region); i++ {
		region[i] = 0
	}
	return total, nil
}

// teardown is the single exit path of a session: engine off, file closed,
// final state recorded. Runs on the refill goroutine only.
func (p *Player) teardown(final PlayerState, cause error) {
	p.device.Abort()
	p.mu.Lock()
	p.closeFileLocked()
	p.state = final
	p.lastErr = cause
	filename := p.info.Filename()
	p.mu.Unlock()
	if cause != nil {
		log.Printf("playback of %s failed: %v", filename, cause)
	} else {
		log.Printf("playback of %s ended after %d frames", filename, p.framesOut.Load())
	}
}

func (p *Player) closeFileLocked() {
	if p.file == nil {
		return
	}
	if err := p.file.Close(); err != nil {
		ProblemLogger.Printf("could not close %s after playback: %v", p.file.Path(), err)
	}
	p.file = nil
}

// OnHalfComplete runs in interrupt context: the engine drained the first
// half and is transmitting the second.
func (p *Player) OnHalfComplete() {
	p.halfEvents.Add(1)
	p.framesOut.Add(p.halfFrames)
	p.post(0)
}

// OnFullComplete runs in interrupt context: the second half drained and
// the engine wrapped.
func (p *Player) OnFullComplete() {
	p.fullEvents.Add(1)
	p.framesOut.Add(p.halfFrames)
	p.post(1)
}

func (p *Player) post(half int) {
	select {
	case p.refills <- half:
	default:
		p.queueFull.Add(1)
	}
}

// OnError runs in interrupt context. Transmit underruns are counted and
// cleared; anything else tears the session down.
func (p *Player) OnError(code saihw.Code) {
	if code&saihw.ErrUnderrun != 0 {
		p.underruns.Add(1)
		p.device.ClearError(saihw.ErrUnderrun)
		code &^= saihw.ErrUnderrun
	}
	if code == 0 {
		return
	}
	select {
	case p.faults <- code:
	default:
	}
}
