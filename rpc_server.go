package audiard

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"path"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/pcm"
)

// RecorderControl is the sub-server that handles configuration and
// operation of the Audiard capture pipeline.
type RecorderControl struct {
	recorder *Recorder
	player   *Player
	fsman    *FSManager

	clientUpdates chan<- ClientUpdate
}

// Start begins a capture session, writing to the next free file.
func (s *RecorderControl) Start(dummy *string, reply *bool) error {
	log.Printf("RPC Start")
	err := s.recorder.StartRecording()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Stop ends the capture session and finalizes the open file.
func (s *RecorderControl) Stop(dummy *string, reply *bool) error {
	log.Printf("RPC Stop")
	err := s.recorder.StopRecording()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Reset returns the recorder to idle from any state, error included.
func (s *RecorderControl) Reset(dummy *string, reply *bool) error {
	log.Printf("RPC Reset")
	err := s.recorder.Reset()
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// SetMode switches the capture profile ("stereo" or "tdm").
func (s *RecorderControl) SetMode(mode *string, reply *bool) error {
	log.Printf("RPC SetMode: %s", *mode)
	m, err := ParseMode(*mode)
	if err != nil {
		return err
	}
	err = s.recorder.SetMode(m)
	*reply = (err == nil)
	s.broadcastUpdate()
	return err
}

// Status reports the full pipeline snapshot.
func (s *RecorderControl) Status(dummy *string, reply *RecorderStatus) error {
	*reply = s.recorder.Status()
	return nil
}

// DebugStatus renders the full recorder and player snapshots in spewed
// form, for humans chasing a wedged pipeline.
func (s *RecorderControl) DebugStatus(dummy *string, reply *string) error {
	*reply = spew.Sdump(s.recorder.Status(), s.player.Status())
	return nil
}

// MeasureArgs holds the arguments to a MeasureClock operation.
type MeasureArgs struct {
	Halves    int
	TimeoutMS int
}

// MeasureClock times the live bit clock over the next N half-buffers.
func (s *RecorderControl) MeasureClock(args *MeasureArgs, reply *ClockReport) error {
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rep, err := s.recorder.MeasureClock(args.Halves, timeout)
	if err != nil {
		return err
	}
	*reply = rep
	return nil
}

// RecordingInfo describes one capture file on the card.
type RecordingInfo struct {
	Name       string  `json:"name"`
	Bytes      int64   `json:"bytes"`
	Channels   int     `json:"channels"`
	BitDepth   int     `json:"bit_depth"`
	SampleRate int     `json:"sample_rate"`
	Seconds    float64 `json:"seconds"`
}

// ListRecordings scans the card's capture directory.
func (s *RecorderControl) ListRecordings(dummy *string, reply *[]RecordingInfo) error {
	infos, err := s.fsman.List(RecordingsDir)
	if err != nil {
		return err
	}
	out := make([]RecordingInfo, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		meta, err := pcm.ParseFilename(fi.Name())
		if err != nil {
			continue
		}
		out = append(out, RecordingInfo{
			Name:       fi.Name(),
			Bytes:      fi.Size(),
			Channels:   meta.Channels,
			BitDepth:   meta.BitDepth,
			SampleRate: meta.SampleRate,
			Seconds:    meta.Duration(fi.Size()).Seconds(),
		})
	}
	*reply = out
	return nil
}

// PlayArgs names a capture file for playback operations.
type PlayArgs struct {
	Filename string
	Loop     bool
}

// Play starts playback of a capture file through the TX peripheral.
func (s *RecorderControl) Play(args *PlayArgs, reply *bool) error {
	log.Printf("RPC Play: %s (loop=%v)", args.Filename, args.Loop)
	name := args.Filename
	if path.Dir(name) == "." {
		name = path.Join(RecordingsDir, name)
	}
	err := s.player.PlayFile(name, args.Loop)
	*reply = (err == nil)
	return err
}

// PausePlayback suspends playback in place.
func (s *RecorderControl) PausePlayback(dummy *string, reply *bool) error {
	err := s.player.Pause()
	*reply = (err == nil)
	return err
}

// ResumePlayback continues a paused playback.
func (s *RecorderControl) ResumePlayback(dummy *string, reply *bool) error {
	err := s.player.Resume()
	*reply = (err == nil)
	return err
}

// StopPlayback ends playback.
func (s *RecorderControl) StopPlayback(dummy *string, reply *bool) error {
	err := s.player.Stop()
	*reply = (err == nil)
	return err
}

// PlayerStatus reports the playback engine snapshot.
func (s *RecorderControl) PlayerStatus(dummy *string, reply *PlayerSnapshot) error {
	*reply = s.player.Status()
	return nil
}

// ExportArgs holds the arguments to an ExportWAV operation.
type ExportArgs struct {
	Filename string // capture file on the card
	Dest     string // host path for the .wav; empty derives from Filename
}

// ExportWAV copies a capture file off the card into a RIFF/WAV file on the
// host filesystem.
func (s *RecorderControl) ExportWAV(args *ExportArgs, reply *string) error {
	log.Printf("RPC ExportWAV: %s -> %s", args.Filename, args.Dest)
	if s.recorder.Running() {
		return errcode.Wrap(errcode.Busy, "rpc.export",
			fmt.Errorf("capture holds the card, stop recording first"))
	}
	name := args.Filename
	if path.Dir(name) == "." {
		name = path.Join(RecordingsDir, name)
	}
	dest, err := ExportWAV(s.fsman, name, args.Dest)
	if err != nil {
		return err
	}
	*reply = dest
	return nil
}

func (s *RecorderControl) broadcastUpdate() {
	s.clientUpdates <- ClientUpdate{"STATUS", s.recorder.Status()}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *RecorderControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(recorder *Recorder, player *Player, fsman *FSManager,
	messageChan chan<- ClientUpdate, portrpc int) {

	// Set up objects to handle remote calls
	recorderControl := new(RecorderControl)
	recorderControl.recorder = recorder
	recorderControl.player = player
	recorderControl.fsman = fsman
	recorderControl.clientUpdates = messageChan

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			recorderControl.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(recorderControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
