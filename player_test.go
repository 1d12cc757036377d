package audiard

import (
	"bytes"
	"testing"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/saihw"
)

// writeRecording puts a stereo capture file of the given size on the card,
// filled with a byte ramp so playback order is checkable.
func writeRecording(t *testing.T, m *FSManager, name string, size int) []byte {
	t.Helper()
	if err := m.EnsureDir(RecordingsDir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	f, err := m.Create(RecordingsDir + "/" + name)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return payload
}

func newTestPlayer(t *testing.T) (*Player, *saihw.Sim, *FSManager) {
	t.Helper()
	m, _ := newTestFS(t)
	sim := saihw.NewSim()
	return NewPlayer(sim, m), sim, m
}

const playTestFile = "audio_2ch_16bit_16000Hz_000.pcm"

// TestPlaybackToEnd plays a recording of two and a half buffer halves and
// checks every transmitted byte, including the zero tail of the last half.
func TestPlaybackToEnd(t *testing.T) {
	player, sim, m := newTestPlayer(t)
	var sink bytes.Buffer
	sim.SetTxSink(&sink)

	half := playbackBufferFrames / 2 * 4 // stereo frame is 4 bytes
	payload := writeRecording(t, m, playTestFile, 2*half+half/2)

	if err := player.Play(RecordingsDir + "/" + playTestFile); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if got := player.Status().State; got != "playing" {
		t.Fatalf("state %q after Play", got)
	}

	// Each tick drains one half; wait for the refill task to catch up
	// before draining the next so the buffer never transmits stale data.
	for i := 1; i <= 2; i++ {
		if err := sim.TickHalf(); err != nil {
			t.Fatalf("TickHalf %d failed: %v", i, err)
		}
		want := uint64(i)
		waitFor(t, "refill", func() bool { return player.Status().Refills >= want })
	}
	if err := sim.TickHalf(); err != nil {
		t.Fatalf("final TickHalf failed: %v", err)
	}
	waitFor(t, "playback end", func() bool { return player.Status().State == "stopped" })

	want := make([]byte, 3*half)
	copy(want, payload)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Error("transmitted bytes differ from the recording")
	}
	snap := player.Status()
	if snap.Frames != uint64(3*playbackBufferFrames/2) {
		t.Errorf("frames played %d, want %d", snap.Frames, 3*playbackBufferFrames/2)
	}
	if snap.Underruns != 0 {
		t.Errorf("%d underruns on a clean run", snap.Underruns)
	}
}

func TestPlayRefusals(t *testing.T) {
	player, _, m := newTestPlayer(t)
	writeRecording(t, m, playTestFile, 4096)

	if err := player.Play(RecordingsDir + "/notaname.bin"); !errcode.Is(err, errcode.ParErr) {
		t.Errorf("unparseable name: %v, want parerr", err)
	}
	missing := RecordingsDir + "/audio_2ch_16bit_16000Hz_999.pcm"
	if err := player.Play(missing); !errcode.Is(err, errcode.FileInvalid) {
		t.Errorf("missing file: %v, want file_invalid", err)
	}

	if err := player.Play(RecordingsDir + "/" + playTestFile); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := player.Play(RecordingsDir + "/" + playTestFile); !errcode.Is(err, errcode.Busy) {
		t.Errorf("second Play: %v, want busy", err)
	}
	if err := player.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, "stop", func() bool { return player.Status().State == "stopped" })
}

func TestPauseResumeStop(t *testing.T) {
	player, sim, m := newTestPlayer(t)
	writeRecording(t, m, playTestFile, 8192)

	if err := player.Pause(); !errcode.Is(err, errcode.NotOpen) {
		t.Errorf("Pause while idle: %v, want not_open", err)
	}
	if err := player.Stop(); !errcode.Is(err, errcode.NotOpen) {
		t.Errorf("Stop while idle: %v, want not_open", err)
	}

	if err := player.Play(RecordingsDir + "/" + playTestFile); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := player.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := player.Status().State; got != "paused" {
		t.Errorf("state %q after Pause", got)
	}
	events := player.Status().HalfEvents + player.Status().FullEvents
	sim.TickHalf()
	if got := player.Status().HalfEvents + player.Status().FullEvents; got != events {
		t.Error("paused engine delivered a half")
	}
	if err := player.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := player.Resume(); !errcode.Is(err, errcode.NotOpen) {
		t.Errorf("Resume while playing: %v, want not_open", err)
	}
	if err := player.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := player.Status().State; got != "stopped" {
		t.Errorf("state %q after Stop", got)
	}
	if sim.State() != saihw.StateReady {
		t.Errorf("engine %v after Stop, want ready", sim.State())
	}
}

// TestLoopedPlayback wraps a short recording and checks the line repeats
// it instead of going silent.
func TestLoopedPlayback(t *testing.T) {
	player, sim, m := newTestPlayer(t)
	var sink bytes.Buffer
	sim.SetTxSink(&sink)

	half := playbackBufferFrames / 2 * 4
	payload := writeRecording(t, m, playTestFile, half+half/2)

	if err := player.PlayFile(RecordingsDir+"/"+playTestFile, true); err != nil {
		t.Fatalf("PlayFile failed: %v", err)
	}
	if !player.Status().Loop {
		t.Error("loop flag not reported")
	}
	for i := 1; i <= 4; i++ {
		if err := sim.TickHalf(); err != nil {
			t.Fatalf("TickHalf %d failed: %v", i, err)
		}
		want := uint64(i)
		waitFor(t, "refill", func() bool { return player.Status().Refills >= want })
	}
	if got := player.Status().State; got != "playing" {
		t.Errorf("looped playback ended itself: state %q", got)
	}

	// The first two halves drained are the primed buffer: the whole file
	// and then the start again, wrapped.
	want := append(append([]byte{}, payload...), payload[:half/2]...)
	if !bytes.Equal(sink.Bytes()[:2*half], want) {
		t.Error("looped transmit does not wrap to the file start")
	}
	if err := player.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
