package audiard

import (
	"bytes"
	"strings"
	"testing"

	"github.com/audiodaq/audiard/internal/errcode"
)

func stereoProfile(t *testing.T) Profile {
	t.Helper()
	p, err := ProfileForMode(ModeStereo)
	if err != nil {
		t.Fatalf("ProfileForMode failed: %v", err)
	}
	return p
}

func TestWritingStateLifecycle(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	ws := &WritingState{}

	if err := ws.WriteChunk([]byte{1, 2}); !errcode.Is(err, errcode.NotOpen) {
		t.Errorf("WriteChunk before Start: %v, want not_open", err)
	}

	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !ws.IsActive() {
		t.Fatal("not active after Start")
	}
	if err := ws.Start(m, p, RecordingsDir, ""); !errcode.Is(err, errcode.Busy) {
		t.Errorf("second Start: %v, want busy", err)
	}

	half := bytes.Repeat([]byte{0x11, 0x22}, p.HalfBufferBytes()/2)
	for i := 0; i < 5; i++ {
		if err := ws.WriteChunk(half); err != nil {
			t.Fatalf("WriteChunk %d failed: %v", i, err)
		}
	}
	state := ws.ComputeState()
	if state.ChunksWritten != 5 || state.BytesWritten != int64(5*len(half)) {
		t.Errorf("counters: %d chunks, %d bytes", state.ChunksWritten, state.BytesWritten)
	}

	filename := state.Filename
	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if ws.IsActive() {
		t.Error("still active after Stop")
	}
	size, err := m.StatSize(filename)
	if err != nil || size != int64(5*len(half)) {
		t.Errorf("on-card size = %d, %v; want %d", size, err, 5*len(half))
	}

	// Stop on an idle WritingState is a no-op.
	if err := ws.Stop(); err != nil {
		t.Errorf("idle Stop: %v", err)
	}
}

// An active session whose file handle is gone is a different failure than
// a session that never started, and the error kinds must say which.
func TestWriteChunkNilHandleIsFileInvalid(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	ws := &WritingState{}
	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ws.Lock()
	ws.file = nil
	ws.Unlock()
	if err := ws.WriteChunk([]byte{1, 2}); !errcode.Is(err, errcode.FileInvalid) {
		t.Errorf("WriteChunk with a lost handle: %v, want file_invalid", err)
	}
	ws.Stop()
}

// TestIndexProbeSkipsExisting seeds the card with files at the first two
// indexes and checks Start lands on the third, then on the fourth within
// the same session.
func TestIndexProbeSkipsExisting(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	if err := m.EnsureDir(RecordingsDir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	for _, index := range []int{0, 1} {
		f, err := m.Create(RecordingsDir + "/" + p.FileInfo(index).Filename())
		if err != nil {
			t.Fatalf("seed create %d failed: %v", index, err)
		}
		f.Close()
	}

	ws := &WritingState{}
	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := ws.ComputeState().FileIndex; got != 2 {
		t.Errorf("first session index %d, want 2", got)
	}
	if !strings.HasSuffix(ws.ComputeState().Filename, "_002.pcm") {
		t.Errorf("filename %q does not carry index 2", ws.ComputeState().Filename)
	}
	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if got := ws.ComputeState().FileIndex; got != 3 {
		t.Errorf("second session index %d, want 3", got)
	}
	ws.Stop()
}

func TestSyncStrideCadence(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	ws := &WritingState{SyncStride: 4}
	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	half := make([]byte, p.HalfBufferBytes())
	for i := 0; i < 9; i++ {
		if err := ws.WriteChunk(half); err != nil {
			t.Fatalf("WriteChunk %d failed: %v", i, err)
		}
	}
	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	filename := "audio_2ch_16bit_16000Hz_000.pcm"
	size, err := m.StatSize(RecordingsDir + "/" + filename)
	if err != nil || size != int64(9*len(half)) {
		t.Errorf("size = %d, %v; want %d", size, err, 9*len(half))
	}
}

func TestAbandonKeepsHandle(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	ws := &WritingState{}
	if err := ws.Start(m, p, RecordingsDir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	half := make([]byte, p.HalfBufferBytes())
	if err := ws.WriteChunk(half); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	f := ws.Abandon()
	if f == nil {
		t.Fatal("Abandon returned no file")
	}
	if ws.IsActive() {
		t.Error("still active after Abandon")
	}
	// The handle stays usable, so a later salvage can still flush and close.
	if err := f.Sync(); err != nil {
		t.Errorf("salvage sync failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("salvage close failed: %v", err)
	}
	_ = m
}

func TestMirrorWritesHostCopy(t *testing.T) {
	m, _ := newTestFS(t)
	p := stereoProfile(t)
	dir := t.TempDir()
	ws := &WritingState{}
	if err := ws.Start(m, p, RecordingsDir, dir); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mirrorName := ws.ComputeState().mirrorFilename
	if mirrorName == "" {
		t.Fatal("no mirror file opened")
	}
	half := make([]byte, p.HalfBufferBytes())
	for i := 0; i < 3; i++ {
		if err := ws.WriteChunk(half); err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
	}
	if err := ws.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !strings.HasSuffix(mirrorName, "_000.npy") {
		t.Errorf("mirror name %q", mirrorName)
	}
}
