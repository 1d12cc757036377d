package audiard

import (
	"strings"
	"testing"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/saihw"
)

// newTestControl builds a RecorderControl over a live rig, calling the RPC
// methods directly the way the codec layer would.
func newTestControl(t *testing.T) (*RecorderControl, *testRig, chan ClientUpdate) {
	t.Helper()
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	updates := make(chan ClientUpdate, 64)
	control := &RecorderControl{
		recorder:      rig.recorder,
		player:        NewPlayer(saihw.NewSim(), rig.fsman),
		fsman:         rig.fsman,
		clientUpdates: updates,
	}
	return control, rig, updates
}

func TestRPCStartStop(t *testing.T) {
	control, rig, updates := newTestControl(t)
	dummy := ""

	var ok bool
	if err := control.Start(&dummy, &ok); err != nil || !ok {
		t.Fatalf("Start: %v, ok=%v", err, ok)
	}
	select {
	case u := <-updates:
		if u.tag != "STATUS" {
			t.Errorf("update tag %q, want STATUS", u.tag)
		}
	default:
		t.Error("Start broadcast no status update")
	}

	rig.tickAndDrain(t, 2)

	var status RecorderStatus
	if err := control.Status(&dummy, &status); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "recording" || status.ChunksWritten != 2 {
		t.Errorf("status %q with %d chunks", status.State, status.ChunksWritten)
	}

	if err := control.Stop(&dummy, &ok); err != nil || !ok {
		t.Fatalf("Stop: %v, ok=%v", err, ok)
	}
	if got := rig.recorder.Status().State; got != "idle" {
		t.Errorf("state %q after Stop", got)
	}
}

func TestRPCSetMode(t *testing.T) {
	control, rig, _ := newTestControl(t)
	dummy := ""
	var ok bool

	mode := "tdm"
	if err := control.SetMode(&mode, &ok); err != nil || !ok {
		t.Fatalf("SetMode: %v, ok=%v", err, ok)
	}
	if got := rig.recorder.Status().Mode; got != "tdm" {
		t.Errorf("mode %q after SetMode", got)
	}

	mode = "quad"
	if err := control.SetMode(&mode, &ok); err == nil {
		t.Error("SetMode accepted an unknown mode")
	}

	// Busy while recording: the reply mirrors the refusal.
	if err := control.Start(&dummy, &ok); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mode = "stereo"
	err := control.SetMode(&mode, &ok)
	if !errcode.Is(err, errcode.Busy) || ok {
		t.Errorf("SetMode while recording: %v, ok=%v; want busy", err, ok)
	}
	control.Stop(&dummy, &ok)
}

func TestRPCListRecordings(t *testing.T) {
	control, rig, _ := newTestControl(t)
	writeRecording(t, rig.fsman, playTestFile, 64000)
	// Non-recording files in the directory are skipped, not errors.
	f, err := rig.fsman.Create(RecordingsDir + "/notes.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Close()

	dummy := ""
	var list []RecordingInfo
	if err := control.ListRecordings(&dummy, &list); err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d recordings, want 1", len(list))
	}
	rec := list[0]
	if rec.Name != playTestFile || rec.Bytes != 64000 {
		t.Errorf("entry %q %d bytes", rec.Name, rec.Bytes)
	}
	if rec.Channels != 2 || rec.BitDepth != 16 || rec.SampleRate != 16000 {
		t.Errorf("format %dch %dbit %dHz", rec.Channels, rec.BitDepth, rec.SampleRate)
	}
	// 64000 bytes of 4-byte stereo frames at 16 kHz is exactly one second.
	if rec.Seconds != 1.0 {
		t.Errorf("duration %v s, want 1", rec.Seconds)
	}
}

func TestRPCExportRefusedWhileRecording(t *testing.T) {
	control, rig, _ := newTestControl(t)
	writeRecording(t, rig.fsman, playTestFile, 4096)
	dummy := ""
	var ok bool
	if err := control.Start(&dummy, &ok); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var dest string
	err := control.ExportWAV(&ExportArgs{Filename: playTestFile}, &dest)
	if !errcode.Is(err, errcode.Busy) {
		t.Errorf("export while recording: %v, want busy", err)
	}
	control.Stop(&dummy, &ok)
}

func TestRPCSendAllStatus(t *testing.T) {
	control, _, updates := newTestControl(t)
	dummy := ""
	var ok bool
	if err := control.SendAllStatus(&dummy, &ok); err != nil || !ok {
		t.Fatalf("SendAllStatus: %v, ok=%v", err, ok)
	}
	tags := []string{}
	for len(updates) > 0 {
		tags = append(tags, (<-updates).tag)
	}
	if len(tags) != 2 || tags[0] != "STATUS" || tags[1] != "SENDALL" {
		t.Errorf("broadcast tags %v, want [STATUS SENDALL]", tags)
	}
}

func TestRPCDebugStatus(t *testing.T) {
	control, _, _ := newTestControl(t)
	dummy := ""
	var report string
	if err := control.DebugStatus(&dummy, &report); err != nil {
		t.Fatalf("DebugStatus: %v", err)
	}
	if !strings.Contains(report, "RecorderStatus") || !strings.Contains(report, "PlayerSnapshot") {
		t.Errorf("debug dump missing snapshots:\n%s", report)
	}
}
