package recorderdb

import (
	"testing"
	"time"
)

func TestDisconnectedIsSafe(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Error("nil Connection should not report connected")
	}
	// With no singleton started, Record calls must be silent no-ops.
	RecordSession(&SessionMessage{Filename: "audio_8ch_16bit_16000Hz_000.pcm", Start: time.Now()})
	RecordSessionEnd(&SessionEndMessage{Filename: "audio_8ch_16bit_16000Hz_000.pcm", End: time.Now()})
	RecordSession(nil)
	RecordSessionEnd(nil)
}

func TestEmptyAddressDisablesLedger(t *testing.T) {
	db := createDBConnection("")
	if db.IsConnected() {
		t.Error("empty address must leave the ledger disconnected")
	}
	if db.err != nil {
		t.Errorf("disabled ledger carries a dial error: %v", db.err)
	}
}

func TestNewActivityMessage(t *testing.T) {
	m := NewActivityMessage("0.2.3", "deadbeef")
	if m.ID == "" {
		t.Error("activity message needs a ULID")
	}
	if m.Version != "0.2.3" || m.Githash != "deadbeef" {
		t.Errorf("version fields not carried: %+v", m)
	}
	if m.GoVersion == "" || m.CPUs < 1 {
		t.Errorf("runtime fields not filled: %+v", m)
	}
	if m.Start.IsZero() {
		t.Error("start time not stamped")
	}
	m2 := NewActivityMessage("0.2.3", "deadbeef")
	if m2.ID == m.ID {
		t.Error("activity IDs must be unique")
	}
}
