package audiard

import (
	"testing"
	"time"

	"github.com/audiodaq/audiard/internal/saihw"
)

func TestProfileRegistry(t *testing.T) {
	if err := ValidateProfiles(); err != nil {
		t.Fatalf("shipped registry does not validate: %v", err)
	}
	tests := []struct {
		mode       PCMMode
		channels   int
		frameBytes int
		halfBytes  int
		protocol   saihw.Protocol
		halfPeriod time.Duration
	}{
		{ModeStereo, 2, 4, 1024, saihw.ProtocolI2S, 16 * time.Millisecond},
		{ModeTDM, 8, 16, 4096, saihw.ProtocolPCMShort, 16 * time.Millisecond},
	}
	for _, test := range tests {
		p, err := ProfileForMode(test.mode)
		if err != nil {
			t.Fatalf("ProfileForMode(%v) failed: %v", test.mode, err)
		}
		if p.Channels != test.channels {
			t.Errorf("%v: channels %d, want %d", test.mode, p.Channels, test.channels)
		}
		if p.FrameBytes() != test.frameBytes {
			t.Errorf("%v: frame bytes %d, want %d", test.mode, p.FrameBytes(), test.frameBytes)
		}
		if p.HalfBufferBytes() != test.halfBytes {
			t.Errorf("%v: half buffer %d, want %d", test.mode, p.HalfBufferBytes(), test.halfBytes)
		}
		if p.Protocol != test.protocol {
			t.Errorf("%v: protocol %v, want %v", test.mode, p.Protocol, test.protocol)
		}
		if p.HalfPeriod() != test.halfPeriod {
			t.Errorf("%v: half period %v, want %v", test.mode, p.HalfPeriod(), test.halfPeriod)
		}
		// The structural invariants every profile must satisfy.
		if p.BufferBytes() != p.Channels*p.BitDepth/8*p.BufferFrames {
			t.Errorf("%v: buffer bytes inconsistent with geometry", test.mode)
		}
		if p.BufferFrames%2 != 0 {
			t.Errorf("%v: odd frame count does not split into halves", test.mode)
		}
		if p.BufferBytes()%32 != 0 {
			t.Errorf("%v: buffer of %d bytes is not cache-line sized", test.mode, p.BufferBytes())
		}
	}
	if _, err := ProfileForMode(PCMMode(99)); err == nil {
		t.Error("ProfileForMode(99) should fail")
	}
	if _, err := ProfileForMode(PCMMode(-1)); err == nil {
		t.Error("ProfileForMode(-1) should fail")
	}
}

func TestProfileValidateRejects(t *testing.T) {
	good, _ := ProfileForMode(ModeStereo)
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"zero channels", func(p *Profile) { p.Channels = 0 }},
		{"24-bit depth", func(p *Profile) { p.BitDepth = 24 }},
		{"zero rate", func(p *Profile) { p.SampleRate = 0 }},
		{"odd frames", func(p *Profile) { p.BufferFrames = 511 }},
		{"slot mask mismatch", func(p *Profile) { p.SlotMask = 0x7 }},
		{"oversized half", func(p *Profile) { p.BufferFrames = 8192 }},
	}
	for _, test := range tests {
		p := good
		test.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: Validate accepted a bad profile", test.name)
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want PCMMode
		ok   bool
	}{
		{"stereo", ModeStereo, true},
		{"STEREO", ModeStereo, true},
		{" tdm ", ModeTDM, true},
		{"8ch", ModeTDM, true},
		{"2ch", ModeStereo, true},
		{"mono", 0, false},
		{"", 0, false},
	}
	for _, test := range tests {
		got, err := ParseMode(test.in)
		if test.ok && (err != nil || got != test.want) {
			t.Errorf("ParseMode(%q)=%v,%v, want %v", test.in, got, err, test.want)
		}
		if !test.ok && err == nil {
			t.Errorf("ParseMode(%q) should fail", test.in)
		}
	}
}
