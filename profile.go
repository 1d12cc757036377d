package audiard

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/audiodaq/audiard/internal/saihw"
	"github.com/audiodaq/audiard/pcm"
)

// MaxHalfBufferBytes is the largest DMA half-buffer any capture profile
// uses. Chunk payloads are sized to this constant so a chunk can travel
// through a channel by value, with no shared backing array.
const MaxHalfBufferBytes = 4096

// PCMMode selects one of the fixed capture profiles.
type PCMMode int

// The supported capture modes. The hardware pinout fixes these: a stereo
// I2S microphone pair, or an 8-channel TDM microphone array.
const (
	ModeStereo PCMMode = iota
	ModeTDM
	modeCount
)

// DefaultMode is what the recorder captures with until set_mode says
// otherwise.
const DefaultMode = ModeTDM

func (m PCMMode) String() string {
	switch m {
	case ModeStereo:
		return "stereo"
	case ModeTDM:
		return "tdm"
	}
	return fmt.Sprintf("PCMMode(%d)", int(m))
}

// ParseMode converts a shell or RPC argument into a PCMMode.
func ParseMode(s string) (PCMMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stereo", "2ch":
		return ModeStereo, nil
	case "tdm", "8ch":
		return ModeTDM, nil
	}
	return 0, fmt.Errorf("unknown capture mode %q (expect stereo or tdm)", s)
}

// Modes lists every supported capture mode.
func Modes() []PCMMode {
	return []PCMMode{ModeStereo, ModeTDM}
}

// Profile fixes every acquisition parameter for one capture mode. Profiles
// are immutable: changing modes swaps the whole profile, never one field.
type Profile struct {
	Mode         PCMMode
	Name         string
	Channels     int
	BitDepth     int
	SampleRate   int
	BufferFrames int // frames per full DMA buffer, split into two halves
	Protocol     saihw.Protocol
	SlotMask     uint32
}

var profiles = [modeCount]Profile{
	ModeStereo: {
		Mode:         ModeStereo,
		Name:         "stereo",
		Channels:     2,
		BitDepth:     16,
		SampleRate:   16000,
		BufferFrames: 512,
		Protocol:     saihw.ProtocolI2S,
		SlotMask:     0x3,
	},
	ModeTDM: {
		Mode:         ModeTDM,
		Name:         "tdm",
		Channels:     8,
		BitDepth:     16,
		SampleRate:   16000,
		BufferFrames: 512,
		Protocol:     saihw.ProtocolPCMShort,
		SlotMask:     0xFF,
	},
}

// ProfileForMode returns the registry entry for the given mode.
func ProfileForMode(m PCMMode) (Profile, error) {
	if m < 0 || m >= modeCount {
		return Profile{}, fmt.Errorf("no capture profile for mode %d", int(m))
	}
	return profiles[m], nil
}

// FrameBytes is the size of one interleaved frame.
func (p Profile) FrameBytes() int {
	return p.Channels * p.BitDepth / 8
}

// BufferBytes is the size of the full double buffer.
func (p Profile) BufferBytes() int {
	return p.BufferFrames * p.FrameBytes()
}

// HalfBufferBytes is the size of one DMA half.
func (p Profile) HalfBufferBytes() int {
	return p.BufferBytes() / 2
}

// HalfFrames is the number of frames delivered per half-complete event.
func (p Profile) HalfFrames() int {
	return p.BufferFrames / 2
}

// HalfPeriod is how long the hardware takes to fill one half-buffer.
func (p Profile) HalfPeriod() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.HalfFrames()) * time.Second / time.Duration(p.SampleRate)
}

// SAIConfig renders the profile as a peripheral configuration.
func (p Profile) SAIConfig() saihw.Config {
	return saihw.Config{
		Protocol:   p.Protocol,
		Datasize:   p.BitDepth,
		Channels:   p.Channels,
		SlotMask:   p.SlotMask,
		SampleRate: p.SampleRate,
	}
}

// FileInfo names the capture file this profile produces at the given index.
func (p Profile) FileInfo(index int) pcm.Info {
	return pcm.Info{
		Channels:   p.Channels,
		BitDepth:   p.BitDepth,
		SampleRate: p.SampleRate,
		Index:      index,
	}
}

// Validate checks the registry invariants. It runs once at startup so a
// bad registry edit fails loudly instead of corrupting captures.
func (p Profile) Validate() error {
	if p.Channels < 1 {
		return fmt.Errorf("profile %s: channel count %d out of range", p.Name, p.Channels)
	}
	if p.BitDepth != 16 {
		return fmt.Errorf("profile %s: bit depth %d not supported", p.Name, p.BitDepth)
	}
	if p.SampleRate < 1 {
		return fmt.Errorf("profile %s: sample rate %d out of range", p.Name, p.SampleRate)
	}
	if p.BufferFrames < 2 || p.BufferFrames%2 != 0 {
		return fmt.Errorf("profile %s: buffer of %d frames does not split into halves", p.Name, p.BufferFrames)
	}
	if n := bits.OnesCount32(p.SlotMask); n != p.Channels {
		return fmt.Errorf("profile %s: slot mask %#x enables %d slots for %d channels", p.Name, p.SlotMask, n, p.Channels)
	}
	if hb := p.HalfBufferBytes(); hb > MaxHalfBufferBytes {
		return fmt.Errorf("profile %s: half buffer of %d bytes exceeds chunk capacity %d", p.Name, hb, MaxHalfBufferBytes)
	}
	return nil
}

// ValidateProfiles checks every registry entry.
func ValidateProfiles() error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
