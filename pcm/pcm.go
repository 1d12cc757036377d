// Package pcm reads and writes the raw PCM capture files produced by the
// recorder. The files carry no header: all acquisition parameters are
// encoded in the file name, e.g. audio_8ch_16bit_16000Hz_007.pcm holds
// interleaved little-endian 16-bit frames of 8 channels at 16 kHz.
package pcm

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/audiodaq/audiard/getbytes"
)

// Extension is the suffix of every capture file.
const Extension = ".pcm"

const namePattern = "audio_%dch_%dbit_%dHz_%03d" + Extension

// scanPattern matches namePattern but scans the index without a width
// limit, so counters past 999 still parse.
const scanPattern = "audio_%dch_%dbit_%dHz_%d" + Extension

// Info holds the acquisition parameters of one capture file.
type Info struct {
	Channels   int
	BitDepth   int
	SampleRate int
	Index      int
}

// Filename renders the canonical file name for these parameters. The index
// is zero-padded to three digits but grows wider when it exceeds 999.
func (inf Info) Filename() string {
	return fmt.Sprintf(namePattern, inf.Channels, inf.BitDepth, inf.SampleRate, inf.Index)
}

// FrameBytes returns the size of one interleaved frame in bytes.
func (inf Info) FrameBytes() int {
	return inf.Channels * inf.BitDepth / 8
}

// Duration converts a byte count into capture time.
func (inf Info) Duration(size int64) time.Duration {
	fb := int64(inf.FrameBytes())
	if fb <= 0 || inf.SampleRate <= 0 {
		return 0
	}
	frames := size / fb
	return time.Duration(frames) * time.Second / time.Duration(inf.SampleRate)
}

func (inf Info) validate() error {
	if inf.Channels < 1 {
		return fmt.Errorf("channel count %d out of range", inf.Channels)
	}
	if inf.BitDepth != 16 {
		return fmt.Errorf("bit depth %d not supported (16 only)", inf.BitDepth)
	}
	if inf.SampleRate < 1 {
		return fmt.Errorf("sample rate %d out of range", inf.SampleRate)
	}
	if inf.Index < 0 {
		return fmt.Errorf("file index %d out of range", inf.Index)
	}
	return nil
}

// ParseFilename recovers the acquisition parameters from a capture file
// name. It accepts a bare name or a full path.
func ParseFilename(name string) (Info, error) {
	var inf Info
	base := path.Base(name)
	if !strings.HasSuffix(base, Extension) {
		return inf, fmt.Errorf("pcm file '%s': extension must be %s", base, Extension)
	}
	n, err := fmt.Sscanf(base, scanPattern,
		&inf.Channels, &inf.BitDepth, &inf.SampleRate, &inf.Index)
	if err != nil || n < 4 {
		return inf, fmt.Errorf("pcm file '%s': name does not match audio_<N>ch_<B>bit_<R>Hz_<III>%s", base, Extension)
	}
	if err := inf.validate(); err != nil {
		return inf, fmt.Errorf("pcm file '%s': %v", base, err)
	}
	return inf, nil
}

// Reader decodes frames from an open capture file.
type Reader struct {
	Info Info

	src    io.Reader
	closer io.Closer
	spare  []byte
}

// NewReader wraps an already-open stream whose parameters were taken from
// the given file name.
func NewReader(name string, src io.Reader) (*Reader, error) {
	inf, err := ParseFilename(name)
	if err != nil {
		return nil, err
	}
	return &Reader{Info: inf, src: src}, nil
}

// OpenReader opens a capture file on the host filesystem.
func OpenReader(fileName string) (*Reader, error) {
	r, err := NewReader(fileName, nil)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	r.src = f
	r.closer = f
	return r, nil
}

// Close releases the underlying file, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadFrames fills dst with whole interleaved frames and returns how many
// frames it decoded. A trailing partial frame in the file is dropped.
// io.EOF signals a clean end of data.
func (r *Reader) ReadFrames(dst []int16) (int, error) {
	fb := r.Info.FrameBytes()
	want := (len(dst) * 2 / fb) * fb
	if want == 0 {
		return 0, nil
	}
	if cap(r.spare) < want {
		r.spare = make([]byte, want)
	}
	raw := r.spare[:want]
	n, err := io.ReadFull(r.src, raw)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	n -= n % fb
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	copy(dst, getbytes.ToSliceInt16(raw[:n]))
	return n / fb, err
}

// Deinterleave copies channel c (0-based) out of interleaved frames.
func Deinterleave(frames []int16, channels, c int) []int16 {
	if channels < 1 || c < 0 || c >= channels {
		return nil
	}
	out := make([]int16, 0, len(frames)/channels)
	for i := c; i < len(frames); i += channels {
		out = append(out, frames[i])
	}
	return out
}
