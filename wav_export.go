package audiard

// Containerizes a raw capture file as RIFF/WAV on the host filesystem.
// Sample data is copied bit for bit; the format chunk parameters come
// from the recording's filename.

import (
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/pcm"
)

const exportChunkFrames = 2048

// ExportWAV copies the named card recording into a WAV file on the host.
// An empty dest derives the name from the recording, in the working
// directory. Returns the host path written.
func ExportWAV(m *FSManager, cardPath, dest string) (string, error) {
	f, err := m.Open(cardPath)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			ProblemLogger.Printf("could not close %s after export: %v", cardPath, cerr)
		}
	}()

	r, err := pcm.NewReader(cardPath, f)
	if err != nil {
		return "", errcode.Wrap(errcode.ParErr, "export", err)
	}
	inf := r.Info

	if dest == "" {
		dest = strings.TrimSuffix(path.Base(cardPath), pcm.Extension) + ".wav"
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", errcode.Wrap(errcode.FileOpenFailed, "export", err)
	}
	fail := func(c errcode.Code, ferr error) (string, error) {
		out.Close()
		os.Remove(dest)
		return "", errcode.Wrap(c, "export", ferr)
	}

	enc := wav.NewEncoder(out, inf.SampleRate, inf.BitDepth, inf.Channels, 1)
	frames := make([]int16, exportChunkFrames*inf.Channels)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: inf.Channels, SampleRate: inf.SampleRate},
		SourceBitDepth: inf.BitDepth,
	}
	total := 0
	for {
		n, rerr := r.ReadFrames(frames)
		if n > 0 {
			samples := frames[:n*inf.Channels]
			if cap(buf.Data) < len(samples) {
				buf.Data = make([]int, len(samples))
			}
			buf.Data = buf.Data[:len(samples)]
			for i, s := range samples {
				buf.Data[i] = int(s)
			}
			if werr := enc.Write(buf); werr != nil {
				return fail(errcode.WriteFailed, werr)
			}
			total += n
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(errcode.FileInvalid, rerr)
		}
	}
	if err := enc.Close(); err != nil {
		return fail(errcode.WriteFailed, err)
	}
	if err := out.Close(); err != nil {
		return "", errcode.Wrap(errcode.WriteFailed, "export", err)
	}
	log.Printf("exported %s to %s (%d frames)", cardPath, dest, total)
	return dest, nil
}
