package audiard

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/audiodaq/audiard/getbytes"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/npymirror"
	"github.com/audiodaq/audiard/pcm"
)

// How hard to try flushing a finished capture file before giving up, and
// how long to let the card recover between attempts.
const (
	finalizeAttempts = 3
	finalizeRetryGap = 50 * time.Millisecond
)

// WritingState monitors the state of capture-file writing.
type WritingState struct {
	Active        bool
	Filename      string
	FileIndex     int
	BytesWritten  int64
	ChunksWritten uint64
	SyncStride    int // chunks between card syncs; 0 commits only on stop

	file           *CaptureFile
	nextIndex      int
	mirrorFilename string
	mirror         *npymirror.Appender
	sync.Mutex
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the "active" features like open files.
func (ws *WritingState) ComputeState() WritingState {
	ws.Lock()
	defer ws.Unlock()
	var copyState WritingState
	copyState.Active = ws.Active
	copyState.Filename = ws.Filename
	copyState.FileIndex = ws.FileIndex
	copyState.BytesWritten = ws.BytesWritten
	copyState.ChunksWritten = ws.ChunksWritten
	copyState.SyncStride = ws.SyncStride
	copyState.mirrorFilename = ws.mirrorFilename
	return copyState
}

// nextFreeFile probes the card for the first unused capture index and
// opens it. Probing restarts where the last session left off, so indexes
// stay monotone within one power cycle and existing files are never
// reopened.
func (ws *WritingState) nextFreeFile(m *FSManager, p Profile, dir string) (*CaptureFile, int, error) {
	const probeLimit = 100000
	for index := ws.nextIndex; index < ws.nextIndex+probeLimit; index++ {
		name := path.Join(dir, p.FileInfo(index).Filename())
		if m.Exists(name) {
			continue
		}
		f, err := m.Create(name)
		if err != nil {
			return nil, 0, err
		}
		return f, index, nil
	}
	return nil, 0, errcode.Wrap(errcode.FileOpenFailed, "writing.probe",
		fmt.Errorf("no free capture index under %s", dir))
}

// Start opens the next free capture file for the given profile and makes
// the WritingState active. An optional host-side mirror directory receives
// an asynchronous copy of everything written.
func (ws *WritingState) Start(m *FSManager, p Profile, dir, mirrorDir string) error {
	ws.Lock()
	defer ws.Unlock()
	if ws.Active {
		return errcode.Wrap(errcode.Busy, "writing.start", fmt.Errorf("already writing %s", ws.Filename))
	}
	if err := m.EnsureDir(dir); err != nil {
		return err
	}
	f, index, err := ws.nextFreeFile(m, p, dir)
	if err != nil {
		return err
	}
	ws.Active = true
	ws.file = f
	ws.Filename = f.Path()
	ws.FileIndex = index
	ws.nextIndex = index + 1
	ws.BytesWritten = 0
	ws.ChunksWritten = 0

	if mirrorDir != "" {
		base := strings.TrimSuffix(p.FileInfo(index).Filename(), pcm.Extension)
		name := path.Join(mirrorDir, base+".npy")
		app, err := npymirror.Create(name, p.HalfBufferBytes()/2)
		if err != nil {
			ProblemLogger.Printf("cannot create mirror file %s: %v", name, err)
		} else {
			ws.mirrorFilename = name
			ws.mirror = app
		}
	}
	return nil
}

// WriteChunk appends one captured half-buffer to the session file and
// keeps the sync cadence. The mirror gets a best-effort copy; a slow host
// disk drops mirror data rather than stalling the card write.
func (ws *WritingState) WriteChunk(payload []byte) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return errcode.Wrap(errcode.NotOpen, "writing.chunk", nil)
	}
	if ws.file == nil {
		// Active with no handle means the session lost its file out from
		// under it, a different failure than never having started.
		return errcode.Wrap(errcode.FileInvalid, "writing.chunk", nil)
	}
	n, err := ws.file.Write(payload)
	ws.BytesWritten += int64(n)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return errcode.Wrap(errcode.WriteFailed, "writing.chunk",
			fmt.Errorf("short write: %d of %d bytes", n, len(payload)))
	}
	ws.ChunksWritten++
	if ws.mirror != nil {
		ws.mirror.AppendRow(getbytes.ToSliceInt16(payload))
	}
	// A sync forces the FAT cluster chain to the card, which can stall
	// for tens of milliseconds. Stride 0 defers that entirely to Stop.
	if ws.SyncStride > 0 && ws.ChunksWritten%uint64(ws.SyncStride) == 0 {
		return ws.file.Sync()
	}
	return nil
}

// Stop finalizes the capture file: flush with retries, close, then verify
// the file landed in the directory. The card gets a moment to recover
// between flush attempts, since transient write-layer errors clear on
// their own more often than not.
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return nil
	}
	ws.Active = false

	var firstErr error
	if ws.file != nil {
		synced := false
		for attempt := 1; attempt <= finalizeAttempts; attempt++ {
			if err := ws.file.Sync(); err == nil {
				synced = true
				break
			} else if attempt == finalizeAttempts {
				firstErr = err
			}
			time.Sleep(finalizeRetryGap)
		}
		if err := ws.file.Close(); err != nil && synced {
			ProblemLogger.Printf("close of %s failed after clean sync: %v", ws.Filename, err)
		}
		if !ws.file.m.Exists(ws.Filename) {
			err := errcode.Wrap(errcode.FileInvalid, "writing.stop",
				fmt.Errorf("%s missing after close", ws.Filename))
			if firstErr == nil {
				firstErr = err
			}
		}
		ws.file = nil
	}

	if ws.mirror != nil {
		if n := ws.mirror.DroppedBytes(); n > 0 {
			ProblemLogger.Printf("mirror %s dropped %d bytes to a slow host disk", ws.mirrorFilename, n)
		}
		if err := ws.mirror.Close(); err != nil {
			ProblemLogger.Printf("failed to close mirror file %s: %v", ws.mirrorFilename, err)
		}
		ws.mirror = nil
	}
	ws.mirrorFilename = ""
	return firstErr
}

// Abandon drops the session without the finalize ceremony. The error path
// uses it when the card is gone and flushing would only block: the file
// handle stays open for a later salvage attempt by reset.
func (ws *WritingState) Abandon() *CaptureFile {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = false
	f := ws.file
	ws.file = nil
	if ws.mirror != nil {
		ws.mirror.Close()
		ws.mirror = nil
	}
	ws.mirrorFilename = ""
	return f
}
