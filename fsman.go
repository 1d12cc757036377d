package audiard

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"

	"github.com/audiodaq/audiard/internal/cache"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/audiodaq/audiard/internal/sdcard"
)

// RecordingsDir is where capture files land on the card.
const RecordingsDir = "/recordings"

const (
	volumeLabel = "AUDIARD"

	// remountDelay gives a glitching card time to settle before the
	// volume is brought back up.
	remountDelay = 200 * time.Millisecond
)

// FSManager owns the card volume's lifecycle: first mount, format of a
// blank card, health checks, and the settle-and-remount recovery path.
// All file traffic reaches the card through it, so there is exactly one
// per card.
type FSManager struct {
	adapter *sdcard.Adapter
	probe   []byte // aligned scratch sector for Check's device read

	mu       sync.Mutex
	dev      *sdcard.BlockFile
	fsys     filesystem.FileSystem
	mounted  bool
	formats  int
	remounts int
}

// NewFSManager makes a manager for the card behind the given adapter.
// Nothing touches the card until the first Mount.
func NewFSManager(a *sdcard.Adapter) *FSManager {
	return &FSManager{
		adapter: a,
		probe:   cache.MakePaddedSlice(sdcard.SectorSize),
	}
}

// Mount brings the volume up if it is not already. A card with no
// recognizable filesystem is formatted once and mounted fresh, so a
// factory-new card works on first boot.
func (m *FSManager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountLocked()
}

func (m *FSManager) mountLocked() error {
	if m.mounted {
		return nil
	}
	if err := m.adapter.Initialize(); err != nil {
		return errcode.Wrap(errcode.SDNotReady, "fsman.mount", err)
	}
	if m.dev == nil {
		dev, err := sdcard.NewBlockFile(m.adapter)
		if err != nil {
			return errcode.Wrap(errcode.SDNotReady, "fsman.mount", err)
		}
		m.dev = dev
	}
	fsys, err := fat32.Read(m.dev, m.dev.Size(), 0, sdcard.SectorSize)
	if err != nil {
		ProblemLogger.Printf("no filesystem on card (%v), formatting %d MiB volume",
			err, m.dev.Size()>>20)
		fsys, err = fat32.Create(m.dev, m.dev.Size(), 0, sdcard.SectorSize, volumeLabel)
		if err != nil {
			return errcode.Wrap(errcode.NoFilesystem, "fsman.mkfs", err)
		}
		m.formats++
	}
	m.fsys = fsys
	m.mounted = true
	return nil
}

// Unmount forgets the volume. Open CaptureFiles become invalid.
func (m *FSManager) Unmount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsys = nil
	m.mounted = false
}

// Mounted reports whether the volume is up.
func (m *FSManager) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Check probes volume health and remounts an unhealthy volume in place.
// The probe must reach the card itself: the FAT layer answers directory
// walks from its in-memory copy of the tables, so only a raw device read
// proves the medium still answers.
func (m *FSManager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return m.mountLocked()
	}
	if err := m.probeLocked(); err != nil {
		ProblemLogger.Printf("card check failed (%v), remounting", err)
		return m.remountLocked()
	}
	return nil
}

// probeLocked reads the volume's boot sector through the adapter: a card
// state query catches removal, the transfer catches a card that is present
// but no longer answering blocks.
func (m *FSManager) probeLocked() error {
	if err := m.adapter.Status(); err != nil {
		return err
	}
	return m.adapter.Read(m.probe, 0, 1)
}

// Remount drops the volume, waits for the card to settle, and mounts it
// again.
func (m *FSManager) Remount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remountLocked()
}

func (m *FSManager) remountLocked() error {
	m.fsys = nil
	m.mounted = false
	m.remounts++
	time.Sleep(remountDelay)
	return m.mountLocked()
}

// Formats counts how many times a blank card was formatted.
func (m *FSManager) Formats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formats
}

// Remounts counts recovery remounts since process start.
func (m *FSManager) Remounts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remounts
}

// CapacityBytes is the raw size of the volume.
func (m *FSManager) CapacityBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return 0
	}
	return m.dev.Size()
}

func (m *FSManager) fs() (filesystem.FileSystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mountLocked(); err != nil {
		return nil, err
	}
	return m.fsys, nil
}

// EnsureDir creates a directory on the card, parents included.
func (m *FSManager) EnsureDir(dir string) error {
	fsys, err := m.fs()
	if err != nil {
		return err
	}
	if err := fsys.Mkdir(dir); err != nil {
		return errcode.Wrap(errcode.WriteFailed, "fsman.mkdir", err)
	}
	return nil
}

// List names the files in a card directory.
func (m *FSManager) List(dir string) ([]os.FileInfo, error) {
	fsys, err := m.fs()
	if err != nil {
		return nil, err
	}
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, errcode.Wrap(errcode.FileOpenFailed, "fsman.list", err)
	}
	return infos, nil
}

// Exists reports whether the named card file exists.
func (m *FSManager) Exists(p string) bool {
	infos, err := m.List(path.Dir(p))
	if err != nil {
		return false
	}
	base := path.Base(p)
	for _, info := range infos {
		if info.Name() == base {
			return true
		}
	}
	return false
}

// StatSize returns the size of the named card file.
func (m *FSManager) StatSize(p string) (int64, error) {
	infos, err := m.List(path.Dir(p))
	if err != nil {
		return 0, err
	}
	base := path.Base(p)
	for _, info := range infos {
		if info.Name() == base {
			return info.Size(), nil
		}
	}
	return 0, errcode.Wrap(errcode.FileInvalid, "fsman.stat", fmt.Errorf("%s not found", p))
}

// Create opens a fresh capture file for writing.
func (m *FSManager) Create(p string) (*CaptureFile, error) {
	return m.open(p, os.O_RDWR|os.O_CREATE)
}

// Open opens an existing card file for reading.
func (m *FSManager) Open(p string) (*CaptureFile, error) {
	return m.open(p, os.O_RDONLY)
}

func (m *FSManager) open(p string, flag int) (*CaptureFile, error) {
	fsys, err := m.fs()
	if err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(p, flag)
	if err != nil {
		return nil, errcode.Wrap(errcode.FileOpenFailed, "fsman.open", err)
	}
	return &CaptureFile{m: m, path: p, f: f}, nil
}

// CaptureFile is an open file on the card. Writes go straight through to
// the block device; Sync flushes the host-side cache so a power cut after
// Sync loses nothing.
type CaptureFile struct {
	m      *FSManager
	path   string
	f      filesystem.File
	size   int64
	closed bool
}

// Path returns the card path this file was opened with.
func (cf *CaptureFile) Path() string { return cf.path }

// Size returns how many bytes have been written through this handle.
func (cf *CaptureFile) Size() int64 { return cf.size }

func (cf *CaptureFile) Write(p []byte) (int, error) {
	if cf.closed {
		return 0, errcode.Wrap(errcode.NotOpen, "file.write", nil)
	}
	n, err := cf.f.Write(p)
	cf.size += int64(n)
	if err != nil {
		return n, errcode.Wrap(errcode.WriteFailed, "file.write", err)
	}
	return n, nil
}

func (cf *CaptureFile) Read(p []byte) (int, error) {
	if cf.closed {
		return 0, errcode.Wrap(errcode.NotOpen, "file.read", nil)
	}
	n, err := cf.f.Read(p)
	if err != nil && err != io.EOF {
		return n, errcode.Wrap(errcode.FileInvalid, "file.read", err)
	}
	return n, err
}

func (cf *CaptureFile) Seek(offset int64, whence int) (int64, error) {
	if cf.closed {
		return 0, errcode.Wrap(errcode.NotOpen, "file.seek", nil)
	}
	return cf.f.Seek(offset, whence)
}

// Sync pushes everything this file has written down to the card.
func (cf *CaptureFile) Sync() error {
	if cf.closed {
		return errcode.Wrap(errcode.NotOpen, "file.sync", nil)
	}
	if err := cf.m.adapter.Ioctl(sdcard.CtrlSync, nil); err != nil {
		return errcode.Wrap(errcode.WriteFailed, "file.sync", err)
	}
	return nil
}

// Close syncs and invalidates the handle. Closing twice is an error, the
// same contract the on-card FAT layer enforces.
func (cf *CaptureFile) Close() error {
	if cf.closed {
		return errcode.Wrap(errcode.NotOpen, "file.close", nil)
	}
	err := cf.Sync()
	cf.closed = true
	return err
}
