package sdcard

import (
	"fmt"
	"io"
	"sync"

	"github.com/audiodaq/audiard/internal/cache"
	"github.com/audiodaq/audiard/internal/errcode"
)

// xferSectors sizes the aligned staging window for byte-oriented IO.
const xferSectors = 64

// BlockFile presents the adapter as a random-access byte store, the shape
// the FAT implementation mounts (ReaderAt + WriterAt + Seeker). The FAT
// layer hands over buffers with no alignment promise, so every transfer is
// staged through an owned cache-line-aligned window; partial head and tail
// sectors are handled read-modify-write.
type BlockFile struct {
	a       *Adapter
	sectors uint32

	mu   sync.Mutex
	pos  int64
	xfer []byte
}

// NewBlockFile sizes a BlockFile from the adapter's reported geometry.
func NewBlockFile(a *Adapter) (*BlockFile, error) {
	arg := make([]uint32, 1)
	if err := a.Ioctl(GetSectorCount, arg); err != nil {
		return nil, err
	}
	return &BlockFile{
		a:       a,
		sectors: arg[0],
		xfer:    cache.MakePaddedSlice(xferSectors * SectorSize),
	}, nil
}

// Size is the device capacity in bytes.
func (b *BlockFile) Size() int64 { return int64(b.sectors) * SectorSize }

func (b *BlockFile) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off >= b.Size() {
		return 0, io.EOF
	}
	if int64(len(p)) > b.Size()-off {
		p = p[:b.Size()-off]
	}
	total := 0
	for len(p) > 0 {
		lba := uint32(off / SectorSize)
		skip := int(off % SectorSize)
		count := uint32((skip + len(p) + SectorSize - 1) / SectorSize)
		if count > xferSectors {
			count = xferSectors
		}
		window := b.xfer[:count*SectorSize]
		if err := b.a.Read(window, lba, count); err != nil {
			return total, err
		}
		n := copy(p, window[skip:])
		p = p[n:]
		off += int64(n)
		total += n
	}
	return total, nil
}

func (b *BlockFile) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > b.Size() {
		return 0, errcode.Wrap(errcode.ParErr, "sdcard.WriteAt",
			fmt.Errorf("range [%d, %d) beyond device", off, off+int64(len(p))))
	}
	total := 0
	for len(p) > 0 {
		lba := uint32(off / SectorSize)
		skip := int(off % SectorSize)
		count := uint32((skip + len(p) + SectorSize - 1) / SectorSize)
		if count > xferSectors {
			count = xferSectors
		}
		window := b.xfer[:count*SectorSize]
		span := int(count)*SectorSize - skip
		if span > len(p) {
			span = len(p)
		}
		// Preserve the partial head and tail sectors around the span.
		partialHead := skip != 0
		partialTail := (skip+span)%SectorSize != 0
		if partialHead {
			if err := b.a.Read(window[:SectorSize], lba, 1); err != nil {
				return total, err
			}
		}
		if partialTail && count > 1 {
			last := window[(count-1)*SectorSize:]
			if err := b.a.Read(last, lba+count-1, 1); err != nil {
				return total, err
			}
		} else if partialTail && count == 1 && !partialHead {
			if err := b.a.Read(window[:SectorSize], lba, 1); err != nil {
				return total, err
			}
		}
		copy(window[skip:], p[:span])
		if err := b.a.Write(window, lba, count); err != nil {
			return total, err
		}
		p = p[span:]
		off += int64(span)
		total += span
	}
	return total, nil
}

func (b *BlockFile) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = b.Size() + offset
	default:
		return b.pos, fmt.Errorf("sdcard: seek: bad whence %d", whence)
	}
	if next < 0 {
		return b.pos, fmt.Errorf("sdcard: seek: negative position %d", next)
	}
	b.pos = next
	return next, nil
}
