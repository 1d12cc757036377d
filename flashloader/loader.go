package flashloader

import "fmt"

// addrMask strips the memory-mapped base: the tool addresses the part
// through its 0x9xxxxxxx window, the flash itself through offsets.
const addrMask = 0x0FFFFFFF

// VerifyReadFail flags a Verify result whose address could not be read
// back, following the tool's convention of an error bit above the address.
const VerifyReadFail = uint64(1) << 56

const stageSize = 256

// Loader implements the programmer tool's entry points over a NOR part.
// Every operation answers the tool's convention, 1 for success and 0 for
// failure, with the Go error kept alongside for the log.
type Loader struct {
	dev  NOR
	info DeviceInfo
}

// NewLoader binds the entry points to a part and its descriptor.
func NewLoader(dev NOR, info DeviceInfo) *Loader {
	return &Loader{dev: dev, info: info}
}

// Init proves the attached part matches the descriptor, the sim analog of
// probing the JEDEC ID after bring-up.
func (l *Loader) Init() (int, error) {
	if l.dev.Size() != l.info.Size || l.dev.PageSize() != l.info.PageSize {
		return 0, fmt.Errorf("flashloader: part geometry %d/%d does not match descriptor %d/%d",
			l.dev.Size(), l.dev.PageSize(), l.info.Size, l.info.PageSize)
	}
	return 1, nil
}

// Write programs buf at addr, splitting on page boundaries: the first
// chunk runs to the end of the page addr falls in, the rest are whole
// pages with a short tail.
func (l *Loader) Write(addr uint32, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 1, nil
	}
	page := l.dev.PageSize()
	cur := addr & addrMask
	end := cur + uint32(len(buf))
	chunk := page - cur%page
	if chunk > uint32(len(buf)) {
		chunk = uint32(len(buf))
	}
	data := buf
	for {
		if err := l.dev.Program(cur, data[:chunk]); err != nil {
			return 0, fmt.Errorf("flashloader: program at %#x: %w", cur, err)
		}
		cur += chunk
		data = data[chunk:]
		if cur >= end {
			return 1, nil
		}
		chunk = page
		if cur+page > end {
			chunk = end - cur
		}
	}
}

// Read copies size bytes at addr into buf for tools that cannot use the
// memory-mapped window.
func (l *Loader) Read(addr uint32, buf []byte) (int, error) {
	if err := l.dev.Read(addr&addrMask, buf); err != nil {
		return 0, fmt.Errorf("flashloader: read at %#x: %w", addr, err)
	}
	return 1, nil
}

// SectorErase erases every sector from the one containing start through
// the one containing end, inclusive.
func (l *Loader) SectorErase(start, end uint32) (int, error) {
	ss := l.dev.SectorSize()
	start &= addrMask
	end &= addrMask
	for cur := start - start%ss; cur <= end; cur += ss {
		if err := l.dev.EraseSector(cur); err != nil {
			return 0, fmt.Errorf("flashloader: erase sector at %#x: %w", cur, err)
		}
	}
	return 1, nil
}

// MassErase erases the whole part.
func (l *Loader) MassErase() (int, error) {
	if err := l.dev.EraseChip(); err != nil {
		return 0, fmt.Errorf("flashloader: chip erase: %w", err)
	}
	return 1, nil
}

// Checksum byte-sums size bytes at addr on top of init. A failed read
// ends the sum early, the tool detects that by the mismatch.
func (l *Loader) Checksum(addr, size, init uint32) uint32 {
	var stage [stageSize]byte
	sum := init
	cur := addr & addrMask
	for size > 0 {
		n := uint32(stageSize)
		if size < n {
			n = size
		}
		if err := l.dev.Read(cur, stage[:n]); err != nil {
			return sum
		}
		for _, b := range stage[:n] {
			sum += uint32(b)
		}
		cur += n
		size -= n
	}
	return sum
}

// Verify compares buf against the part's contents at addr. It returns the
// tool-space address of the first mismatch, addr+len(buf) when everything
// matches, or the failing address with VerifyReadFail set when the part
// could not be read. The tool passes a misalignment hint for parts with
// wide program words; byte-readable flash ignores it.
func (l *Loader) Verify(addr uint32, buf []byte, misalignment uint32) uint64 {
	_ = misalignment
	var stage [stageSize]byte
	size := uint32(len(buf))
	base := addr & addrMask
	for checked := uint32(0); checked < size; {
		n := uint32(stageSize)
		if size-checked < n {
			n = size - checked
		}
		if err := l.dev.Read(base+checked, stage[:n]); err != nil {
			return uint64(addr+checked) | VerifyReadFail
		}
		for i := uint32(0); i < n; i++ {
			if stage[i] != buf[checked+i] {
				return uint64(addr + checked + i)
			}
		}
		checked += n
	}
	return uint64(addr) + uint64(size)
}
