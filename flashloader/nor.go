package flashloader

import "fmt"

// NOR models the serial flash the loader programs: byte-addressed reads,
// page-bounded programs that can only clear bits, and erases that set a
// whole sector or the whole chip back to the erase value.
type NOR interface {
	Read(addr uint32, p []byte) error
	Program(addr uint32, p []byte) error
	EraseSector(addr uint32) error
	EraseChip() error
	Size() uint32
	PageSize() uint32
	SectorSize() uint32
}

// SimNOR is an in-memory NOR with real flash physics: programming can
// only clear bits, so writing over unerased cells corrupts data exactly
// the way the hardware would.
type SimNOR struct {
	mem        []byte
	pageSize   uint32
	sectorSize uint32
	eraseValue byte

	readErr  error
	programs int
	erases   int
}

// NewSimNOR builds a blank (fully erased) part with the descriptor's
// geometry.
func NewSimNOR(info DeviceInfo) *SimNOR {
	sectorSize := uint32(4096)
	if len(info.Sectors) > 0 {
		sectorSize = info.Sectors[0].Size
	}
	n := &SimNOR{
		mem:        make([]byte, info.Size),
		pageSize:   info.PageSize,
		sectorSize: sectorSize,
		eraseValue: info.EraseValue,
	}
	for i := range n.mem {
		n.mem[i] = n.eraseValue
	}
	return n
}

func (n *SimNOR) Read(addr uint32, p []byte) error {
	if n.readErr != nil {
		return n.readErr
	}
	if err := n.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(p, n.mem[addr:])
	return nil
}

func (n *SimNOR) Program(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if uint32(len(p)) > n.pageSize {
		return fmt.Errorf("simnor: program of %d bytes exceeds the %d-byte page", len(p), n.pageSize)
	}
	if addr/n.pageSize != (addr+uint32(len(p))-1)/n.pageSize {
		return fmt.Errorf("simnor: program at %#x crosses a page boundary", addr)
	}
	if err := n.bounds(addr, len(p)); err != nil {
		return err
	}
	n.programs++
	for i, b := range p {
		n.mem[addr+uint32(i)] &= b
	}
	return nil
}

func (n *SimNOR) EraseSector(addr uint32) error {
	if addr%n.sectorSize != 0 {
		return fmt.Errorf("simnor: erase address %#x not sector aligned", addr)
	}
	if err := n.bounds(addr, int(n.sectorSize)); err != nil {
		return err
	}
	n.erases++
	for i := addr; i < addr+n.sectorSize; i++ {
		n.mem[i] = n.eraseValue
	}
	return nil
}

func (n *SimNOR) EraseChip() error {
	n.erases++
	for i := range n.mem {
		n.mem[i] = n.eraseValue
	}
	return nil
}

func (n *SimNOR) Size() uint32       { return uint32(len(n.mem)) }
func (n *SimNOR) PageSize() uint32   { return n.pageSize }
func (n *SimNOR) SectorSize() uint32 { return n.sectorSize }

// Erases reports how many erase operations ran, sector or chip.
func (n *SimNOR) Erases() int { return n.erases }

// Programs reports how many page programs ran.
func (n *SimNOR) Programs() int { return n.programs }

// FailReads makes every following read return err; nil restores service.
func (n *SimNOR) FailReads(err error) { n.readErr = err }

func (n *SimNOR) bounds(addr uint32, size int) error {
	if int64(addr)+int64(size) > int64(len(n.mem)) {
		return fmt.Errorf("simnor: access at %#x+%d beyond the %d-byte part", addr, size, len(n.mem))
	}
	return nil
}
