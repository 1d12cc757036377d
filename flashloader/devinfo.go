// Package flashloader implements the QSPI flash-loader personality: the
// descriptor and entry points a host programmer tool drives to reach the
// serial NOR part behind the quad-SPI controller. The byte layout and the
// 1-success/0-failure call convention are the tool's ABI and cannot change.
package flashloader

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the exact size of the marshaled device descriptor.
const DescriptorSize = 212

const maxSectorRanges = 10

// DeviceType is the storage technology code the tool dispatches on.
type DeviceType uint16

const (
	TypeUnknown DeviceType = iota
	TypeOnchipFlash
	TypeExtFlash
	TypeOTP
	TypeNORFlash
	TypeNANDFlash
	TypeNORPSRAM
	TypeNORSRAM
)

// SectorRange describes one run of equally-sized erase sectors.
type SectorRange struct {
	Size  uint32 // bytes per sector
	Count uint32
}

// DeviceInfo is the descriptor the programmer tool reads to learn the
// part's geometry and timings.
type DeviceInfo struct {
	Name        string
	Type        DeviceType
	Start       uint32 // memory-mapped base the tool addresses through
	Size        uint32 // bytes
	PageSize    uint32 // program granularity, bytes
	EraseValue  byte
	PageProgram uint32 // page-program time, units of 100 us
	SectorErase uint32 // sector-erase time, ms
	ChipErase   uint32 // chip-erase time, ms
	Sectors     []SectorRange
}

// W25Q256Info is the descriptor for the shipped part: a 32 MiB W25Q256
// mapped at 0x90000000, erased in 4 KiB sectors.
func W25Q256Info() DeviceInfo {
	return DeviceInfo{
		Name:        "W25Q256_AUDIARD",
		Type:        TypeNORFlash,
		Start:       0x90000000,
		Size:        32 << 20,
		PageSize:    256,
		EraseValue:  0xFF,
		PageProgram: 8,
		SectorErase: 400,
		ChipErase:   120000,
		Sectors:     []SectorRange{{Size: 4096, Count: 8192}},
	}
}

// MarshalBinary emits the 212-byte descriptor image: a NUL-terminated name
// in a 100-byte field, then naturally-aligned little-endian fields, then up
// to ten {size, count} sector ranges terminated by {0, 0}.
func (d DeviceInfo) MarshalBinary() ([]byte, error) {
	if len(d.Name) >= 100 {
		return nil, fmt.Errorf("flashloader: device name %q does not fit the 100-byte field", d.Name)
	}
	if len(d.Sectors) > maxSectorRanges {
		return nil, fmt.Errorf("flashloader: %d sector ranges, descriptor holds %d", len(d.Sectors), maxSectorRanges)
	}
	buf := make([]byte, DescriptorSize)
	copy(buf[0:], d.Name)
	binary.LittleEndian.PutUint16(buf[100:], uint16(d.Type))
	binary.LittleEndian.PutUint32(buf[104:], d.Start)
	binary.LittleEndian.PutUint32(buf[108:], d.Size)
	binary.LittleEndian.PutUint32(buf[112:], d.PageSize)
	buf[116] = d.EraseValue
	binary.LittleEndian.PutUint32(buf[120:], d.PageProgram)
	binary.LittleEndian.PutUint32(buf[124:], d.SectorErase)
	binary.LittleEndian.PutUint32(buf[128:], d.ChipErase)
	for i, s := range d.Sectors {
		binary.LittleEndian.PutUint32(buf[132+8*i:], s.Size)
		binary.LittleEndian.PutUint32(buf[136+8*i:], s.Count)
	}
	return buf, nil
}

// UnmarshalBinary parses a descriptor image.
func (d *DeviceInfo) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("flashloader: descriptor is %d bytes, want %d", len(data), DescriptorSize)
	}
	name := data[:100]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	if end == len(name) {
		return fmt.Errorf("flashloader: device name is not NUL-terminated")
	}
	d.Name = string(name[:end])
	d.Type = DeviceType(binary.LittleEndian.Uint16(data[100:]))
	d.Start = binary.LittleEndian.Uint32(data[104:])
	d.Size = binary.LittleEndian.Uint32(data[108:])
	d.PageSize = binary.LittleEndian.Uint32(data[112:])
	d.EraseValue = data[116]
	d.PageProgram = binary.LittleEndian.Uint32(data[120:])
	d.SectorErase = binary.LittleEndian.Uint32(data[124:])
	d.ChipErase = binary.LittleEndian.Uint32(data[128:])
	d.Sectors = nil
	for i := 0; i < maxSectorRanges; i++ {
		size := binary.LittleEndian.Uint32(data[132+8*i:])
		count := binary.LittleEndian.Uint32(data[136+8*i:])
		if size == 0 && count == 0 {
			break
		}
		d.Sectors = append(d.Sectors, SectorRange{Size: size, Count: count})
	}
	return nil
}
