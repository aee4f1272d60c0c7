package elftls

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"
)

// Minimum PT_TLS alignment the Android dynamic linker accepts per address class.
const (
	MinAlign32 uint64 = 32
	MinAlign64 uint64 = 64
)

// byteOrder of every field the patcher reads or writes.
//
//nolint:gochecknoglobals // Immutable codec shared by the decoders.
var byteOrder = binary.LittleEndian

// Header is the subset of the ELF file header the patcher needs.
type Header struct {
	// Class is the EI_CLASS byte (ELFCLASS32 or ELFCLASS64).
	Class elf.Class
	// PhOff is the file offset of the program header table.
	PhOff uint64
	// PhEntSize is the size of one program header table entry.
	PhEntSize uint16
	// PhNum is the number of entries in the program header table.
	PhNum uint16
}

// ProgramHeader is one decoded program header table entry.
type ProgramHeader struct {
	// Index is the position of the entry inside the table.
	Index int
	// Offset is the file offset of the entry.
	Offset int64
	// Type is p_type.
	Type elf.ProgType
	// Align is p_align widened to 64 bits.
	Align uint64
}

// MinAlign returns the minimum PT_TLS alignment for the header's class.
func (h *Header) MinAlign() uint64 {
	if h.Class == elf.ELFCLASS32 {
		return MinAlign32
	}

	return MinAlign64
}

// progSize is the on-disk size of one program header entry of this class.
func (h *Header) progSize() int64 {
	if h.Class == elf.ELFCLASS32 {
		return int64(unsafe.Sizeof(elf.Prog32{}))
	}

	return int64(unsafe.Sizeof(elf.Prog64{}))
}

// alignFieldOffset is the offset of p_align within an entry of this class.
func (h *Header) alignFieldOffset() int64 {
	if h.Class == elf.ELFCLASS32 {
		return int64(unsafe.Offsetof(elf.Prog32{}.Align))
	}

	return int64(unsafe.Offsetof(elf.Prog64{}.Align))
}

// hasMagic reports whether ident starts with 0x7F 'E' 'L' 'F'.
func hasMagic(ident []byte) bool {
	return len(ident) >= len(elf.ELFMAG) && bytes.Equal(ident[:len(elf.ELFMAG)], []byte(elf.ELFMAG))
}

// decodeHeader reads the class-specific file header from the start of r.
func decodeHeader(r io.ReadSeeker, class elf.Class) (*Header, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	switch class {
	case elf.ELFCLASS32:
		var raw elf.Header32
		if err := binary.Read(r, byteOrder, &raw); err != nil {
			return nil, err
		}

		return &Header{
			Class:     class,
			PhOff:     uint64(raw.Phoff),
			PhEntSize: raw.Phentsize,
			PhNum:     raw.Phnum,
		}, nil
	case elf.ELFCLASS64:
		var raw elf.Header64
		if err := binary.Read(r, byteOrder, &raw); err != nil {
			return nil, err
		}

		return &Header{
			Class:     class,
			PhOff:     raw.Phoff,
			PhEntSize: raw.Phentsize,
			PhNum:     raw.Phnum,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownClass, class)
	}
}

// decodeProgramHeader reads the entry at offset.
func decodeProgramHeader(r io.ReadSeeker, h *Header, index int, offset int64) (*ProgramHeader, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	ph := &ProgramHeader{
		Index:  index,
		Offset: offset,
	}

	if h.Class == elf.ELFCLASS32 {
		var raw elf.Prog32
		if err := binary.Read(r, byteOrder, &raw); err != nil {
			return nil, err
		}

		ph.Type = elf.ProgType(raw.Type)
		ph.Align = uint64(raw.Align)

		return ph, nil
	}

	var raw elf.Prog64
	if err := binary.Read(r, byteOrder, &raw); err != nil {
		return nil, err
	}

	ph.Type = elf.ProgType(raw.Type)
	ph.Align = raw.Align

	return ph, nil
}

// encodeAlign writes value into the p_align field of ph using the class width.
func encodeAlign(w io.WriteSeeker, h *Header, ph *ProgramHeader, value uint64) error {
	if _, err := w.Seek(ph.Offset+h.alignFieldOffset(), io.SeekStart); err != nil {
		return err
	}

	if h.Class == elf.ELFCLASS32 {
		return binary.Write(w, byteOrder, uint32(value))
	}

	return binary.Write(w, byteOrder, value)
}
