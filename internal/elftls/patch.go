package elftls

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oshokin/nativepack/internal/logger"
)

// Outcome summarises what a scan found.
type Outcome int

const (
	// OutcomeNotELF means the magic bytes did not match; nothing was touched.
	OutcomeNotELF Outcome = iota + 1
	// OutcomeUnknownClass means EI_CLASS was neither 32- nor 64-bit.
	OutcomeUnknownClass
	// OutcomeNoTLS means the program header table has no PT_TLS entry.
	OutcomeNoTLS
	// OutcomeAligned means every PT_TLS entry already meets the minimum.
	OutcomeAligned
	// OutcomePatched means at least one PT_TLS alignment was raised (or would be, when inspecting).
	OutcomePatched
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeNotELF:
		return "not-elf"
	case OutcomeUnknownClass:
		return "unknown-class"
	case OutcomeNoTLS:
		return "no-tls"
	case OutcomeAligned:
		return "aligned"
	case OutcomePatched:
		return "patched"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Segment describes one PT_TLS program header entry.
type Segment struct {
	// Index is the entry position inside the program header table.
	Index int
	// FieldOffset is the absolute file offset of p_align.
	FieldOffset int64
	// Align is the alignment found in the file before any patch.
	Align uint64
	// Patched is set when Align was below the class minimum.
	Patched bool
}

// Result reports what the patcher found and changed.
type Result struct {
	// Name identifies the scanned file in diagnostics.
	Name string
	// Outcome is the overall verdict.
	Outcome Outcome
	// Class is the ELF address class; zero when not an ELF file.
	Class elf.Class
	// MinAlign is the required alignment for Class.
	MinAlign uint64
	// TLS lists every PT_TLS entry in table order.
	TLS []Segment
}

// FormatError is a structural fault: the header or program header table
// points outside the file or is otherwise unreadable.
type FormatError struct {
	// Name identifies the file.
	Name string
	// Offset is the file offset at which decoding failed.
	Offset int64
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed ELF %s at offset %d: %v", e.Name, e.Offset, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FormatError) Unwrap() error {
	return e.Err
}

var (
	// errUnknownClass is returned by decodeHeader for classes other than 32/64.
	errUnknownClass = errors.New("unknown ELF class")
	// errShortEntry means e_phentsize is smaller than the class program header.
	errShortEntry = errors.New("program header entry size too small")
	// errTableOutOfBounds means the program header table extends past end of file.
	errTableOutOfBounds = errors.New("program header table outside file")
)

// Patch raises the PT_TLS alignment of the ELF file at path in place.
// Non-ELF files and unknown classes are reported through the Result and
// leave the file untouched; only structural faults return an error.
func Patch(ctx context.Context, path string) (result *Result, err error) {
	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()

	return scan(ctx, path, file, file)
}

// Inspect runs the same scan as Patch without writing.
func Inspect(ctx context.Context, path string) (*Result, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	return scan(ctx, path, file, nil)
}

// PatchReadWriteSeeker is Patch for an already opened stream.
// name is used only in diagnostics and errors.
func PatchReadWriteSeeker(ctx context.Context, name string, rws io.ReadWriteSeeker) (*Result, error) {
	return scan(ctx, name, rws, rws)
}

// scan walks the program header table of r. When w is nil nothing is written.
func scan(ctx context.Context, name string, r io.ReadSeeker, w io.WriteSeeker) (*Result, error) {
	ctx = logger.WithKV(ctx, "file", name)

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, &FormatError{Name: name, Offset: 0, Err: err}
	}

	if _, err = r.Seek(0, io.SeekStart); err != nil {
		return nil, &FormatError{Name: name, Offset: 0, Err: err}
	}

	result := &Result{Name: name}

	ident := make([]byte, elf.EI_NIDENT)

	n, err := io.ReadFull(r, ident)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, &FormatError{Name: name, Offset: 0, Err: err}
	}

	if !hasMagic(ident[:n]) {
		logger.Warn(ctx, "not an ELF file")

		result.Outcome = OutcomeNotELF

		return result, nil
	}

	if n <= elf.EI_CLASS {
		return nil, &FormatError{Name: name, Offset: int64(n), Err: io.ErrUnexpectedEOF}
	}

	class := elf.Class(ident[elf.EI_CLASS])
	if class != elf.ELFCLASS32 && class != elf.ELFCLASS64 {
		logger.WarnKV(ctx, "unknown ELF class", "class", int(class))

		result.Outcome = OutcomeUnknownClass

		return result, nil
	}

	result.Class = class

	header, err := decodeHeader(r, class)
	if err != nil {
		return nil, &FormatError{Name: name, Offset: 0, Err: err}
	}

	result.MinAlign = header.MinAlign()

	if err = checkTable(header, size); err != nil {
		return nil, &FormatError{Name: name, Offset: int64(header.PhOff), Err: err} //nolint:gosec // Bounded by checkTable.
	}

	entries := make([]*ProgramHeader, 0, header.PhNum)

	for i := range int(header.PhNum) {
		offset := int64(header.PhOff) + int64(i)*int64(header.PhEntSize) //nolint:gosec // Bounded by checkTable.

		ph, decodeErr := decodeProgramHeader(r, header, i, offset)
		if decodeErr != nil {
			return nil, &FormatError{Name: name, Offset: offset, Err: decodeErr}
		}

		entries = append(entries, ph)
	}

	// Nothing is written until the whole table has decoded.
	for _, ph := range entries {
		if ph.Type != elf.PT_TLS {
			continue
		}

		segment := Segment{
			Index:       ph.Index,
			FieldOffset: ph.Offset + header.alignFieldOffset(),
			Align:       ph.Align,
		}

		if ph.Align < result.MinAlign {
			if w == nil {
				logger.Infof(ctx, "alignment %d is below %d, patch required", ph.Align, result.MinAlign)
			} else {
				logger.Infof(ctx, "patching alignment from %d to %d", ph.Align, result.MinAlign)

				if err = encodeAlign(w, header, ph, result.MinAlign); err != nil {
					return nil, &FormatError{Name: name, Offset: segment.FieldOffset, Err: err}
				}
			}

			segment.Patched = true
		}

		result.TLS = append(result.TLS, segment)
	}

	result.Outcome = verdict(result.TLS)

	logger.DebugKV(ctx, "ELF scan finished",
		"outcome", result.Outcome.String(),
		"class", class.String(),
		"entries", len(entries),
	)

	return result, nil
}

// checkTable verifies that every program header entry lies inside the file.
func checkTable(h *Header, size int64) error {
	if h.PhNum == 0 {
		return nil
	}

	if int64(h.PhEntSize) < h.progSize() {
		return fmt.Errorf("%w: %d < %d", errShortEntry, h.PhEntSize, h.progSize())
	}

	if h.PhOff > uint64(size) { //nolint:gosec // size comes from Seek and is never negative.
		return errTableOutOfBounds
	}

	last := int64(h.PhOff) + int64(h.PhNum-1)*int64(h.PhEntSize) + h.progSize() //nolint:gosec // PhOff <= size.
	if last > size {
		return fmt.Errorf("%w: table ends at %d, file size %d", errTableOutOfBounds, last, size)
	}

	return nil
}

// verdict folds the PT_TLS segments into an Outcome.
func verdict(segments []Segment) Outcome {
	if len(segments) == 0 {
		return OutcomeNoTLS
	}

	for _, s := range segments {
		if s.Patched {
			return OutcomePatched
		}
	}

	return OutcomeAligned
}

// Changed reports whether the file was (or would be) modified.
func (r *Result) Changed() bool {
	return r != nil && r.Outcome == OutcomePatched
}

// Skipped reports whether the file was not recognised as a patchable ELF.
func (r *Result) Skipped() bool {
	return r != nil && (r.Outcome == OutcomeNotELF || r.Outcome == OutcomeUnknownClass)
}

// LowestAlign is the smallest alignment found across the PT_TLS segments,
// zero when there are none.
func (r *Result) LowestAlign() uint64 {
	var lowest uint64

	for i, segment := range r.TLS {
		if i == 0 || segment.Align < lowest {
			lowest = segment.Align
		}
	}

	return lowest
}
