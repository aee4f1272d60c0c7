package elftls

import (
	"bytes"
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// segment is a program header used to assemble synthetic binaries.
type segment struct {
	typ   elf.ProgType
	align uint64
}

// buildELF64 assembles a minimal little-endian 64-bit ELF image: file header
// followed directly by the program header table.
func buildELF64(t *testing.T, segments ...segment) []byte {
	t.Helper()

	var header elf.Header64
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Type = uint16(elf.ET_DYN)
	header.Machine = uint16(elf.EM_AARCH64)
	header.Ehsize = 64
	header.Phoff = 64
	header.Phentsize = 56
	header.Phnum = uint16(len(segments)) //nolint:gosec // Tests use a handful of segments.

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))

	for i, s := range segments {
		prog := elf.Prog64{
			Type:   uint32(s.typ),
			Flags:  uint32(elf.PF_R),
			Off:    uint64(i) * 0x1000, //nolint:gosec // Small test indices.
			Filesz: 0x10,
			Memsz:  0x20,
			Align:  s.align,
		}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &prog))
	}

	// Trailing payload so the table is not the last thing in the file.
	buf.WriteString("payload")

	return buf.Bytes()
}

// buildELF32 is buildELF64 for the 32-bit class.
func buildELF32(t *testing.T, segments ...segment) []byte {
	t.Helper()

	var header elf.Header32
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Type = uint16(elf.ET_DYN)
	header.Machine = uint16(elf.EM_ARM)
	header.Ehsize = 52
	header.Phoff = 52
	header.Phentsize = 32
	header.Phnum = uint16(len(segments)) //nolint:gosec // Tests use a handful of segments.

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))

	for _, s := range segments {
		prog := elf.Prog32{
			Type:   uint32(s.typ),
			Filesz: 0x10,
			Memsz:  0x20,
			Flags:  uint32(elf.PF_R),
			Align:  uint32(s.align), //nolint:gosec // Test alignments fit.
		}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, &prog))
	}

	buf.WriteString("payload")

	return buf.Bytes()
}

// writeTemp stores data in a fresh file and returns its path.
func writeTemp(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "libsyncthing.so")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// readFile returns the current contents of path.
func readFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

// requireOnlyRangeChanged asserts that before and after differ at most in [from, from+width).
func requireOnlyRangeChanged(t *testing.T, before, after []byte, from, width int) {
	t.Helper()

	require.Len(t, after, len(before))
	require.Equal(t, before[:from], after[:from])
	require.Equal(t, before[from+width:], after[from+width:])
}

// TestPatch_64BitRaisesAlignment covers the synthetic 64-bit scenario with p_align = 8.
func TestPatch_64BitRaisesAlignment(t *testing.T) {
	t.Parallel()

	original := buildELF64(t,
		segment{typ: elf.PT_LOAD, align: 0x1000},
		segment{typ: elf.PT_TLS, align: 8},
	)
	path := writeTemp(t, original)

	result, err := Patch(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomePatched, result.Outcome)
	require.Equal(t, elf.ELFCLASS64, result.Class)
	require.True(t, result.Changed())
	require.Len(t, result.TLS, 1)

	// Header (64) + one entry (56) + p_align offset (48).
	const fieldOffset = 64 + 56 + 48
	require.Equal(t, int64(fieldOffset), result.TLS[0].FieldOffset)
	require.Equal(t, uint64(8), result.TLS[0].Align)

	patched := readFile(t, path)
	require.Equal(t, uint64(64), binary.LittleEndian.Uint64(patched[fieldOffset:fieldOffset+8]))
	requireOnlyRangeChanged(t, original, patched, fieldOffset, 8)
}

// TestPatch_64BitAlreadyAligned leaves a 64-byte aligned segment byte-for-byte intact.
func TestPatch_64BitAlreadyAligned(t *testing.T) {
	t.Parallel()

	original := buildELF64(t, segment{typ: elf.PT_TLS, align: 64})
	path := writeTemp(t, original)

	result, err := Patch(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomeAligned, result.Outcome)
	require.False(t, result.Changed())

	require.Equal(t, sha256.Sum256(original), sha256.Sum256(readFile(t, path)))
}

// TestPatch_32BitRaisesAlignment checks every under-aligned value is raised to exactly 32
// using a 4-byte write.
func TestPatch_32BitRaisesAlignment(t *testing.T) {
	t.Parallel()

	for _, align := range []uint64{0, 1, 4, 8, 16, 31} {
		original := buildELF32(t,
			segment{typ: elf.PT_PHDR, align: 4},
			segment{typ: elf.PT_TLS, align: align},
			segment{typ: elf.PT_LOAD, align: 0x1000},
		)
		path := writeTemp(t, original)

		result, err := Patch(context.Background(), path)
		require.NoError(t, err)
		require.Equal(t, OutcomePatched, result.Outcome)
		require.Equal(t, MinAlign32, result.MinAlign)

		const fieldOffset = 52 + 32 + 28
		patched := readFile(t, path)
		require.Equal(t, uint32(32), binary.LittleEndian.Uint32(patched[fieldOffset:fieldOffset+4]))
		requireOnlyRangeChanged(t, original, patched, fieldOffset, 4)
	}
}

// TestPatch_32BitAboveMinimum keeps alignments at or above 32.
func TestPatch_32BitAboveMinimum(t *testing.T) {
	t.Parallel()

	for _, align := range []uint64{32, 64, 4096} {
		original := buildELF32(t, segment{typ: elf.PT_TLS, align: align})
		path := writeTemp(t, original)

		result, err := Patch(context.Background(), path)
		require.NoError(t, err)
		require.Equal(t, OutcomeAligned, result.Outcome)
		require.Equal(t, original, readFile(t, path))
	}
}

// TestPatch_Idempotent applies the patch twice and expects identical bytes.
func TestPatch_Idempotent(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, buildELF64(t, segment{typ: elf.PT_TLS, align: 16}))

	_, err := Patch(context.Background(), path)
	require.NoError(t, err)

	once := readFile(t, path)

	result, err := Patch(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomeAligned, result.Outcome)
	require.Equal(t, once, readFile(t, path))
}

// TestPatch_NoTLS leaves binaries without a PT_TLS entry untouched.
func TestPatch_NoTLS(t *testing.T) {
	t.Parallel()

	original := buildELF64(t,
		segment{typ: elf.PT_LOAD, align: 0x1000},
		segment{typ: elf.PT_DYNAMIC, align: 8},
	)
	path := writeTemp(t, original)

	result, err := Patch(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoTLS, result.Outcome)
	require.Empty(t, result.TLS)
	require.Equal(t, original, readFile(t, path))
}

// TestPatch_NotELF reports and skips files with a foreign magic.
func TestPatch_NotELF(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{
		[]byte("#!/bin/sh\necho syncthing\n"),
		{0x7F, 'E', 'L'},
		{},
	} {
		path := writeTemp(t, data)

		result, err := Patch(context.Background(), path)
		require.NoError(t, err)
		require.Equal(t, OutcomeNotELF, result.Outcome)
		require.True(t, result.Skipped())
		require.Equal(t, data, readFile(t, path))
	}
}

// TestPatch_UnknownClass skips an EI_CLASS outside {1, 2}.
func TestPatch_UnknownClass(t *testing.T) {
	t.Parallel()

	original := buildELF64(t, segment{typ: elf.PT_TLS, align: 8})
	original[elf.EI_CLASS] = 3
	path := writeTemp(t, original)

	result, err := Patch(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnknownClass, result.Outcome)
	require.True(t, result.Skipped())
	require.Equal(t, original, readFile(t, path))
}

// TestPatch_TruncatedTable returns a FormatError and does not modify the file.
func TestPatch_TruncatedTable(t *testing.T) {
	t.Parallel()

	full := buildELF64(t,
		segment{typ: elf.PT_TLS, align: 8},
		segment{typ: elf.PT_LOAD, align: 0x1000},
	)
	// Cut the second entry in half.
	truncated := full[:64+56+20]
	path := writeTemp(t, truncated)

	result, err := Patch(context.Background(), path)
	require.Nil(t, result)

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	require.ErrorIs(t, err, errTableOutOfBounds)
	require.Equal(t, int64(64), formatErr.Offset)
	require.Contains(t, err.Error(), path)
	require.Equal(t, truncated, readFile(t, path))
}

// TestPatch_TruncatedHeader fails on a file that only holds the identification bytes.
func TestPatch_TruncatedHeader(t *testing.T) {
	t.Parallel()

	full := buildELF32(t, segment{typ: elf.PT_TLS, align: 4})
	path := writeTemp(t, full[:elf.EI_NIDENT])

	_, err := Patch(context.Background(), path)

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

// TestPatch_ShortEntrySize rejects an e_phentsize smaller than the class entry.
func TestPatch_ShortEntrySize(t *testing.T) {
	t.Parallel()

	original := buildELF64(t, segment{typ: elf.PT_TLS, align: 8})
	// e_phentsize lives right after e_ehsize in the 64-bit header.
	binary.LittleEndian.PutUint16(original[54:56], 16)
	path := writeTemp(t, original)

	_, err := Patch(context.Background(), path)
	require.ErrorIs(t, err, errShortEntry)
	require.Equal(t, original, readFile(t, path))
}

// TestPatch_MissingFile surfaces the open error.
func TestPatch_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Patch(context.Background(), filepath.Join(t.TempDir(), "absent.so"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestInspect_DoesNotWrite reports the pending patch but keeps the file intact.
func TestInspect_DoesNotWrite(t *testing.T) {
	t.Parallel()

	original := buildELF64(t, segment{typ: elf.PT_TLS, align: 8})
	path := writeTemp(t, original)

	result, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, OutcomePatched, result.Outcome)
	require.True(t, result.TLS[0].Patched)
	require.Equal(t, original, readFile(t, path))
}

// TestPatchReadWriteSeeker works on an already opened handle.
func TestPatchReadWriteSeeker(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, buildELF32(t, segment{typ: elf.PT_TLS, align: 8}))

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)

	result, err := PatchReadWriteSeeker(context.Background(), "handle", file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.Equal(t, OutcomePatched, result.Outcome)
	require.Equal(t, "handle", result.Name)

	const fieldOffset = 52 + 28
	require.Equal(t, uint32(32), binary.LittleEndian.Uint32(readFile(t, path)[fieldOffset:]))
}

// TestOutcomeString keeps the textual forms used in CLI output stable.
func TestOutcomeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "patched", OutcomePatched.String())
	require.Equal(t, "not-elf", OutcomeNotELF.String())
	require.Equal(t, "outcome(42)", Outcome(42).String())
}

// TestResult_LowestAlign reports the smallest of several PT_TLS alignments.
func TestResult_LowestAlign(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, buildELF64(t,
		segment{typ: elf.PT_TLS, align: 128},
		segment{typ: elf.PT_LOAD, align: 4},
		segment{typ: elf.PT_TLS, align: 16},
	))

	result, err := Inspect(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, result.TLS, 2)
	require.Equal(t, uint64(16), result.LowestAlign())

	require.Zero(t, new(Result).LowestAlign())
}
