// Package snapshot implements the snapshot/subvolume graph engine: the
// persistent, versioned directed graph of snapshot nodes; subvolume
// creation, deletion and snapshot-of-subvolume; and background reclamation
// of storage held by dropped snapshots.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Snapshot row flags.
const (
	FlagIsSubvol uint32 = 1 << 0
	FlagDeleted  uint32 = 1 << 1
)

// Subvolume row flags.
const (
	SubvolReadOnly   uint32 = 1 << 0
	SubvolIsSnapshot uint32 = 1 << 1
)

// Id-space bounds. Snapshot ids are non-zero 32-bit values no
// larger than U32Max-1; subvolume ids live in a distinct reserved range.
const (
	U32Max = math.MaxUint32

	SnapshotIDMin uint32 = 1
	SnapshotIDMax uint32 = U32Max - 1

	// SubvolMin/SubvolMax bound the reserved subvolume id range.
	// Subvolume rows live in their own tree (TreeSubvolumes), so this
	// range is distinct from the snapshot key space even though its
	// numeric values overlap snapshot ids.
	SubvolMin uint32 = 1
	SubvolMax uint32 = 1 << 24
)

// snapshotRowSize is the on-disk size of a SnapshotRow: flags, parent,
// children[2], subvol, pad, each a little-endian u32.
const snapshotRowSize = 4 * 6

// subvolumeRowSize is the on-disk size of a SubvolumeRow: flags, snapshot
// (u32 each) followed by inode (u64).
const subvolumeRowSize = 4 + 4 + 8

// SnapshotRow is the host-form decoding of a persistent snapshot node row.
type SnapshotRow struct {
	Flags    uint32
	Parent   uint32
	Children [2]uint32
	Subvol   uint32
	Pad      uint32
}

func (r SnapshotRow) IsSubvol() bool { return r.Flags&FlagIsSubvol != 0 }
func (r SnapshotRow) IsDeleted() bool { return r.Flags&FlagDeleted != 0 }

// EncodeSnapshotRow serializes r to its bit-exact little-endian wire form.
func EncodeSnapshotRow(r SnapshotRow) []byte {
	buf := make([]byte, snapshotRowSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], r.Parent)
	binary.LittleEndian.PutUint32(buf[8:12], r.Children[0])
	binary.LittleEndian.PutUint32(buf[12:16], r.Children[1])
	binary.LittleEndian.PutUint32(buf[16:20], r.Subvol)
	binary.LittleEndian.PutUint32(buf[20:24], r.Pad)
	return buf
}

// DecodeSnapshotRow parses the bit-exact wire form of a snapshot row.
func DecodeSnapshotRow(buf []byte) (SnapshotRow, error) {
	if len(buf) != snapshotRowSize {
		return SnapshotRow{}, fmt.Errorf("%w: snapshot row size %d, want %d", ErrInvalid, len(buf), snapshotRowSize)
	}
	return SnapshotRow{
		Flags:    binary.LittleEndian.Uint32(buf[0:4]),
		Parent:   binary.LittleEndian.Uint32(buf[4:8]),
		Children: [2]uint32{binary.LittleEndian.Uint32(buf[8:12]), binary.LittleEndian.Uint32(buf[12:16])},
		Subvol:   binary.LittleEndian.Uint32(buf[16:20]),
		Pad:      binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// SubvolumeRow is the host-form decoding of a persistent subvolume row.
type SubvolumeRow struct {
	Flags    uint32
	Snapshot uint32
	Inode    uint64
}

func (r SubvolumeRow) IsReadOnly() bool { return r.Flags&SubvolReadOnly != 0 }
func (r SubvolumeRow) IsSnapshot() bool { return r.Flags&SubvolIsSnapshot != 0 }

// EncodeSubvolumeRow serializes r to its bit-exact little-endian wire form.
func EncodeSubvolumeRow(r SubvolumeRow) []byte {
	buf := make([]byte, subvolumeRowSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], r.Snapshot)
	binary.LittleEndian.PutUint64(buf[8:16], r.Inode)
	return buf
}

// DecodeSubvolumeRow parses the bit-exact wire form of a subvolume row.
func DecodeSubvolumeRow(buf []byte) (SubvolumeRow, error) {
	if len(buf) != subvolumeRowSize {
		return SubvolumeRow{}, fmt.Errorf("%w: subvolume row size %d, want %d", ErrInvalid, len(buf), subvolumeRowSize)
	}
	return SubvolumeRow{
		Flags:    binary.LittleEndian.Uint32(buf[0:4]),
		Snapshot: binary.LittleEndian.Uint32(buf[4:8]),
		Inode:    binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// ValidateSnapshotRow checks the structural invariants of a snapshot row
// keyed by id, returning a textual reason on failure.
func ValidateSnapshotRow(id uint32, r SnapshotRow) error {
	if id < SnapshotIDMin || id > SnapshotIDMax {
		return fmt.Errorf("%w: snapshot id %d out of range [%d,%d]", ErrInvalid, id, SnapshotIDMin, SnapshotIDMax)
	}
	if r.Parent >= id {
		return fmt.Errorf("%w: snapshot %d parent %d >= own id", ErrInvalid, id, r.Parent)
	}
	c0, c1 := r.Children[0], r.Children[1]
	if c0 != 0 && c0 <= id {
		return fmt.Errorf("%w: snapshot %d child[0] %d <= own id", ErrInvalid, id, c0)
	}
	if c1 != 0 && c1 <= id {
		return fmt.Errorf("%w: snapshot %d child[1] %d <= own id", ErrInvalid, id, c1)
	}
	if c0 < c1 {
		return fmt.Errorf("%w: snapshot %d children not normalized: %d < %d", ErrInvalid, id, c0, c1)
	}
	if c0 == c1 && c0 != 0 {
		return fmt.Errorf("%w: snapshot %d children equal and nonzero: %d", ErrInvalid, id, c0)
	}
	return nil
}

// ValidateSubvolumeRow checks that a subvolume id falls within the reserved
// range.
func ValidateSubvolumeRow(id uint32) error {
	if id < SubvolMin || id > SubvolMax {
		return fmt.Errorf("%w: subvolume id %d out of range [%d,%d]", ErrInvalid, id, SubvolMin, SubvolMax)
	}
	return nil
}

// normalizeChildren returns children sorted so that children[0] >=
// children[1].
func normalizeChildren(a, b uint32) [2]uint32 {
	if a < b {
		a, b = b, a
	}
	return [2]uint32{a, b}
}
