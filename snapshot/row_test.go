package snapshot

import "testing"

func TestSnapshotRowRoundTrip(t *testing.T) {
	row := SnapshotRow{
		Flags:    FlagIsSubvol | FlagDeleted,
		Parent:   7,
		Children: [2]uint32{42, 9},
		Subvol:   3,
		Pad:      0,
	}
	got, err := DecodeSnapshotRow(EncodeSnapshotRow(row))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != row {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, row)
	}
}

func TestSubvolumeRowRoundTrip(t *testing.T) {
	row := SubvolumeRow{
		Flags:    SubvolReadOnly | SubvolIsSnapshot,
		Snapshot: 11,
		Inode:    1 << 40,
	}
	got, err := DecodeSubvolumeRow(EncodeSubvolumeRow(row))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != row {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, row)
	}
}

func TestDecodeSnapshotRowBadSize(t *testing.T) {
	if _, err := DecodeSnapshotRow([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestValidateSnapshotRow(t *testing.T) {
	cases := []struct {
		name string
		id uint32
		row SnapshotRow
		wantErr bool
	}{
		{"ok root", 10, SnapshotRow{Parent: 0, Children: [2]uint32{20, 15}}, false},
		{"ok leaf", 10, SnapshotRow{Parent: 5}, false},
		{"parent equals id", 10, SnapshotRow{Parent: 10}, true},
		{"parent greater than id", 10, SnapshotRow{Parent: 11}, true},
		{"child less than or equal id", 10, SnapshotRow{Children: [2]uint32{10, 0}}, true},
		{"children un-normalized", 10, SnapshotRow{Children: [2]uint32{15, 20}}, true},
		{"children equal nonzero", 10, SnapshotRow{Children: [2]uint32{20, 20}}, true},
		{"id out of range", 0, SnapshotRow{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateSnapshotRow(c.id, c.row)
			if (err != nil) != c.wantErr {
				t.Fatalf("ValidateSnapshotRow(%d, %+v) = %v, wantErr=%v", c.id, c.row, err, c.wantErr)
			}
		})
	}
}

func TestValidateSubvolumeRow(t *testing.T) {
	if err := ValidateSubvolumeRow(SubvolMin); err != nil {
		t.Fatalf("min should be valid: %v", err)
	}
	if err := ValidateSubvolumeRow(SubvolMax); err != nil {
		t.Fatalf("max should be valid: %v", err)
	}
	if err := ValidateSubvolumeRow(SubvolMax + 1); err == nil {
		t.Fatal("expected error above range")
	}
	if err := ValidateSubvolumeRow(0); err == nil {
		t.Fatal("expected error for id 0")
	}
}

func TestNormalizeChildren(t *testing.T) {
	if got := normalizeChildren(5, 9); got != [2]uint32{9, 5} {
		t.Fatalf("got %v, want {9,5}", got)
	}
	if got := normalizeChildren(9, 5); got != [2]uint32{9, 5} {
		t.Fatalf("got %v, want {9,5}", got)
	}
}
