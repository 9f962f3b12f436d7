package snapshot

import "errors"

// Error taxonomy for this package. A transaction restart is never
// surfaced as one of these: it is handled entirely inside
// internal/btreekv's Update retry loop.
var (
	// ErrNotFound is returned when a required snapshot or subvolume row
	// is absent.
	ErrNotFound = errors.New("snapshot: not found")

	// ErrNoSpace is returned when the snapshot id space or the
	// subvolume slot range is exhausted.
	ErrNoSpace = errors.New("snapshot: no space")

	// ErrInvalid is returned for out-of-range arguments, including
	// every reason the row validator rejects a row.
	ErrInvalid = errors.New("snapshot: invalid")

	// ErrOutOfMemory is returned when the equivalence cache cannot grow.
	// The reclamation engine's deleted-id set does not report it.
	ErrOutOfMemory = errors.New("snapshot: out of memory")

	// ErrInconsistent is returned when on-disk state violates an
	// invariant. Every occurrence is also logged with the offending
	// ids before being returned.
	ErrInconsistent = errors.New("snapshot: inconsistent")
)
