package audio

// DefaultMaxGap caps how many missing-frame markers a single sequence jump
// may produce (one second of 20 ms frames).
const DefaultMaxGap = 50

// SequenceTracker detects loss on an inbound frame stream. It is owned by a
// single reader goroutine and is not safe for concurrent use.
//
// Late and duplicate frames are rejected rather than re-ordered: once a
// sequence number has been passed, the gap it left is final.
type SequenceTracker struct {
	maxGap  uint64
	next    uint64
	started bool
	lost    uint64
}

// NewSequenceTracker returns a tracker that reports at most maxGap missing
// frames per jump. maxGap <= 0 selects [DefaultMaxGap].
func NewSequenceTracker(maxGap int) *SequenceTracker {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	return &SequenceTracker{maxGap: uint64(maxGap)}
}

// Observe records seq. ok is false for a duplicate or late frame, which the
// caller must drop. Otherwise missing is the number of placeholder frames to
// emit before this one, clamped to the tracker's maximum gap.
func (t *SequenceTracker) Observe(seq uint64) (missing uint64, ok bool) {
	if !t.started {
		t.started = true
		t.next = seq + 1
		return 0, true
	}
	if seq < t.next {
		return 0, false
	}
	missing = seq - t.next
	t.next = seq + 1
	t.lost += missing
	if missing > t.maxGap {
		missing = t.maxGap
	}
	return missing, true
}

// Lost returns the total number of frames reported missing so far, before
// clamping.
func (t *SequenceTracker) Lost() uint64 { return t.lost }
