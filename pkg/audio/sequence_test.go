package audio_test

import (
	"testing"

	"github.com/MrWong99/switchboard/pkg/audio"
)

func TestSequenceTracker(t *testing.T) {
	t.Parallel()

	type step struct {
		seq     uint64
		missing uint64
		ok      bool
	}
	tests := []struct {
		name   string
		maxGap int
		steps  []step
		lost   uint64
	}{
		{
			name:  "in order",
			steps: []step{{1, 0, true}, {2, 0, true}, {3, 0, true}},
		},
		{
			name:  "gap reported",
			steps: []step{{1, 0, true}, {4, 2, true}, {5, 0, true}},
			lost:  2,
		},
		{
			name:  "duplicate and late dropped",
			steps: []step{{10, 0, true}, {10, 0, false}, {12, 1, true}, {11, 0, false}},
			lost:  1,
		},
		{
			name:   "gap clamped",
			maxGap: 3,
			steps:  []step{{0, 0, true}, {100, 3, true}},
			lost:   99,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr := audio.NewSequenceTracker(tc.maxGap)
			for i, s := range tc.steps {
				missing, ok := tr.Observe(s.seq)
				if ok != s.ok || missing != s.missing {
					t.Errorf("step %d (seq %d): got (%d, %v), want (%d, %v)", i, s.seq, missing, ok, s.missing, s.ok)
				}
			}
			if tr.Lost() != tc.lost {
				t.Errorf("Lost = %d, want %d", tr.Lost(), tc.lost)
			}
		})
	}
}
