package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
)

func TestSamplesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.Samples(audio.PCMBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{name: "empty", pcm: nil, want: 0},
		{name: "silence", pcm: audio.Silence(320), want: 0},
		{name: "square", pcm: audio.PCMBytes([]int16{1000, -1000, 1000, -1000}), want: 1000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := audio.RMS(tc.pcm); got != tc.want {
				t.Errorf("RMS = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := audio.PCMBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 8000, 8000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_FixedFrameSizes(t *testing.T) {
	// 20 ms at 8 kHz is 160 samples; at 16 kHz it is 320.
	narrow := audio.PCMBytes(make([]int16, 160))
	wide := audio.ResampleMono16(narrow, 8000, 16000)
	if len(wide) != 640 {
		t.Fatalf("upsampled length = %d, want 640", len(wide))
	}
	back := audio.ResampleMono16(wide, 16000, 8000)
	if len(back) != 320 {
		t.Fatalf("downsampled length = %d, want 320", len(back))
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	out := audio.Samples(audio.ResampleMono16(audio.PCMBytes([]int16{1000, 2000}), 8000, 16000))
	want := []int16{1000, 1500, 2000, 2000}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleMono16_InvalidRate(t *testing.T) {
	pcm := audio.PCMBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 16000}, {8000, 0}, {-1, 8000}} {
		if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  time.Duration
	}{
		{
			name:  "mulaw 20ms",
			frame: audio.AudioFrame{Data: make([]byte, 160), SampleRate: 8000, Channels: 1, Encoding: audio.EncodingMuLaw},
			want:  20 * time.Millisecond,
		},
		{
			name:  "pcm16 20ms",
			frame: audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1, Encoding: audio.EncodingPCM16},
			want:  20 * time.Millisecond,
		},
		{
			name:  "unknown encoding",
			frame: audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Encoding: "opus"},
			want:  0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.frame.Duration(); got != tc.want {
				t.Errorf("Duration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	if got := audio.FrameBytes(audio.EncodingMuLaw, 8000, 1, 20*time.Millisecond); got != 160 {
		t.Errorf("mulaw frame bytes = %d, want 160", got)
	}
	if got := audio.FrameBytes(audio.EncodingPCM16, 16000, 1, 20*time.Millisecond); got != 640 {
		t.Errorf("pcm16 frame bytes = %d, want 640", got)
	}
}
