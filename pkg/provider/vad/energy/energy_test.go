package energy

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
)

// tone returns n samples of a square wave at the given amplitude.
func tone(n int, amplitude int16) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.PCMBytes(s)
}

func testConfig() vad.Config {
	return vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.35}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(WithRange(-20, -60)); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := New(); err != nil {
		t.Errorf("New(): %v", err)
	}
}

func TestProbability(t *testing.T) {
	t.Parallel()

	e, _ := New()
	tests := []struct {
		name      string
		pcm       []byte
		want      float64
		tolerance float64
	}{
		{"silence", audio.Silence(640), 0, 0},
		{"full scale", tone(320, math.MaxInt16), 1, 0},
		// -40 dBFS sits halfway between -60 and -20.
		{"mid", tone(320, 328), 0.5, 0.01},
		{"below floor", tone(320, 10), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := e.Probability(tt.pcm); math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Probability = %.3f, want %.3f", got, tt.want)
			}
		})
	}
}

func TestSessionHysteresis(t *testing.T) {
	t.Parallel()

	e, _ := New()
	h, err := e.NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	loud := tone(320, 8000)
	quiet := audio.Silence(640)
	// About 0.39, between the two thresholds.
	between := tone(320, 200)

	want := []struct {
		frame []byte
		typ   vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{loud, vad.VADSpeechContinue},
		{between, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{between, vad.VADSilence},
	}
	for i, w := range want {
		ev, err := h.ProcessFrame(w.frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w.typ {
			t.Errorf("frame %d: type = %s, want %s (p=%.2f)", i, ev.Type, w.typ, ev.Probability)
		}
	}
}

func TestSessionErrors(t *testing.T) {
	t.Parallel()

	e, _ := New()
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.5}); err == nil {
		t.Error("expected error for silence threshold above speech threshold")
	}

	h, _ := e.NewSession(testConfig())
	if _, err := h.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected frame size error")
	}

	h.Reset()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.ProcessFrame(audio.Silence(640)); !errors.Is(err, vad.ErrSessionClosed) {
		t.Errorf("ProcessFrame after Close = %v, want ErrSessionClosed", err)
	}
}
