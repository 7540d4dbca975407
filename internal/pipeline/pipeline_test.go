package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/switchboard/internal/observe"
	obsmock "github.com/MrWong99/switchboard/internal/observe/mock"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/turn"
	"github.com/MrWong99/switchboard/pkg/audio"
	audiomock "github.com/MrWong99/switchboard/pkg/audio/mock"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	llmmock "github.com/MrWong99/switchboard/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/switchboard/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/switchboard/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/switchboard/pkg/provider/vad/mock"
)

const (
	wireFrame = 160 // 20 ms μ-law at 8 kHz

	silence byte = 0xFF // μ-law zero
	loud    byte = 0x80 // μ-law full scale
)

// ---- harness ----

type harness struct {
	orch   *pipeline.Orchestrator
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	sink   *obsmock.Sink
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...pipeline.Option) *harness {
	t.Helper()

	h := &harness{
		stt:    &sttmock.Provider{FinalizeText: "what is my balance"},
		llm:    &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Your balance is fine.", FinishReason: "stop"}}},
		tts:    &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 640), make([]byte, 640)}},
		sink:   &obsmock.Sink{},
		reader: sdkmetric.NewManualReader(),
	}
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	opts = append([]pipeline.Option{pipeline.WithSink(h.sink), pipeline.WithMetrics(met)}, opts...)
	h.orch, err = pipeline.New(pipeline.Adapters{
		STT:   h.stt,
		LLM:   h.llm,
		TTS:   h.tts,
		Names: session.Providers{STT: "mock", LLM: "mock", TTS: "mock"},
	}, opts...)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.orch.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) start(t *testing.T, callID string, cfg pipeline.CallConfig) (*pipeline.Handle, *audiomock.Transport) {
	t.Helper()
	tr := audiomock.NewTransport(256)
	handle, err := h.orch.Start(context.Background(), callID, cfg, tr)
	if err != nil {
		t.Fatalf("Start(%s): %v", callID, err)
	}
	return handle, tr
}

// lifecycle returns "kind/reason" for every lifecycle event of callID.
func (h *harness) lifecycle(callID string) []string {
	var out []string
	for _, ev := range h.sink.LifecycleEvents() {
		if ev.CallID != callID {
			continue
		}
		s := string(ev.Kind)
		if ev.Reason != "" {
			s += "/" + ev.Reason
		}
		out = append(out, s)
	}
	return out
}

func testConfig() pipeline.CallConfig {
	cfg := pipeline.DefaultCallConfig()
	cfg.Turn.MaxFinalWait = 2 * time.Second
	return cfg
}

func frame(seq uint64, fill byte) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       bytes.Repeat([]byte{fill}, wireFrame),
		SampleRate: 8000,
		Channels:   1,
		Encoding:   audio.EncodingMuLaw,
		Seq:        seq,
		Timestamp:  time.Duration(seq) * 20 * time.Millisecond,
	}
}

// push sends n frames of fill starting at seq and returns the next seq.
func push(tr *audiomock.Transport, seq uint64, n int, fill byte) uint64 {
	for range n {
		tr.Push(frame(seq, fill))
		seq++
	}
	return seq
}

func waitDone(t *testing.T, h *pipeline.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("call %s did not end", h.CallID)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func counterSum(t *testing.T, r *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// ---- tests ----

func TestNew_RequiresAdapters(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Adapters{})
	if err == nil {
		t.Fatal("New without adapters succeeded")
	}
}

func TestCallConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*pipeline.CallConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*pipeline.CallConfig) {}},
		{name: "zero idle timeout", mutate: func(c *pipeline.CallConfig) { c.IdleTimeout = 0 }, wantErr: true},
		{name: "sub-millisecond interval", mutate: func(c *pipeline.CallConfig) { c.Codec.FrameInterval = 1500 * time.Microsecond }, wantErr: true},
		{name: "negative gap", mutate: func(c *pipeline.CallConfig) { c.MaxGap = -1 }, wantErr: true},
		{name: "invalid gate", mutate: func(c *pipeline.CallConfig) { c.Gate.Threshold = 2 }, wantErr: true},
		{name: "invalid turn", mutate: func(c *pipeline.CallConfig) { c.Turn.InboxSize = 0 }, wantErr: true},
		{name: "empty adapter override", mutate: func(c *pipeline.CallConfig) { c.Adapters = &pipeline.Adapters{} }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := pipeline.DefaultCallConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCall_SilenceStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	call, tr := h.start(t, "call-silent", testConfig())
	push(tr, 1, 100, silence)
	tr.Hangup()
	waitDone(t, call)

	if n := h.stt.StartCount(); n != 0 {
		t.Errorf("recognition started %d times, want 0", n)
	}
	if got := h.sink.Path(); !slices.Equal(got, []string{"IDLE>DRAINING"}) {
		t.Errorf("transitions = %v, want [IDLE>DRAINING]", got)
	}
	if got := h.lifecycle("call-silent"); !slices.Equal(got, []string{"started", "stopped/hangup"}) {
		t.Errorf("lifecycle = %v", got)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if call.Err() != nil {
		t.Errorf("Err() = %v, want nil", call.Err())
	}
}

func TestCall_SpeechTurnEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	call, tr := h.start(t, "call-speech", testConfig())
	seq := push(tr, 1, 10, loud)
	push(tr, seq, 30, silence)

	waitFor(t, "turn to complete", func() bool { return h.sink.CountTransition("SPEAKING", "IDLE") == 1 })

	want := []string{"IDLE>LISTENING", "LISTENING>THINKING", "THINKING>SPEAKING", "SPEAKING>IDLE"}
	if got := h.sink.Path(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	for i, f := range sent {
		if len(f.Data) != wireFrame || f.Encoding != audio.EncodingMuLaw {
			t.Errorf("frame %d: %d bytes %s, want %d bytes mulaw", i, len(f.Data), f.Encoding, wireFrame)
		}
	}
	if got := call.History().Messages(0); len(got) != 2 || got[0].Content != "what is my balance" {
		t.Errorf("history = %+v", got)
	}
	if call.State() != turn.Idle {
		t.Errorf("State() = %s, want IDLE", call.State())
	}

	h.orch.Stop(call)
	if got := h.lifecycle("call-speech"); !slices.Equal(got, []string{"started", "stopped/stop"}) {
		t.Errorf("lifecycle = %v", got)
	}
	if call.Reason() != observe.ReasonStop {
		t.Errorf("Reason() = %q, want %q", call.Reason(), observe.ReasonStop)
	}
}

func TestCall_IdleTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	call, tr := h.start(t, "call-idle", cfg)
	waitDone(t, call)

	if got := h.lifecycle("call-idle"); !slices.Equal(got, []string{"started", "stopped/idle_timeout"}) {
		t.Errorf("lifecycle = %v", got)
	}
	if got := h.sink.Path(); !slices.Equal(got, []string{"IDLE>DRAINING"}) {
		t.Errorf("transitions = %v, want [IDLE>DRAINING]", got)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if h.orch.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.orch.Active())
	}
}

func TestCall_FramesKeepCallAlive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cfg := testConfig()
	cfg.IdleTimeout = 250 * time.Millisecond
	call, tr := h.start(t, "call-alive", cfg)

	seq := uint64(1)
	for range 40 {
		tr.Push(frame(seq, silence))
		seq++
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-call.Done():
		t.Fatalf("call ended while receiving frames: %v", h.lifecycle("call-alive"))
	default:
	}
	waitDone(t, call)
	if call.Reason() != observe.ReasonIdleTimeout {
		t.Errorf("Reason() = %q, want %q", call.Reason(), observe.ReasonIdleTimeout)
	}
}

func TestCall_ReceiveErrorFailsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tr := audiomock.NewTransport(256)
	tr.ReceiveError = errors.New("connection reset")
	call, err := h.orch.Start(context.Background(), "call-broken", testConfig(), tr)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(tr, 1, 3, silence)
	tr.Hangup()
	waitDone(t, call)

	var te *audio.TransportError
	if err := call.Wait(context.Background()); !errors.As(err, &te) || te.Op != "receive" {
		t.Fatalf("Wait() = %v, want receive TransportError", err)
	}
	if got := h.lifecycle("call-broken"); !slices.Equal(got, []string{"started", "failed/transport_error"}) {
		t.Errorf("lifecycle = %v", got)
	}
	events := h.sink.LifecycleEvents()
	if last := events[len(events)-1]; last.Err == nil || last.Duration <= 0 {
		t.Errorf("failed event = %+v, want error and duration", last)
	}
}

func TestCall_SendErrorFailsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tr := audiomock.NewTransport(256)
	tr.SendError = errors.New("broken pipe")
	call, err := h.orch.Start(context.Background(), "call-send", testConfig(), tr)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	seq := push(tr, 1, 10, loud)
	push(tr, seq, 30, silence)
	waitDone(t, call)

	var te *audio.TransportError
	if !errors.As(call.Err(), &te) || te.Op != "send" {
		t.Fatalf("Err() = %v, want send TransportError", call.Err())
	}
	if got := h.lifecycle("call-send"); !slices.Equal(got, []string{"started", "failed/transport_error"}) {
		t.Errorf("lifecycle = %v", got)
	}
}

func TestCall_GapsAndUndecodableFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	classifier := &vadmock.Session{}
	cfg := testConfig()
	cfg.Adapters = &pipeline.Adapters{STT: h.stt, LLM: h.llm, TTS: h.tts, VAD: &vadmock.Engine{Session: classifier}}
	call, tr := h.start(t, "call-gaps", cfg)

	tr.Push(frame(1, silence))
	tr.Push(frame(2, silence))
	tr.Push(frame(5, silence)) // 3 and 4 lost
	bad := frame(6, silence)
	bad.Data = bad.Data[:80]
	tr.Push(bad)
	tr.Push(frame(5, silence)) // late duplicate
	tr.Hangup()
	waitDone(t, call)

	if n := counterSum(t, h.reader, "switchboard.media.gap_frames", "", ""); n != 2 {
		t.Errorf("gap frames = %d, want 2", n)
	}
	if n := counterSum(t, h.reader, "switchboard.codec.errors", "op", "to_internal"); n != 1 {
		t.Errorf("codec errors = %d, want 1", n)
	}
	// Placeholders are not classified, the duplicate never reaches the gate.
	if n := classifier.FrameCount(); n != 4 {
		t.Errorf("classified %d frames, want 4", n)
	}
	if classifier.CloseCallCount != 1 {
		t.Errorf("classifier closed %d times, want 1", classifier.CloseCallCount)
	}
}

func TestStart_SetupFailure(t *testing.T) {
	t.Parallel()

	vadErr := errors.New("model missing")
	tests := []struct {
		name   string
		mutate func(h *harness, c *pipeline.CallConfig)
		is     error
	}{
		{
			name:   "invalid config",
			mutate: func(_ *harness, c *pipeline.CallConfig) { c.IdleTimeout = 0 },
		},
		{
			name: "classifier unavailable",
			mutate: func(h *harness, c *pipeline.CallConfig) {
				c.Adapters = &pipeline.Adapters{STT: h.stt, LLM: h.llm, TTS: h.tts, VAD: &vadmock.Engine{NewSessionErr: vadErr}}
			},
			is: vadErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			cfg := testConfig()
			tt.mutate(h, &cfg)

			tr := audiomock.NewTransport(1)
			call, err := h.orch.Start(context.Background(), "call-setup", cfg, tr)
			if err == nil || call != nil {
				t.Fatalf("Start() = %v, %v, want error", call, err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Start() error = %v, want %v", err, tt.is)
			}
			if !tr.Closed() {
				t.Error("transport not closed")
			}
			if got := h.lifecycle("call-setup"); !slices.Equal(got, []string{"failed/setup"}) {
				t.Errorf("lifecycle = %v, want [failed/setup]", got)
			}
			if h.orch.Active() != 0 {
				t.Errorf("Active() = %d, want 0", h.orch.Active())
			}
		})
	}
}

func TestStart_MaxCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.WithMaxCalls(1))

	first, _ := h.start(t, "call-1", testConfig())

	tr := audiomock.NewTransport(1)
	if _, err := h.orch.Start(context.Background(), "call-2", testConfig(), tr); !errors.Is(err, pipeline.ErrTooManyCalls) {
		t.Fatalf("second Start() error = %v, want ErrTooManyCalls", err)
	}
	if !tr.Closed() {
		t.Error("rejected transport not closed")
	}
	if got := h.lifecycle("call-2"); len(got) != 0 {
		t.Errorf("rejected call emitted lifecycle events %v", got)
	}

	h.orch.Stop(first)
	third, _ := h.start(t, "call-3", testConfig())
	if h.orch.Active() != 1 {
		t.Errorf("Active() = %d, want 1", h.orch.Active())
	}
	h.orch.Stop(third)
}

func TestSetMaxCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.start(t, "call-1", testConfig())
	h.orch.SetMaxCalls(1)
	if _, err := h.orch.Start(context.Background(), "call-2", testConfig(), audiomock.NewTransport(1)); !errors.Is(err, pipeline.ErrTooManyCalls) {
		t.Fatalf("Start() after lowering the limit: err = %v, want ErrTooManyCalls", err)
	}
	if h.orch.Active() != 1 {
		t.Errorf("Active() = %d, want 1; running calls must survive a lower limit", h.orch.Active())
	}

	h.orch.SetMaxCalls(0)
	h.start(t, "call-3", testConfig())
	if h.orch.Active() != 2 {
		t.Errorf("Active() = %d, want 2 with no limit", h.orch.Active())
	}
}

func TestStart_DuplicateCallID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.start(t, "call-dup", testConfig())
	_, err := h.orch.Start(context.Background(), "call-dup", testConfig(), audiomock.NewTransport(1))
	if !errors.Is(err, pipeline.ErrDuplicateCall) {
		t.Fatalf("Start() error = %v, want ErrDuplicateCall", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	call, tr := h.start(t, "call-stop", testConfig())
	h.orch.Stop(call)
	h.orch.Stop(call)
	h.orch.Stop(nil)

	if got := h.lifecycle("call-stop"); !slices.Equal(got, []string{"started", "stopped/stop"}) {
		t.Errorf("lifecycle = %v", got)
	}
	if tr.CloseCount() < 1 {
		t.Error("transport not closed")
	}
	if h.orch.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.orch.Active())
	}
}

func TestShutdown_StopsAllCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	a, _ := h.start(t, "call-a", testConfig())
	b, _ := h.start(t, "call-b", testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, call := range []*pipeline.Handle{a, b} {
		if call.Reason() != observe.ReasonShutdown {
			t.Errorf("%s: Reason() = %q, want %q", call.CallID, call.Reason(), observe.ReasonShutdown)
		}
	}
	if _, err := h.orch.Start(context.Background(), "call-c", testConfig(), audiomock.NewTransport(1)); !errors.Is(err, pipeline.ErrShutdown) {
		t.Errorf("Start after Shutdown error = %v, want ErrShutdown", err)
	}
}

func TestCall_EachCallIsIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	quiet, quietTr := h.start(t, "call-quiet", testConfig())
	talk, talkTr := h.start(t, "call-talk", testConfig())

	seq := push(talkTr, 1, 10, loud)
	push(talkTr, seq, 30, silence)
	push(quietTr, 1, 40, silence)

	waitFor(t, "talking call to finish its turn", func() bool { return h.sink.CountTransition("SPEAKING", "IDLE") == 1 })
	if quiet.State() != turn.Idle {
		t.Errorf("quiet call state = %s, want IDLE", quiet.State())
	}
	if n := quietTr.SentCount(); n != 0 {
		t.Errorf("quiet call sent %d frames", n)
	}
	if len(talk.History().History) != 1 || len(quiet.History().History) != 0 {
		t.Errorf("history lengths = %d, %d, want 1, 0", len(talk.History().History), len(quiet.History().History))
	}
	for _, ev := range h.sink.Transitions() {
		if ev.CallID == "call-quiet" && ev.To != "DRAINING" {
			t.Errorf("quiet call transitioned %s>%s", ev.From, ev.To)
		}
	}
}
