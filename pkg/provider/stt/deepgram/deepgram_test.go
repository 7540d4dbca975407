package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if q.Has("endpointing") {
		t.Error("endpointing should be unset by default")
	}
}

func TestBuildURL_ProviderDefaults(t *testing.T) {
	t.Parallel()

	p, err := New("key",
		WithModel("nova-2-phonecall"),
		WithLanguage("de-DE"),
		WithSampleRate(8000),
		WithEndpointing(300),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2-phonecall", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))

	rawURL, _ = p.buildURL(stt.StreamConfig{Language: "fr-FR"})
	u, _ = url.Parse(rawURL)
	assertEqual(t, "language override", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{
			{Keyword: "Sparkasse", Boost: 5},
			{Keyword: "IBAN", Boost: 3.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 || kws[0] != "Sparkasse:5" || kws[1] != "IBAN:3.5" {
		t.Errorf("keywords = %v, want [Sparkasse:5 IBAN:3.5]", kws)
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
	}{
		{
			name: "final",
			raw: `{"type":"Results","is_final":true,"start":1.5,"duration":0.75,"channel":{"alternatives":[{
				"transcript":"check my balance","confidence":0.95,
				"words":[{"word":"check","start":1.5,"end":1.8,"confidence":0.97}]}]}}`,
			wantOK: true, wantText: "check my balance", wantFinal: true,
		},
		{
			name:   "partial",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"check","confidence":0.7}]}}`,
			wantOK: true, wantText: "check",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.wantText, tr.Text)
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tt.wantFinal)
			}
		})
	}

	tr, _ := parseDeepgramResponse([]byte(tests[0].raw))
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != 750*time.Millisecond {
		t.Errorf("timing = %v+%v, want 1.5s+750ms", tr.Timestamp, tr.Duration)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 1800*time.Millisecond {
		t.Errorf("words = %+v", tr.Words)
	}
}

// ---- streaming session tests ----

// newFakeServer serves one streaming endpoint that runs script for every
// accepted connection. The returned channel yields each handshake's query.
func newFakeServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn)) (<-chan url.Values, string) {
	t.Helper()
	query := make(chan url.Values, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		query <- r.URL.Query()
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		script(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return query, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_AudioFinalizeAndResults(t *testing.T) {
	t.Parallel()

	received := make(chan string, 64)
	query, endpoint := newFakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received <- "audio:" + string(data)
				_ = c.Write(ctx, websocket.MessageText, []byte(
					`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"my bal"}]}}`))
				continue
			}
			received <- "text:" + string(data)
			_ = c.Write(ctx, websocket.MessageText, []byte(
				`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"my balance"}]}}`))
		}
	})

	p, _ := New("test-key", WithEndpoint(endpoint))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	q := <-query
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))

	if err := h.SendAudio([]byte("pcm")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	for _, want := range []string{"audio:pcm", `text:{"type":"Finalize"}`} {
		select {
		case got := <-received:
			assertEqual(t, "server received", want, got)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case tr := <-h.Partials():
		assertEqual(t, "partial", "my bal", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-h.Finals():
		assertEqual(t, "final", "my balance", tr.Text)
		if !tr.IsFinal {
			t.Error("final transcript has IsFinal=false")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}
}

func TestSession_ServerFailureSetsErr(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		_ = c.Close(websocket.StatusInternalError, "boom")
	})

	p, _ := New("test-key", WithEndpoint(endpoint))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	for range h.Finals() {
	}
	if h.Err() == nil {
		t.Fatal("Err() = nil after abnormal close")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	p, _ := New("test-key", WithEndpoint(endpoint))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.Finalize(); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("Finalize after Close = %v, want ErrSessionClosed", err)
	}
	if h.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", h.Err())
	}
	if _, ok := <-h.Partials(); ok {
		t.Error("partials channel still open after Close")
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeServer(t, func(context.Context, *websocket.Conn) {})
	p, _ := New("wrong-key", WithEndpoint(endpoint))
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); err == nil {
		t.Fatal("expected dial error for rejected handshake")
	}
}

// ---- Constructor tests ----

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", defaultEndpoint, p.endpoint)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
