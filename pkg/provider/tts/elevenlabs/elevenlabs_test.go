package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// ---- fake server ----

// newFakeServer serves the stream-input socket and the voices endpoint. Every
// text message received on the socket is reported on the returned channel.
func newFakeServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn, got chan<- textMessage)) (*httptest.Server, <-chan textMessage) {
	t.Helper()
	got := make(chan textMessage, 32)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/text-to-speech/{voice}/stream-input", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		script(r.Context(), c, got)
	})
	mux.HandleFunc("/v1/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"abc123","name":"Rachel","category":"premade","labels":{"accent":"american"}},
			{"voice_id":"x1","name":"Ghost","category":"","labels":null}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, got
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("key", WithBaseURLs(wsBase, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// echoScript answers each text fragment with one audio chunk holding the
// fragment bytes and finishes with isFinal after the end-of-stream message.
func echoScript(ctx context.Context, c *websocket.Conn, got chan<- textMessage) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg textMessage
		_ = json.Unmarshal(data, &msg)
		got <- msg
		switch {
		case msg.XiAPIKey != "":
		case msg.Text == "":
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
			return
		default:
			resp, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(msg.Text))})
			_ = c.Write(ctx, websocket.MessageText, resp)
		}
	}
}

func collect(t *testing.T, s tts.Stream) [][]byte {
	t.Helper()
	var chunks [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-s.Audio():
			if !ok {
				return chunks
			}
			chunks = append(chunks, b)
		case <-timeout:
			t.Fatal("timed out draining audio")
		}
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()

	srv, got := newFakeServer(t, echoScript)
	p := newTestProvider(t, srv)

	text := make(chan string, 3)
	text <- "Your balance is"
	text <- "  "
	text <- "twelve euros."
	close(text)

	s, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "abc123", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if s.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", s.SampleRate())
	}

	chunks := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	if len(chunks) != 2 || string(chunks[0]) != "Your balance is " || string(chunks[1]) != "twelve euros. " {
		t.Errorf("chunks = %q", chunks)
	}

	bos := <-got
	if bos.XiAPIKey != "key" || bos.Text != " " || bos.VoiceSettings == nil || bos.VoiceSettings.Speed != 1.1 {
		t.Errorf("BOS = %+v", bos)
	}
	for _, want := range []string{"Your balance is ", "twelve euros. ", ""} {
		if msg := <-got; msg.Text != want {
			t.Errorf("message text = %q, want %q", msg.Text, want)
		}
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, got chan<- textMessage) {
		_, _, _ = c.Read(ctx)
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"error":"quota_exceeded","message":"out of credits"}`))
		_, _, _ = c.Read(ctx)
	})
	p := newTestProvider(t, srv)

	text := make(chan string)
	s, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "abc123"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	collect(t, s)
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "quota_exceeded") {
		t.Fatalf("Err = %v, want quota_exceeded", s.Err())
	}
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, got chan<- textMessage) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	p := newTestProvider(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)
	s, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "abc123"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()
	collect(t, s)
	if s.Err() != nil {
		t.Errorf("Err after cancel = %v, want nil", s.Err())
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), nil, tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	u, err := url.Parse(p.streamURL("voice-abc123"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Path != "/v1/text-to-speech/voice-abc123/stream-input" {
		t.Errorf("url = %s", u)
	}
	if u.Query().Get("model_id") != "eleven_turbo_v2" || u.Query().Get("output_format") != "pcm_24000" {
		t.Errorf("query = %v", u.Query())
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv, _ := newFakeServer(t, echoScript)
	p := newTestProvider(t, srv)

	profiles, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}
	rachel := profiles[0]
	if rachel.ID != "abc123" || rachel.Provider != "elevenlabs" || rachel.Metadata["accent"] != "american" || rachel.Metadata["category"] != "premade" {
		t.Errorf("profile[0] = %+v", rachel)
	}
	if _, ok := profiles[1].Metadata["category"]; ok {
		t.Error("empty category should not appear in metadata")
	}
}

// ---- Constructor tests ----

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		apiKey   string
		opts     []Option
		wantErr  bool
		wantRate int
	}{
		{name: "defaults", apiKey: "key", wantRate: 16000},
		{name: "pcm 24k", apiKey: "key", opts: []Option{WithOutputFormat("pcm_24000")}, wantRate: 24000},
		{name: "empty key", apiKey: "", wantErr: true},
		{name: "mp3 rejected", apiKey: "key", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "bad rate", apiKey: "key", opts: []Option{WithOutputFormat("pcm_fast")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.apiKey, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.sampleRate != tt.wantRate {
				t.Errorf("sampleRate = %d, want %d", p.sampleRate, tt.wantRate)
			}
		})
	}
}
