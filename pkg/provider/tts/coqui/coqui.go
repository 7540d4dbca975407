// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server (ghcr.io/coqui-ai/tts). It implements the tts.Provider interface.
//
// The server synthesises one utterance per HTTP request, so SynthesizeStream
// accumulates incoming text fragments into sentences and keeps a few requests
// in flight to hide server latency. Audio is emitted in sentence order and
// resampled to the configured output rate.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("de"))
//	s, err := p.SynthesizeStream(ctx, textCh, tts.VoiceProfile{ID: "speaker_1"})
//	for pcm := range s.Audio() { ... }
package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultOutputRate = 16000
	defaultTimeout    = 30 * time.Second
	apiTTSEndpoint    = "/api/tts"
	detailsEndpoint   = "/details"

	// sentenceLookaheadBuf bounds the synthesis requests in flight per stream.
	sentenceLookaheadBuf = 3

	audioChanBuf = 64

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 3200
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language_id sent to multi-lingual models.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputSampleRate sets the rate synthesised PCM is resampled to.
// Defaults to 16000.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	outputRate int
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("coqui: invalid output sample rate %d", p.outputRate)
	}
	return p, nil
}

type audioResult struct {
	pcm []byte
	err error
}

// detailsResponse is the JSON body returned by GET /details. Speakers is nil
// for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ---- SynthesizeStream ----

// SynthesizeStream splits incoming text into sentences and synthesises each
// with one HTTP request. The first failed request ends the stream with an
// error.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	pipe := tts.NewPipe(p.outputRate, audioChanBuf)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	sentences := make(chan string, sentenceLookaheadBuf)
	results := make(chan chan audioResult, sentenceLookaheadBuf)

	go accumulate(ctx, text, sentences)

	// Dispatcher: one request per sentence, result futures queued in order.
	go func() {
		defer close(results)
		for sentence := range sentences {
			out := make(chan audioResult, 1)
			select {
			case results <- out:
			case <-ctx.Done():
				return
			}
			go func(s string) {
				pcm, err := p.synthesize(ctx, s, voice)
				out <- audioResult{pcm: pcm, err: err}
			}(sentence)
		}
	}()

	// Collector: drains futures in order.
	go func() {
		defer cancel()
		var err error
	collect:
		for out := range results {
			var res audioResult
			select {
			case res = <-out:
			case <-ctx.Done():
				break collect
			}
			if res.err != nil {
				err = res.err
				break
			}
			for pcm := res.pcm; len(pcm) > 0; {
				end := min(pcmChunkSize, len(pcm))
				if !pipe.Send(ctx, pcm[:end]) {
					break collect
				}
				pcm = pcm[end:]
			}
		}
		if parent.Err() != nil {
			err = nil
		}
		cancel()
		audio.Drain[chan audioResult](results)
		pipe.CloseWithError(err)
	}()

	return pipe, nil
}

// accumulate reads fragments, emits complete sentences and flushes the
// remainder when text is closed.
func accumulate(ctx context.Context, text <-chan string, sentences chan<- string) {
	defer close(sentences)
	var buf strings.Builder
	emit := func(s string) bool {
		if s == "" {
			return true
		}
		select {
		case sentences <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				emit(strings.TrimSpace(buf.String()))
				return
			}
			buf.WriteString(fragment)
			for {
				s := buf.String()
				idx := findSentenceBoundary(s)
				if idx < 0 {
					break
				}
				buf.Reset()
				buf.WriteString(s[idx+1:])
				if !emit(strings.TrimSpace(s[:idx+1])) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesize performs a single GET /api/tts request and returns mono PCM at
// the output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.Channels != 1 {
		return nil, fmt.Errorf("coqui: unsupported channel count %d", info.Channels)
	}
	return audio.ResampleMono16(wav[info.DataOffset:], info.SampleRate, p.outputRate), nil
}

// ---- ListVoices ----

// ListVoices calls GET /details. Multi-speaker models yield one profile per
// speaker; single-speaker models yield one profile named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}

	if len(details.Speakers) > 0 {
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)

		profiles := make([]tts.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, tts.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.VoiceProfile{{
		ID:       name,
		Name:     name,
		Provider: "coqui",
		Metadata: map[string]string{"type": "single-speaker", "model_name": name},
	}}, nil
}

// ---- helpers ----

// findSentenceBoundary returns the index of the first '.', '!' or '?' that is
// at the end of s or followed by whitespace, or -1. "3.14" and "Dr.X" are not
// boundaries.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and returns the data offset and the
// format from the "fmt " chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("coqui: WAV data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
