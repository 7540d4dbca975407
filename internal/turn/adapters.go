package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
)

// ─── Recognition ────────────────────────────────────────────────────────────

type recognizerInput struct {
	pcm      []byte
	finalize bool
}

// recognizer is the controller's handle on one turn's recognition goroutine.
// Audio and the finalize request share one queue so that Finalize is only
// issued after all audio before it was sent.
type recognizer struct {
	in       chan recognizerInput
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRecognizer(size int) *recognizer {
	return &recognizer{
		in:     make(chan recognizerInput, size),
		stopCh: make(chan struct{}),
	}
}

func (r *recognizer) send(pcm []byte) bool {
	select {
	case r.in <- recognizerInput{pcm: pcm}:
		return true
	default:
		return false
	}
}

func (r *recognizer) finalize() bool {
	select {
	case r.in <- recognizerInput{finalize: true}:
		return true
	default:
		return false
	}
}

func (r *recognizer) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// recognize opens a recognition session and feeds it until the turn stops
// listening or is cancelled.
func (c *Controller) recognize(ctx context.Context, turnID string, r *recognizer) {
	defer c.wg.Done()

	start := time.Now()
	h, err := c.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: c.codec.Config().InternalRate,
		Channels:   1,
		Language:   c.cfg.Language,
	})
	if err != nil {
		if ctx.Err() == nil {
			c.post(ctx, event{kind: evRecognizerDone, turnID: turnID, err: err})
		}
		return
	}
	defer h.Close()

	c.wg.Add(1)
	go c.readTranscripts(ctx, turnID, h, start)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case in := <-r.in:
			if in.finalize {
				if err := h.Finalize(); err != nil {
					c.log.Debug("turn: finalize failed", "turn_id", turnID, "err", err)
				}
				continue
			}
			if err := h.SendAudio(in.pcm); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
				c.log.Debug("turn: send audio to recognition failed", "turn_id", turnID, "err", err)
			}
		}
	}
}

// readTranscripts forwards partials and finals until the session ends, then
// reports why it ended.
func (c *Controller) readTranscripts(ctx context.Context, turnID string, h stt.SessionHandle, start time.Time) {
	defer c.wg.Done()

	partials, finals := h.Partials(), h.Finals()
	first := true
	for partials != nil || finals != nil {
		var (
			tr   stt.Transcript
			ok   bool
			kind eventKind
		)
		select {
		case tr, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
			kind = evPartial
		case tr, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
			kind = evFinal
		}
		if ctx.Err() != nil {
			c.violation(StageRecognition, turnID)
			continue
		}
		if first {
			first = false
			c.metrics.RecordAdapterDuration(ctx, StageRecognition, c.providers.STT, time.Since(start).Seconds())
		}
		c.post(ctx, event{kind: kind, turnID: turnID, text: tr.Text})
	}

	if ctx.Err() != nil {
		return
	}
	c.post(ctx, event{kind: evRecognizerDone, turnID: turnID, err: h.Err()})
}

// ─── Generation ─────────────────────────────────────────────────────────────

// generate streams a completion and posts every text fragment. The time to
// the first fragment is bounded by GenerationTimeout.
func (c *Controller) generate(ctx context.Context, turnID string, req llm.CompletionRequest) {
	defer c.wg.Done()

	fail := func(err error, timeout bool) {
		c.post(ctx, event{kind: evGenDone, turnID: turnID, err: &AdapterError{Stage: StageGeneration, Timeout: timeout, Err: err}})
	}

	start := time.Now()
	ch, err := c.llmP.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			fail(err, false)
		}
		return
	}
	defer func() { go audio.Drain(ch) }()

	var timeout <-chan time.Time
	if c.cfg.GenerationTimeout > 0 {
		timer := time.NewTimer(c.cfg.GenerationTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			fail(context.DeadlineExceeded, true)
			return
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					c.post(ctx, event{kind: evGenDone, turnID: turnID})
				}
				return
			}
			if ctx.Err() != nil {
				c.violation(StageGeneration, turnID)
				return
			}
			if chunk.FinishReason == llm.FinishReasonError || chunk.Err != nil {
				err := chunk.Err
				if err == nil {
					err = errors.New("stream ended with an error")
				}
				fail(err, false)
				return
			}
			if chunk.Text == "" {
				continue
			}
			if timeout != nil {
				timeout = nil
				c.metrics.RecordAdapterDuration(ctx, StageGeneration, c.providers.LLM, time.Since(start).Seconds())
			}
			if !c.post(ctx, event{kind: evGenText, turnID: turnID, text: chunk.Text}) {
				return
			}
		}
	}
}

// ─── Synthesis ──────────────────────────────────────────────────────────────

// synthesize turns the text channel into wire frames on the output queue and
// places the turn's completion marker behind the last one. The time to the
// first audio is bounded by SynthesisTimeout.
func (c *Controller) synthesize(ctx context.Context, turnID string, text <-chan string) {
	defer c.wg.Done()

	fail := func(err error, timeout bool) {
		c.post(ctx, event{kind: evSynthFailed, turnID: turnID, err: &AdapterError{Stage: StageSynthesis, Timeout: timeout, Err: err}})
	}

	start := time.Now()
	stream, err := c.ttsP.SynthesizeStream(ctx, text, c.voice)
	if err != nil {
		if ctx.Err() == nil {
			fail(err, false)
		}
		return
	}
	pcmCh := stream.Audio()
	defer func() { go audio.Drain(pcmCh) }()

	var (
		rate     = stream.SampleRate()
		internal = c.codec.Config().InternalRate
		framer   = audio.NewFramer(c.codec.InternalFrameBytes())
		first    = true
		timeout  <-chan time.Time
	)
	if c.cfg.SynthesisTimeout > 0 {
		timer := time.NewTimer(c.cfg.SynthesisTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	emit := func(pcm []byte) bool {
		if first {
			first = false
			timeout = nil
			c.metrics.RecordAdapterDuration(ctx, StageSynthesis, c.providers.TTS, time.Since(start).Seconds())
			if !c.post(ctx, event{kind: evFirstAudio, turnID: turnID, at: time.Now()}) {
				return false
			}
		}
		return c.emit(ctx, turnID, pcm)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			fail(context.DeadlineExceeded, true)
			return
		case pcm, ok := <-pcmCh:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if err := stream.Err(); err != nil {
					fail(err, false)
					return
				}
				if tail := framer.Flush(); tail != nil && !emit(tail) {
					return
				}
				if err := c.out.Mark(turnID); err != nil {
					c.log.Debug("turn: mark playout failed", "turn_id", turnID, "err", err)
				}
				return
			}
			if ctx.Err() != nil {
				c.violation(StageSynthesis, turnID)
				return
			}
			if rate > 0 && rate != internal {
				pcm = audio.ResampleMono16(pcm, rate, internal)
			}
			for _, f := range framer.Write(pcm) {
				if !emit(f) {
					return
				}
			}
		}
	}
}

// emit encodes one internal frame and queues it for playout. It reports false
// when the turn can no longer queue audio.
func (c *Controller) emit(ctx context.Context, turnID string, pcm []byte) bool {
	cfg := c.codec.Config()
	seq := c.outSeq.Add(1) - 1
	wire, err := c.codec.FromInternal(audio.AudioFrame{
		Data:       pcm,
		SampleRate: cfg.InternalRate,
		Channels:   1,
		Encoding:   audio.EncodingPCM16,
		Seq:        seq,
		Timestamp:  time.Duration(seq) * cfg.FrameInterval,
	})
	if err != nil {
		c.metrics.RecordCodecError(ctx, "from_internal")
		c.log.Warn("turn: dropping unencodable frame", "turn_id", turnID, "err", err)
		return true
	}
	return c.out.Enqueue(ctx, turnID, wire) == nil
}
