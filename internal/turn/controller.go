// Package turn implements the per-call turn controller: the state machine that
// decides when the caller is speaking, when to generate a reply and when to
// stop speaking because the caller barged in.
//
// A [Controller] is driven by a single goroutine ([Controller.Run]) that owns
// all turn state. Inbound audio, speech segment events and adapter output
// reach it through one bounded inbox; recognition, generation and synthesis
// run in their own goroutines and post their results back tagged with the id
// of the turn that started them. Output for a turn that is no longer current
// is dropped and counted as a protocol violation.
//
// Every turn carries its own context. Cancelling it is the only way adapter
// work is stopped, and once cancelled a turn never speaks again.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/switchboard/internal/gate"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/codec"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

const (
	// recognizerQueue bounds the audio waiting to be sent to recognition.
	recognizerQueue = 50

	// textQueue bounds the generated text waiting for synthesis.
	textQueue = 256

	// playedQueue buffers playout completion markers.
	playedQueue = 8

	clearTimeout = 2 * time.Second
)

// Output is the outbound audio queue, satisfied by *playout.Player.
type Output interface {
	Enqueue(ctx context.Context, turnID string, frame audio.AudioFrame) error
	Mark(turnID string) error
	Purge(turnID string) int
}

// Deps are the collaborators of one call's controller.
type Deps struct {
	CallID  string
	Session *session.Context

	STT   stt.Provider
	LLM   llm.Provider
	TTS   tts.Provider
	Voice tts.VoiceProfile

	// Codec encodes synthesized PCM for the wire.
	Codec *codec.Converter

	// Output receives encoded response frames. Its completion callback must
	// call [Controller.PlaybackDone].
	Output Output

	// Clearer, if set, is asked to discard remotely buffered audio after a
	// barge-in or failure.
	Clearer audio.Clearer

	Sink    observe.Sink
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Controller runs the turn state machine of one call.
type Controller struct {
	cfg       Config
	callID    string
	sess      *session.Context
	providers session.Providers
	sttP      stt.Provider
	llmP      llm.Provider
	ttsP      tts.Provider
	voice     tts.VoiceProfile
	codec     *codec.Converter
	out       Output
	clearer   audio.Clearer
	sink      observe.Sink
	metrics   *observe.Metrics
	log       *slog.Logger

	inbox   chan event
	played  chan string
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
	outSeq  atomic.Uint64

	state          atomic.Int32
	epoch          time.Time
	lastTransition atomic.Int64 // nanoseconds since epoch

	// Owned by the Run goroutine.
	ctx        context.Context
	telemetry  context.Context
	cur        *turn
	lastAt     time.Time
	preroll    [][]byte
	finalWait  *time.Timer
	finalWaitC <-chan time.Time
}

// New validates cfg and deps and returns an idle Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var errs []error
	if deps.Session == nil {
		errs = append(errs, errors.New("turn: session is required"))
	}
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		errs = append(errs, errors.New("turn: stt, llm and tts providers are required"))
	}
	if deps.Codec == nil {
		errs = append(errs, errors.New("turn: codec is required"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("turn: output is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Controller{
		cfg:       cfg,
		callID:    deps.CallID,
		sess:      deps.Session,
		providers: deps.Session.Providers,
		sttP:      deps.STT,
		llmP:      deps.LLM,
		ttsP:      deps.TTS,
		voice:     deps.Voice,
		codec:     deps.Codec,
		out:       deps.Output,
		clearer:   deps.Clearer,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		inbox:     make(chan event, cfg.InboxSize),
		played:    make(chan string, playedQueue),
		done:      make(chan struct{}),
		epoch:     now,
		lastAt:    now,
		preroll:   make([][]byte, 0, cfg.PrerollFrames),
	}
	if c.sink == nil {
		c.sink = observe.Multi()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("call_id", c.callID)
	return c, nil
}

// State returns the current state. Safe to call from any goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// LastTransition returns when the state last changed.
func (c *Controller) LastTransition() time.Time {
	return c.epoch.Add(time.Duration(c.lastTransition.Load()))
}

// Audio hands one internal PCM frame to the controller. Ownership of the
// frame's data passes to the controller. Audio blocks while the inbox is full.
func (c *Controller) Audio(ctx context.Context, frame audio.AudioFrame) error {
	return c.submit(ctx, event{kind: evAudio, frame: frame})
}

// Segment hands a speech segment boundary to the controller.
func (c *Controller) Segment(ctx context.Context, ev gate.Event) error {
	return c.submit(ctx, event{kind: evSegment, seg: ev})
}

// PlaybackDone reports that every frame of turnID has been sent. It never
// blocks and is meant to be called from the playout completion callback.
func (c *Controller) PlaybackDone(turnID string) {
	select {
	case c.played <- turnID:
	case <-c.done:
	default:
		c.log.Warn("turn: playback marker dropped", "turn_id", turnID)
	}
}

func (c *Controller) submit(ctx context.Context, ev event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Run processes events until ctx is cancelled, then drains the active turn,
// waits for its adapter goroutines and returns. Run must be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn: controller already running")
	}
	c.ctx = ctx
	c.telemetry = context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case ev := <-c.inbox:
			c.handle(ev)
		case id := <-c.played:
			c.onPlayed(id)
		case <-c.finalWaitC:
			c.finalWaitC = nil
			c.onFinalWait()
		}
	}
}

// ---- event dispatch ----

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evAudio:
		c.onAudio(ev.frame)
		return
	case evSegment:
		c.onSegment(ev.seg)
		return
	}

	t := c.cur
	if t == nil || t.id != ev.turnID {
		c.violation(ev.kind.stage(), ev.turnID)
		return
	}
	switch ev.kind {
	case evPartial:
		c.onPartial(t, ev.text)
	case evFinal:
		c.onFinal(t, ev.text)
	case evRecognizerDone:
		c.onRecognizerDone(t, ev.err)
	case evGenText:
		c.onGenText(t, ev.text)
	case evGenDone:
		c.onGenDone(t, ev.err)
	case evFirstAudio:
		if t.firstAudio == 0 {
			t.firstAudio = ev.at.Sub(t.thinkingAt)
		}
	case evSynthFailed:
		c.onSynthFailed(t, ev.err)
	}
}

func (c *Controller) onAudio(frame audio.AudioFrame) {
	if t := c.cur; t != nil && c.State() == Listening && t.rec != nil {
		if !t.rec.send(frame.Data) {
			t.droppedAudio++
			if t.droppedAudio == 1 {
				c.log.Warn("turn: recognition queue full, dropping audio", "turn_id", t.id)
			}
		}
		return
	}
	c.pushPreroll(frame.Data)
}

func (c *Controller) pushPreroll(pcm []byte) {
	n := c.cfg.PrerollFrames
	if n == 0 {
		return
	}
	if len(c.preroll) < n {
		c.preroll = append(c.preroll, pcm)
		return
	}
	copy(c.preroll, c.preroll[1:])
	c.preroll[n-1] = pcm
}

func (c *Controller) onSegment(seg gate.Event) {
	switch seg.Type {
	case gate.SegmentStart:
		switch c.State() {
		case Idle:
			c.startListening(seg.SegmentID)
		case Listening:
			// Speech resumed before the utterance was final: same turn.
			if t := c.cur; t.segmentEnded {
				t.segmentEnded = false
				t.segmentID = seg.SegmentID
				c.stopFinalWait()
			}
		case Thinking:
			t := c.cur
			c.finishTurn(t, observe.OutcomeInterrupted, "", Thinking)
			c.startListening(seg.SegmentID)
		case Speaking:
			t := c.cur
			c.setState(Interrupted, t.id)
			c.finishTurn(t, observe.OutcomeInterrupted, "", Interrupted)
			c.startListening(seg.SegmentID)
		}

	case gate.SegmentEnd:
		t := c.cur
		if c.State() != Listening || t == nil || t.segmentEnded || seg.SegmentID != t.segmentID {
			return
		}
		t.segmentEnded = true
		switch {
		case len(t.finals) > 0 && t.partial == "":
			c.beginThinking(t, t.utterance(false))
		case t.recClosed:
			c.completeUtterance(t, true)
		default:
			if !t.rec.finalize() {
				c.log.Warn("turn: recognition queue full, waiting for forced final", "turn_id", t.id)
			}
			c.startFinalWait()
		}
	}
}

func (c *Controller) onPartial(t *turn, text string) {
	if c.State() != Listening {
		return
	}
	t.partial = strings.TrimSpace(text)
}

func (c *Controller) onFinal(t *turn, text string) {
	if c.State() != Listening {
		return
	}
	if text = strings.TrimSpace(text); text != "" {
		t.finals = append(t.finals, text)
	}
	t.partial = ""
	if t.segmentEnded {
		c.completeUtterance(t, false)
	}
}

func (c *Controller) onRecognizerDone(t *turn, err error) {
	t.recClosed = true
	if c.State() != Listening {
		return
	}
	if err != nil {
		c.fail(t, &AdapterError{Stage: StageRecognition, Err: err})
		return
	}
	if t.segmentEnded {
		c.completeUtterance(t, true)
	}
}

func (c *Controller) onFinalWait() {
	t := c.cur
	if t == nil || c.State() != Listening || !t.segmentEnded {
		return
	}
	c.log.Debug("turn: final transcript overdue, forcing utterance", "turn_id", t.id)
	c.completeUtterance(t, true)
}

// completeUtterance moves to THINKING with the accumulated text. forced
// includes the latest partial. An empty utterance discards the turn.
func (c *Controller) completeUtterance(t *turn, forced bool) {
	text := t.utterance(forced)
	if text == "" {
		c.finishTurn(t, observe.OutcomeDiscarded, "", Listening)
		c.setState(Idle, t.id)
		return
	}
	c.beginThinking(t, text)
}

func (c *Controller) onGenText(t *turn, text string) {
	st := c.State()
	if t.apology || (st != Thinking && st != Speaking) {
		return
	}
	t.assistant.WriteString(text)
	t.forward(text)
	if !t.speaking {
		c.startSpeaking(t)
	}
}

func (c *Controller) onGenDone(t *turn, err error) {
	if err != nil {
		var aerr *AdapterError
		if !errors.As(err, &aerr) {
			aerr = &AdapterError{Stage: StageGeneration, Err: err}
		}
		c.fail(t, aerr)
		return
	}
	if !t.speaking {
		c.fail(t, &AdapterError{Stage: StageGeneration, Err: llm.ErrEmptyResponse})
		return
	}
	t.closeText()
}

func (c *Controller) onSynthFailed(t *turn, err error) {
	var aerr *AdapterError
	if !errors.As(err, &aerr) {
		aerr = &AdapterError{Stage: StageSynthesis, Err: err}
	}
	c.fail(t, aerr)
}

func (c *Controller) onPlayed(id string) {
	t := c.cur
	if t == nil || t.id != id || c.State() != Speaking {
		return
	}
	if !t.apology {
		err := c.sess.Append(session.TurnRecord{
			TurnID:        t.id,
			UserText:      t.userText,
			AssistantText: t.assistant.String(),
			StartedAt:     t.started,
			EndedAt:       time.Now(),
		})
		if err != nil {
			c.log.Warn("turn: failed to record turn", "turn_id", t.id, "err", err)
		}
	}
	c.finishTurn(t, observe.OutcomeCompleted, "", Speaking)
	c.setState(Idle, t.id)
}

// ---- turn lifecycle ----

func (c *Controller) newTurn(apology bool) *turn {
	id := uuid.NewString()
	ctx, span := observe.StartSpan(c.ctx, "turn", trace.WithAttributes(
		observe.Attr("call_id", c.callID),
		observe.Attr("turn_id", id),
	))
	ctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	return &turn{
		id:         id,
		apology:    apology,
		ctx:        ctx,
		cancel:     cancel,
		span:       span,
		started:    now,
		thinkingAt: now,
	}
}

func (c *Controller) startListening(segmentID uint64) {
	t := c.newTurn(false)
	t.segmentID = segmentID
	t.rec = newRecognizer(recognizerQueue + len(c.preroll))
	for _, pcm := range c.preroll {
		t.rec.send(pcm)
	}
	clear(c.preroll)
	c.preroll = c.preroll[:0]

	c.cur = t
	c.setState(Listening, t.id)

	c.wg.Add(1)
	go c.recognize(t.ctx, t.id, t.rec)
}

func (c *Controller) beginThinking(t *turn, text string) {
	c.stopFinalWait()
	t.rec.stop()
	t.userText = text
	t.thinkingAt = time.Now()
	t.textCh = make(chan string, textQueue)
	c.setState(Thinking, t.id)

	c.wg.Add(1)
	go c.generate(t.ctx, t.id, c.request(text))
}

func (c *Controller) startSpeaking(t *turn) {
	t.speaking = true
	c.setState(Speaking, t.id)

	c.wg.Add(1)
	go c.synthesize(t.ctx, t.id, t.textCh)
}

func (c *Controller) startApology() {
	t := c.newTurn(true)
	t.textCh = make(chan string, 1)
	t.forward(c.cfg.ApologyText)
	t.closeText()
	c.cur = t
	c.startSpeaking(t)
}

func (c *Controller) fail(t *turn, aerr *AdapterError) {
	c.metrics.RecordAdapterFailure(c.telemetry, aerr.Stage, aerr.kind())
	c.log.Warn("turn: adapter failed", "turn_id", t.id, "stage", aerr.Stage, "timeout", aerr.Timeout, "err", aerr.Err)

	c.finishTurn(t, observe.OutcomeFailed, aerr.Stage, c.State())
	if t.apology || c.cfg.Fallback != FallbackApology {
		c.setState(Idle, t.id)
		return
	}
	c.startApology()
}

// finishTurn cancels t, removes its queued audio and reports it.
func (c *Controller) finishTurn(t *turn, outcome observe.TurnOutcome, stage string, state State) {
	t.cancel()
	if t.rec != nil {
		t.rec.stop()
	}
	c.stopFinalWait()
	if t.speaking && outcome != observe.OutcomeCompleted {
		if n := c.out.Purge(t.id); n > 0 {
			c.log.Debug("turn: purged queued audio", "turn_id", t.id, "frames", n)
		}
		c.clearRemote()
	}

	now := time.Now()
	c.sink.TurnCompleted(c.telemetry, observe.TurnEvent{
		CallID:     c.callID,
		TurnID:     t.id,
		Outcome:    outcome,
		State:      state.String(),
		Apology:    t.apology,
		Stage:      stage,
		Duration:   now.Sub(t.started),
		FirstAudio: t.firstAudio,
		Elapsed:    now.Sub(c.lastAt),
	})
	t.span.SetAttributes(observe.Attr("outcome", string(outcome)))
	t.span.End()
	c.cur = nil
}

func (c *Controller) teardown() {
	if t := c.cur; t != nil {
		state := c.State()
		c.setState(Draining, t.id)
		c.finishTurn(t, observe.OutcomeDrained, "", state)
	} else {
		c.setState(Draining, "")
	}
	c.stopFinalWait()
	close(c.done)
	c.wg.Wait()
}

func (c *Controller) setState(to State, turnID string) {
	from := c.State()
	now := time.Now()
	elapsed := now.Sub(c.lastAt)
	c.lastAt = now
	c.state.Store(int32(to))
	c.lastTransition.Store(int64(now.Sub(c.epoch)))

	c.sink.Transition(c.telemetry, observe.TransitionEvent{
		CallID:  c.callID,
		TurnID:  turnID,
		From:    from.String(),
		To:      to.String(),
		At:      now,
		Elapsed: elapsed,
	})
	c.log.Debug("turn: transition", "turn_id", turnID, "from", from, "to", to)
}

func (c *Controller) startFinalWait() {
	c.stopFinalWait()
	c.finalWait = time.NewTimer(c.cfg.MaxFinalWait)
	c.finalWaitC = c.finalWait.C
}

func (c *Controller) stopFinalWait() {
	if c.finalWait != nil {
		c.finalWait.Stop()
		c.finalWait = nil
	}
	c.finalWaitC = nil
}

// clearRemote asks the transport to drop audio it buffered for the far end.
func (c *Controller) clearRemote() {
	if c.clearer == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.telemetry, clearTimeout)
		defer cancel()
		if err := c.clearer.Clear(ctx); err != nil {
			c.log.Debug("turn: clear remote buffer failed", "err", err)
		}
	}()
}

func (c *Controller) request(text string) llm.CompletionRequest {
	msgs := c.sess.Snapshot().Messages(c.cfg.HistoryTokens)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: c.cfg.SystemPrompt,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}
}

// violation records adapter output that arrived for a stale turn. Safe to
// call from any goroutine once Run has started.
func (c *Controller) violation(stage, turnID string) {
	c.metrics.RecordProtocolViolation(c.telemetry, stage)
	c.log.Debug("turn: dropped stale adapter output", "stage", stage, "turn_id", turnID, "err", ErrProtocolViolation)
}

// post delivers adapter output to the Run loop. It gives up when the turn is
// cancelled or the controller stopped.
func (c *Controller) post(ctx context.Context, ev event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case c.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// ---- turn ----

type turn struct {
	id      string
	apology bool
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span

	started    time.Time
	thinkingAt time.Time
	firstAudio time.Duration

	rec          *recognizer
	recClosed    bool
	droppedAudio int
	segmentID    uint64
	segmentEnded bool
	finals       []string
	partial      string

	userText    string
	assistant   strings.Builder
	textCh      chan string
	pendingText string
	textClosed  bool
	speaking    bool
}

func (t *turn) utterance(withPartial bool) string {
	parts := t.finals
	if withPartial && t.partial != "" {
		parts = append(parts[:len(parts):len(parts)], t.partial)
	}
	return strings.Join(parts, " ")
}

// forward hands text to synthesis without blocking. Text that does not fit
// is held back and sent with the next fragment.
func (t *turn) forward(text string) {
	if t.textClosed {
		return
	}
	if t.pendingText != "" {
		text = t.pendingText + text
		t.pendingText = ""
	}
	select {
	case t.textCh <- text:
	default:
		t.pendingText = text
	}
}

// closeText ends the synthesis input once held-back text is delivered.
func (t *turn) closeText() {
	if t.textClosed {
		return
	}
	t.textClosed = true
	if t.pendingText == "" {
		close(t.textCh)
		return
	}
	rest, ch, ctx := t.pendingText, t.textCh, t.ctx
	t.pendingText = ""
	go func() {
		defer close(ch)
		select {
		case ch <- rest:
		case <-ctx.Done():
		}
	}()
}

// ---- events ----

type eventKind int

const (
	evAudio eventKind = iota + 1
	evSegment
	evPartial
	evFinal
	evRecognizerDone
	evGenText
	evGenDone
	evFirstAudio
	evSynthFailed
)

func (k eventKind) stage() string {
	switch k {
	case evPartial, evFinal, evRecognizerDone:
		return StageRecognition
	case evGenText, evGenDone:
		return StageGeneration
	default:
		return StageSynthesis
	}
}

type event struct {
	kind   eventKind
	turnID string
	frame  audio.AudioFrame
	seg    gate.Event
	text   string
	err    error
	at     time.Time
}
