package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/switchboard/internal/gate"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/session"
	"github.com/MrWong99/switchboard/internal/turn"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/codec"
	"github.com/MrWong99/switchboard/pkg/audio/playout"
	"github.com/MrWong99/switchboard/pkg/provider/vad"
	"github.com/MrWong99/switchboard/pkg/provider/vad/energy"
)

// segmentCloseTimeout bounds handing the final SegmentEnd of a call to a
// controller that may already be tearing down.
const segmentCloseTimeout = 100 * time.Millisecond

// call is one running pipeline instance.
type call struct {
	o       *Orchestrator
	h       *Handle
	cfg     CallConfig
	tr      audio.Transport
	conv    *codec.Converter
	gate    *gate.Gate
	ctrl    *turn.Controller
	player  *playout.Player
	vads    []vad.SessionHandle
	metrics *observe.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	span   trace.Span

	start     time.Time
	lastFrame atomic.Int64 // since start
	codecWarn sync.Once
}

// build wires every component of a call. Nothing runs until launch.
func (o *Orchestrator) build(ctx context.Context, h *Handle, cfg CallConfig, tr audio.Transport) (*call, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	adapters := o.adapters
	if cfg.Adapters != nil {
		adapters = *cfg.Adapters
	}

	conv, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}
	primary, fallback, err := newClassifiers(adapters.VAD, vad.Config{
		SampleRate:       cfg.Codec.InternalRate,
		FrameSizeMs:      int(cfg.Codec.FrameInterval / time.Millisecond),
		SpeechThreshold:  cfg.Gate.Threshold,
		SilenceThreshold: cfg.Gate.Threshold,
	})
	if err != nil {
		return nil, err
	}

	sess := session.New(h.CallID, adapters.Names)
	c := &call{
		o:       o,
		h:       h,
		cfg:     cfg,
		tr:      tr,
		conv:    conv,
		metrics: o.metrics,
		log:     o.log.With("call_id", h.CallID, "session_id", sess.ID),
		start:   time.Now(),
		vads:    []vad.SessionHandle{primary},
	}
	if fallback != nil {
		c.vads = append(c.vads, fallback)
	}

	callCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c.ctx, c.span = observe.StartSpan(callCtx, "call",
		trace.WithAttributes(attribute.String("call.id", h.CallID), attribute.String("session.id", sess.ID)))
	c.cancel = cancel
	c.log = observe.Logger(c.ctx, c.log)

	c.player = playout.New(tr.Send,
		playout.WithCapacity(cfg.PlayoutCapacity),
		playout.WithInterval(cfg.Codec.FrameInterval),
		playout.WithOnDone(func(turnID string) { c.ctrl.PlaybackDone(turnID) }),
		playout.WithOnError(c.sendFailed),
	)

	clearer, _ := tr.(audio.Clearer)
	c.ctrl, err = turn.New(cfg.Turn, turn.Deps{
		CallID:  h.CallID,
		Session: sess,
		STT:     adapters.STT,
		LLM:     adapters.LLM,
		TTS:     adapters.TTS,
		Voice:   cfg.Voice,
		Codec:   conv,
		Output:  c.player,
		Clearer: clearer,
		Sink:    o.sink,
		Metrics: o.metrics,
		Logger:  c.log,
	})
	if err != nil {
		c.abort()
		return nil, err
	}

	gateOpts := []gate.Option{
		gate.WithLogger(c.log),
		gate.WithOnDegraded(func() { c.metrics.GateDegraded.Add(c.ctx, 1) }),
	}
	if fallback != nil {
		gateOpts = append(gateOpts, gate.WithFallback(fallback))
	}
	c.gate, err = gate.New(cfg.Gate, primary, gateOpts...)
	if err != nil {
		c.abort()
		return nil, err
	}

	h.SessionID = sess.ID
	h.StartedAt = c.start
	h.ctrl = c.ctrl
	h.sess = sess
	return c, nil
}

// newClassifiers opens the gate's classifier sessions. The energy classifier
// backs a configured engine and stands in when none is configured.
func newClassifiers(engine vad.Engine, cfg vad.Config) (primary, fallback vad.SessionHandle, err error) {
	en, err := energy.New()
	if err != nil {
		return nil, nil, err
	}
	if engine == nil {
		primary, err = en.NewSession(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("energy session: %w", err)
		}
		return primary, nil, nil
	}
	primary, err = engine.NewSession(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("vad session: %w", err)
	}
	fallback, err = en.NewSession(cfg)
	if err != nil {
		_ = primary.Close()
		return nil, nil, fmt.Errorf("energy session: %w", err)
	}
	return primary, fallback, nil
}

// abort releases what build created before it failed.
func (c *call) abort() {
	c.cancel(nil)
	_ = c.player.Close()
	for _, v := range c.vads {
		_ = v.Close()
	}
	c.span.End()
}

// launch starts the call's tasks and reports it started. The controller,
// ingress and idle watchdog share one group: the first to fail ends the call.
func (c *call) launch() {
	c.h.arm(c.cancel)

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.ctrl.Run(gctx) })
	g.Go(func() error { return c.ingress(gctx) })
	g.Go(func() error { return c.watchdog(gctx) })

	c.o.sink.Lifecycle(context.WithoutCancel(c.ctx), observe.LifecycleEvent{
		CallID:    c.h.CallID,
		SessionID: c.h.SessionID,
		Kind:      observe.LifecycleStarted,
		At:        c.start,
	})
	go c.finish(g)
}

// finish waits for the call's tasks, releases its resources and reports how
// it ended.
func (c *call) finish(g *errgroup.Group) {
	err := g.Wait()
	if err == nil {
		err = context.Cause(c.ctx)
	}
	c.cancel(err)

	_ = c.player.Close()
	if cerr := c.tr.Close(); cerr != nil {
		c.log.Debug("pipeline: close transport", "err", cerr)
	}
	for _, v := range c.vads {
		_ = v.Close()
	}

	kind, reason := outcome(err)
	ev := observe.LifecycleEvent{
		CallID:    c.h.CallID,
		SessionID: c.h.SessionID,
		Kind:      kind,
		Reason:    reason,
		At:        time.Now(),
		Duration:  time.Since(c.start),
	}
	var failure error
	if kind == observe.LifecycleFailed {
		failure = err
		ev.Err = err
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, reason)
	}
	c.span.SetAttributes(attribute.String("call.end_reason", reason))

	c.h.end(reason, failure)
	c.o.release(c.h)
	c.o.sink.Lifecycle(context.WithoutCancel(c.ctx), ev)
	c.span.End()
	close(c.h.done)
}

// outcome maps the cause that ended a call to its lifecycle event.
func outcome(err error) (observe.LifecycleKind, string) {
	var te *audio.TransportError
	switch {
	case errors.Is(err, errHangup):
		return observe.LifecycleStopped, observe.ReasonHangup
	case errors.Is(err, errStopped), err == nil:
		return observe.LifecycleStopped, observe.ReasonStop
	case errors.Is(err, errIdleTimeout):
		return observe.LifecycleStopped, observe.ReasonIdleTimeout
	case errors.Is(err, errShutdown):
		return observe.LifecycleStopped, observe.ReasonShutdown
	case errors.As(err, &te):
		return observe.LifecycleFailed, observe.ReasonTransportError
	default:
		return observe.LifecycleFailed, observe.ReasonInternal
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// ingress reads the transport until it ends, fills sequence gaps the
// transport did not mark itself, decodes every frame and feeds it through the
// gate to the controller. However the call ends, a speech segment still open
// is closed at the last frame received.
func (c *call) ingress(ctx context.Context) error {
	seq := audio.NewSequenceTracker(c.cfg.MaxGap)
	interval := c.conv.Config().FrameInterval
	var end time.Duration
	defer func() { c.closeSegment(ctx, end) }()

	for {
		f, err := c.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, audio.ErrTransportClosed) {
				return errHangup
			}
			var te *audio.TransportError
			if !errors.As(err, &te) {
				err = &audio.TransportError{Op: "receive", Err: err}
			}
			c.log.Warn("pipeline: transport failed", "err", err)
			return err
		}
		c.lastFrame.Store(int64(time.Since(c.start)))

		missing, ok := seq.Observe(f.Seq)
		if !ok {
			continue
		}
		if missing > 0 {
			for i := missing; i > 0; i-- {
				gap := audio.AudioFrame{
					SampleRate: f.SampleRate,
					Channels:   f.Channels,
					Encoding:   f.Encoding,
					Seq:        f.Seq - i,
					Timestamp:  f.Timestamp - time.Duration(i)*interval,
					Missing:    true,
				}
				if c.process(ctx, gap) != nil {
					return nil
				}
			}
		}
		end = f.Timestamp + interval
		if c.process(ctx, f) != nil {
			return nil
		}
	}
}

// closeSegment ends a segment the gate still has open and hands the end to
// the controller if it is still running. The call context may already be
// cancelled, so delivery gets its own short deadline.
func (c *call) closeSegment(ctx context.Context, end time.Duration) {
	ev, ok := c.gate.Close(end)
	if !ok {
		return
	}
	c.log.Debug("pipeline: closed open speech segment at call end", "segment_id", ev.SegmentID, "end", ev.End)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), segmentCloseTimeout)
	defer cancel()
	_ = c.ctrl.Segment(sctx, ev)
}

// process decodes one wire frame and hands it to the gate and controller. A
// frame that cannot be decoded is replaced by silence. It only fails once the
// controller stopped accepting input.
func (c *call) process(ctx context.Context, wire audio.AudioFrame) error {
	if wire.Missing {
		c.metrics.GapFrames.Add(ctx, 1)
	}
	frame, err := c.conv.ToInternal(wire)
	if err != nil {
		c.metrics.RecordCodecError(ctx, "to_internal")
		c.codecWarn.Do(func() {
			c.log.Warn("pipeline: replacing undecodable frames with silence", "seq", wire.Seq, "err", err)
		})
		frame = c.conv.Silence(wire.Seq, wire.Timestamp)
	}

	ev, ok := c.gate.Process(frame)
	if err := c.ctrl.Audio(ctx, frame); err != nil {
		return err
	}
	if ok {
		return c.ctrl.Segment(ctx, ev)
	}
	return nil
}

// watchdog ends the call once neither a frame nor a turn transition was seen
// for the idle timeout.
func (c *call) watchdog(ctx context.Context) error {
	idle := c.cfg.IdleTimeout
	tick := min(max(idle/4, 5*time.Millisecond), time.Second)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.idleFor() >= idle {
				c.log.Info("pipeline: call idle, draining", "idle_timeout", idle)
				return errIdleTimeout
			}
		}
	}
}

func (c *call) idleFor() time.Duration {
	last := max(time.Duration(c.lastFrame.Load()), c.ctrl.LastTransition().Sub(c.start))
	return time.Since(c.start) - last
}

// sendFailed ends the call on the first outbound transport failure.
func (c *call) sendFailed(err error) {
	if c.ctx.Err() != nil {
		return
	}
	var te *audio.TransportError
	if !errors.As(err, &te) {
		err = &audio.TransportError{Op: "send", Err: err}
	}
	c.log.Warn("pipeline: transport failed", "err", err)
	c.cancel(err)
}
