package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/rtp"
	"github.com/MrWong99/switchboard/pkg/audio/twilio"
)

// handleTwilio accepts a Twilio media stream and runs a call on it. The
// handler returns once the call has ended.
func (a *App) handleTwilio(w http.ResponseWriter, r *http.Request) {
	m := a.snapshot().cfg.Media
	stream, err := twilio.Accept(w, r,
		twilio.WithFrameInterval(m.FrameInterval),
		twilio.WithMaxGap(m.MaxGap),
		twilio.WithOriginPatterns(a.boot.Media.AllowedOrigins...),
	)
	if err != nil {
		a.log.Warn("app: media stream rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	callID := stream.CallSID
	if callID == "" {
		callID = uuid.NewString()
	}
	log := observe.Logger(r.Context(), a.log).With("call_id", callID, "transport", "twilio", "stream_sid", stream.StreamSID)
	rate := stream.Format.SampleRate
	if rate == 0 {
		rate = rtp.ClockRate
	}
	h := a.startCall(r.Context(), log, callID, audio.EncodingMuLaw, rate, stream)
	if h == nil {
		return
	}
	<-h.Done()
}

// acceptRTP starts a call for every new RTP session until ctx is cancelled
// or the listener is closed. RTP has no signalling; a session's call ends on
// its idle timeout or when the server shuts down.
func (a *App) acceptRTP(ctx context.Context) error {
	for {
		sess, err := a.rtp.Accept(ctx)
		switch {
		case err == nil:
		case errors.Is(err, rtp.ErrListenerClosed), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("app: rtp accept: %w", err)
		}

		callID := fmt.Sprintf("rtp-%08x", sess.RemoteSSRC)
		log := a.log.With("call_id", callID, "transport", "rtp", "remote", sess.Remote.String())
		a.startCall(ctx, log, callID, sess.Encoding, rtp.ClockRate, sess)
	}
}

// startCall starts a call on tr with the current config snapshot, adjusted
// to the media format the transport negotiated. It returns nil when the
// orchestrator refused the call; tr is closed in that case.
func (a *App) startCall(ctx context.Context, log *slog.Logger, callID string, enc audio.Encoding, rate int, tr audio.Transport) *pipeline.Handle {
	cc := a.snapshot().callConfig()
	cc.Codec.Encoding = enc
	cc.Codec.WireRate = rate

	h, err := a.orch.Start(ctx, callID, cc, tr)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrTooManyCalls), errors.Is(err, pipeline.ErrShutdown):
			log.Warn("app: call refused", "reason", err)
		default:
			log.Error("app: call setup failed", "err", err)
		}
		return nil
	}
	log.Info("app: call started", "session_id", h.SessionID, "encoding", enc)
	return h
}
