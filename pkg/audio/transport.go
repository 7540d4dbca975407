package audio

import (
	"context"
	"errors"
)

// Transport is the per-call media connection to the telephony network.
//
// Receive and Send may be called concurrently with each other, but each
// direction has a single caller: the orchestrator runs one reader and one
// writer per call. Order is preserved per direction. A Transport never
// re-orders late packets; loss is reported as a sequence gap.
//
// Receive returns io.EOF when the remote side ends the stream cleanly (hangup
// or stop event). Any other error is fatal for the call and should be a
// [*TransportError].
type Transport interface {
	Receive(ctx context.Context) (AudioFrame, error)
	Send(ctx context.Context, frame AudioFrame) error
	Close() error
}

// Clearer is implemented by transports whose far end buffers outbound audio
// (e.g. Twilio Media Streams). Clear asks the far end to discard anything it
// has buffered but not yet played.
type Clearer interface {
	Clear(ctx context.Context) error
}

// ErrTransportClosed is returned by transports used after Close.
var ErrTransportClosed = errors.New("audio: transport closed")

// TransportError wraps a network-level failure. It is fatal for the call that
// observed it and for no other call.
type TransportError struct {
	// Op is the failing operation ("receive", "send", "accept", ...).
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return "audio: transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
