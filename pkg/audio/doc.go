// Package audio defines the frame type, the media transport contract, and the
// small helpers (sequence tracking, re-framing, resampling) shared by every
// stage of a call's audio graph.
//
// Two directions of audio flow through a call independently:
//
//   - inbound: a [Transport] yields encoded frames from the network; gaps in
//     sequence numbers are surfaced as frames with Missing set.
//   - outbound: synthesized PCM is re-chunked by a [Framer], encoded, and
//     handed back to the [Transport] one frame at a time.
//
// Concrete transports live in sub-packages (audio/twilio, audio/rtp). The
// interfaces are kept narrow so that the orchestrator never depends on a
// specific carrier.
package audio
