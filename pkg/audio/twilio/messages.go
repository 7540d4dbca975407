package twilio

// Wire messages of the Twilio Media Streams WebSocket protocol. Numeric
// fields such as sequenceNumber, chunk and timestamp arrive as strings.

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventDTMF      = "dtmf"
	eventClear     = "clear"
)

// mediaEncodingMuLaw is the only encoding Twilio accepts on bidirectional
// streams.
const mediaEncodingMuLaw = "audio/x-mulaw"

type inbound struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber"`
	StreamSID      string     `json:"streamSid"`
	Start          *startInfo `json:"start,omitempty"`
	Media          *mediaInfo `json:"media,omitempty"`
	Stop           *stopInfo  `json:"stop,omitempty"`
	Mark           *markInfo  `json:"mark,omitempty"`
	DTMF           *dtmfInfo  `json:"dtmf,omitempty"`
}

type startInfo struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the audio Twilio sends on the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type markInfo struct {
	Name string `json:"name"`
}

type dtmfInfo struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type outbound struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     *mediaInfo `json:"media,omitempty"`
	Mark      *markInfo  `json:"mark,omitempty"`
}
