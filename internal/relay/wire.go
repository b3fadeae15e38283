package relay

// Telephony media-stream frame kinds. The carrier sends connected, start,
// media and stop; the relay emits media, mark and clear.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventClear     = "clear"
)

// telephonyFrame is the envelope for every JSON frame on the media stream.
// Only the members matching the tagged event kind are populated.
type telephonyFrame struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	Version        string      `json:"version,omitempty"`
	Start          *startFrame `json:"start,omitempty"`
	Media          *mediaFrame `json:"media,omitempty"`
	Mark           *markFrame  `json:"mark,omitempty"`
	Stop           *stopFrame  `json:"stop,omitempty"`
}

// startFrame announces a new media stream for a call. CustomParameters carry
// operator-defined key/value pairs from the stream instruction; the relay
// reads the per-call token from the "token" key.
type startFrame struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *mediaFormat      `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// mediaFrame carries one audio chunk. Payload is base64 mu-law at 8 kHz mono
// in both directions.
type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// markFrame labels a point in the outbound audio stream. The carrier echoes
// the mark back once playback reaches it.
type markFrame struct {
	Name string `json:"name"`
}

type stopFrame struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}
