package domain

// Control frame types accepted from the remote audio endpoint.
const (
	MessageTypePlayAudio      = "playAudio"
	MessageTypeKillAudio      = "killAudio"
	MessageTypeStartRecording = "startRecording"
	MessageTypeStopRecording  = "stopRecording"
	MessageTypeDTMF           = "dtmf"
)

// ControlFrame is the envelope of every inbound JSON control frame
type ControlFrame struct {
	Type       string         `json:"type"`
	Data       *PlayAudioData `json:"data,omitempty"`
	SampleRate int            `json:"sampleRate,omitempty"`
	Channels   int            `json:"channels,omitempty"`
}

// PlayAudioData is the payload of a playAudio frame
type PlayAudioData struct {
	AudioContentType string `json:"audioContentType"`
	SampleRate       int    `json:"sampleRate"`
	AudioContent     string `json:"audioContent"` // base64 encoded
	TextContent      string `json:"textContent,omitempty"`
}

// ForkPlayAudioBody is the JSON body of a mod_audio_fork::play_audio event.
// The switch has already written the clip to File.
type ForkPlayAudioBody struct {
	AudioContentType string `json:"audioContentType"`
	SampleRate       int    `json:"sampleRate"`
	File             string `json:"file"`
	TextContent      string `json:"textContent,omitempty"`
}

// StreamMetadata is sent once when the duplex link is opened
type StreamMetadata struct {
	ContentType string `json:"content-type"`
	Rate        int    `json:"rate"`
	Channels    int    `json:"channels"`
}

// DefaultStreamMetadata describes the outbound call audio: mono L16 at 16 kHz
func DefaultStreamMetadata() StreamMetadata {
	return StreamMetadata{ContentType: "audio/l16", Rate: 16000, Channels: 1}
}

// DTMFMessage relays a dialed digit to the remote endpoint
type DTMFMessage struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// CallEvent is one event delivered by the call-control transport. Header
// values are already URL-decoded.
type CallEvent struct {
	Name     string
	Subclass string
	UniqueID string
	Headers  map[string]string
	Body     string
}

// Header returns a header value or "" when absent.
func (e CallEvent) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}
