package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SpeechText is the relayed, normalized transcript.
type SpeechText struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SpeechColor is relayed when a transcript names a known color.
type SpeechColor struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	R         uint8  `json:"r"`
	G         uint8  `json:"g"`
	B         uint8  `json:"b"`
}

// SpeechNumber is relayed when a transcript names a number in [1,10].
type SpeechNumber struct {
	SessionID string `json:"session_id"`
	Value     int    `json:"value"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectSpeechText   = "speech.text"
	SubjectSpeechColor  = "speech.color"
	SubjectSpeechNumber = "speech.number"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
