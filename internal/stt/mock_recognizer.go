package stt

import (
	"context"
	"fmt"
)

var mockNumbers = []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten"}

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes how much audio it
// was given, in whole seconds clamped to one through ten. The phrase names a
// number so the display reacts to it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	bytesPerSecond := sampleRate * channels * 2
	if bytesPerSecond <= 0 {
		return TranscriptResult{}, fmt.Errorf("invalid audio format: rate=%d channels=%d", sampleRate, channels)
	}
	secs := (len(pcm) + bytesPerSecond - 1) / bytesPerSecond
	secs = max(1, min(secs, len(mockNumbers)))

	unit := "seconds"
	if secs == 1 {
		unit = "second"
	}
	text := fmt.Sprintf("heard %s %s of audio", mockNumbers[secs-1], unit)
	if !final {
		text = "so far " + text
	}
	return TranscriptResult{Text: text, Confidence: 1}, nil
}
