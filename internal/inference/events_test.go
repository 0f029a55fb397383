package inference

import (
	"strings"
	"testing"
)

func TestParseResponseEventTranscription(t *testing.T) {
	ev, err := ParseResponseEvent([]byte(`{"event":"transcription","payload":{"text":"hello"}}`))
	if err != nil {
		t.Fatalf("ParseResponseEvent() error = %v", err)
	}
	tr, ok := ev.(Transcription)
	if !ok {
		t.Fatalf("event type = %T, want Transcription", ev)
	}
	if tr.Text != "hello" {
		t.Fatalf("Text = %q, want %q", tr.Text, "hello")
	}
}

func TestParseResponseEventPreservesUnknown(t *testing.T) {
	ev, err := ParseResponseEvent([]byte(`{"event":"usageReport","payload":{"tokens":12}}`))
	if err != nil {
		t.Fatalf("ParseResponseEvent() error = %v", err)
	}
	unk, ok := ev.(UnknownResponse)
	if !ok {
		t.Fatalf("event type = %T, want UnknownResponse", ev)
	}
	if unk.Event != "usageReport" {
		t.Fatalf("Event = %q, want %q", unk.Event, "usageReport")
	}
	if len(unk.Payload) == 0 {
		t.Fatalf("payload should be preserved")
	}
}

func TestMarshalEventEnvelope(t *testing.T) {
	data, err := MarshalEvent(AudioInput{PromptID: "p1", ContentID: "c1", AudioBase64: "AQID", SampleRate: 16000, Format: "pcm16"})
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}
	got := string(data)
	for _, want := range []string{`"event":"audioInput"`, `"audioBase64":"AQID"`, `"sampleRate":16000`} {
		if !strings.Contains(got, want) {
			t.Fatalf("envelope %s missing %s", got, want)
		}
	}
}
