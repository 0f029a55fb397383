package main

import "testing"

func TestSplitPCMChunks(t *testing.T) {
	// 100ms at 16kHz mono PCM16 is 3200 bytes; 45ms chunks are 1440 bytes.
	pcm := make([]byte, 3200)
	chunks := splitPCMChunks(pcm, 16000, 45)

	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c)%2 != 0 {
			t.Fatalf("chunk %d has odd length %d", i, len(c))
		}
		total += len(c)
	}
	if total != len(pcm) {
		t.Fatalf("total chunk bytes = %d, want %d", total, len(pcm))
	}
	if len(chunks[0]) != 1440 {
		t.Fatalf("chunk size = %d, want 1440", len(chunks[0]))
	}
}

func TestSplitPCMChunksTinyInput(t *testing.T) {
	if got := splitPCMChunks([]byte{0}, 16000, 45); got != nil {
		t.Fatalf("single byte should yield no chunks, got %d", len(got))
	}
	chunks := splitPCMChunks([]byte{0, 0}, 16000, 45)
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("two bytes should yield one 2-byte chunk, got %v", chunks)
	}
}

func TestSpeechWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/speech/ws"},
		{in: "https://bridge.example.com", want: "wss://bridge.example.com/v1/speech/ws"},
		{in: "ftp://bridge.example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := speechWSURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("speechWSURL(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("speechWSURL(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("speechWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
