package opus

import "testing"

func TestFrameSamples(t *testing.T) {
	if got := frameSamples(48000); got != 960 {
		t.Fatalf("expected 960 samples, got %d", got)
	}
	if got := frameSamples(16000); got != 320 {
		t.Fatalf("expected 320 samples, got %d", got)
	}
}

func TestCodecMatchesBuild(t *testing.T) {
	_, err := NewDecoder(16000)
	if Available() && err != nil {
		t.Fatalf("decoder: %v", err)
	}
	if !Available() && err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
