package frames

import (
	"testing"
	"time"
)

func TestPCMDuration(t *testing.T) {
	// 20ms of 16kHz mono PCM16 is 640 bytes.
	if got := PCMDuration(640, 16000, 1); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", got)
	}
	if got := PCMDuration(640, 0, 1); got != 0 {
		t.Fatalf("expected zero duration for unknown rate, got %s", got)
	}
}

func TestCloneOwnsPayload(t *testing.T) {
	src := NewAudioFrame("alice", 7, []byte{1, 2, 3, 4}, 16000, 1)
	c := src.Clone()
	c.RawPayload()[0] = 9
	if src.RawPayload()[0] != 1 {
		t.Fatalf("clone shares payload with source")
	}
	if c.Seq() != 7 || c.Participant() != "alice" {
		t.Fatalf("clone lost identity: seq=%d participant=%s", c.Seq(), c.Participant())
	}
	if !ReleaseAudioFrame(c) {
		t.Fatalf("expected pooled clone to be released")
	}
	if ReleaseAudioFrame(src) {
		t.Fatalf("non pooled frame must not be released")
	}
}

func TestParticipantPresenceSharedAcrossCopies(t *testing.T) {
	p := NewParticipant("bob", KindTelephony, map[string]string{"sip.callID": "x"})
	cp := p
	cp.SetPresence(PresenceAway)
	if p.Presence() != PresenceAway {
		t.Fatalf("expected presence to be shared, got %s", p.Presence())
	}
	var zero Participant
	zero.SetPresence(PresenceLeft)
	if zero.Presence() != PresenceJoined {
		t.Fatalf("zero participant should report joined")
	}
}

func TestParseParticipantKind(t *testing.T) {
	cases := map[string]ParticipantKind{
		"SIP":      KindTelephony,
		"browser":  KindStandard,
		"":         KindUnknown,
		"hologram": KindUnknown,
	}
	for in, want := range cases {
		if got := ParseParticipantKind(in); got != want {
			t.Fatalf("ParseParticipantKind(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSeqGenMonotonicPerParticipant(t *testing.T) {
	g := NewSeqGen()
	if g.Next("a") != 1 || g.Next("a") != 2 || g.Next("b") != 1 {
		t.Fatalf("unexpected sequence")
	}
}
