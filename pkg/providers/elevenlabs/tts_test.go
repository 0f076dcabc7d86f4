package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestPCMRate(t *testing.T) {
	if r, err := pcmRate("pcm_24000"); err != nil || r != 24000 {
		t.Fatalf("unexpected rate %d %v", r, err)
	}
	for _, bad := range []string{"mp3_44100_128", "pcm_", "pcm_x"} {
		if _, err := pcmRate(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	pcm, final, err := decodeMessage([]byte(`{"audio":"` + audio + `","isFinal":false}`))
	if err != nil || final || len(pcm) != 4 {
		t.Fatalf("unexpected decode %v %v %v", pcm, final, err)
	}
	if _, final, _ := decodeMessage([]byte(`{"audio":null,"isFinal":true}`)); !final {
		t.Fatalf("expected final")
	}
	if _, _, err := decodeMessage([]byte(`{"error":"quota_exceeded","message":"no credits"}`)); err == nil {
		t.Fatalf("expected server error")
	}
}

func TestSynthesizeStreamsAudio(t *testing.T) {
	up := websocket.Upgrader{}
	got := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/v1/text-to-speech/voice/stream-input") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var texts []string
		for i := 0; i < 3; i++ {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			texts = append(texts, msg["text"].(string))
		}
		got <- texts
		chunk := base64.StdEncoding.EncodeToString(make([]byte, 320))
		_ = conn.WriteJSON(map[string]any{"audio": chunk})
		_ = conn.WriteJSON(map[string]any{"audio": chunk})
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s, err := New(Config{APIKey: "key", VoiceID: "voice", BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.SampleRate() != 16000 {
		t.Fatalf("unexpected rate %d", s.SampleRate())
	}
	ch, err := s.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	total := 0
	for a := range ch {
		if a.Err != nil {
			t.Fatalf("audio error: %v", a.Err)
		}
		total += len(a.Data)
	}
	if total != 640 {
		t.Fatalf("expected 640 bytes, got %d", total)
	}
	texts := <-got
	if len(texts) != 3 || texts[1] != "Hello there. " || texts[2] != "" {
		t.Fatalf("unexpected messages %q", texts)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{VoiceID: "v"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := New(Config{APIKey: "k", VoiceID: "v", OutputFormat: "mp3_44100_128"}); err == nil {
		t.Fatalf("expected format error")
	}
}
