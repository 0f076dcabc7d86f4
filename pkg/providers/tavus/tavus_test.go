package tavus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	avatarapi "github.com/harunnryd/duplex/pkg/adapters/avatar"
	"github.com/harunnryd/duplex/pkg/catalog"
	"github.com/harunnryd/duplex/pkg/frames"
	"github.com/harunnryd/duplex/pkg/resilience"
)

type fakeAPI struct {
	mu    sync.Mutex
	ended []string
	audio [][]byte
	texts []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/personas", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[{"persona_id":"p1","persona_name":"Front Desk","default_replica_id":"r1"}]}`))
	})
	mux.HandleFunc("/v2/replicas", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"replica_id":"r1","replica_name":"Anna","status":"completed"}]}`))
	})
	mux.HandleFunc("/v2/conversations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["replica_id"] != "r1" {
			t.Errorf("unexpected replica %q", body["replica_id"])
		}
		w.Write([]byte(`{"conversation_id":"c1","conversation_url":"https://tavus.daily.co/c1","status":"active"}`))
	})
	mux.HandleFunc("/v2/conversations/c1/end", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.ended = append(f.ended, "c1")
		f.mu.Unlock()
	})
	mux.HandleFunc("/sink", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if mt == websocket.BinaryMessage {
				f.audio = append(f.audio, data)
			} else {
				f.texts = append(f.texts, string(data))
			}
			f.mu.Unlock()
		}
	})
	return mux
}

func (f *fakeAPI) snapshot() (ended []string, audio int, texts []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...), len(f.audio), append([]string(nil), f.texts...)
}

func TestClientResolvesThroughCatalog(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()
	c := NewClient("key")
	c.BaseURL = srv.URL

	h, err := catalog.NewResolver(c).Resolve(context.Background(), catalog.Selector{PersonaName: "Front Desk"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.Persona.ID != "p1" || h.Replica.Name != "Anna" {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := NewClient("key")
	c.BaseURL = srv.URL
	_, err := c.ListReplicas(context.Background())
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if resilience.RetryAfter(err) != 7*time.Second {
		t.Fatalf("expected retry hint of 7s, got %s", resilience.RetryAfter(err))
	}
}

func TestRendererLifecycle(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()
	c := NewClient("key")
	c.BaseURL = srv.URL

	r := NewRenderer(c, RendererConfig{
		Handle:  catalog.Handle{Persona: catalog.Persona{ID: "p1"}, Replica: catalog.Replica{ID: "r1"}},
		SinkURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/sink",
	})
	ctx := context.Background()
	if err := r.Attach(ctx, avatarapi.SessionInfo{SessionID: "s1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if vf, err := r.Render(ctx, frames.AudioChunk{Data: make([]byte, 640)}); err != nil || vf != nil {
		t.Fatalf("render: %v %v", vf, err)
	}
	if err := r.Interrupt(ctx); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, audio, texts := api.snapshot()
		if audio == 1 && len(texts) == 1 {
			if !strings.Contains(texts[0], "conversation.interrupt") {
				t.Fatalf("unexpected control message %q", texts[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink did not receive audio and interrupt")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.Render(done, frames.AudioChunk{Data: make([]byte, 640)}); err == nil {
		t.Fatalf("render with a done context should fail")
	}
	time.Sleep(50 * time.Millisecond)
	if _, audio, _ := api.snapshot(); audio != 1 {
		t.Fatalf("cancelled chunk reached the sink: %d writes", audio)
	}

	_ = r.Close()
	_ = r.Close()
	if ended, _, _ := api.snapshot(); len(ended) != 1 {
		t.Fatalf("expected one conversation end, got %v", ended)
	}
}

func TestAttachWithoutReplica(t *testing.T) {
	r := NewRenderer(NewClient("key"), RendererConfig{})
	if err := r.Attach(context.Background(), avatarapi.SessionInfo{}); err == nil {
		t.Fatalf("expected attach error")
	}
}
