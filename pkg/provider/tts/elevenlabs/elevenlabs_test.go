package elevenlabs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tecvoz/porteiro/pkg/provider/tts/elevenlabs"
)

func TestSynthesize(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x10, 0x20}, 160)
	var gotPath, gotKey, gotFormat string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write(pcm)
	}))
	defer srv.Close()

	p, err := elevenlabs.New("test-key", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Synthesize(context.Background(), "Olá, morador", "voz1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	// pcm_8000 responses are raw SLIN: no container handling.
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %d bytes, want passthrough of %d", len(got), len(pcm))
	}

	if gotPath != "/v1/text-to-speech/voz1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if gotFormat != "pcm_8000" {
		t.Errorf("output_format = %q, the socket needs 8 kHz SLIN", gotFormat)
	}
	if gotBody["text"] != "Olá, morador" {
		t.Errorf("body text = %v", gotBody["text"])
	}
	if gotBody["model_id"] != "eleven_multilingual_v2" {
		t.Errorf("body model_id = %v", gotBody["model_id"])
	}
}

func TestSynthesize_DefaultVoiceAndModelOption(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte{1, 2})
	}))
	defer srv.Close()

	p, err := elevenlabs.New("key",
		elevenlabs.WithBaseURL(srv.URL),
		elevenlabs.WithModel("eleven_turbo_v2"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "oi", ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	// Empty voice falls back to the provider default voice id.
	if gotPath == "/v1/text-to-speech/" {
		t.Errorf("path = %q, empty voice must be substituted", gotPath)
	}
	if gotBody["model_id"] != "eleven_turbo_v2" {
		t.Errorf("model_id = %v", gotBody["model_id"])
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail": "quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := elevenlabs.New("key", elevenlabs.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "oi", "v"); err == nil {
		t.Error("expected error on 429 response")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p, err := elevenlabs.New("key", elevenlabs.WithBaseURL("http://localhost:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "   ", "v"); err == nil {
		t.Error("blank text should be rejected before any request")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := elevenlabs.New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}
