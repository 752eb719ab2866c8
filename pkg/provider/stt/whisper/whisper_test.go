package whisper_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tecvoz/porteiro/pkg/provider/stt"
	"github.com/tecvoz/porteiro/pkg/provider/stt/whisper"
)

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		gotWAV, _ = io.ReadAll(f)
		if lang := r.FormValue("language"); lang != "pt" {
			t.Errorf("language = %q, want pt", lang)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":" Entrega para o 501. "}`)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := bytes.Repeat([]byte{0x01, 0x02}, 800)
	text, err := p.Transcribe(context.Background(), pcm, stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Entrega para o 501." {
		t.Errorf("text = %q", text)
	}

	// The upload must be a WAV container wrapping exactly the input PCM.
	if len(gotWAV) != 44+len(pcm) {
		t.Fatalf("wav = %d bytes, want %d", len(gotWAV), 44+len(pcm))
	}
	if !bytes.Equal(gotWAV[0:4], []byte("RIFF")) || !bytes.Equal(gotWAV[8:12], []byte("WAVE")) {
		t.Error("upload is not a RIFF/WAVE container")
	}
	if !bytes.Equal(gotWAV[44:], pcm) {
		t.Error("wav payload differs from input PCM")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), []byte{1, 2}, stt.Options{}); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	p, err := whisper.New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), nil, stt.Options{})
	if err != nil || text != "" {
		t.Errorf("empty audio: got (%q, %v), want no call at all", text, err)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}
