package coqui_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tecvoz/porteiro/pkg/provider/tts/coqui"
)

// wav builds a minimal RIFF/WAVE container around pcm.
func wav(pcm []byte) []byte {
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], 8000)
	binary.LittleEndian.PutUint32(buf[28:32], 16000)
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x10, 0x20}, 160)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			t.Errorf("path = %q, want /api/tts", r.URL.Path)
		}
		if got := r.URL.Query().Get("text"); got != "Olá, morador" {
			t.Errorf("text = %q", got)
		}
		if got := r.URL.Query().Get("speaker_id"); got != "voz1" {
			t.Errorf("speaker_id = %q", got)
		}
		w.Write(wav(pcm))
	}))
	defer srv.Close()

	p := coqui.New(srv.URL)
	got, err := p.Synthesize(context.Background(), "Olá, morador", "voz1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm mismatch: got %d bytes, want %d", len(got), len(pcm))
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts_to_audio/" {
			t.Errorf("path = %q, want /tts_to_audio/", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		w.Write(wav(pcm))
	}))
	defer srv.Close()

	p := coqui.New(srv.URL, coqui.WithAPIMode(coqui.APIModeXTTS))
	got, err := p.Synthesize(context.Background(), "oi", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm mismatch")
	}
}

func TestSynthesize_RawPCMPassthrough(t *testing.T) {
	t.Parallel()

	pcm := []byte{9, 9, 9, 9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pcm)
	}))
	defer srv.Close()

	p := coqui.New(srv.URL)
	got, err := p.Synthesize(context.Background(), "oi", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("raw PCM should pass through untouched")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p := coqui.New("http://localhost:1")
	if _, err := p.Synthesize(context.Background(), "  ", ""); err == nil {
		t.Error("empty text should be rejected before any request")
	}
}
