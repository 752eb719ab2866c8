package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

// ── New validation ────────────────────────────────────────────────────────────

func TestNew_RequiresProviderName(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("New with empty provider name should fail")
	}
}

func TestNew_RequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := New("openai", ""); err == nil {
		t.Error("New with empty model should fail")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	t.Parallel()

	_, err := New("watson", "granite")
	if err == nil {
		t.Fatal("unsupported provider should fail")
	}
	if !strings.Contains(err.Error(), "watson") {
		t.Errorf("err = %v, should name the rejected provider", err)
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Errorf("err = %v, should list the supported providers", err)
	}
}

// ── Backend construction ──────────────────────────────────────────────────────

func TestNew_SupportedProviders(t *testing.T) {
	t.Parallel()

	// Construction is offline: backends only validate configuration here.
	tests := []struct {
		provider string
		opts     []anyllmlib.Option
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("test")}},
		{"anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("test")}},
		{"ollama", []anyllmlib.Option{anyllmlib.WithBaseURL("http://localhost:11434")}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.provider, "some-model", tt.opts...)
			if err != nil {
				t.Fatalf("New(%q): %v", tt.provider, err)
			}
			if p.model != "some-model" {
				t.Errorf("model = %q", p.model)
			}
			if p.backend == nil {
				t.Error("backend must be constructed")
			}
		})
	}
}

func TestCreateBackend_CaseInsensitive(t *testing.T) {
	t.Parallel()

	backend, err := createBackend("OpenAI", anyllmlib.WithAPIKey("test"))
	if err != nil {
		t.Fatalf("createBackend(OpenAI): %v", err)
	}
	if backend == nil {
		t.Error("backend is nil")
	}
}
