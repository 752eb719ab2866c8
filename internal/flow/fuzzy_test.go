package flow_test

import (
	"testing"

	"github.com/tecvoz/porteiro/internal/flow"
)

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     string
		atLeast  int
		lessThan int
	}{
		{"identical", "Daniel dos Reis", "Daniel dos Reis", 100, 101},
		{"case and accents ignored", "daniél DOS reis", "Daniel dos Reis", 100, 101},
		{"first name against full name", "Daniel", "Daniel dos Reis", flow.FuzzyThreshold, 101},
		{"word order ignored", "dos Reis Daniel", "Daniel dos Reis", flow.FuzzyThreshold, 101},
		{"small transcription slip", "Danilo dos Reis", "Daniel dos Reis", flow.FuzzyThreshold, 101},
		{"unrelated name", "Zezé", "Daniel dos Reis", 0, flow.FuzzyThreshold},
		{"empty input", "", "Daniel", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := flow.Score(tt.a, tt.b)
			if got < tt.atLeast || got >= tt.lessThan {
				t.Errorf("Score(%q, %q) = %d, want in [%d, %d)", tt.a, tt.b, got, tt.atLeast, tt.lessThan)
			}
		})
	}
}

func TestScore_ExactThresholdBoundary(t *testing.T) {
	t.Parallel()

	// "abcd" vs "abxy": 2 edits over a length sum of 8 is exactly 75, the
	// inclusive admission threshold.
	if got := flow.Score("abcd", "abxy"); got != flow.FuzzyThreshold {
		t.Errorf("Score(abcd, abxy) = %d, want exactly %d", got, flow.FuzzyThreshold)
	}
}

func TestNormalizeVoip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"1003030", "1003030"},
		{"sip:1003030@pbx.example.com", "1003030"},
		{"sip:1003030@10.0.0.1:5060", "1003030"},
		{"  1003021 ", "1003021"},
	}
	for _, tt := range tests {
		if got := flow.NormalizeVoip(tt.in); got != tt.want {
			t.Errorf("NormalizeVoip(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
