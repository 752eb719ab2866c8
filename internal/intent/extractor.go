// Package intent turns visitor speech into a structured visit record using
// an LLM. Extraction is staged: intent type first, then the visitor's name,
// then the destination (apartment + resident). A stage only runs while its
// field is still empty, so repeated visitor turns progressively fill the
// record without re-asking for what is already known.
//
// The model is instructed to answer with a small JSON object; parsing is
// lenient about markdown fences and surrounding prose, since smaller models
// routinely decorate their output.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tecvoz/porteiro/internal/session"
	"github.com/tecvoz/porteiro/pkg/provider/llm"
)

// IntentType values recognised by the first stage.
const (
	TypeVisit    = "visita"
	TypeDelivery = "entrega"
	TypeUnknown  = "desconhecido"
)

// Extraction is the result of advancing the record by one visitor turn.
type Extraction struct {
	// Intent carries the newly extracted fields (only the ones this pass
	// produced; the caller merges them into the session).
	Intent session.Intent

	// Message is the clarifying utterance to play to the visitor, empty when
	// the record is complete and no clarification is needed.
	Message string
}

// Extractor drives the staged extraction over an LLM provider.
type Extractor struct {
	llm         llm.Provider
	temperature float64
}

// New creates an Extractor over the given LLM provider.
func New(p llm.Provider) *Extractor {
	return &Extractor{llm: p, temperature: 0.1}
}

// stage describes one extraction pass.
type stage struct {
	name   string
	needed func(session.Intent) bool
	prompt string
}

var stages = []stage{
	{
		name:   "intent_type",
		needed: func(i session.Intent) bool { return i.Type == "" },
		prompt: `Você é a portaria inteligente de um condomínio. Classifique a intenção ` +
			`do visitante a partir da fala transcrita. Responda SOMENTE com JSON no formato ` +
			`{"message": "<pergunta de esclarecimento ou vazio>", "data": {"intent_type": "visita"|"entrega"|"desconhecido"}}. ` +
			`Se a intenção não estiver clara, use "desconhecido" e pergunte em "message".`,
	},
	{
		name:   "visitor_name",
		needed: func(i session.Intent) bool { return i.VisitorName == "" },
		prompt: `Você é a portaria inteligente de um condomínio. Extraia o nome da pessoa ` +
			`no portão a partir da fala transcrita. Responda SOMENTE com JSON no formato ` +
			`{"message": "<pergunta de esclarecimento ou vazio>", "data": {"visitor_name": "<nome ou vazio>"}}. ` +
			`Se o nome não foi dito, deixe "visitor_name" vazio e pergunte em "message".`,
	},
	{
		name:   "destination",
		needed: func(i session.Intent) bool { return i.Apartment == "" || i.ResidentName == "" },
		prompt: `Você é a portaria inteligente de um condomínio. Extraia o número do ` +
			`apartamento de destino e o nome do morador procurado. Responda SOMENTE com JSON ` +
			`no formato {"message": "<pergunta de esclarecimento ou vazio>", "data": ` +
			`{"apartment": "<número ou vazio>", "resident_name": "<nome ou vazio>"}}. ` +
			`Pergunte em "message" pelo que faltar.`,
	},
}

// stageResponse is the JSON contract each stage prompt requests.
type stageResponse struct {
	Message string `json:"message"`
	Data    struct {
		IntentType   string `json:"intent_type"`
		VisitorName  string `json:"visitor_name"`
		Apartment    string `json:"apartment"`
		ResidentName string `json:"resident_name"`
	} `json:"data"`
}

// Advance runs the applicable stages against the latest visitor text and the
// conversation so far. It stops at the first stage whose field remains empty
// after the model's answer, returning that stage's clarifying message.
func (e *Extractor) Advance(ctx context.Context, current session.Intent, history []session.Turn, text string) (Extraction, error) {
	var out Extraction

	merged := current
	for _, st := range stages {
		if !st.needed(merged) {
			continue
		}

		resp, err := e.runStage(ctx, st, history, text)
		if err != nil {
			return Extraction{}, fmt.Errorf("intent: stage %s: %w", st.name, err)
		}

		upd := session.Intent{
			Type:         normalizeType(resp.Data.IntentType),
			VisitorName:  strings.TrimSpace(resp.Data.VisitorName),
			Apartment:    strings.TrimSpace(resp.Data.Apartment),
			ResidentName: strings.TrimSpace(resp.Data.ResidentName),
		}
		mergeIntent(&merged, upd)
		mergeIntent(&out.Intent, upd)
		out.Message = strings.TrimSpace(resp.Message)

		if st.needed(merged) {
			// The field is still missing — surface this stage's question and
			// wait for the next visitor turn.
			return out, nil
		}
	}

	return out, nil
}

func (e *Extractor) runStage(ctx context.Context, st stage, history []session.Turn, text string) (stageResponse, error) {
	var sb strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&sb, "[%s] %s\n", turn.Role, turn.Text)
	}
	fmt.Fprintf(&sb, "Fala atual do visitante: %q", text)

	raw, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: st.prompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  e.temperature,
		MaxTokens:    256,
	})
	if err != nil {
		return stageResponse{}, err
	}

	var resp stageResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return stageResponse{}, fmt.Errorf("parse model response %q: %w", raw, err)
	}
	return resp, nil
}

// extractJSON trims markdown fences and surrounding prose down to the first
// balanced top-level JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TypeVisit:
		return TypeVisit
	case TypeDelivery:
		return TypeDelivery
	case TypeUnknown, "":
		return ""
	default:
		// Unexpected labels are kept: the directory validation does not
		// depend on the intent type vocabulary.
		return strings.ToLower(strings.TrimSpace(t))
	}
}

func mergeIntent(dst *session.Intent, upd session.Intent) {
	if dst.Type == "" {
		dst.Type = upd.Type
	}
	if dst.VisitorName == "" {
		dst.VisitorName = upd.VisitorName
	}
	if dst.Apartment == "" {
		dst.Apartment = upd.Apartment
	}
	if dst.ResidentName == "" {
		dst.ResidentName = upd.ResidentName
	}
}
