package intent_test

import (
	"context"
	"testing"

	"github.com/tecvoz/porteiro/internal/intent"
	"github.com/tecvoz/porteiro/internal/session"
	llmmock "github.com/tecvoz/porteiro/pkg/provider/llm/mock"
)

func TestAdvance_FillsAllStagesFromOneRichTurn(t *testing.T) {
	t.Parallel()

	m := llmmock.New()
	m.Queue(
		llmmock.Response{Text: `{"message": "", "data": {"intent_type": "entrega"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"visitor_name": "Pedro"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"apartment": "501", "resident_name": "Daniel"}}`},
	)

	e := intent.New(m)
	got, err := e.Advance(context.Background(), session.Intent{}, nil, "Entrega para o 501, Daniel. Meu nome é Pedro.")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	want := session.Intent{Type: "entrega", VisitorName: "Pedro", Apartment: "501", ResidentName: "Daniel"}
	if got.Intent != want {
		t.Errorf("intent = %+v, want %+v", got.Intent, want)
	}
	if len(m.Calls()) != 3 {
		t.Errorf("LLM calls = %d, want 3 (one per stage)", len(m.Calls()))
	}
}

func TestAdvance_StopsAtFirstUnresolvedStage(t *testing.T) {
	t.Parallel()

	m := llmmock.New()
	m.Queue(
		llmmock.Response{Text: `{"message": "É entrega ou visita?", "data": {"intent_type": "desconhecido"}}`},
	)

	e := intent.New(m)
	got, err := e.Advance(context.Background(), session.Intent{}, nil, "Oi, bom dia")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Message != "É entrega ou visita?" {
		t.Errorf("message = %q", got.Message)
	}
	if got.Intent.Type != "" {
		t.Errorf("unknown type must stay empty, got %q", got.Intent.Type)
	}
	if len(m.Calls()) != 1 {
		t.Errorf("LLM calls = %d, later stages must not run", len(m.Calls()))
	}
}

func TestAdvance_SkipsFilledStages(t *testing.T) {
	t.Parallel()

	m := llmmock.New()
	m.Queue(
		llmmock.Response{Text: `{"message": "", "data": {"visitor_name": "Maria"}}`},
		llmmock.Response{Text: `{"message": "", "data": {"apartment": "102", "resident_name": "Ana"}}`},
	)

	e := intent.New(m)
	current := session.Intent{Type: "visita"}
	got, err := e.Advance(context.Background(), current, nil, "Sou a Maria, vim ver a Ana do 102")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Intent.VisitorName != "Maria" || got.Intent.Apartment != "102" {
		t.Errorf("intent = %+v", got.Intent)
	}
	if len(m.Calls()) != 2 {
		t.Errorf("LLM calls = %d, want 2 (type stage skipped)", len(m.Calls()))
	}
}

func TestAdvance_TolerantOfFencedJSON(t *testing.T) {
	t.Parallel()

	m := llmmock.New()
	m.Queue(llmmock.Response{Text: "Claro! Aqui está:\n```json\n{\"message\": \"\", \"data\": {\"intent_type\": \"visita\"}}\n```"})
	m.Fallback = `{"message": "quem?", "data": {}}`

	e := intent.New(m)
	got, err := e.Advance(context.Background(), session.Intent{}, nil, "vim visitar")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got.Intent.Type != "visita" {
		t.Errorf("type = %q, want visita", got.Intent.Type)
	}
}

func TestAdvance_ProviderErrorPropagates(t *testing.T) {
	t.Parallel()

	m := llmmock.New()
	m.Err = context.DeadlineExceeded

	e := intent.New(m)
	if _, err := e.Advance(context.Background(), session.Intent{}, nil, "oi"); err == nil {
		t.Error("provider failure must propagate")
	}
}
