package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/tools"

	"sdr-agent/internal/domain"
)

// Tool names as the model sees them.
const (
	ToolRegisterLead    = "registrar_lead"
	ToolOfferSlots      = "oferecer_horarios"
	ToolScheduleMeeting = "agendar_reuniao"
)

// declaredTool is a tools.Tool that also publishes its argument schema.
type declaredTool interface {
	tools.Tool
	Parameters() map[string]any
}

type RegisterLeadTool struct {
	o *Orchestrator
}

func (t RegisterLeadTool) Name() string { return ToolRegisterLead }

func (t RegisterLeadTool) Description() string {
	return "Registra o lead no Pipefy. Chame somente depois de coletar nome, email, empresa e necessidade e de o cliente confirmar interesse."
}

func (t RegisterLeadTool) Parameters() map[string]any {
	return objectSchema([]string{"nome", "email", "empresa", "necessidade"}, map[string]any{
		"nome":    stringProp("Nome completo do cliente."),
		"email":   stringProp("Email do cliente."),
		"empresa": stringProp("Nome da empresa do cliente."),
		"necessidade": map[string]any{
			"type":        "string",
			"description": "Necessidade do cliente: " + domain.DescribeNeedChoices() + ".",
		},
	})
}

func (t RegisterLeadTool) Call(ctx context.Context, input string) (string, error) {
	args, err := decodeArgs(input)
	if err != nil {
		return encodeResult(failure(ToolRegisterLead, err))
	}
	return encodeResult(t.o.RegisterLead(ctx, domain.Lead{
		Name:    args["nome"],
		Email:   args["email"],
		Company: args["empresa"],
		Need:    args["necessidade"],
	}))
}

type OfferSlotsTool struct {
	o *Orchestrator
}

func (t OfferSlotsTool) Name() string { return ToolOfferSlots }

func (t OfferSlotsTool) Description() string {
	return "Lista horários disponíveis para a reunião com o especialista."
}

func (t OfferSlotsTool) Parameters() map[string]any {
	return objectSchema(nil, map[string]any{})
}

func (t OfferSlotsTool) Call(ctx context.Context, _ string) (string, error) {
	return encodeResult(t.o.OfferSlots(ctx))
}

type ScheduleMeetingTool struct {
	o *Orchestrator
}

func (t ScheduleMeetingTool) Name() string { return ToolScheduleMeeting }

func (t ScheduleMeetingTool) Description() string {
	return "Agenda a reunião no horário escolhido pelo cliente e grava link e data no card do lead."
}

func (t ScheduleMeetingTool) Parameters() map[string]any {
	return objectSchema([]string{"slot_input", "card_id"}, map[string]any{
		"slot_input": stringProp("Horário escolhido, como oferecido ou nas palavras do cliente."),
		"card_id":    stringProp("card_id retornado por registrar_lead."),
	})
}

func (t ScheduleMeetingTool) Call(ctx context.Context, input string) (string, error) {
	args, err := decodeArgs(input)
	if err != nil {
		return encodeResult(failure(ToolScheduleMeeting, err))
	}
	return encodeResult(t.o.ScheduleMeeting(ctx, args["slot_input"], args["card_id"]))
}

var (
	_ tools.Tool = RegisterLeadTool{}
	_ tools.Tool = OfferSlotsTool{}
	_ tools.Tool = ScheduleMeetingTool{}
)

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// decodeArgs reads a JSON object of tool arguments. Scalar values of any
// JSON type are accepted and rendered as strings.
func decodeArgs(input string) (map[string]string, error) {
	const op = "workflow.decodeArgs"

	input = strings.TrimSpace(input)
	if input == "" {
		return map[string]string{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, domain.NewError(domain.KindInvalidArguments, op, "argumentos não são um objeto JSON", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return nil, domain.NewError(domain.KindInvalidArguments, op, fmt.Sprintf("argumento %q deve ser texto", k), nil)
		}
	}
	return out, nil
}

func encodeResult(r Result) (string, error) {
	b, err := json.Marshal(r.Payload())
	if err != nil {
		return "", fmt.Errorf("workflow: encode %s result: %w", r.Tool, err)
	}
	return string(b), nil
}

// Toolset is the registry the conversation driver dispatches through.
type Toolset struct {
	ordered []declaredTool
	byName  map[string]declaredTool
}

func NewToolset(o *Orchestrator) *Toolset {
	ordered := []declaredTool{
		RegisterLeadTool{o: o},
		OfferSlotsTool{o: o},
		ScheduleMeetingTool{o: o},
	}
	byName := make(map[string]declaredTool, len(ordered))
	for _, t := range ordered {
		byName[t.Name()] = t
	}
	return &Toolset{ordered: ordered, byName: byName}
}

func (ts *Toolset) Declarations() []domain.ToolDeclaration {
	out := make([]domain.ToolDeclaration, 0, len(ts.ordered))
	for _, t := range ts.ordered {
		out = append(out, domain.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Invoke runs a model-requested call and returns its response payload.
// Every outcome, including unknown tools, is a payload.
func (ts *Toolset) Invoke(ctx context.Context, call domain.FunctionCall) map[string]any {
	const op = "workflow.Invoke"

	t, ok := ts.byName[call.Name]
	if !ok {
		return failure(call.Name, domain.NewError(domain.KindInvalidArguments, op,
			fmt.Sprintf("ferramenta desconhecida: %s", call.Name), nil)).Payload()
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return failure(call.Name, domain.NewError(domain.KindInvalidArguments, op, "", err)).Payload()
	}

	out, err := t.Call(ctx, string(input))
	if err != nil {
		return failure(call.Name, domain.NewError(domain.KindInternal, op, "", err)).Payload()
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return failure(call.Name, domain.NewError(domain.KindInternal, op, "", err)).Payload()
	}
	return payload
}
