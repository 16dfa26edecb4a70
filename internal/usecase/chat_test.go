package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sdr-agent/internal/domain"
	"sdr-agent/internal/integrations/gemini"
	"sdr-agent/internal/integrations/langchain"
	"sdr-agent/internal/workflow"
)

type generateResult struct {
	turn domain.Turn
	err  error
}

type mockLLM struct {
	results  []generateResult
	requests []domain.GenerateRequest
}

func (m *mockLLM) Generate(_ context.Context, req domain.GenerateRequest) (domain.Turn, error) {
	m.requests = append(m.requests, domain.GenerateRequest{
		SystemInstruction: req.SystemInstruction,
		Tools:             req.Tools,
		History:           append([]domain.Turn(nil), req.History...),
	})
	if len(m.results) == 0 {
		return domain.Turn{}, errors.New("no llm response configured")
	}
	idx := len(m.requests) - 1
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	return m.results[idx].turn, m.results[idx].err
}

type mockTools struct {
	calls    []domain.FunctionCall
	payloads map[string]map[string]any
}

func (m *mockTools) Declarations() []domain.ToolDeclaration {
	return []domain.ToolDeclaration{
		{Name: workflow.ToolRegisterLead},
		{Name: workflow.ToolOfferSlots},
		{Name: workflow.ToolScheduleMeeting},
	}
}

func (m *mockTools) Invoke(_ context.Context, call domain.FunctionCall) map[string]any {
	m.calls = append(m.calls, call)
	if p, ok := m.payloads[call.Name]; ok {
		return p
	}
	return map[string]any{"status": "sucesso"}
}

func reply(text string) generateResult {
	return generateResult{turn: domain.TextTurn(domain.RoleModel, text)}
}

func callTurn(calls ...domain.FunctionCall) domain.Turn {
	parts := make([]domain.Part, 0, len(calls))
	for i := range calls {
		c := calls[i]
		parts = append(parts, domain.Part{FunctionCall: &c})
	}
	return domain.Turn{Role: domain.RoleModel, Parts: parts}
}

func toolCall(calls ...domain.FunctionCall) generateResult {
	return generateResult{turn: callTurn(calls...)}
}

func newTestService(t *testing.T, llm LLMClient, tools ToolInvoker) *ChatService {
	t.Helper()
	svc, err := NewChatService(llm, tools, 0, 0)
	require.NoError(t, err)
	return svc
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

// ---------------------------------------------------------------------------
// Construction and validation
// ---------------------------------------------------------------------------

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	_, err := NewChatService(nil, &mockTools{}, 0, 0)
	require.Error(t, err)

	_, err = NewChatService(&mockLLM{}, nil, 0, 0)
	require.Error(t, err)

	svc, err := NewChatService(&mockLLM{}, &mockTools{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxToolRounds, svc.maxToolRounds)
	require.Equal(t, defaultMaxPrompt, svc.maxPromptLen)
}

func TestChat_ValidationErrors(t *testing.T) {
	llm := &mockLLM{results: []generateResult{reply("oi")}}
	svc, err := NewChatService(llm, &mockTools{}, 0, 10)
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), ChatInput{Prompt: "   "})
	expectChatError(t, err, ErrorInvalidInput, "empty_prompt")

	_, err = svc.Chat(context.Background(), ChatInput{Prompt: strings.Repeat("a", 11)})
	expectChatError(t, err, ErrorInvalidInput, "prompt_too_long")

	// Length is counted in characters, not bytes.
	_, err = svc.Chat(context.Background(), ChatInput{Prompt: strings.Repeat("ç", 10)})
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
}

func TestChat_InvalidHistory(t *testing.T) {
	svc := newTestService(t, &mockLLM{results: []generateResult{reply("oi")}}, &mockTools{})

	cases := map[string][]domain.Turn{
		"unknown role": {{Role: "system", Parts: []domain.Part{{Text: "x"}}}},
		"no parts":     {{Role: domain.RoleUser}},
		"empty part":   {{Role: domain.RoleUser, Parts: []domain.Part{{}}}},
		"two fields": {{Role: domain.RoleModel, Parts: []domain.Part{{
			Text:         "x",
			FunctionCall: &domain.FunctionCall{Name: workflow.ToolOfferSlots},
		}}}},
	}
	for name, history := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Chat(context.Background(), ChatInput{Prompt: "oi", History: history})
			expectChatError(t, err, ErrorInvalidInput, "invalid_history")
		})
	}
}

// ---------------------------------------------------------------------------
// Conversation flow
// ---------------------------------------------------------------------------

func TestChat_PlainReply(t *testing.T) {
	llm := &mockLLM{results: []generateResult{reply("Olá! Qual é o seu nome completo?")}}
	tools := &mockTools{}
	svc := newTestService(t, llm, tools)

	prior := []domain.Turn{domain.TextTurn(domain.RoleUser, "bom dia"), domain.TextTurn(domain.RoleModel, "Bom dia!")}
	out, err := svc.Chat(context.Background(), ChatInput{Prompt: "  quero uma reunião  ", History: prior})
	require.NoError(t, err)
	require.Equal(t, "Olá! Qual é o seu nome completo?", out.Response)
	require.Len(t, out.History, 4)
	require.Equal(t, domain.TextTurn(domain.RoleUser, "quero uma reunião"), out.History[2])
	require.Equal(t, domain.RoleModel, out.History[3].Role)
	require.Empty(t, tools.calls)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	require.Equal(t, SystemInstruction, req.SystemInstruction)
	require.Len(t, req.Tools, 3)
	require.Len(t, req.History, 3)

	// Caller history is not mutated.
	require.Len(t, prior, 2)
}

func TestChat_ToolRoundThenReply(t *testing.T) {
	register := domain.FunctionCall{Name: workflow.ToolRegisterLead, Args: map[string]any{"nome": "Ana"}}
	offer := domain.FunctionCall{Name: workflow.ToolOfferSlots, Args: map[string]any{}}
	llm := &mockLLM{results: []generateResult{
		toolCall(register),
		toolCall(offer),
		reply("Tenho estes horários disponíveis."),
	}}
	tools := &mockTools{payloads: map[string]map[string]any{
		workflow.ToolRegisterLead: {"status": "sucesso", "card_id": "SIM_CARD_12345"},
		workflow.ToolOfferSlots:   {"status": "sucesso", "slots": []string{"2026-10-16T10:00:00"}},
	}}
	svc := newTestService(t, llm, tools)

	out, err := svc.Chat(context.Background(), ChatInput{Prompt: "Ana, ana@x.com, ACME, Implementar IA"})
	require.NoError(t, err)
	require.Equal(t, "Tenho estes horários disponíveis.", out.Response)
	require.Equal(t, []domain.FunctionCall{register, offer}, tools.calls)

	roles := make([]string, 0, len(out.History))
	for _, turn := range out.History {
		roles = append(roles, turn.Role)
	}
	require.Equal(t, []string{
		domain.RoleUser,
		domain.RoleModel, domain.RoleTool,
		domain.RoleModel, domain.RoleTool,
		domain.RoleModel,
	}, roles)

	resp := out.History[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	require.Equal(t, workflow.ToolRegisterLead, resp.Name)
	require.Equal(t, "SIM_CARD_12345", resp.Response["card_id"])

	require.Len(t, llm.requests, 3)
	require.Len(t, llm.requests[2].History, 5)
}

func TestChat_ParallelCallsShareOneToolTurn(t *testing.T) {
	a := domain.FunctionCall{Name: workflow.ToolRegisterLead}
	b := domain.FunctionCall{Name: workflow.ToolOfferSlots}
	llm := &mockLLM{results: []generateResult{toolCall(a, b), reply("ok")}}
	tools := &mockTools{}
	svc := newTestService(t, llm, tools)

	out, err := svc.Chat(context.Background(), ChatInput{Prompt: "oi"})
	require.NoError(t, err)
	require.Len(t, tools.calls, 2)

	toolTurn := out.History[2]
	require.Equal(t, domain.RoleTool, toolTurn.Role)
	require.Len(t, toolTurn.Parts, 2)
	require.Equal(t, workflow.ToolRegisterLead, toolTurn.Parts[0].FunctionResponse.Name)
	require.Equal(t, workflow.ToolOfferSlots, toolTurn.Parts[1].FunctionResponse.Name)
}

func TestChat_ToolRoundLimit(t *testing.T) {
	llm := &mockLLM{results: []generateResult{toolCall(domain.FunctionCall{Name: workflow.ToolOfferSlots})}}
	tools := &mockTools{}
	svc, err := NewChatService(llm, tools, 2, 0)
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), ChatInput{Prompt: "horários?"})
	expectChatError(t, err, ErrorUpstream, "tool_round_limit")
	require.Len(t, tools.calls, 2)
	require.Len(t, llm.requests, 3)
}

func TestChat_EmptyModelReply(t *testing.T) {
	llm := &mockLLM{results: []generateResult{{turn: domain.Turn{Parts: []domain.Part{{Text: "  "}}}}}}
	svc := newTestService(t, llm, &mockTools{})

	_, err := svc.Chat(context.Background(), ChatInput{Prompt: "oi"})
	expectChatError(t, err, ErrorUpstream, "empty_model_reply")
}

func TestChat_ContinuesAfterToolTurn(t *testing.T) {
	offer := domain.FunctionCall{Name: workflow.ToolOfferSlots, Args: map[string]any{}}
	history := []domain.Turn{
		domain.TextTurn(domain.RoleUser, "Quero agendar"),
		callTurn(offer),
		{Role: domain.RoleTool, Parts: []domain.Part{{FunctionResponse: &domain.FunctionResponse{
			Name:     workflow.ToolOfferSlots,
			Response: map[string]any{"status": "sucesso", "slots": []any{"2026-10-16T10:00:00"}},
		}}}},
	}
	llm := &mockLLM{results: []generateResult{reply("Que tal amanhã às 10h?")}}
	tools := &mockTools{}
	svc := newTestService(t, llm, tools)

	out, err := svc.Chat(context.Background(), ChatInput{History: history})
	require.NoError(t, err)
	require.Equal(t, "Que tal amanhã às 10h?", out.Response)
	require.Empty(t, tools.calls)
	require.Len(t, out.History, 4)

	require.Len(t, llm.requests, 1)
	require.Equal(t, history, llm.requests[0].History)
}

func TestChat_ExecutesDanglingCallsFirst(t *testing.T) {
	schedule := domain.FunctionCall{
		Name: workflow.ToolScheduleMeeting,
		Args: map[string]any{"card_id": "SIM_CARD_12345", "data_hora": "2026-10-16T10:00:00"},
	}
	history := []domain.Turn{
		domain.TextTurn(domain.RoleUser, "pode ser amanhã 10h"),
		callTurn(schedule),
	}
	llm := &mockLLM{results: []generateResult{reply("Reunião agendada!")}}
	tools := &mockTools{}
	svc := newTestService(t, llm, tools)

	out, err := svc.Chat(context.Background(), ChatInput{Prompt: "e então?", History: history})
	require.NoError(t, err)
	require.Equal(t, []domain.FunctionCall{schedule}, tools.calls)

	sent := llm.requests[0].History
	require.Len(t, sent, 4)
	require.Equal(t, domain.RoleTool, sent[2].Role)
	require.Equal(t, workflow.ToolScheduleMeeting, sent[2].Parts[0].FunctionResponse.Name)
	require.Equal(t, domain.TextTurn(domain.RoleUser, "e então?"), sent[3])
	require.Len(t, out.History, 5)
}

// ---------------------------------------------------------------------------
// Provider failures
// ---------------------------------------------------------------------------

func TestChat_ProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{"gemini rate limited", &gemini.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, ErrorRateLimited, "llm_rate_limited"},
		{"langchain rate limited", &langchain.StatusError{StatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}, ErrorRateLimited, "llm_rate_limited"},
		{"server error", &gemini.HTTPStatusError{StatusCode: http.StatusInternalServerError}, ErrorUpstream, "llm_error"},
		{"network", errors.New("dial tcp: connection refused"), ErrorUpstream, "llm_error"},
		{"blocked", fmt.Errorf("%w: SAFETY", gemini.ErrPromptBlocked), ErrorInvalidQuestion, "prompt_blocked"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t, &mockLLM{results: []generateResult{{err: tc.err}}}, &mockTools{})
			_, err := svc.Chat(context.Background(), ChatInput{Prompt: "oi"})
			expectChatError(t, err, tc.code, tc.reason)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorRateLimited, CodeOf(fmt.Errorf("wrapped: %w", newError(ErrorRateLimited, "x", nil))))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("boom")))
	require.Equal(t, ErrorInternal, CodeOf(nil))
}

func TestSystemInstruction_NamesTools(t *testing.T) {
	for _, name := range []string{workflow.ToolRegisterLead, workflow.ToolOfferSlots, workflow.ToolScheduleMeeting} {
		require.Contains(t, SystemInstruction, name)
	}
	require.Contains(t, SystemInstruction, "card_id")
}

func TestSystemInstruction_NeedsAreAccepted(t *testing.T) {
	line := ""
	for _, l := range strings.Split(SystemInstruction, "\n") {
		if strings.Contains(l, "A necessidade deve ser") {
			line = l
		}
	}
	require.NotEmpty(t, line)

	// Every quoted option must be something the pipeline accepts.
	quoted := strings.Split(line, "'")
	var named []string
	for i := 1; i < len(quoted); i += 2 {
		named = append(named, quoted[i])
	}
	require.ElementsMatch(t, domain.NeedChoices, named)
	for _, need := range named {
		_, ok := domain.ParseNeed(need)
		require.True(t, ok, "need=%q", need)
	}
	require.NotContains(t, SystemInstruction, string(domain.NeedAutomation))
}
