package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"sdr-agent/internal/domain"
)

const (
	defaultMaxToolRounds = 5
	defaultMaxPrompt     = 2000
)

type LLMClient interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (domain.Turn, error)
}

// ToolInvoker executes the workflow tools the model may call. Invoke never
// fails: problems are reported inside the returned payload.
type ToolInvoker interface {
	Declarations() []domain.ToolDeclaration
	Invoke(ctx context.Context, call domain.FunctionCall) map[string]any
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatService struct {
	llm           LLMClient
	tools         ToolInvoker
	system        string
	maxToolRounds int
	maxPromptLen  int
}

type ChatInput struct {
	Prompt  string
	History []domain.Turn
}

type ChatOutput struct {
	Response string
	History  []domain.Turn
}

func NewChatService(llm LLMClient, tools ToolInvoker, maxToolRounds, maxPromptLen int) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if tools == nil {
		return nil, errors.New("usecase: tool invoker must not be nil")
	}
	if maxToolRounds <= 0 {
		maxToolRounds = defaultMaxToolRounds
	}
	if maxPromptLen <= 0 {
		maxPromptLen = defaultMaxPrompt
	}
	return &ChatService{
		llm:           llm,
		tools:         tools,
		system:        SystemInstruction,
		maxToolRounds: maxToolRounds,
		maxPromptLen:  maxPromptLen,
	}, nil
}

// Chat advances the conversation by one user message. The returned history
// contains every turn produced along the way, tool rounds included, so the
// caller can send it back on the next request.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	history := append([]domain.Turn(nil), in.History...)
	if err := validateHistory(history); err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_history", err)
	}

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" && !endsWith(history, domain.RoleTool) {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	if utf8.RuneCountInString(prompt) > s.maxPromptLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}

	if endsWith(history, domain.RoleModel) {
		if calls := history[len(history)-1].FunctionCalls(); len(calls) > 0 {
			history = append(history, s.runTools(ctx, calls))
		}
	}
	if prompt != "" {
		history = append(history, domain.TextTurn(domain.RoleUser, prompt))
	}

	decls := s.tools.Declarations()
	for round := 0; ; round++ {
		turn, err := s.llm.Generate(ctx, domain.GenerateRequest{
			SystemInstruction: s.system,
			Tools:             decls,
			History:           history,
		})
		if err != nil {
			return ChatOutput{}, providerError(err)
		}
		if turn.Role == "" {
			turn.Role = domain.RoleModel
		}
		history = append(history, turn)

		calls := turn.FunctionCalls()
		if len(calls) == 0 {
			text := turn.Text()
			if text == "" {
				return ChatOutput{}, newError(ErrorUpstream, "empty_model_reply", nil)
			}
			return ChatOutput{Response: text, History: history}, nil
		}
		if round >= s.maxToolRounds {
			return ChatOutput{}, newError(ErrorUpstream, "tool_round_limit", nil)
		}
		history = append(history, s.runTools(ctx, calls))
	}
}

func (s *ChatService) runTools(ctx context.Context, calls []domain.FunctionCall) domain.Turn {
	parts := make([]domain.Part, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, domain.Part{FunctionResponse: &domain.FunctionResponse{
			Name:     call.Name,
			Response: s.tools.Invoke(ctx, call),
		}})
	}
	return domain.Turn{Role: domain.RoleTool, Parts: parts}
}

func providerError(err error) *Error {
	if errors.Is(err, domain.ErrPromptBlocked) {
		return newError(ErrorInvalidQuestion, "prompt_blocked", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, "llm_rate_limited", err)
	}
	return newError(ErrorUpstream, "llm_error", err)
}

func validateHistory(history []domain.Turn) error {
	for i, t := range history {
		switch t.Role {
		case domain.RoleUser, domain.RoleModel, domain.RoleTool:
		default:
			return fmt.Errorf("turn %d: unknown role %q", i, t.Role)
		}
		if len(t.Parts) == 0 {
			return fmt.Errorf("turn %d: no parts", i)
		}
		for _, p := range t.Parts {
			set := 0
			if p.Text != "" {
				set++
			}
			if p.FunctionCall != nil {
				set++
			}
			if p.FunctionResponse != nil {
				set++
			}
			if set != 1 {
				return fmt.Errorf("turn %d: part must hold exactly one of text, functionCall, functionResponse", i)
			}
		}
	}
	return nil
}

func endsWith(history []domain.Turn, role string) bool {
	return len(history) > 0 && history[len(history)-1].Role == role
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
