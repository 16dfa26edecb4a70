package langchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"sdr-agent/internal/domain"
)

const DefaultOpenAIModel = "gpt-4o-mini"

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// StatusError exposes the HTTP status a provider reported in its error text.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client adapts a langchaingo llms.Model to the conversation's turn model.
type Client struct {
	model llms.Model
	opts  []llms.CallOption
}

func New(model llms.Model, opts ...llms.CallOption) (*Client, error) {
	if model == nil {
		return nil, errors.New("langchain: model must not be nil")
	}
	return &Client{model: model, opts: opts}, nil
}

// NewOpenAI builds a Client over langchaingo's OpenAI backend.
func NewOpenAI(token, modelName string) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("langchain: openai token must not be empty")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = DefaultOpenAIModel
	}
	llm, err := openai.New(openai.WithToken(token), openai.WithModel(modelName))
	if err != nil {
		return nil, fmt.Errorf("langchain: create openai model: %w", err)
	}
	return New(llm)
}

func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.Turn, error) {
	messages := toMessages(req)

	opts := append([]llms.CallOption{}, c.opts...)
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(toTools(req.Tools)))
	}

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return domain.Turn{}, classify(fmt.Errorf("langchain: generate content: %w", err))
	}
	if resp == nil || len(resp.Choices) == 0 {
		return domain.Turn{}, errors.New("langchain: no choices in response")
	}
	return fromChoice(resp.Choices[0])
}

func classify(err error) error {
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	return &StatusError{StatusCode: code, Err: err}
}

func toTools(decls []domain.ToolDeclaration) []llms.Tool {
	out := make([]llms.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// toMessages converts turns to langchaingo messages. Tool call ids are
// derived from turn and part positions; each function response is paired
// with the earliest unanswered call of the same name.
func toMessages(req domain.GenerateRequest) []llms.MessageContent {
	var out []llms.MessageContent
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, s))
	}

	pending := map[string][]string{}
	for i, turn := range req.History {
		switch turn.Role {
		case domain.RoleModel:
			msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			for j, p := range turn.Parts {
				switch {
				case p.FunctionCall != nil:
					id := callID(i, j)
					pending[p.FunctionCall.Name] = append(pending[p.FunctionCall.Name], id)
					args, _ := json.Marshal(argsOrEmpty(p.FunctionCall.Args))
					msg.Parts = append(msg.Parts, llms.ToolCall{
						ID:   id,
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      p.FunctionCall.Name,
							Arguments: string(args),
						},
					})
				case p.Text != "":
					msg.Parts = append(msg.Parts, llms.TextContent{Text: p.Text})
				}
			}
			if len(msg.Parts) > 0 {
				out = append(out, msg)
			}

		case domain.RoleTool:
			for j, p := range turn.Parts {
				if p.FunctionResponse == nil {
					continue
				}
				name := p.FunctionResponse.Name
				id := callID(i, j)
				if ids := pending[name]; len(ids) > 0 {
					id, pending[name] = ids[0], ids[1:]
				}
				body, _ := json.Marshal(p.FunctionResponse.Response)
				out = append(out, llms.MessageContent{
					Role: llms.ChatMessageTypeTool,
					Parts: []llms.ContentPart{llms.ToolCallResponse{
						ToolCallID: id,
						Name:       name,
						Content:    string(body),
					}},
				})
			}

		default:
			if text := turn.Text(); text != "" {
				out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, text))
			}
		}
	}
	return out
}

func callID(turn, part int) string {
	return fmt.Sprintf("call_%d_%d", turn, part)
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func fromChoice(choice *llms.ContentChoice) (domain.Turn, error) {
	turn := domain.Turn{Role: domain.RoleModel}
	if text := strings.TrimSpace(choice.Content); text != "" {
		turn.Parts = append(turn.Parts, domain.Part{Text: text})
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.FunctionCall.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return domain.Turn{}, fmt.Errorf("langchain: decode arguments of %s: %w", tc.FunctionCall.Name, err)
			}
		}
		turn.Parts = append(turn.Parts, domain.Part{FunctionCall: &domain.FunctionCall{
			Name: tc.FunctionCall.Name,
			Args: args,
		}})
	}
	return turn, nil
}
