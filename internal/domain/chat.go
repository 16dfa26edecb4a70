package domain

import (
	"errors"
	"strings"
)

// Conversation roles as exchanged with API callers.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// Turn is one entry of the caller-owned conversation history.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part holds exactly one of Text, FunctionCall or FunctionResponse.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolDeclaration describes a callable operation offered to the model.
// Parameters is a JSON-schema object.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerateRequest is the provider-agnostic input of one model round.
type GenerateRequest struct {
	SystemInstruction string
	Tools             []ToolDeclaration
	History           []Turn
}

func TextTurn(role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

// FunctionCalls returns the tool invocations requested in the turn, in order.
func (t Turn) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range t.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// ErrPromptBlocked is reported by model providers that refuse a prompt.
var ErrPromptBlocked = errors.New("prompt blocked by provider")
