// Package provider defines the LLM provider contract the conversation
// engine drives. Concrete clients live in subpackages; the engine only
// sees this interface plus the error taxonomy.
package provider

import (
	"context"
	"errors"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ErrQuotaExceeded classifies a candidate failure caused by provider rate
// limiting. The cascade continues to the next candidate; it is never
// surfaced to callers directly.
var ErrQuotaExceeded = errors.New("provider quota exceeded")

func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

type Blob struct {
	MIMEType string
	Data     []byte
}

type FunctionCall struct {
	Name string
	Args map[string]any
}

type FunctionResponse struct {
	Name     string
	Response map[string]any
}

// Part is one piece of a message: exactly one field is set.
type Part struct {
	Text             string
	InlineData       *Blob
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

type Message struct {
	Role  string
	Parts []Part
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// ToolDecl declares a callable function to the model. Parameters is a
// JSON-schema-like object.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Usage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

type Request struct {
	Model             string
	SystemInstruction string
	Messages          []Message
	Tools             []ToolDecl
	Temperature       float64
	MaxOutputTokens   int
}

type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	Usage         Usage
	Raw           []byte
}

// HasFunctionCalls reports whether the model requested any tool
// invocations in this response.
func (r Response) HasFunctionCalls() bool {
	return len(r.FunctionCalls) > 0
}

type ModelInfo struct {
	Name             string
	InputTokenLimit  int
	OutputTokenLimit int
}

type Client interface {
	GenerateContent(ctx context.Context, req Request) (Response, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Factory builds a client bound to one decrypted credential secret.
type Factory func(secret string) Client
