package dispatch

import (
	"context"
	"fmt"

	"github.com/harun/laju/pkg/toolexec"
)

// Role values for provider-neutral messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral conversation entry
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string
}

// ToolCallRequest is a tool invocation the model asked for
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Usage tracks token consumption for one call
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request contains the parameters for one model call
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []toolexec.Spec
	Temperature  float64
	MaxTokens    int
}

// Response is the parsed model reply
type Response struct {
	Model     string
	Content   string
	ToolCalls []ToolCallRequest
	Usage     Usage
}

// Provider is an interface for model API providers
type Provider interface {
	// Send makes a model API call
	Send(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name
	Name() string
}

// NewProvider creates a provider by name
func NewProvider(provider, apiKey string) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
