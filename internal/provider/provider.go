// Package provider is the Provider Adapter (C3): translates this
// process's normalized conversation and tool catalog into one upstream
// LLM API's wire format, and translates that API's stream back into
// the normalized event vocabulary (§4.3).
package provider

import (
	"context"
	"encoding/json"

	"github.com/agentd/agentd/pkg/types"
)

// ToolSpec is one catalog entry as seen by a provider adapter.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a turn's outgoing call to an upstream model.
type Request struct {
	Model              string
	SystemPrompt       string
	Conversation       []types.Message
	Tools              []ToolSpec
	MaxTokens          int
	PreviousResponseID string // OpenAI Responses continuation handle
}

// Adapter is implemented once per upstream flavor (Anthropic Messages
// SSE, OpenAI Responses SSE). Stream pushes normalized events to ch and
// closes it when the upstream stream ends or ctx is canceled.
type Adapter interface {
	ID() string
	Stream(ctx context.Context, req Request, ch chan<- types.NormalizedEvent) error
}

// AuthMode selects how a provider's credentials are resolved (§4.3).
type AuthMode string

const (
	AuthAPIKey           AuthMode = "api-key"
	AuthOAuth            AuthMode = "oauth"
	AuthOAuthThenAPIKey  AuthMode = "oauth-then-api-key"
	AuthAPIKeyThenOAuth  AuthMode = "api-key-then-oauth"
)
