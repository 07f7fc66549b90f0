// Package gateway is the uniform interface to text-generation backends.
// It assembles budgeted prompts, enforces schema-constrained output, and
// converts transport failures into the loop's error taxonomy.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/masonhq/mason/internal/budget"
)

// ResponseKind tags what a backend returned.
type ResponseKind string

const (
	// FreeText is unconstrained model output.
	FreeText ResponseKind = "free_text"
	// Structured is schema-validated JSON output.
	Structured ResponseKind = "structured"
)

// Request is one generation call.
type Request struct {
	// System is the fixed instruction prefix; never truncated.
	System string
	// Sections are budgeted prompt parts, rendered in order.
	Sections []budget.Section
	// Schema, when non-empty, constrains the response to JSON matching
	// this JSON-schema source. SchemaName labels violations.
	Schema     string
	SchemaName string

	Temperature float32
	MaxTokens   int
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the tagged result of a generation call: either validated
// JSON (Object set) or free text (Text set).
type Response struct {
	Kind   ResponseKind
	Text   string
	Object json.RawMessage
	Usage  Usage
}

// Client is what loop components depend on.
type Client interface {
	// Generate performs one call, including transient retries and the
	// single corrective retry on schema violations.
	Generate(ctx context.Context, req Request) (Response, error)
	// ContextWindow is the model's total token window.
	ContextWindow() int
	// Model names the backing model, recorded on build artifacts.
	Model() string
}
