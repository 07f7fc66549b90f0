package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog/log"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/model"
)

const (
	defaultContextWindow = 16384
	defaultMaxTokens     = 4096
	defaultMaxAttempts   = 4
	defaultBackoffBase   = 350 * time.Millisecond
	defaultAPIKeyEnv     = "OPENAI_API_KEY"
	// promptOverheadTokens reserves room for role markers and section
	// headers the budgeter does not see.
	promptOverheadTokens = 256
)

// Config configures the OpenAI-compatible backend. A custom BaseURL
// covers local endpoints that speak the same chat-completions API.
type Config struct {
	BaseURL       string
	Model         string
	APIKey        string
	APIKeyEnv     string
	ContextWindow int
	MaxTokens     int
	MaxAttempts   int
	BackoffBase   time.Duration
}

// chatter is the slice of the OpenAI client the gateway uses; tests
// substitute a fake.
type chatter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI is a gateway Client over an OpenAI-compatible endpoint.
type OpenAI struct {
	cfg      Config
	chat     chatter
	budgeter budget.Budgeter
}

// NewOpenAI constructs the backend client.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	m := strings.TrimSpace(cfg.Model)
	if m == "" {
		return nil, fmt.Errorf("gateway model is required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway api key is required (set %s)", defaultAPIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	return newOpenAI(cfg, openai.NewClientWithConfig(clientCfg)), nil
}

func newOpenAI(cfg Config, chat chatter) *OpenAI {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaultContextWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	return &OpenAI{cfg: cfg, chat: chat}
}

// ContextWindow implements Client.
func (c *OpenAI) ContextWindow() int {
	return c.cfg.ContextWindow
}

// Model implements Client.
func (c *OpenAI) Model() string {
	return c.cfg.Model
}

// Generate implements Client. Transient transport failures are retried
// with backoff and surface as ErrModelUnavailable when exhausted; a
// schema violation gets exactly one corrective retry.
func (c *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	promptBudget := c.cfg.ContextWindow - maxTokens - promptOverheadTokens - budget.EstimateTokens(req.System)
	if promptBudget < 0 {
		promptBudget = 0
	}
	prompt := renderSections(req.Sections, c.budgeter.Fit(req.Sections, promptBudget))

	system := req.System
	if req.Schema != "" {
		system = strings.TrimSpace(system + "\n\n" + schemaInstruction(req.Schema))
	}

	text, usage, err := c.complete(ctx, system, prompt, req.Temperature, maxTokens, req.Schema != "")
	if err != nil {
		return Response{}, err
	}

	if req.Schema == "" {
		return Response{Kind: FreeText, Text: text, Usage: usage}, nil
	}

	object, verr := ValidateJSON(req.Schema, text)
	if verr == nil {
		return Response{Kind: Structured, Object: object, Usage: usage}, nil
	}

	// One corrective retry: show the violation, ask again.
	log.Debug().Str("schema", req.SchemaName).Err(verr).Msg("schema violation, retrying once")
	corrective := prompt + "\n\nYour previous response was invalid: " + verr.Error() +
		"\nRespond again with a single JSON object that satisfies the schema exactly."
	text, usage2, err := c.complete(ctx, system, corrective, req.Temperature, maxTokens, true)
	if err != nil {
		return Response{}, err
	}
	usage.PromptTokens += usage2.PromptTokens
	usage.CompletionTokens += usage2.CompletionTokens

	object, verr = ValidateJSON(req.Schema, text)
	if verr != nil {
		return Response{}, &model.SchemaViolationError{Schema: req.SchemaName, Detail: verr.Error()}
	}
	return Response{Kind: Structured, Object: object, Usage: usage}, nil
}

func (c *OpenAI) complete(ctx context.Context, system, prompt string, temperature float32, maxTokens int, jsonMode bool) (string, Usage, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.BackoffBase * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.chat.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Str("model", c.cfg.Model).Msg("completion attempt failed")
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("backend returned no choices")
			continue
		}
		usage := Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
		return resp.Choices[0].Message.Content, usage, nil
	}
	return "", Usage{}, fmt.Errorf("%w: %s after %d attempts: %v",
		model.ErrModelUnavailable, c.cfg.Model, c.cfg.MaxAttempts, lastErr)
}

func schemaInstruction(schema string) string {
	return "Respond with a single JSON object and nothing else. The object must satisfy this JSON schema:\n" + schema
}

func renderSections(sections []budget.Section, fitted map[string]string) string {
	var b strings.Builder
	for _, s := range sections {
		text := fitted[s.Name]
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.Name, text)
	}
	return strings.TrimSpace(b.String())
}
