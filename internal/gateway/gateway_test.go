package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masonhq/mason/internal/budget"
	"github.com/masonhq/mason/internal/model"
)

type fakeChat struct {
	replies []string
	errs    []error
	calls   int
	reqs    []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: reply}},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func testClient(chat chatter) *OpenAI {
	return newOpenAI(Config{
		Model:       "test-model",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, chat)
}

const toySchema = `{
  "type": "object",
  "properties": {"answer": {"type": "string"}},
  "required": ["answer"],
  "additionalProperties": false
}`

func TestGenerateFreeText(t *testing.T) {
	chat := &fakeChat{replies: []string{"hello"}}
	resp, err := testClient(chat).Generate(context.Background(), Request{
		System:   "you are a test",
		Sections: []budget.Section{{Name: "task", Text: "say hello", Weight: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, FreeText, resp.Kind)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	chat := &fakeChat{
		errs:    []error{errors.New("connection refused"), nil},
		replies: []string{"", "ok"},
	}
	resp, err := testClient(chat).Generate(context.Background(), Request{
		Sections: []budget.Section{{Name: "task", Text: "x", Weight: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 2, chat.calls)
}

func TestGenerateModelUnavailableAfterRetries(t *testing.T) {
	boom := errors.New("endpoint down")
	chat := &fakeChat{errs: []error{boom, boom, boom}}
	_, err := testClient(chat).Generate(context.Background(), Request{
		Sections: []budget.Section{{Name: "task", Text: "x", Weight: 1}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.Equal(t, 3, chat.calls)
}

func TestGenerateStructuredValidates(t *testing.T) {
	chat := &fakeChat{replies: []string{`{"answer": "42"}`}}
	resp, err := testClient(chat).Generate(context.Background(), Request{
		Sections:   []budget.Section{{Name: "task", Text: "x", Weight: 1}},
		Schema:     toySchema,
		SchemaName: "toy",
	})
	require.NoError(t, err)
	assert.Equal(t, Structured, resp.Kind)
	assert.JSONEq(t, `{"answer":"42"}`, string(resp.Object))
}

func TestGenerateSchemaViolationRetriesOnce(t *testing.T) {
	chat := &fakeChat{replies: []string{
		`{"wrong_field": true}`,
		`{"answer": "fixed"}`,
	}}
	resp, err := testClient(chat).Generate(context.Background(), Request{
		Sections:   []budget.Section{{Name: "task", Text: "x", Weight: 1}},
		Schema:     toySchema,
		SchemaName: "toy",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, chat.calls)
	assert.JSONEq(t, `{"answer":"fixed"}`, string(resp.Object))
	// The corrective turn must carry the violation back to the model.
	assert.Contains(t, chat.reqs[1].Messages[1].Content, "invalid")
}

func TestGenerateSchemaViolationSurfacesAfterRetry(t *testing.T) {
	chat := &fakeChat{replies: []string{`not json at all`, `still not json`}}
	_, err := testClient(chat).Generate(context.Background(), Request{
		Sections:   []budget.Section{{Name: "task", Text: "x", Weight: 1}},
		Schema:     toySchema,
		SchemaName: "toy",
	})
	require.Error(t, err)
	var sv *model.SchemaViolationError
	assert.ErrorAs(t, err, &sv)
	assert.Equal(t, 2, chat.calls)
}

func TestExtractJSONStripsFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\": 1}\n```":      `{"a": 1}`,
		"Sure, here it is: {\"a\": 1}": `{"a": 1}`,
		"{\"a\": {\"b\": 2}}":          `{"a": {"b": 2}}`,
	}
	for in, want := range cases {
		got, err := ExtractJSON(in)
		require.NoError(t, err, in)
		assert.JSONEq(t, want, got)
	}

	_, err := ExtractJSON("no object here")
	assert.Error(t, err)
}
