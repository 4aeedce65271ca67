package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func TestLLMExtractor_Extract(t *testing.T) {
	client := &fakeLLM{response: "```json\n" + `[
		{"type": "failure", "content": "Unbounded goroutines exhausted memory.", "confidence": 0.9, "severity": "high", "resolution": "use a worker pool", "tags": ["Go", " concurrency "]},
		{"type": "decision", "content": "Use chromem for vectors.", "confidence": 7, "rationale": "in process", "alternatives_considered": ["qdrant"]},
		{"type": "bogus", "content": "dropped"},
		{"type": "insight", "content": ""}
	]` + "\n```"}

	ex := NewLLMExtractor(client, nil)
	require.True(t, ex.Available())

	recs, err := ex.Extract(context.Background(), "some conversation", "backend", "api")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, expertise.TypeFailure, recs[0].Type)
	assert.Equal(t, expertise.SeverityHigh, recs[0].Severity)
	assert.Equal(t, "use a worker pool", recs[0].Resolution)
	assert.Equal(t, []string{"go", "concurrency"}, recs[0].Tags)
	assert.Equal(t, "backend", recs[0].Domain)
	assert.Equal(t, "api", recs[0].Project)

	assert.Equal(t, expertise.TypeDecision, recs[1].Type)
	assert.InDelta(t, 0.6, recs[1].Confidence, 1e-9, "out of range confidence falls back")
	assert.Equal(t, []string{"qdrant"}, recs[1].AlternativesConsidered)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Domain: backend")
	assert.Contains(t, client.prompts[0], "some conversation")
}

func TestLLMExtractor_DegradesToEmpty(t *testing.T) {
	tests := []struct {
		name   string
		client LLMClient
	}{
		{name: "nil client", client: nil},
		{name: "provider error", client: &fakeLLM{err: errors.New("boom")}},
		{name: "garbage output", client: &fakeLLM{response: "I could not find anything"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := NewLLMExtractor(tt.client, nil).Extract(context.Background(), "text", "d", "")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestParseRecordsJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "bare array", input: `[{"type":"INSIGHT","content":"a"}]`, want: 1},
		{name: "prose around array", input: "Here you go:\n[{\"type\":\"INSIGHT\",\"content\":\"a\"}]\nThanks", want: 1},
		{name: "wrapped object", input: `{"records":[{"type":"INSIGHT","content":"a"},{"type":"PATTERN","content":"b"}]}`, want: 2},
		{name: "empty array", input: `[]`, want: 0},
		{name: "not json", input: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecordsJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestNewLLMClient(t *testing.T) {
	c, err := NewLLMClient(LLMConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewLLMClient(LLMConfig{Provider: "anthropic"})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = NewLLMClient(LLMConfig{Provider: "langchaingo"})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = NewLLMClient(LLMConfig{Provider: "mystery"})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	c, err = NewLLMClient(LLMConfig{Provider: "OpenAI", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &openAIClient{}, c)
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"[]"}]}`))
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{Provider: "anthropic", APIKey: "secret", BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestOpenAIClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL, MaxRetries: 1})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL, MaxRetries: 2})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad model"))
	assert.False(t, errors.Is(err, expertise.ErrUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_UnavailableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewLLMClient(LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL, MaxRetries: -1})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, expertise.ErrUnavailable)
}
