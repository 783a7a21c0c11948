// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		model:      "test-model",
	}
}

func float32Ptr(v float32) *float32 { return &v }
func intPtr(v int) *int             { return &v }

func TestOllamaGenerateJSONCarriesSchemaAndParams(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"message":{"role":"assistant","content":"{\"ok\":true}"},"done":true}`))
	}))
	defer server.Close()

	schema := &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"ok": {Type: jsonschema.Boolean},
		},
		Required: []string{"ok"},
	}
	client := newTestOllamaClient(server.URL)
	out, err := client.GenerateJSON(context.Background(), "be terse", "tag these lines",
		schema, GenerationParams{Temperature: float32Ptr(0.1), MaxTokens: intPtr(512)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be terse", got.Messages[0].Content)
	assert.False(t, got.Stream)
	assert.Contains(t, string(got.Format), `"ok"`, "the schema rides in the format field")
	assert.InDelta(t, 0.1, got.Options["temperature"].(float64), 1e-6)
	assert.Equal(t, float64(512), got.Options["num_predict"])
}

func TestOllamaGenerateDefaultsTemperature(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":true}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)
	out, err := client.Generate(context.Background(), "say hello", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Nil(t, got.Format)
	assert.InDelta(t, 0.2, got.Options["temperature"].(float64), 1e-6)
}

func TestOllama5xxIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)
	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusServiceUnavailable, upstream.Status)
	assert.Contains(t, upstream.Body, "model loading")
}

func TestOllama4xxIsPlainError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown model", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL)
	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)

	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream), "client errors are not retryable upstream failures")
}

func TestNewOllamaClientRequiresBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	_, err := NewOllamaClient()
	assert.Error(t, err)

	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434/")
	t.Setenv("OLLAMA_MODEL", "llama3")
	client, err := NewOllamaClient()
	require.NoError(t, err)
	assert.Equal(t, "llama3", client.Model())
	assert.Equal(t, "http://localhost:11434", client.baseURL, "trailing slash is stripped")
}

func newTestOpenAIClient(baseURL string) *OpenAIClient {
	config := openai.DefaultConfig("test-key")
	config.BaseURL = baseURL
	return &OpenAIClient{client: openai.NewClientWithConfig(config), model: "test-model"}
}

func TestOpenAIGenerateJSONRequestsStrictSchema(t *testing.T) {
	var got map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	schema := &jsonschema.Definition{Type: jsonschema.Object}
	client := newTestOpenAIClient(server.URL)
	out, err := client.GenerateJSON(context.Background(), "sys", "user", schema, GenerationParams{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, out)

	require.Contains(t, got, "response_format")
	assert.Contains(t, string(got["response_format"]), `"json_schema"`)
	assert.Contains(t, string(got["response_format"]), `"strict":true`)
}

func TestOpenAI5xxIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusInternalServerError, upstream.Status)
	assert.Contains(t, upstream.Body, "overloaded")
}

func TestOpenAIEmptyChoicesIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	assert.Error(t, err)
}
