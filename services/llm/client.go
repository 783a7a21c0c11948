// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides clients for chat-completion backends.
//
// The study-set generator depends on JSON-schema enforced responses;
// backends that cannot enforce a schema must still accept one and rely on
// the caller's parser to reject malformed output.
package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// GenerationParams carries optional sampling parameters. Nil fields leave
// the backend default in place.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate returns the completion for a plain prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateJSON returns the completion for a system+user prompt pair
	// with an optional JSON schema the response must conform to. The raw
	// message content is returned; callers parse and validate it.
	GenerateJSON(ctx context.Context, system, user string, schema *jsonschema.Definition,
		params GenerationParams) (string, error)

	// Model reports the backend model name for provenance records.
	Model() string
}

// UpstreamError reports a non-success response from the backend so HTTP
// handlers can surface it as a 502 with the upstream payload attached.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm backend returned status %d: %s", e.Status, e.Body)
}
