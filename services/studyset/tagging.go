// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// taggedLineResponse is the shape the tagging LLM must return per line.
type taggedLineResponse struct {
	Index      int     `json:"index"`
	Lang       string  `json:"lang"`
	Lang2      string  `json:"lang2"`
	Difficulty float64 `json:"difficulty"`
}

type taggingResponse struct {
	Lines []taggedLineResponse `json:"lines"`
}

var taggingSchema = &jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"lines": {
			Type: jsonschema.Array,
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"index":      {Type: jsonschema.Integer},
					"lang":       {Type: jsonschema.String},
					"lang2":      {Type: jsonschema.String},
					"difficulty": {Type: jsonschema.Number},
				},
				Required: []string{"index", "lang", "difficulty"},
			},
		},
	},
	Required: []string{"lines"},
}

const taggingSystemPrompt = `You are a language analyst for song lyrics.
For each numbered line, identify the primary language as a lowercase ISO 639-1
code (use "und" if you cannot tell; never guess "en" by default), an optional
secondary language if the line mixes languages, and a learner difficulty from
1 (trivial) to 5 (very hard). Respond only with the JSON object.`

// tagLines runs the tagging LLM over the collected lines and builds the
// final LineTag set with blended difficulties.
func (g *Pipeline) tagLines(ctx context.Context, lines []collectedLine) ([]LineTag, error) {
	var prompt strings.Builder
	prompt.WriteString("Lines with lexical hints (top1k coverage, top10k coverage, grade level, repeats):\n")
	stats := make([]lexicalStats, len(lines))
	for i, line := range lines {
		stats[i] = computeLexicalStats(line.text)
		fmt.Fprintf(&prompt, "%d. %q [top1k=%.2f top10k=%.2f fk=%.1f repeats=%d]\n",
			i, line.text, stats[i].top1kRatio, stats[i].top10kRatio,
			stats[i].fleschKincaid, len(line.allPositions))
	}

	raw, err := g.llm.GenerateJSON(ctx, taggingSystemPrompt, prompt.String(),
		taggingSchema, g.params)
	if err != nil {
		return nil, fmt.Errorf("line tagging failed: %w", err)
	}
	var resp taggingResponse
	if err := json.Unmarshal([]byte(stripJSONFences(raw)), &resp); err != nil {
		return nil, fmt.Errorf("unreadable tagging response: %w", err)
	}

	byIndex := make(map[int]taggedLineResponse, len(resp.Lines))
	for _, tagged := range resp.Lines {
		byIndex[tagged.Index] = tagged
	}

	tags := make([]LineTag, len(lines))
	for i, line := range lines {
		tagged := byIndex[i]
		lang := normalizeLangCode(tagged.Lang)
		lang2 := normalizeLangCode(tagged.Lang2)
		if lang2 == "und" {
			lang2 = ""
		}
		llmDifficulty := clamp(tagged.Difficulty, 1, 5)
		if tagged.Difficulty == 0 {
			llmDifficulty = 3
		}
		lexical := lexicalDifficulty(stats[i])
		tags[i] = LineTag{
			LineID:            lineID(i),
			LineIndex:         i,
			Text:              line.text,
			Lang:              lang,
			Lang2:             lang2,
			Difficulty:        blendDifficulty(llmDifficulty, lexical, line.isRepeated(), lang2 != ""),
			DifficultyLLM:     llmDifficulty,
			DifficultyLexical: lexical,
			FleschKincaid:     stats[i].fleschKincaid,
			Top1kRatio:        stats[i].top1kRatio,
			Top10kRatio:       stats[i].top10kRatio,
			AllPositions:      line.allPositions,
		}
	}
	return tags, nil
}

// normalizeLangCode lowercases and bounds a language tag. Unknown or empty
// tags become "und", never a default of "en".
func normalizeLangCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || len(code) > 3 {
		return "und"
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return "und"
		}
	}
	return code
}
