// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// rawMCQ tolerates the key variants models actually emit.
type rawMCQ struct {
	Type                 string   `json:"type"`
	Prompt               string   `json:"prompt"`
	Excerpt              string   `json:"excerpt"`
	SourceLineID         string   `json:"sourceLineId"`
	Difficulty           string   `json:"difficulty"`
	Choices              []string `json:"choices"`
	CorrectIndex         *int     `json:"correctIndex"`
	Explanation          string   `json:"explanation"`
	ChoiceRationales     []string `json:"choiceRationales"`
	SourceClassification string   `json:"sourceClassification"`
}

type rawMCQResponse struct {
	Questions []rawMCQ `json:"questions"`
}

var (
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	// correctIndexKeyRe repairs correct_index / correct-index key typos.
	correctIndexKeyRe = regexp.MustCompile(`"correct[_\-]index"`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
)

// rationaleLabels is the fixed multilingual set of label prefixes models
// prepend to rationales despite instructions.
var rationaleLabels = []string{
	"Correct:", "Incorrect:", "Wrong:", "Right:",
	"Correcto:", "Incorrecto:", "Correct :", "Incorrect :",
	"Richtig:", "Falsch:", "Juste:", "Faux:",
	"正解:", "不正解:", "정답:", "오답:",
}

// stripJSONFences unwraps a fenced code block if the whole payload is one.
func stripJSONFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if match := jsonFenceRe.FindStringSubmatch(trimmed); match != nil {
		return match[1]
	}
	return trimmed
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func stripRationaleLabel(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, label := range rationaleLabels {
		if strings.HasPrefix(trimmed, label) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, label))
		}
	}
	return trimmed
}

// parseMCQResponse parses and normalizes the MCQ LLM output against the
// tagged-line map. A missing source line is a hard failure; cosmetic model
// quirks (fences, key typos, rationale labels) are repaired silently.
func parseMCQResponse(raw string, tagsByID map[string]LineTag) ([]Question, error) {
	payload := stripJSONFences(raw)
	payload = correctIndexKeyRe.ReplaceAllString(payload, `"correctIndex"`)

	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("response root must be an object, got array")
	}
	var resp rawMCQResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("unreadable question response: %w", err)
	}

	var translation, trivia []Question
	for i, raw := range resp.Questions {
		q, err := normalizeMCQ(raw, tagsByID)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		switch q.Type {
		case TypeTriviaMCQ:
			q.ID = fmt.Sprintf("trv-%03d", len(trivia)+1)
			trivia = append(trivia, *q)
		default:
			q.ID = fmt.Sprintf("trx-%03d", len(translation)+1)
			translation = append(translation, *q)
		}
	}
	return append(translation, trivia...), nil
}

func normalizeMCQ(raw rawMCQ, tagsByID map[string]LineTag) (*Question, error) {
	tag, ok := tagsByID[strings.TrimSpace(raw.SourceLineID)]
	if !ok {
		return nil, fmt.Errorf("unknown source line id %q", raw.SourceLineID)
	}
	if raw.Type != TypeTranslationMCQ && raw.Type != TypeTriviaMCQ {
		return nil, fmt.Errorf("unknown question type %q", raw.Type)
	}
	if len(raw.Choices) != 4 {
		return nil, fmt.Errorf("expected 4 choices, got %d", len(raw.Choices))
	}
	if len(raw.ChoiceRationales) != 4 {
		return nil, fmt.Errorf("expected 4 choice rationales, got %d", len(raw.ChoiceRationales))
	}
	if raw.CorrectIndex == nil || *raw.CorrectIndex < 0 || *raw.CorrectIndex > 3 {
		return nil, fmt.Errorf("correctIndex out of range")
	}

	choices := make([]string, 4)
	seen := map[string]bool{}
	for i, c := range raw.Choices {
		choices[i] = normalizeWhitespace(c)
		if choices[i] == "" {
			return nil, fmt.Errorf("choice %d is empty", i)
		}
		key := strings.ToLower(choices[i])
		if seen[key] {
			return nil, fmt.Errorf("duplicate choice %q", choices[i])
		}
		seen[key] = true
	}
	rationales := make([]string, 4)
	for i, r := range raw.ChoiceRationales {
		rationales[i] = stripRationaleLabel(normalizeWhitespace(r))
		if rationales[i] == "" {
			return nil, fmt.Errorf("choice rationale %d is empty", i)
		}
	}
	explanation := normalizeWhitespace(raw.Explanation)
	if explanation == "" {
		return nil, fmt.Errorf("explanation is empty")
	}

	excerpt := normalizeWhitespace(raw.Excerpt)
	if excerpt == "" {
		excerpt = tag.Text
	}
	if strings.ContainsAny(excerpt, "\n\r") || len(excerpt) > MaxExcerptChars {
		return nil, fmt.Errorf("excerpt violates the one-line policy")
	}

	bucket := raw.Difficulty
	switch bucket {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
	default:
		bucket = DifficultyMedium
	}
	classification := raw.SourceClassification
	if raw.Type == TypeTriviaMCQ && classification == "" {
		classification = ClassUnreviewed
	}

	idx := *raw.CorrectIndex
	return &Question{
		Type:                 raw.Type,
		Prompt:               normalizeWhitespace(raw.Prompt),
		Excerpt:              excerpt,
		SourceLineID:         tag.LineID,
		Difficulty:           bucket,
		DifficultyScore:      clamp(0.55*bucketScore(bucket)+0.45*tag.Difficulty, 1, 5),
		ExcerptLang:          tag.Lang,
		Choices:              choices,
		CorrectIndex:         &idx,
		Explanation:          explanation,
		ChoiceRationales:     rationales,
		SourceClassification: classification,
	}, nil
}
