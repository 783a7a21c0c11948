// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

const mcqSystemPrompt = `You write language-learning multiple-choice questions
from song lyrics. Translation questions are Jeopardy-style: the prompt is in
the learner's language and describes the meaning of a lyric line; the four
choices are lyric lines in the original language, exactly one of which matches.
Trivia questions extract one specific fact from a supplied referent annotation.
Every question cites exactly one source line by its id. Each question has
exactly four unique choices, a correctIndex between 0 and 3, an explanation,
and four choiceRationales aligned with the choices. Respond only with JSON.`

// buildMCQPrompt assembles the user prompt for translation and trivia MCQ
// generation.
func buildMCQPrompt(req Request, candidates []LineTag, referents []Referent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Learner language: %s\n", req.LearnerLang)
	fmt.Fprintf(&b, "Track: %q by %q\n", req.Title, req.Artist)
	fmt.Fprintf(&b, "Generate %d translation questions and %d trivia questions.\n\n",
		req.TranslationCount, req.TriviaCount)

	b.WriteString("Lyric lines (id, language, difficulty, text):\n")
	for _, tag := range candidates {
		fmt.Fprintf(&b, "%s [%s, %.1f] %s\n", tag.LineID, tag.Lang, tag.Difficulty, tag.Text)
	}

	if len(referents) > 0 {
		b.WriteString("\nReferents (fragment | classification | annotation):\n")
		limit := len(referents)
		if limit > maxTranslationCandidates {
			limit = maxTranslationCandidates
		}
		for _, ref := range referents[:limit] {
			fmt.Fprintf(&b, "- %q | %s | %s\n", ref.Fragment, ref.Classification, ref.Annotation)
		}
	}
	return b.String()
}

// mcqSchema constrains the response: sourceLineId is an enum over the
// supplied line ids, choices and rationales are fixed-length arrays, and
// correctIndex is an integer in [0,3].
func mcqSchema(lineIDs []string) *jsonschema.Definition {
	questionSchema := jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"type":         {Type: jsonschema.String, Enum: []string{TypeTranslationMCQ, TypeTriviaMCQ}},
			"prompt":       {Type: jsonschema.String},
			"excerpt":      {Type: jsonschema.String},
			"sourceLineId": {Type: jsonschema.String, Enum: lineIDs},
			"difficulty":   {Type: jsonschema.String, Enum: []string{DifficultyEasy, DifficultyMedium, DifficultyHard}},
			"choices": {
				Type:  jsonschema.Array,
				Items: &jsonschema.Definition{Type: jsonschema.String},
			},
			"correctIndex": {Type: jsonschema.Integer},
			"explanation":  {Type: jsonschema.String},
			"choiceRationales": {
				Type:  jsonschema.Array,
				Items: &jsonschema.Definition{Type: jsonschema.String},
			},
			"sourceClassification": {
				Type: jsonschema.String,
				Enum: []string{ClassVerified, ClassAccepted, ClassUnreviewed},
			},
		},
		Required: []string{"type", "prompt", "sourceLineId", "difficulty",
			"choices", "correctIndex", "explanation", "choiceRationales"},
	}
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"questions": {Type: jsonschema.Array, Items: &questionSchema},
		},
		Required: []string{"questions"},
	}
}

// promptHash is the 0x-prefixed SHA-256 of system+user prompts. It seeds
// the choice scrambler and identifies the generation in the pack.
func promptHash(system, user string) string {
	sum := sha256.Sum256([]byte(system + user))
	return "0x" + hex.EncodeToString(sum[:])
}
