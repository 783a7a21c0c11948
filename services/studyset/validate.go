// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"fmt"
	"regexp"
	"strings"
)

var promptHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// validatePack enforces the cross-field invariants of a finished pack.
func validatePack(pack *Pack) error {
	if pack.SpecVersion != SpecVersion {
		return fmt.Errorf("spec_version must be %s", SpecVersion)
	}
	if !promptHashRe.MatchString(pack.Generator.PromptHash) {
		return fmt.Errorf("generator prompt_hash has the wrong shape")
	}
	if pack.Generator.CreatedAt <= 0 {
		return fmt.Errorf("generator created_at must be positive")
	}
	if pack.Compliance.ExcerptPolicy != ExcerptPolicy {
		return fmt.Errorf("excerpt_policy must be %s", ExcerptPolicy)
	}
	if len(pack.Warnings) > MaxWarnings {
		return fmt.Errorf("pack carries more than %d warnings", MaxWarnings)
	}

	lineIDs := map[string]bool{}
	for _, tag := range pack.LineTags {
		if lineIDs[tag.LineID] {
			return fmt.Errorf("duplicate line id %s", tag.LineID)
		}
		lineIDs[tag.LineID] = true
		if len(tag.AllPositions) == 0 {
			return fmt.Errorf("line %s has no source positions", tag.LineID)
		}
		for _, pos := range tag.AllPositions {
			if pos < 0 {
				return fmt.Errorf("line %s has a negative source position", tag.LineID)
			}
		}
		if tag.Difficulty < 1 || tag.Difficulty > 5 {
			return fmt.Errorf("line %s difficulty out of range", tag.LineID)
		}
	}

	questionIDs := map[string]bool{}
	for _, q := range pack.Questions {
		if questionIDs[q.ID] {
			return fmt.Errorf("duplicate question id %s", q.ID)
		}
		questionIDs[q.ID] = true
		if !lineIDs[q.SourceLineID] {
			return fmt.Errorf("question %s references unknown line %s", q.ID, q.SourceLineID)
		}
		if q.DifficultyScore < 1 || q.DifficultyScore > 5 {
			return fmt.Errorf("question %s difficulty_score out of range", q.ID)
		}
		if strings.ContainsAny(q.Excerpt, "\n\r") || len(q.Excerpt) > MaxExcerptChars {
			return fmt.Errorf("question %s excerpt violates the one-line policy", q.ID)
		}

		if q.Type == TypeSayItBack {
			if len(q.Choices) != 0 || q.Explanation != "" || q.CorrectIndex != nil {
				return fmt.Errorf("say-it-back question %s must not carry MCQ fields", q.ID)
			}
			continue
		}
		if len(q.Choices) != 4 || len(q.ChoiceRationales) != 4 {
			return fmt.Errorf("question %s must have 4 choices and 4 rationales", q.ID)
		}
		if q.CorrectIndex == nil || *q.CorrectIndex < 0 || *q.CorrectIndex > 3 {
			return fmt.Errorf("question %s correct_index out of range", q.ID)
		}
		seen := map[string]bool{}
		for _, c := range q.Choices {
			key := strings.ToLower(c)
			if seen[key] {
				return fmt.Errorf("question %s has duplicate choices", q.ID)
			}
			seen[key] = true
		}
	}
	return nil
}
