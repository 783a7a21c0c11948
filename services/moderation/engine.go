// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package moderation classifies staged text artifacts against an embedded
// regex rule set. The publish pipeline scans lyrics at staging time and
// either refuses the artifact or routes the job to manual review.
package moderation

import (
	"fmt"

	"github.com/AleutianAI/Resonate/services/moderation/rules"
	"gopkg.in/yaml.v3"
)

// Engine holds the compiled rule set. Safe for concurrent use after New.
type Engine struct {
	classifications []Classification
}

// New loads and compiles the embedded rule set.
func New() (*Engine, error) {
	var file RuleFile
	if err := yaml.Unmarshal(rules.LyricsContentRules, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rule file: %w", err)
	}
	if err := file.Compile(); err != nil {
		return nil, err
	}
	file.SortByPriority()
	return &Engine{classifications: file.Classifications}, nil
}

// Finding reports the highest-priority rule a text matched.
type Finding struct {
	Classification string
	PatternID      string
	Description    string
	Action         Action
	Confidence     Confidence
}

// Scan checks text against the rule set in priority order and returns the
// first match, or nil when the text is clean.
func (e *Engine) Scan(text string) *Finding {
	if text == "" {
		return nil
	}
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return &Finding{
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Action:         c.Action,
					Confidence:     p.Confidence,
				}
			}
		}
	}
	return nil
}
