// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package moderation

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Action is what the pipeline does with a matching artifact.
type Action string

const (
	// ActionReject refuses the artifact outright.
	ActionReject Action = "reject"
	// ActionReview stages the artifact but routes the job to manual review.
	ActionReview Action = "review"
)

func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Action(s)
	switch incoming {
	case ActionReject, ActionReview:
		*a = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for action: %q", incoming)
	}
}

// Confidence grades how reliable a pattern is, ordered low < medium < high.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := Confidence(s)
	switch incoming {
	case Low, Medium, High:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", incoming)
	}
}

// RuleFile is the top-level shape of the embedded YAML rule set.
type RuleFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups related patterns under one name and action.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Action      Action    `yaml:"action"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is a single regex rule inside a classification.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	compiled *regexp.Regexp
}

// Compile compiles every pattern regex. Called once at engine construction.
func (f *RuleFile) Compile() error {
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			pattern := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile pattern %s: %w", pattern.ID, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

// SortByPriority orders classifications from highest to lowest priority so
// scans decide on the most severe match first.
func (f *RuleFile) SortByPriority() {
	sort.Slice(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
}
