// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package studyset converts song lyrics into a validated exercise pack:
// line collection and dedup, LLM language/difficulty tagging, deterministic
// say-it-back selection, LLM-generated MCQs with schema enforcement, seeded
// answer scrambling, and cross-field validation.
package studyset

import "fmt"

// SpecVersion tags the pack format.
const SpecVersion = "exercise-pack-v2"

// ExcerptPolicy is the fixed compliance rule for lyric excerpts.
const ExcerptPolicy = "max-one-line-per-question"

// Question type discriminators.
const (
	TypeSayItBack      = "say_it_back"
	TypeTranslationMCQ = "translation_mcq"
	TypeTriviaMCQ      = "trivia_mcq"
)

// Difficulty buckets.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Source classifications for trivia referents.
const (
	ClassVerified   = "verified"
	ClassAccepted   = "accepted"
	ClassUnreviewed = "unreviewed"
)

// MaxExcerptChars bounds a single-line lyric excerpt.
const MaxExcerptChars = 180

// MaxWarnings bounds the non-fatal notes a pack may carry.
const MaxWarnings = 16

// LineTag is one deduplicated, language-tagged lyric line.
type LineTag struct {
	LineID            string  `json:"line_id"`
	LineIndex         int     `json:"line_index"`
	Text              string  `json:"text"`
	Lang              string  `json:"lang"`
	Lang2             string  `json:"lang2,omitempty"`
	Difficulty        float64 `json:"difficulty"`
	DifficultyLLM     float64 `json:"difficulty_llm"`
	DifficultyLexical float64 `json:"difficulty_lexical"`
	FleschKincaid     float64 `json:"flesch_kincaid"`
	Top1kRatio        float64 `json:"top1k_ratio"`
	Top10kRatio       float64 `json:"top10k_ratio"`
	// AllPositions lists every original-source line position carrying this
	// normalized text, in source order.
	AllPositions []int `json:"all_positions"`
}

// Question is the tagged-union question envelope. MCQ-only fields are
// omitted on say-it-back serialization.
type Question struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Prompt          string  `json:"prompt"`
	Excerpt         string  `json:"excerpt"`
	SourceLineID    string  `json:"source_line_id"`
	Difficulty      string  `json:"difficulty"`
	DifficultyScore float64 `json:"difficulty_score"`
	ExcerptLang     string  `json:"excerpt_lang,omitempty"`

	// MCQ payload.
	Choices              []string `json:"choices,omitempty"`
	CorrectIndex         *int     `json:"correct_index,omitempty"`
	Explanation          string   `json:"explanation,omitempty"`
	ChoiceRationales     []string `json:"choice_rationales,omitempty"`
	SourceClassification string   `json:"source_classification,omitempty"`
}

// IsMCQ reports whether the question carries the MCQ payload.
func (q *Question) IsMCQ() bool { return q.Type != TypeSayItBack }

// Generator records provenance for the pack.
type Generator struct {
	Model      string `json:"model"`
	PromptHash string `json:"prompt_hash"`
	CreatedAt  int64  `json:"created_at"`
}

// Compliance carries the fixed excerpt policy and attribution.
type Compliance struct {
	ExcerptPolicy string `json:"excerpt_policy"`
	Attribution   string `json:"attribution,omitempty"`
}

// Pack is the validated study-set output.
type Pack struct {
	SpecVersion string     `json:"spec_version"`
	LineTags    []LineTag  `json:"line_tags"`
	Questions   []Question `json:"questions"`
	Generator   Generator  `json:"generator"`
	Compliance  Compliance `json:"compliance"`
	Warnings    []string   `json:"warnings,omitempty"`
}

// Referent is supplemental annotation material for trivia questions.
type Referent struct {
	Fragment       string `json:"fragment"`
	Annotation     string `json:"annotation"`
	Classification string `json:"classification"`
	Votes          int    `json:"votes"`
}

// Request is the study-set generation input.
type Request struct {
	LearnerLang      string     `json:"learnerLang"`
	TrackID          string     `json:"trackId"`
	Title            string     `json:"title"`
	Artist           string     `json:"artist"`
	Lyrics           string     `json:"lyrics"`
	LyricsRef        string     `json:"lyricsRef,omitempty"`
	GeniusSongID     int64      `json:"geniusSongId,omitempty"`
	Referents        []Referent `json:"referents,omitempty"`
	TranslationCount int        `json:"translationCount"`
	TriviaCount      int        `json:"triviaCount"`
	SayItBackCount   int        `json:"sayItBackCount"`
	// PrecomputedTags skips the tagging LLM call when supplied.
	PrecomputedTags []LineTag `json:"precomputedTags,omitempty"`
}

// lineID formats the L-NNN line identifier.
func lineID(n int) string { return fmt.Sprintf("L-%03d", n) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
