// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Resonate/services/llm"
)

var tracer = otel.Tracer("resonate.studyset")

// Pipeline generates exercise packs from lyrics.
type Pipeline struct {
	llm    llm.LLMClient
	params llm.GenerationParams
	log    *slog.Logger
	now    func() time.Time
}

// NewPipeline wires the study-set generator.
func NewPipeline(client llm.LLMClient, params llm.GenerationParams, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{llm: client, params: params, log: log, now: time.Now}
}

// Generate runs the full pipeline and returns a validated pack.
func (g *Pipeline) Generate(ctx context.Context, req Request) (*Pack, error) {
	ctx, span := tracer.Start(ctx, "studyset.generate")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var warnings []string

	lines, err := collectLines(req.Lyrics)
	if err != nil {
		return nil, err
	}

	tags := req.PrecomputedTags
	if len(tags) == 0 {
		if tags, err = g.tagLines(ctx, lines); err != nil {
			return nil, err
		}
	}
	tagsByID := make(map[string]LineTag, len(tags))
	for _, tag := range tags {
		tagsByID[tag.LineID] = tag
	}

	sayItBack := selectSayItBack(tags, req.SayItBackCount)

	translationCount := req.TranslationCount
	candidates := selectTranslationCandidates(tags, req.LearnerLang)
	if translationCount > 0 && len(candidates) == 0 {
		warnings = append(warnings,
			fmt.Sprintf("no lines translatable for learner language %q, translation questions skipped",
				req.LearnerLang))
		translationCount = 0
	}
	triviaCount := req.TriviaCount
	if triviaCount > 0 && len(req.Referents) == 0 {
		triviaCount = 0
	}

	// The prompt is always assembled so the pack carries a stable hash even
	// when the MCQ call is bypassed.
	mcqReq := req
	mcqReq.TranslationCount = translationCount
	mcqReq.TriviaCount = triviaCount
	promptLines := candidates
	if len(promptLines) == 0 {
		promptLines = tags
	}
	userPrompt := buildMCQPrompt(mcqReq, promptLines, req.Referents)
	hash := promptHash(mcqSystemPrompt, userPrompt)

	var translation, trivia []Question
	if translationCount > 0 || triviaCount > 0 {
		ids := make([]string, len(tags))
		for i, tag := range tags {
			ids[i] = tag.LineID
		}
		raw, err := g.llm.GenerateJSON(ctx, mcqSystemPrompt, userPrompt, mcqSchema(ids), g.params)
		if err != nil {
			return nil, fmt.Errorf("question generation failed: %w", err)
		}
		parsed, err := parseMCQResponse(raw, tagsByID)
		if err != nil {
			return nil, err
		}
		for i := range parsed {
			scrambleQuestion(&parsed[i], hash, i)
		}
		for _, q := range parsed {
			if q.Type == TypeTriviaMCQ {
				trivia = append(trivia, q)
			} else {
				translation = append(translation, q)
			}
		}
		if len(translation) > translationCount {
			translation = translation[:translationCount]
		}
		if len(trivia) > triviaCount {
			trivia = trivia[:triviaCount]
		}
	}

	if len(warnings) > MaxWarnings {
		warnings = warnings[:MaxWarnings]
	}
	pack := &Pack{
		SpecVersion: SpecVersion,
		LineTags:    tags,
		Questions:   interleaveQuestions(sayItBack, translation, trivia),
		Generator: Generator{
			Model:      g.llm.Model(),
			PromptHash: hash,
			CreatedAt:  g.now().Unix(),
		},
		Compliance: Compliance{
			ExcerptPolicy: ExcerptPolicy,
			Attribution:   attribution(req),
		},
		Warnings: warnings,
	}
	if err := validatePack(pack); err != nil {
		return nil, fmt.Errorf("generated pack failed validation: %w", err)
	}
	g.log.InfoContext(ctx, "study set generated",
		"track_id", req.TrackID, "lines", len(tags),
		"say_it_back", len(sayItBack), "translation", len(translation),
		"trivia", len(trivia), "warnings", len(warnings))
	return pack, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Lyrics) == "" {
		return fmt.Errorf("lyrics are required")
	}
	if len(req.LearnerLang) < 2 || len(req.LearnerLang) > 3 {
		return fmt.Errorf("learnerLang must be an ISO 639-1 code")
	}
	if req.TranslationCount < 0 || req.TriviaCount < 0 || req.SayItBackCount < 0 {
		return fmt.Errorf("question counts must be non-negative")
	}
	if req.TranslationCount+req.TriviaCount+req.SayItBackCount == 0 {
		return fmt.Errorf("at least one question count must be positive")
	}
	return nil
}

func attribution(req Request) string {
	if req.LyricsRef != "" {
		return req.LyricsRef
	}
	if req.Title != "" && req.Artist != "" {
		return fmt.Sprintf("%s by %s", req.Title, req.Artist)
	}
	return ""
}
