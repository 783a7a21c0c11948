// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// maxTranslationCandidates bounds how many lines are offered to the MCQ LLM.
const maxTranslationCandidates = 24

// bucketFor maps a blended line difficulty onto the three-way bucket.
func bucketFor(difficulty float64) string {
	switch {
	case difficulty < 2.5:
		return DifficultyEasy
	case difficulty < 3.75:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}

// bucketScore is the numeric contribution of a bucket to difficulty_score.
func bucketScore(bucket string) float64 {
	switch bucket {
	case DifficultyEasy:
		return 2
	case DifficultyHard:
		return 4
	default:
		return 3
	}
}

// selectSayItBack deterministically picks say-it-back lines: the target
// count is split across the three buckets (remainder favors medium, then
// easy, then hard), up to two repeated lines are pre-seeded, and each bucket
// is filled with evenly-spaced picks across its candidates.
func selectSayItBack(tags []LineTag, count int) []Question {
	if count <= 0 || len(tags) == 0 {
		return nil
	}
	if count > len(tags) {
		count = len(tags)
	}

	quota := map[string]int{
		DifficultyEasy:   count / 3,
		DifficultyMedium: count / 3,
		DifficultyHard:   count / 3,
	}
	for i, bucket := range []string{DifficultyMedium, DifficultyEasy, DifficultyHard} {
		if i < count%3 {
			quota[bucket]++
		}
	}

	picked := map[string]bool{}
	var chosen []LineTag

	// Pre-seed repeated lines: choruses are the natural say-it-back lines.
	seeded := 0
	for _, tag := range tags {
		if seeded >= 2 || len(chosen) >= count {
			break
		}
		if len(tag.AllPositions) > 1 {
			bucket := bucketFor(tag.Difficulty)
			if quota[bucket] > 0 {
				quota[bucket]--
				picked[tag.LineID] = true
				chosen = append(chosen, tag)
				seeded++
			}
		}
	}

	byBucket := map[string][]LineTag{}
	for _, tag := range tags {
		if !picked[tag.LineID] {
			bucket := bucketFor(tag.Difficulty)
			byBucket[bucket] = append(byBucket[bucket], tag)
		}
	}

	for _, bucket := range []string{DifficultyEasy, DifficultyMedium, DifficultyHard} {
		candidates := byBucket[bucket]
		want := quota[bucket]
		if want <= 0 || len(candidates) == 0 {
			continue
		}
		if want > len(candidates) {
			want = len(candidates)
		}
		// Evenly spaced picks: stride midpoints across the candidate list.
		step := float64(len(candidates)) / float64(want)
		for k := 0; k < want; k++ {
			at := int(math.Floor(step*float64(k) + step/2))
			if at >= len(candidates) {
				at = len(candidates) - 1
			}
			// Walk forward past already-picked neighbors.
			for at < len(candidates) && picked[candidates[at].LineID] {
				at++
			}
			if at >= len(candidates) {
				continue
			}
			picked[candidates[at].LineID] = true
			chosen = append(chosen, candidates[at])
		}
	}

	// Rebalance: top up from any bucket, in line order, if spacing skipped
	// some picks.
	if len(chosen) < count {
		for _, tag := range tags {
			if len(chosen) >= count {
				break
			}
			if !picked[tag.LineID] {
				picked[tag.LineID] = true
				chosen = append(chosen, tag)
			}
		}
	}
	if len(chosen) > count {
		chosen = chosen[:count]
	}

	sort.Slice(chosen, func(i, j int) bool { return chosen[i].LineIndex < chosen[j].LineIndex })

	questions := make([]Question, len(chosen))
	for i, tag := range chosen {
		bucket := bucketFor(tag.Difficulty)
		questions[i] = Question{
			ID:              fmt.Sprintf("sib-%03d", i+1),
			Type:            TypeSayItBack,
			Prompt:          "",
			Excerpt:         tag.Text,
			SourceLineID:    tag.LineID,
			Difficulty:      bucket,
			DifficultyScore: clamp(0.55*bucketScore(bucket)+0.45*tag.Difficulty, 1, 5),
			ExcerptLang:     tag.Lang,
		}
	}
	return questions
}

// isTranslatable reports whether a line can anchor a translation MCQ for a
// learner: its primary language must differ from the learner language on
// the first two characters.
func isTranslatable(tag LineTag, learnerLang string) bool {
	lang := tag.Lang
	if len(lang) >= 2 && len(learnerLang) >= 2 {
		return !strings.EqualFold(lang[:2], learnerLang[:2])
	}
	return lang != "und" && !strings.EqualFold(lang, learnerLang)
}

// selectTranslationCandidates ranks translatable lines by proximity to the
// mid-band difficulty 3.3 with small penalties for repeats and short lines,
// keeping up to 24.
func selectTranslationCandidates(tags []LineTag, learnerLang string) []LineTag {
	type ranked struct {
		tag   LineTag
		score float64
	}
	var candidates []ranked
	for _, tag := range tags {
		if !isTranslatable(tag, learnerLang) {
			continue
		}
		score := -math.Abs(tag.Difficulty - 3.3)
		if len(tag.AllPositions) > 1 {
			score -= 0.2
		}
		if len(strings.Fields(tag.Text)) < 4 {
			score -= 0.3
		}
		candidates = append(candidates, ranked{tag: tag, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxTranslationCandidates {
		candidates = candidates[:maxTranslationCandidates]
	}
	out := make([]LineTag, len(candidates))
	for i, c := range candidates {
		out[i] = c.tag
	}
	return out
}
