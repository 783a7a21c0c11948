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

// collectedLine is a usable lyric line before tagging.
type collectedLine struct {
	text         string
	allPositions []int
}

var (
	// sectionHeaderRe matches structural markers like [Chorus] or [Verse 2].
	sectionHeaderRe = regexp.MustCompile(`^\s*\[[^\]]*\]\s*$`)
	// listMarkerRe strips leading bullets and numbering.
	listMarkerRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	// adLibRe strips trailing ad-lib parentheticals of common fillers.
	adLibRe = regexp.MustCompile(`(?i)\s*\((?:yeah|yea|uh|oh+|ay+|hey|woo+|ha+|la+|na+|mm+|ooh+|skrt|brr|what|huh|okay|ok|let's go|come on)[^)]*\)\s*$`)
	// repeatMarkerRe strips trailing [x2] / [repeat ...] annotations.
	repeatMarkerRe = regexp.MustCompile(`(?i)\s*\[(?:x\d+|repeat[^\]]*)\]\s*$`)
)

// sanitizeLine trims structural noise from a raw lyric line. An empty result
// means the line is unusable.
func sanitizeLine(raw string) string {
	line := strings.TrimSpace(raw)
	if line == "" || sectionHeaderRe.MatchString(line) {
		return ""
	}
	line = listMarkerRe.ReplaceAllString(line, "")
	line = repeatMarkerRe.ReplaceAllString(line, "")
	line = adLibRe.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)
	if len(line) > MaxExcerptChars {
		return ""
	}
	if len(strings.Fields(line)) < 3 {
		return ""
	}
	return line
}

// collectLines splits lyrics, sanitizes each line, and deduplicates by
// lowercased text while preserving first-seen order. Every occurrence's
// position in the raw source is appended to the survivor's all_positions,
// so dropped lines (section headers, ad-libs) still count toward later
// positions.
func collectLines(lyrics string) ([]collectedLine, error) {
	normalized := strings.ReplaceAll(lyrics, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var out []collectedLine
	index := map[string]int{}
	for position, raw := range strings.Split(normalized, "\n") {
		line := sanitizeLine(raw)
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if at, seen := index[key]; seen {
			out[at].allPositions = append(out[at].allPositions, position)
		} else {
			index[key] = len(out)
			out = append(out, collectedLine{text: line, allPositions: []int{position}})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable lyric lines after sanitization")
	}
	return out, nil
}

// isRepeated reports whether a line appeared more than once in the source.
func (l collectedLine) isRepeated() bool { return len(l.allPositions) > 1 }
