// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package studyset

import (
	"strings"
	"unicode"
)

// top1kSeed approximates the 1,000 most common English words. Coverage
// ratios built from it are lexical hints, not linguistics; non-English lines
// score low here and the difficulty blend keeps the LLM estimate dominant.
var top1kSeed = []string{
	"the", "be", "to", "of", "and", "a", "in", "that", "have", "i",
	"it", "for", "not", "on", "with", "he", "as", "you", "do", "at",
	"this", "but", "his", "by", "from", "they", "we", "say", "her", "she",
	"or", "an", "will", "my", "one", "all", "would", "there", "their", "what",
	"so", "up", "out", "if", "about", "who", "get", "which", "go", "me",
	"when", "make", "can", "like", "time", "no", "just", "him", "know", "take",
	"people", "into", "year", "your", "good", "some", "could", "them", "see", "other",
	"than", "then", "now", "look", "only", "come", "its", "over", "think", "also",
	"back", "after", "use", "two", "how", "our", "work", "first", "well", "way",
	"even", "new", "want", "because", "any", "these", "give", "day", "most", "us",
	"is", "was", "are", "been", "has", "had", "were", "said", "did", "got",
	"am", "im", "dont", "cant", "wont", "aint", "gonna", "wanna", "gotta", "yeah",
	"love", "heart", "night", "life", "baby", "girl", "boy", "man", "never", "always",
	"down", "away", "here", "where", "why", "let", "tell", "feel", "need", "keep",
	"oh", "hey", "la", "away", "run", "hold", "eyes", "world", "home", "stay",
}

// top10kExtra extends the seed toward the 10k band: still common, less core.
var top10kExtra = []string{
	"dream", "dance", "shine", "burn", "fall", "break", "crazy", "alone",
	"together", "forever", "tonight", "morning", "summer", "winter", "fire",
	"rain", "sun", "moon", "star", "sky", "road", "city", "street", "song",
	"music", "sound", "voice", "silence", "memory", "moment", "promise",
	"stranger", "shadow", "light", "dark", "cold", "warm", "sweet", "bitter",
	"young", "old", "free", "lost", "found", "broken", "beautiful", "wild",
	"truth", "lie", "fear", "hope", "faith", "soul", "mind", "body", "hand",
	"touch", "kiss", "smile", "tear", "cry", "laugh", "sing", "play", "drive",
	"fly", "fight", "win", "lose", "change", "remember", "forget", "believe",
	"understand", "wonder", "wait", "watch", "listen", "breathe", "live",
}

var (
	top1kSet  = toSet(top1kSeed)
	top10kSet = toSet(append(append([]string{}, top1kSeed...), top10kExtra...))
)

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// lexicalStats are the per-line hints fed to the tagging LLM and blended
// into difficulty.
type lexicalStats struct {
	top1kRatio    float64
	top10kRatio   float64
	fleschKincaid float64
	longWordRatio float64
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func computeLexicalStats(text string) lexicalStats {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return lexicalStats{}
	}
	var in1k, in10k, long, syllables int
	for _, w := range words {
		key := strings.ReplaceAll(w, "'", "")
		if top1kSet[key] {
			in1k++
		}
		if top10kSet[key] {
			in10k++
		}
		if len([]rune(w)) >= 7 {
			long++
		}
		syllables += countSyllables(w)
	}
	n := float64(len(words))
	// One line is one sentence for grade-level purposes.
	fk := 0.39*n + 11.8*(float64(syllables)/n) - 15.59
	return lexicalStats{
		top1kRatio:    float64(in1k) / n,
		top10kRatio:   float64(in10k) / n,
		fleschKincaid: fk,
		longWordRatio: float64(long) / n,
	}
}

// countSyllables estimates English syllables by vowel-group counting.
func countSyllables(word string) int {
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

// lexicalDifficulty maps stats onto the 1..5 band:
// 1 + 4*clamp(0.55*(1-top1k) + 0.25*norm(fk-2, 10) + 0.20*longWordRatio, 0, 1).
func lexicalDifficulty(stats lexicalStats) float64 {
	fkNorm := clamp((stats.fleschKincaid-2)/10, 0, 1)
	mix := 0.55*(1-stats.top1kRatio) + 0.25*fkNorm + 0.20*stats.longWordRatio
	return 1 + 4*clamp(mix, 0, 1)
}

// blendDifficulty combines the LLM estimate with the lexical estimate and
// applies repetition and mixed-language adjustments.
func blendDifficulty(llm, lexical float64, repeated, mixedLang bool) float64 {
	blended := 0.7*llm + 0.3*lexical
	if repeated {
		blended -= 0.35
	}
	if mixedLang {
		blended += 0.25
	}
	return clamp(blended, 1, 5)
}
