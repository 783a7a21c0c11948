// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolver normalizes track metadata into a deterministic content
// key and resolves it against external music databases through a cascade of
// MBID verification, ISRC lookup, acoustic fingerprinting, and optional
// text search, with per-step caching and retry.
package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/Resonate/pkg/validation"
)

// MaxDurationS bounds a plausible track duration (6 hours).
const MaxDurationS = 21600

// versionTagRe matches trailing parenthetical or bracketed release markers
// like "(Remaster)", "[Live 1994]", "(Radio Edit)".
var versionTagRe = regexp.MustCompile(`(?i)\s*[(\[][^)\]]*\b(remaster(?:ed)?|live|version|edit|mix|remix|mono|stereo|deluxe|bonus|demo|instrumental|acoustic|single|explicit|clean|feat\.?|ft\.?)\b[^)\]]*[)\]]\s*$`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Input is the raw track metadata submitted for resolution.
type Input struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	DurationS   int    `json:"durationS,omitempty"`
	ISRC        string `json:"isrc,omitempty"`
	MBID        string `json:"mbid,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Normalized is the deterministic form of a track's metadata.
type Normalized struct {
	TitleNorm  string `json:"title_norm"`
	ArtistNorm string `json:"artist_norm"`
	AlbumNorm  string `json:"album_norm"`
	DurationS  int    `json:"duration_s,omitempty"`
	ISRCNorm   string `json:"isrc_norm,omitempty"`
	MBIDNorm   string `json:"mbid_norm,omitempty"`
}

// normText lowercases, NFKC-normalizes, strips trailing release markers,
// and collapses whitespace. Idempotent.
func normText(s string) string {
	s = norm.NFKC.String(s)
	for {
		stripped := versionTagRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRe.ReplaceAllString(s, " ")
}

// Normalize builds the deterministic form of the input. Invalid ISRC, MBID,
// and out-of-range durations are dropped rather than failing: they are
// hints, not requirements.
func Normalize(in Input) Normalized {
	out := Normalized{
		TitleNorm:  normText(in.Title),
		ArtistNorm: normText(in.Artist),
		AlbumNorm:  normText(in.Album),
	}
	if in.DurationS > 0 && in.DurationS < MaxDurationS {
		out.DurationS = in.DurationS
	}
	if isrc, err := validation.SanitizeISRC(in.ISRC); err == nil && in.ISRC != "" {
		out.ISRCNorm = isrc
	}
	if mbid, err := validation.SanitizeMBID(in.MBID); err == nil && in.MBID != "" {
		out.MBIDNorm = mbid
	}
	return out
}

// durationBucket folds durations into 2-second buckets so a ±1s tag drift
// maps to the same key. Zero duration yields an empty component.
func durationBucket(durationS int) string {
	if durationS <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", durationS/2)
}

// TrackKey is the SHA-256 content key over the normalized tuple. When title
// and artist are both present the key is versioned "trackkey-v1"; otherwise
// the incomplete variant mixes in the album to reduce collisions.
func TrackKey(n Normalized) string {
	var joined string
	if n.TitleNorm != "" && n.ArtistNorm != "" {
		joined = strings.Join([]string{
			"trackkey-v1", n.TitleNorm, n.ArtistNorm, durationBucket(n.DurationS),
		}, "|")
	} else {
		joined = strings.Join([]string{
			"trackkey-v1-incomplete", n.TitleNorm, n.ArtistNorm,
			durationBucket(n.DurationS), n.AlbumNorm,
		}, "|")
	}
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
